package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{RunID: "run-001", Step: 1, NodeID: "summarize", Msg: MsgNodeStart})

	out := buf.String()
	if !strings.HasPrefix(out, "[node_start] ") {
		t.Errorf("output = %q", out)
	}
	for _, want := range []string{"runID=run-001", "step=1", "nodeID=summarize"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLogEmitterTextMeta(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{RunID: "r", Msg: MsgNodeEnd, Meta: map[string]any{"duration_ms": 42}})
	if !strings.Contains(buf.String(), `meta={"duration_ms":42}`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(Event{RunID: "run-001", Step: 2, NodeID: "score", Msg: MsgNodeEnd,
		Meta: map[string]any{"cost_usd": 0.001}})

	var decoded struct {
		RunID  string         `json:"runID"`
		Step   int            `json:"step"`
		NodeID string         `json:"nodeID"`
		Msg    string         `json:"msg"`
		Meta   map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if decoded.RunID != "run-001" || decoded.Step != 2 || decoded.Msg != MsgNodeEnd {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Meta["cost_usd"] != 0.001 {
		t.Errorf("meta = %v", decoded.Meta)
	}
}

func TestNullEmitter(t *testing.T) {
	// Must not panic, that is the whole contract.
	NewNull().Emit(Event{RunID: "r", Msg: MsgRunStart})
}

type countingEmitter struct{ n int }

func (c *countingEmitter) Emit(Event) { c.n++ }

func TestMultiEmitter(t *testing.T) {
	a, b := &countingEmitter{}, &countingEmitter{}
	m := NewMulti(a, nil, b)
	m.Emit(Event{Msg: MsgRunStart})
	m.Emit(Event{Msg: MsgRunComplete})
	if a.n != 2 || b.n != 2 {
		t.Errorf("counts = %d, %d; want 2, 2", a.n, b.n)
	}
}
