package emit

import (
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelEmitterSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	emitter := NewOTelEmitter(tp.Tracer("agentflow-test"))

	emitter.Emit(Event{
		RunID:  "run-1",
		Step:   2,
		NodeID: "summarize",
		Msg:    MsgNodeEnd,
		Meta:   map[string]any{"cost_usd": 0.003, "model": "echo"},
	})
	emitter.Emit(Event{
		RunID: "run-1",
		Msg:   MsgRunFailed,
		Meta:  map[string]any{"error": "boom"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != MsgNodeEnd {
		t.Errorf("span name = %q, want %q", spans[0].Name, MsgNodeEnd)
	}

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["agentflow.run_id"] != "run-1" {
		t.Errorf("run_id attr = %v", attrs["agentflow.run_id"])
	}
	if attrs["agentflow.llm.cost_usd"] != 0.003 {
		t.Errorf("cost attr = %v", attrs["agentflow.llm.cost_usd"])
	}
	if attrs["agentflow.llm.model"] != "echo" {
		t.Errorf("model attr = %v", attrs["agentflow.llm.model"])
	}

	if spans[1].Status.Description != "boom" {
		t.Errorf("failed span status = %+v, want error description", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span should record the error event")
	}
}
