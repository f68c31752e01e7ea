// Package emit carries the engine's observability events. The engine stays a
// library: it emits structured events and the embedding service decides where
// they go (log writer, OTel spans, or nowhere).
package emit

// Event messages emitted by the engine.
const (
	MsgRunStart     = "run_start"
	MsgRunComplete  = "run_complete"
	MsgRunFailed    = "run_failed"
	MsgRunCancelled = "run_cancelled"
	MsgNodeStart    = "node_start"
	MsgNodeRetry    = "node_retry"
	MsgNodeEnd      = "node_end"
	MsgNodeFailed   = "node_failed"
	MsgGateWarn     = "gate_warn"
	MsgGateBlock    = "gate_block_deploy"
)

// Event is one observability event from a run.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the 1-indexed node position in the run; zero for run-level
	// events.
	Step int

	// NodeID is empty for run-level events.
	NodeID string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta carries event-specific data. Common keys: "duration_ms",
	// "error", "input_tokens", "output_tokens", "cost_usd", "attempt",
	// "model", "metric", "threshold", "value".
	Meta map[string]any
}

// Emitter receives engine events. Implementations must be safe for
// concurrent use and must not block the engine.
type Emitter interface {
	Emit(event Event)
}

// Null discards every event. The default when no emitter is configured.
type Null struct{}

// NewNull returns an emitter that drops everything.
func NewNull() *Null { return &Null{} }

func (*Null) Emit(Event) {}

// Multi fans one event out to several emitters in order.
type Multi struct {
	emitters []Emitter
}

// NewMulti combines emitters; nil entries are skipped.
func NewMulti(emitters ...Emitter) *Multi {
	out := &Multi{}
	for _, e := range emitters {
		if e != nil {
			out.emitters = append(out.emitters, e)
		}
	}
	return out
}

func (m *Multi) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
