package workflow

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the only declaration schema version this engine accepts.
const SchemaVersion = "1.0"

// Reserved edge endpoints. START and END are not node ids; they mark the
// entry and exit of the graph.
const (
	StartNode = "START"
	EndNode   = "END"
)

// GateAction is the closed set of actions a quality gate can take.
type GateAction string

const (
	// GateWarn logs the violation and continues.
	GateWarn GateAction = "WARN"
	// GateFail aborts the run.
	GateFail GateAction = "FAIL"
	// GateBlockDeploy sets a run-level flag without aborting.
	GateBlockDeploy GateAction = "BLOCK_DEPLOY"
)

// GateOperator is the closed set of comparison operators for gates.
type GateOperator string

const (
	OpLT  GateOperator = "lt"
	OpLTE GateOperator = "lte"
	OpGT  GateOperator = "gt"
	OpGTE GateOperator = "gte"
	OpEQ  GateOperator = "eq"
)

// Declaration is the immutable, parsed form of a workflow document.
//
// Invariants established by Parse and Validate:
//   - SchemaVersion == "1.0" and Flow.Name is non-empty.
//   - At least one node; node ids unique and matching [A-Za-z_][A-Za-z0-9_]*.
//   - Every edge endpoint is a node id, START, or END; exactly one edge
//     leaves START; every node is reachable from START and reaches END; the
//     graph is acyclic.
//   - Every node output names a state field of a matching type, and every
//     {placeholder} resolves against inputs plus state fields.
type Declaration struct {
	SchemaVersion string        `json:"schema_version"`
	Flow          FlowMeta      `json:"flow"`
	State         StateSpec     `json:"state"`
	Nodes         []NodeSpec    `json:"nodes"`
	Edges         []EdgeSpec    `json:"edges"`
	Config        *Config       `json:"config,omitempty"`
	Optimization  *Optimization `json:"optimization,omitempty"`

	// Raw is the canonical JSON encoding of the source document, captured at
	// parse time. Run records persist it as config_snapshot so a run can be
	// restarted from exactly the declaration that produced it.
	Raw []byte `json:"-"`
}

// FlowMeta names and versions the workflow.
type FlowMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// StateSpec declares the shared state fields of the workflow.
type StateSpec struct {
	Fields map[string]FieldSpec `json:"fields"`
}

// FieldSpec declares one state field. Required and Default are mutually
// exclusive; HasDefault distinguishes an explicit null default from no
// default at all.
type FieldSpec struct {
	Type        TypeRef `json:"-"`
	TypeSource  string  `json:"type"`
	Required    bool    `json:"required,omitempty"`
	Default     any     `json:"default,omitempty"`
	HasDefault  bool    `json:"-"`
	Description string  `json:"description,omitempty"`
}

// LLMRef selects a provider and model plus call parameters for a node or for
// the declaration defaults.
type LLMRef struct {
	Provider       string  `json:"provider,omitempty"`
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// Timeout converts TimeoutSeconds to a duration; zero means unset.
func (r LLMRef) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// NodeSpec declares one processing step: a prompt template, an optional
// system template, input bindings, a model selection, an optional tool set,
// and the state fields the node writes.
type NodeSpec struct {
	ID             string             `json:"id"`
	Prompt         string             `json:"prompt"`
	System         string             `json:"system,omitempty"`
	Inputs         map[string]string  `json:"inputs,omitempty"`
	LLM            *LLMRef            `json:"llm,omitempty"`
	Tools          []string           `json:"tools,omitempty"`
	Outputs        []string           `json:"outputs"`
	OutputSchema   map[string]TypeRef `json:"-"`
	OutputSource   map[string]string  `json:"output_schema,omitempty"`
	Retry          int                `json:"retry,omitempty"`
	TimeoutSeconds float64            `json:"timeout_seconds,omitempty"`
}

// Timeout converts TimeoutSeconds to a duration; zero means unset.
func (n NodeSpec) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds * float64(time.Second))
}

// Route is one conditional branch of an edge.
type Route struct {
	Condition string `json:"condition"`
	To        string `json:"to"`
}

// EdgeSpec connects two nodes. A linear edge sets To; a conditional edge
// sets Routes instead. Conditional edges are gated behind
// config.feature_flags.conditional_edges in v1.0.
type EdgeSpec struct {
	From   string  `json:"from"`
	To     string  `json:"to,omitempty"`
	Routes []Route `json:"routes,omitempty"`
}

// Conditional reports whether the edge declares routes rather than a single
// destination.
func (e EdgeSpec) Conditional() bool {
	return len(e.Routes) > 0
}

// Config carries optional engine-wide settings.
type Config struct {
	LLMDefaults       *LLMRef            `json:"llm_defaults,omitempty"`
	ExecutionDefaults *ExecutionDefaults `json:"execution_defaults,omitempty"`
	Observability     *Observability     `json:"observability,omitempty"`
	FeatureFlags      *FeatureFlags      `json:"feature_flags,omitempty"`
}

// ExecutionDefaults configures retry and concurrency behavior.
type ExecutionDefaults struct {
	MaxRetries         int     `json:"max_retries,omitempty"`
	WorkerPoolSize     int     `json:"worker_pool_size,omitempty"`
	NodeTimeoutSeconds float64 `json:"node_timeout_seconds,omitempty"`
}

// Observability toggles the optional exporters.
type Observability struct {
	Prometheus bool `json:"prometheus,omitempty"`
	Tracing    bool `json:"tracing,omitempty"`
	LogEvents  bool `json:"log_events,omitempty"`
}

// FeatureFlags gates behavior that is declared but not enabled by default.
type FeatureFlags struct {
	ConditionalEdges bool `json:"conditional_edges,omitempty"`
}

// Optimization declares A/B experiments and quality gates.
type Optimization struct {
	ABTest *ABTest `json:"ab_test,omitempty"`
	Gates  []Gate  `json:"gates,omitempty"`
}

// ABTest declares an experiment: run each variant RunCount times.
type ABTest struct {
	ExperimentName string    `json:"experiment_name"`
	RunCount       int       `json:"run_count"`
	Variants       []Variant `json:"variants"`
}

// Variant overrides one node's prompt for comparison.
type Variant struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	NodeID string `json:"node_id"`
}

// Gate is a predicate over a metric. Gates with a NodeID apply to that
// node's accumulated metrics as it completes; gates without apply to the
// run-level metrics at completion, and to experiment aggregates during
// evaluation.
type Gate struct {
	Metric    string       `json:"metric"`
	Operator  GateOperator `json:"operator"`
	Threshold float64      `json:"threshold"`
	Action    GateAction   `json:"action"`
	NodeID    string       `json:"node_id,omitempty"`
}

// Holds reports whether the gate passes for the given metric value. A gate
// that does not hold triggers its action.
func (g Gate) Holds(value float64) bool {
	switch g.Operator {
	case OpLT:
		return value < g.Threshold
	case OpLTE:
		return value <= g.Threshold
	case OpGT:
		return value > g.Threshold
	case OpGTE:
		return value >= g.Threshold
	case OpEQ:
		return value == g.Threshold
	default:
		return false
	}
}

// Node returns the node with the given id, or nil.
func (d *Declaration) Node(id string) *NodeSpec {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeIDs returns the declared node ids in declaration order.
func (d *Declaration) NodeIDs() []string {
	ids := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// FeatureConditionalEdges reports whether conditional edges are enabled.
func (d *Declaration) FeatureConditionalEdges() bool {
	return d.Config != nil && d.Config.FeatureFlags != nil && d.Config.FeatureFlags.ConditionalEdges
}

// LLMFor resolves the effective LLM reference for a node: node-level values
// override declaration defaults field by field.
func (d *Declaration) LLMFor(node *NodeSpec) LLMRef {
	var ref LLMRef
	if d.Config != nil && d.Config.LLMDefaults != nil {
		ref = *d.Config.LLMDefaults
	}
	if node.LLM != nil {
		if node.LLM.Provider != "" {
			ref.Provider = node.LLM.Provider
		}
		if node.LLM.Model != "" {
			ref.Model = node.LLM.Model
		}
		if node.LLM.Temperature != 0 {
			ref.Temperature = node.LLM.Temperature
		}
		if node.LLM.MaxTokens != 0 {
			ref.MaxTokens = node.LLM.MaxTokens
		}
		if node.LLM.TimeoutSeconds != 0 {
			ref.TimeoutSeconds = node.LLM.TimeoutSeconds
		}
	}
	return ref
}

// RetryFor resolves the effective retry budget for a node, falling back to
// execution defaults.
func (d *Declaration) RetryFor(node *NodeSpec) int {
	if node.Retry > 0 {
		return node.Retry
	}
	if d.Config != nil && d.Config.ExecutionDefaults != nil {
		return d.Config.ExecutionDefaults.MaxRetries
	}
	return 0
}

// GatesFor returns the gates that apply to the given node id. Pass an empty
// id for run-level gates.
func (d *Declaration) GatesFor(nodeID string) []Gate {
	if d.Optimization == nil {
		return nil
	}
	var out []Gate
	for _, g := range d.Optimization.Gates {
		if g.NodeID == nodeID {
			out = append(out, g)
		}
	}
	return out
}

// FieldError is one structural problem found while decoding a declaration.
type FieldError struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// StructError aggregates every structural error found in a document. Parse
// reports all of them at once rather than stopping at the first.
type StructError struct {
	Errors []FieldError
}

func (e *StructError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid declaration: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid declaration (%d errors):", len(e.Errors))
	for _, fe := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// ValidationError is a semantic rule violation found by Validate. Suggestion,
// when non-empty, names the closest known identifier ("did you mean ...").
type ValidationError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (did you mean %q?)", e.Path, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}
