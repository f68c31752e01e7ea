// Package graph materializes validated workflow declarations into executable
// plans and runs them: template resolution, LLM invocation with retry, tool
// dispatch, output validation, atomic state merge, quality gates, and run
// record persistence.
package graph

import (
	"fmt"

	"github.com/dshills/agentflow/workflow"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// route is one compiled outgoing edge. A nil program is an unconditional
// route; conditional routes evaluate their expr program against the state.
type route struct {
	to      string
	program *vm.Program
	source  string
}

// Plan is the materialized, immutable form of a declaration: nodes in
// declaration order, output models, and a compiled edge table. Plans are
// in-memory only and shared across runs of the same declaration.
type Plan struct {
	decl    *workflow.Declaration
	state   *workflow.StateModel
	nodes   []*workflow.NodeSpec
	outputs map[string]*workflow.OutputModel
	next    map[string][]route
}

// Build validates the declaration and compiles it into a Plan. Conditional
// routes compile only when the feature flag enables them; the validator has
// already rejected them otherwise.
func Build(decl *workflow.Declaration) (*Plan, error) {
	if err := workflow.Validate(decl); err != nil {
		return nil, err
	}

	p := &Plan{
		decl:    decl,
		state:   workflow.NewStateModel(decl),
		outputs: make(map[string]*workflow.OutputModel, len(decl.Nodes)),
		next:    make(map[string][]route, len(decl.Edges)),
	}
	for i := range decl.Nodes {
		node := &decl.Nodes[i]
		p.nodes = append(p.nodes, node)
		p.outputs[node.ID] = workflow.NewOutputModel(decl, node)
	}

	for _, edge := range decl.Edges {
		if !edge.Conditional() {
			p.next[edge.From] = append(p.next[edge.From], route{to: edge.To})
			continue
		}
		for _, r := range edge.Routes {
			if r.Condition == "" {
				// Default branch, taken when no condition matched.
				p.next[edge.From] = append(p.next[edge.From], route{to: r.To})
				continue
			}
			program, err := expr.Compile(r.Condition, expr.AllowUndefinedVariables(), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("edge %s: compile condition %q: %w", edge.From, r.Condition, err)
			}
			p.next[edge.From] = append(p.next[edge.From], route{to: r.To, program: program, source: r.Condition})
		}
	}
	return p, nil
}

// Decl returns the source declaration.
func (p *Plan) Decl() *workflow.Declaration { return p.decl }

// Nodes returns the node specs in declaration order.
func (p *Plan) Nodes() []*workflow.NodeSpec { return p.nodes }

// StateModel returns the initial-state builder.
func (p *Plan) StateModel() *workflow.StateModel { return p.state }

// OutputModel returns the output validator for a node id.
func (p *Plan) OutputModel(nodeID string) *workflow.OutputModel { return p.outputs[nodeID] }

// NextNode picks the successor of from, evaluating conditional routes in
// declaration order against the current state. Returns workflow.EndNode when
// the run is finished.
func (p *Plan) NextNode(from string, state workflow.State) (string, error) {
	routes := p.next[from]
	if len(routes) == 0 {
		return "", &EngineError{
			Code:    CodeNoRoute,
			Message: fmt.Sprintf("no outgoing edge from %q", from),
		}
	}
	for _, r := range routes {
		if r.program == nil {
			return r.to, nil
		}
		out, err := expr.Run(r.program, map[string]any(state))
		if err != nil {
			return "", &EngineError{
				Code:    CodeNoRoute,
				Message: fmt.Sprintf("evaluate condition %q on edge from %q: %v", r.source, from, err),
			}
		}
		if ok, _ := out.(bool); ok {
			return r.to, nil
		}
	}
	return "", &EngineError{
		Code:    CodeNoRoute,
		Message: fmt.Sprintf("no route condition matched leaving %q", from),
	}
}

// LinearOrder walks the graph from START following default routes and
// returns the node ids in execution order. For v1.0 linear graphs this is
// the full topological order.
func (p *Plan) LinearOrder() ([]string, error) {
	var order []string
	current := workflow.StartNode
	for steps := 0; steps <= len(p.nodes); steps++ {
		next, err := p.NextNode(current, workflow.State{})
		if err != nil {
			return nil, err
		}
		if next == workflow.EndNode {
			return order, nil
		}
		order = append(order, next)
		current = next
	}
	return nil, &EngineError{
		Code:    CodeMaxSteps,
		Message: fmt.Sprintf("graph walk exceeded %d nodes without reaching END", len(p.nodes)),
	}
}
