package optimize

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/workflow"
	"gopkg.in/yaml.v3"
)

// Runner executes A/B experiments: each variant is the base declaration with
// one node's prompt overridden, run run_count times through the engine.
type Runner struct {
	exps ExperimentStore
	opts []graph.Option
}

// NewRunner builds a runner that logs to the given experiment store. The
// engine options (provider factory, run store, emitter) are applied to every
// variant engine.
func NewRunner(exps ExperimentStore, opts ...graph.Option) *Runner {
	return &Runner{exps: exps, opts: opts}
}

// RunExperiment executes every variant of the declaration's ab_test block and
// logs each run. Failed runs are logged with their failed status so the
// evaluation sees the full picture; a variant whose engine cannot even be
// built aborts the experiment.
func (r *Runner) RunExperiment(ctx context.Context, decl *workflow.Declaration, inputs map[string]any) error {
	if decl.Optimization == nil || decl.Optimization.ABTest == nil {
		return fmt.Errorf("declaration has no optimization.ab_test block")
	}
	ab := decl.Optimization.ABTest

	for _, variant := range ab.Variants {
		raw, err := overridePrompt(decl.Raw, variant.NodeID, variant.Prompt)
		if err != nil {
			return fmt.Errorf("variant %s: %w", variant.Name, err)
		}
		vdecl, err := workflow.Parse(raw)
		if err != nil {
			return fmt.Errorf("variant %s: %w", variant.Name, err)
		}
		eng, err := graph.New(vdecl, r.opts...)
		if err != nil {
			return fmt.Errorf("variant %s: %w", variant.Name, err)
		}

		for i := 0; i < ab.RunCount; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, runErr := eng.Execute(ctx, inputs)
			entry := &ExperimentRun{
				ExperimentName: ab.ExperimentName,
				VariantName:    variant.Name,
				WorkflowName:   decl.Flow.Name,
				NodeID:         variant.NodeID,
				Prompt:         variant.Prompt,
				CreatedAt:      time.Now().UTC(),
			}
			if record != nil {
				entry.RunID = record.RunID
				entry.Status = string(record.Status)
				entry.Metrics = record.Metrics
			}
			if runErr != nil && entry.Status == "" {
				entry.Status = "failed"
			}
			if err := r.exps.LogRun(ctx, entry); err != nil {
				return fmt.Errorf("log run: %w", err)
			}
		}
	}
	return nil
}

// VariantStats is one ranked row of an evaluation.
type VariantStats struct {
	Aggregate
	Rank int
}

// Evaluate ranks the experiment's variants on one metric. With minimize the
// lowest mean wins; ties break by variant name ascending.
func (r *Runner) Evaluate(ctx context.Context, experiment, metric string, minimize bool) ([]VariantStats, error) {
	aggs, err := r.exps.GetAggregate(ctx, experiment, metric)
	if err != nil {
		return nil, err
	}
	if len(aggs) == 0 {
		return nil, fmt.Errorf("experiment %q has no runs with metric %q", experiment, metric)
	}
	sort.SliceStable(aggs, func(i, j int) bool {
		if aggs[i].Mean != aggs[j].Mean {
			if minimize {
				return aggs[i].Mean < aggs[j].Mean
			}
			return aggs[i].Mean > aggs[j].Mean
		}
		return aggs[i].VariantName < aggs[j].VariantName
	})
	out := make([]VariantStats, len(aggs))
	for i, a := range aggs {
		out[i] = VariantStats{Aggregate: a, Rank: i + 1}
	}
	return out, nil
}

// GateOutcome reports how experiment-level gates judged an aggregate.
type GateOutcome struct {
	Warnings    []string
	BlockDeploy bool
}

// CheckGates evaluates run-level gates against one variant's aggregate
// metric values, with the same action semantics as node gates: WARN collects
// a message, BLOCK_DEPLOY flags, FAIL returns an error.
func CheckGates(gates []workflow.Gate, metrics map[string]float64) (*GateOutcome, error) {
	out := &GateOutcome{}
	for _, g := range gates {
		value, ok := metrics[g.Metric]
		if !ok {
			continue
		}
		if g.Holds(value) {
			continue
		}
		msg := fmt.Sprintf("gate %s %s %v failed with value %v", g.Metric, g.Operator, g.Threshold, value)
		switch g.Action {
		case workflow.GateWarn:
			out.Warnings = append(out.Warnings, msg)
		case workflow.GateBlockDeploy:
			out.BlockDeploy = true
		case workflow.GateFail:
			return nil, fmt.Errorf("%s", msg)
		}
	}
	return out, nil
}

// overridePrompt rewrites one node's prompt in the raw declaration document,
// preserving everything else.
func overridePrompt(raw []byte, nodeID, prompt string) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse declaration: %w", err)
	}
	nodes, ok := doc["nodes"].([]any)
	if !ok {
		return nil, fmt.Errorf("declaration has no nodes list")
	}
	found := false
	for _, item := range nodes {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if node["id"] == nodeID {
			node["prompt"] = prompt
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("node %q not found in declaration", nodeID)
	}
	return yaml.Marshal(doc)
}
