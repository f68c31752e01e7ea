package optimize

import (
	"context"
	"fmt"
	"os"
	"time"
)

// ApplyResult reports what ApplyBest did.
type ApplyResult struct {
	Winner     VariantStats
	NodeID     string
	Prompt     string
	BackupPath string
}

// ApplyBest rewrites the declaration at workflowPath with the winning
// variant's prompt, after writing a timestamped backup of the original. The
// experiment's logged runs carry the variant override, so no experiment
// config is needed here.
func (r *Runner) ApplyBest(ctx context.Context, experiment, workflowPath, metric string, minimize bool) (*ApplyResult, error) {
	ranked, err := r.Evaluate(ctx, experiment, metric, minimize)
	if err != nil {
		return nil, err
	}
	winner := ranked[0]

	runs, err := r.exps.ListRuns(ctx, experiment, Filter{VariantName: winner.VariantName, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("experiment %q has no runs for winning variant %q", experiment, winner.VariantName)
	}
	nodeID, prompt := runs[0].NodeID, runs[0].Prompt

	original, err := os.ReadFile(workflowPath)
	if err != nil {
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	rewritten, err := overridePrompt(original, nodeID, prompt)
	if err != nil {
		return nil, err
	}

	backupPath := fmt.Sprintf("%s.bak.%d", workflowPath, time.Now().Unix())
	if err := os.WriteFile(backupPath, original, 0o644); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	if err := os.WriteFile(workflowPath, rewritten, 0o644); err != nil {
		return nil, fmt.Errorf("write declaration: %w", err)
	}
	return &ApplyResult{
		Winner:     winner,
		NodeID:     nodeID,
		Prompt:     prompt,
		BackupPath: backupPath,
	}, nil
}
