package web

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/agentflow/optimize"
)

func seededExperiments(t *testing.T) optimize.ExperimentStore {
	t.Helper()
	exps := optimize.NewMemoryExperiments()
	runs := []struct {
		variant string
		prompt  string
		cost    float64
	}{
		{"brief", "Echo briefly: {message}", 0.001},
		{"brief", "Echo briefly: {message}", 0.002},
		{"verbose", "Echo at length: {message}", 0.005},
		{"verbose", "Echo at length: {message}", 0.006},
	}
	for i, r := range runs {
		err := exps.LogRun(context.Background(), &optimize.ExperimentRun{
			ExperimentName: "prompt_styles",
			VariantName:    r.variant,
			RunID:          "run-" + r.variant,
			WorkflowName:   "echo_flow",
			NodeID:         "echo",
			Prompt:         r.prompt,
			Status:         "completed",
			Metrics:        map[string]float64{"cost_usd": r.cost},
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogRun failed: %v", err)
		}
	}
	return exps
}

func TestExperimentListAndCompare(t *testing.T) {
	exps := seededExperiments(t)
	env := newEnv(t, 0, func(cfg *Config) {
		cfg.Experiments = exps
		cfg.Runner = optimize.NewRunner(exps)
	})

	w := env.do(t, http.MethodGet, "/optimization/experiments", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "prompt_styles") {
		t.Error("experiment list should show the logged experiment")
	}

	w = env.do(t, http.MethodGet, "/optimization/compare?experiment=prompt_styles&metric=cost_usd", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("compare status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "brief") || !strings.Contains(body, "verbose") {
		t.Error("compare should show every variant")
	}
	// Minimizing cost, brief ranks first.
	if strings.Index(body, "brief") > strings.Index(body, "verbose") {
		t.Error("cheapest variant should rank first")
	}
}

func TestExperimentCompareRequiresName(t *testing.T) {
	env := newEnv(t, 0, nil)
	w := env.do(t, http.MethodGet, "/optimization/compare", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// A missing experiment backend degrades the page instead of failing it.
func TestExperimentListDegraded(t *testing.T) {
	env := newEnv(t, 0, nil)
	w := env.do(t, http.MethodGet, "/optimization/experiments", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unavailable") {
		t.Error("degraded page should say the store is unavailable")
	}
}

func TestExperimentApply(t *testing.T) {
	exps := seededExperiments(t)
	env := newEnv(t, 0, func(cfg *Config) {
		cfg.Experiments = exps
		cfg.Runner = optimize.NewRunner(exps)
	})

	path := filepath.Join(t.TempDir(), "echo.yaml")
	if err := os.WriteFile(path, []byte(dashboardYAML), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	body := `{"experiment": "prompt_styles", "metric": "cost_usd", "workflow": "` + path + `"}`
	w := env.do(t, http.MethodPost, "/optimization/apply", "application/json", body)
	if w.Code != http.StatusOK {
		t.Fatalf("apply status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Winner     string `json:"winner"`
		BackupPath string `json:"backup_path"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Winner != "brief" {
		t.Errorf("winner = %q, want brief", resp.Winner)
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rewritten workflow: %v", err)
	}
	if !strings.Contains(string(rewritten), "Echo briefly") {
		t.Error("workflow file should carry the winning prompt")
	}
	if _, err := os.Stat(resp.BackupPath); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}
