// Package optimize runs A/B prompt experiments over the workflow engine,
// aggregates their metrics, and applies the winning variant back to the
// source declaration.
package optimize

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnavailable signals that the experiment backend cannot be reached.
// Callers treat it as a soft failure: dashboards render a degraded view and
// the CLI reports the condition without a stack of wrapped causes.
var ErrUnavailable = errors.New("experiment store unavailable")

// ExperimentRun is one logged workflow execution inside an experiment.
// NodeID and Prompt record the variant override so apply-best can rewrite
// the declaration without re-reading the experiment config.
type ExperimentRun struct {
	ID             int64
	ExperimentName string
	VariantName    string
	RunID          string
	WorkflowName   string
	NodeID         string
	Prompt         string
	Status         string
	Metrics        map[string]float64
	CreatedAt      time.Time
}

// Filter narrows ListRuns. Zero values mean no constraint.
type Filter struct {
	VariantName string
	Since       time.Time
	Limit       int
}

// Aggregate is the per-variant distribution of one metric.
type Aggregate struct {
	VariantName string
	Count       int
	Mean        float64
	P50         float64
	P90         float64
	P95         float64
	P99         float64
}

// ExperimentStore persists experiment runs. Implementations return
// ErrUnavailable (possibly wrapped) when the backend is down.
type ExperimentStore interface {
	LogRun(ctx context.Context, run *ExperimentRun) error
	ListExperiments(ctx context.Context) ([]string, error)
	ListRuns(ctx context.Context, experiment string, f Filter) ([]*ExperimentRun, error)
	// GetAggregate computes per-variant stats for one metric, variants
	// sorted by name.
	GetAggregate(ctx context.Context, experiment, metric string) ([]Aggregate, error)
	Close() error
}

// MemoryExperiments is the in-process store used by tests and dry runs.
type MemoryExperiments struct {
	mu   sync.RWMutex
	runs []*ExperimentRun
	next int64
}

// NewMemoryExperiments returns an empty in-memory experiment store.
func NewMemoryExperiments() *MemoryExperiments {
	return &MemoryExperiments{}
}

func (m *MemoryExperiments) LogRun(ctx context.Context, run *ExperimentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	cp := *run
	cp.ID = m.next
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Metrics = copyMetrics(run.Metrics)
	m.runs = append(m.runs, &cp)
	run.ID = cp.ID
	return nil
}

func (m *MemoryExperiments) ListExperiments(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var names []string
	for _, r := range m.runs {
		if !seen[r.ExperimentName] {
			seen[r.ExperimentName] = true
			names = append(names, r.ExperimentName)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryExperiments) ListRuns(ctx context.Context, experiment string, f Filter) ([]*ExperimentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ExperimentRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if r.ExperimentName != experiment {
			continue
		}
		if f.VariantName != "" && r.VariantName != f.VariantName {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		cp := *r
		cp.Metrics = copyMetrics(r.Metrics)
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryExperiments) GetAggregate(ctx context.Context, experiment, metric string) ([]Aggregate, error) {
	runs, err := m.ListRuns(ctx, experiment, Filter{})
	if err != nil {
		return nil, err
	}
	return aggregate(runs, metric), nil
}

func (m *MemoryExperiments) Close() error { return nil }

// aggregate groups runs by variant and computes the metric distribution,
// variants sorted by name.
func aggregate(runs []*ExperimentRun, metric string) []Aggregate {
	byVariant := map[string][]float64{}
	for _, r := range runs {
		v, ok := r.Metrics[metric]
		if !ok {
			continue
		}
		byVariant[r.VariantName] = append(byVariant[r.VariantName], v)
	}
	names := make([]string, 0, len(byVariant))
	for name := range byVariant {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Aggregate, 0, len(names))
	for _, name := range names {
		values := byVariant[name]
		sort.Float64s(values)
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		out = append(out, Aggregate{
			VariantName: name,
			Count:       len(values),
			Mean:        sum / float64(len(values)),
			P50:         NearestRank(values, 50),
			P90:         NearestRank(values, 90),
			P95:         NearestRank(values, 95),
			P99:         NearestRank(values, 99),
		})
	}
	return out
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
