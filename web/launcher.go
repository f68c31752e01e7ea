// Package web is the control plane's HTTP surface: the dashboard, the chat
// UI, the webhook dispatcher, and the orchestrator endpoints, all served by
// gin over a shared run store.
package web

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/workflow"
)

// ErrBusy is returned when the launcher's worker pool is saturated. The
// webhook dispatcher maps it to 503 rather than queueing unboundedly.
var ErrBusy = errors.New("worker pool saturated")

// ErrUnknownWorkflow is returned for workflow names not in the catalog.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// DefaultPoolSize bounds concurrent triggered runs when the declaration does
// not configure a worker pool.
const DefaultPoolSize = 4

// Launcher owns the workflow catalog and starts runs against it through a
// bounded worker pool. It also tracks per-run cancel functions so the
// dashboard can cancel in-process runs cooperatively.
type Launcher struct {
	runs store.RunStore
	opts []graph.Option

	mu      sync.Mutex
	engines map[string]*graph.Engine
	decls   map[string]*workflow.Declaration
	cancels map[string]context.CancelFunc
	slots   chan struct{}
}

// NewLauncher builds a launcher over the run store with the given pool size
// (≤0 means DefaultPoolSize). Engine options apply to every workflow.
func NewLauncher(runs store.RunStore, poolSize int, opts ...graph.Option) *Launcher {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Launcher{
		runs:    runs,
		opts:    append([]graph.Option{graph.WithRunStore(runs)}, opts...),
		engines: map[string]*graph.Engine{},
		decls:   map[string]*workflow.Declaration{},
		cancels: map[string]context.CancelFunc{},
		slots:   make(chan struct{}, poolSize),
	}
}

// AddWorkflow compiles the declaration and registers it under its flow name.
func (l *Launcher) AddWorkflow(decl *workflow.Declaration) error {
	eng, err := graph.New(decl, l.opts...)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.engines[decl.Flow.Name] = eng
	l.decls[decl.Flow.Name] = decl
	return nil
}

// Workflows lists the catalog, sorted.
func (l *Launcher) Workflows() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.engines))
	for name := range l.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declaration returns the registered declaration for a workflow name.
func (l *Launcher) Declaration(name string) (*workflow.Declaration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	decl, ok := l.decls[name]
	return decl, ok
}

// Launch starts a run in the background and returns its id. It fails with
// ErrBusy when every pool slot is taken and ErrUnknownWorkflow for names not
// in the catalog.
func (l *Launcher) Launch(workflowName string, inputs map[string]any) (string, error) {
	l.mu.Lock()
	eng, ok := l.engines[workflowName]
	l.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowName)
	}

	select {
	case l.slots <- struct{}{}:
	default:
		return "", ErrBusy
	}
	return l.begin(eng, inputs, "")
}

// Restart re-executes a finished run from its config snapshot. The caller
// distinguishes unknown runs (RUN_NOT_FOUND) from active ones (RUN_ACTIVE)
// via graph.EngineError codes.
func (l *Launcher) Restart(ctx context.Context, runID string) (string, error) {
	prior, err := l.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", &graph.EngineError{Code: graph.CodeRunNotFound, Message: fmt.Sprintf("run %s not found", runID)}
		}
		return "", err
	}
	if !prior.Status.Terminal() {
		return "", &graph.EngineError{
			Code:    graph.CodeRunActive,
			Message: fmt.Sprintf("run %s is %s; only finished runs can be restarted", runID, prior.Status),
		}
	}
	decl, err := workflow.Parse([]byte(prior.ConfigSnapshot))
	if err != nil {
		return "", &graph.EngineError{
			Code:    graph.CodeSnapshotInvalid,
			Message: fmt.Sprintf("run %s has an unparseable config snapshot: %v", runID, err),
		}
	}
	eng, err := graph.New(decl, l.opts...)
	if err != nil {
		return "", &graph.EngineError{
			Code:    graph.CodeSnapshotInvalid,
			Message: fmt.Sprintf("run %s config snapshot no longer builds: %v", runID, err),
		}
	}

	select {
	case l.slots <- struct{}{}:
	default:
		return "", ErrBusy
	}
	return l.begin(eng, prior.Inputs, prior.RunID)
}

// begin starts the run with a cancellable background context, holding the
// pool slot until the run finishes.
func (l *Launcher) begin(eng *graph.Engine, inputs map[string]any, parentRunID string) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	runID, done, err := eng.Begin(ctx, inputs, parentRunID)
	if err != nil {
		cancel()
		<-l.slots
		return "", err
	}
	l.mu.Lock()
	l.cancels[runID] = cancel
	l.mu.Unlock()

	go func() {
		<-done
		cancel()
		l.mu.Lock()
		delete(l.cancels, runID)
		l.mu.Unlock()
		<-l.slots
	}()
	return runID, nil
}

// Execute runs a catalog workflow synchronously, holding a pool slot for the
// duration. The chat UI uses this; triggered runs go through Launch.
func (l *Launcher) Execute(ctx context.Context, workflowName string, inputs map[string]any) (*store.RunRecord, error) {
	l.mu.Lock()
	eng, ok := l.engines[workflowName]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowName)
	}
	select {
	case l.slots <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-l.slots }()
	return eng.Execute(ctx, inputs)
}

// Cancel requests cooperative cancellation of an in-process run. Runs owned
// by another process can only be cancelled while still pending, by a direct
// status transition.
func (l *Launcher) Cancel(ctx context.Context, runID string) error {
	l.mu.Lock()
	cancel, ok := l.cancels[runID]
	l.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	run, err := l.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &graph.EngineError{
			Code:    graph.CodeRunActive,
			Message: fmt.Sprintf("run %s already %s", runID, run.Status),
		}
	}
	return l.runs.UpdateStatus(ctx, runID, store.StatusCancelled, "cancelled")
}
