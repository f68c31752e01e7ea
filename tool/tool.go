// Package tool defines executable tools that workflow nodes can offer to
// their models, plus the registry nodes resolve tool names through.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is an action a model may request during a node invocation.
//
// Implementations should validate input parameters, respect context
// cancellation, and return structured output as a map.
type Tool interface {
	// Name returns the unique identifier for this tool, lowercase with
	// underscores ("http_request", "search_web").
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON-schema object describing the tool's input.
	Schema() map[string]any

	// Call executes the tool. Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry holds the tools available to a workflow run. Safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected so two packages cannot
// silently shadow each other's tools.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Resolve maps tool names to tools, failing on the first unknown name with
// the registered names listed for the error message.
func (r *Registry) Resolve(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q (registered: %v)", name, r.namesLocked())
		}
		out = append(out, t)
	}
	return out, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a plain function into a Tool. Handy for tests and small
// one-off tools that don't warrant a type.
type Func struct {
	ToolName string
	Desc     string
	InSchema map[string]any
	Fn       func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.Desc }
func (f *Func) Schema() map[string]any { return f.InSchema }

func (f *Func) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Fn(ctx, input)
}
