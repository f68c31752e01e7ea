package tool

import (
	"context"
	"strings"
	"testing"
)

func echoTool(name string) *Func {
	return &Func{
		ToolName: name,
		Desc:     "test tool",
		InSchema: map[string]any{"type": "object"},
		Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
			return input, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("search_web")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Get("search_web")
	if !ok {
		t.Fatal("Get returned false for registered tool")
	}
	if got.Name() != "search_web" {
		t.Errorf("Name = %q", got.Name())
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("calc")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(echoTool("calc")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("")); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"alpha", "beta"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}

	tools, err := r.Resolve([]string{"beta", "alpha"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(tools) != 2 || tools[0].Name() != "beta" || tools[1].Name() != "alpha" {
		t.Errorf("Resolve returned wrong tools: %v", tools)
	}

	_, err = r.Resolve([]string{"gamma"})
	if err == nil {
		t.Fatal("expected unknown tool error")
	}
	if !strings.Contains(err.Error(), "gamma") || !strings.Contains(err.Error(), "alpha") {
		t.Errorf("error should name the unknown tool and list registered ones: %v", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}
}

func TestFuncHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := echoTool("t").Call(ctx, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
}
