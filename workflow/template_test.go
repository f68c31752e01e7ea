package workflow

import (
	"errors"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Run("substitutes from inputs and state", func(t *testing.T) {
		got, err := Resolve("Echo: {message} ({tone})",
			map[string]any{"message": "hi"},
			map[string]any{"tone": "calm"})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != "Echo: hi (calm)" {
			t.Errorf("expected 'Echo: hi (calm)', got %q", got)
		}
	})

	t.Run("inputs override state", func(t *testing.T) {
		got, err := Resolve("{topic}",
			map[string]any{"topic": "from inputs"},
			map[string]any{"topic": "from state"})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != "from inputs" {
			t.Errorf("expected inputs to win, got %q", got)
		}
	})

	t.Run("dotted paths descend objects", func(t *testing.T) {
		state := map[string]any{"user": map[string]any{"name": "ada"}}
		got, err := Resolve("hello {user.name}", nil, state)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != "hello ada" {
			t.Errorf("expected 'hello ada', got %q", got)
		}
	})

	t.Run("unresolved placeholder lists available paths and suggests", func(t *testing.T) {
		_, err := Resolve("{mesage}", map[string]any{"message": "hi"}, nil)
		if err == nil {
			t.Fatal("expected resolution error")
		}
		var te *TemplateError
		if !errors.As(err, &te) {
			t.Fatalf("expected *TemplateError, got %T", err)
		}
		if te.Suggestion != "message" {
			t.Errorf("expected suggestion 'message', got %q", te.Suggestion)
		}
		if len(te.Available) == 0 || te.Available[0] != "message" {
			t.Errorf("expected available paths to include 'message', got %v", te.Available)
		}
	})

	t.Run("json braces in prompts are not placeholders", func(t *testing.T) {
		template := `Respond as JSON: {"result": "..."} using {message}`
		got, err := Resolve(template, map[string]any{"message": "hi"}, nil)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !strings.Contains(got, `{"result": "..."}`) {
			t.Errorf("JSON literal was mangled: %q", got)
		}
		if !strings.Contains(got, "using hi") {
			t.Errorf("placeholder not substituted: %q", got)
		}
	})

	t.Run("idempotent once fully resolved", func(t *testing.T) {
		inputs := map[string]any{"message": "hi"}
		once, err := Resolve("Echo: {message}", inputs, nil)
		if err != nil {
			t.Fatalf("first Resolve failed: %v", err)
		}
		twice, err := Resolve(once, inputs, nil)
		if err != nil {
			t.Fatalf("second Resolve failed: %v", err)
		}
		if once != twice {
			t.Errorf("resolution not idempotent: %q vs %q", once, twice)
		}
	})

	t.Run("non-string values format without quotes", func(t *testing.T) {
		got, err := Resolve("score={score}", nil, map[string]any{"score": int64(85)})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != "score=85" {
			t.Errorf("expected score=85, got %q", got)
		}
	})
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders(`{a} then {user.name} but not {"json"} or {1bad}`)
	if len(got) != 2 || got[0] != "a" || got[1] != "user.name" {
		t.Errorf("unexpected placeholders: %v", got)
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"message", "message", 0},
		{"mesage", "message", 1},
		{"scroe", "score", 2},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
	}
	for _, tc := range cases {
		if got := editDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestClosestMatch(t *testing.T) {
	t.Run("within distance 2", func(t *testing.T) {
		if got := closestMatch("scroe", []string{"score", "summary"}); got != "score" {
			t.Errorf("expected 'score', got %q", got)
		}
	})
	t.Run("too far away", func(t *testing.T) {
		if got := closestMatch("banana", []string{"score", "summary"}); got != "" {
			t.Errorf("expected no suggestion, got %q", got)
		}
	})
	t.Run("ties resolve lexicographically", func(t *testing.T) {
		if got := closestMatch("ab", []string{"ac", "aa"}); got != "aa" {
			t.Errorf("expected 'aa', got %q", got)
		}
	})
}
