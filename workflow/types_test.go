package workflow

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	t.Run("basic types", func(t *testing.T) {
		for _, src := range []string{"str", "int", "float", "bool"} {
			typ, err := ParseType(src)
			if err != nil {
				t.Fatalf("ParseType(%q) failed: %v", src, err)
			}
			if string(typ.Kind) != src {
				t.Errorf("expected kind %q, got %q", src, typ.Kind)
			}
			if typ.String() != src {
				t.Errorf("expected round-trip %q, got %q", src, typ.String())
			}
		}
	})

	t.Run("generic list", func(t *testing.T) {
		typ, err := ParseType("list[int]")
		if err != nil {
			t.Fatalf("ParseType failed: %v", err)
		}
		if typ.Kind != KindList {
			t.Fatalf("expected list, got %s", typ.Kind)
		}
		if typ.Item == nil || typ.Item.Kind != KindInt {
			t.Errorf("expected int item, got %+v", typ.Item)
		}
	})

	t.Run("nested dict", func(t *testing.T) {
		typ, err := ParseType("dict[str, list[str]]")
		if err != nil {
			t.Fatalf("ParseType failed: %v", err)
		}
		if typ.Kind != KindDict || typ.Key.Kind != KindStr {
			t.Fatalf("unexpected shape: %s", typ.String())
		}
		if typ.Value.Kind != KindList || typ.Value.Item.Kind != KindStr {
			t.Errorf("expected list[str] value, got %s", typ.Value.String())
		}
	})

	t.Run("whitespace in generics is insignificant", func(t *testing.T) {
		a := MustParseType("dict[ str ,  int ]")
		b := MustParseType("dict[str,int]")
		if !a.Equal(b) {
			t.Errorf("expected %s == %s", a.String(), b.String())
		}
	})

	t.Run("bare list and dict are unconstrained", func(t *testing.T) {
		l := MustParseType("list")
		if l.Item != nil {
			t.Errorf("expected nil item for bare list")
		}
		d := MustParseType("dict")
		if d.Key != nil || d.Value != nil {
			t.Errorf("expected nil key/value for bare dict")
		}
	})

	t.Run("errors carry position and expected form", func(t *testing.T) {
		cases := []struct {
			src string
			pos int
		}{
			{"list[", 5},
			{"dict[str]", 8},
			{"banana", 0},
			{"list[int] extra", 10},
			{"", 0},
		}
		for _, tc := range cases {
			_, err := ParseType(tc.src)
			if err == nil {
				t.Errorf("ParseType(%q): expected error", tc.src)
				continue
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("ParseType(%q): expected *ParseError, got %T", tc.src, err)
				continue
			}
			if pe.Pos != tc.pos {
				t.Errorf("ParseType(%q): expected position %d, got %d", tc.src, tc.pos, pe.Pos)
			}
			if pe.Expected == "" {
				t.Errorf("ParseType(%q): expected non-empty expected-form", tc.src)
			}
		}
	})
}

func TestTypeRefEqual(t *testing.T) {
	t.Run("object fields match recursively", func(t *testing.T) {
		a := TypeRef{Kind: KindObject, Fields: map[string]TypeRef{
			"name": {Kind: KindStr},
			"tags": MustParseType("list[str]"),
		}}
		b := TypeRef{Kind: KindObject, Fields: map[string]TypeRef{
			"tags": MustParseType("list[str]"),
			"name": {Kind: KindStr},
		}}
		if !a.Equal(b) {
			t.Errorf("expected equal object types")
		}

		b.Fields["tags"] = MustParseType("list[int]")
		if a.Equal(b) {
			t.Errorf("expected unequal after element type change")
		}
	})

	t.Run("bare list differs from typed list", func(t *testing.T) {
		if MustParseType("list").Equal(MustParseType("list[str]")) {
			t.Errorf("bare list must not equal list[str]")
		}
	})
}

func TestValidateValue(t *testing.T) {
	t.Run("string not accepted for int", func(t *testing.T) {
		err := ValidateValue("85", TypeRef{Kind: KindInt})
		if err == nil {
			t.Fatal("expected type error for string value")
		}
		var te *TypeError
		if !errors.As(err, &te) {
			t.Fatalf("expected *TypeError, got %T", err)
		}
		if te.Expected != "int" || te.Got != "str" {
			t.Errorf("expected int/str, got %s/%s", te.Expected, te.Got)
		}
	})

	t.Run("integral float accepted for int", func(t *testing.T) {
		if err := ValidateValue(float64(85), TypeRef{Kind: KindInt}); err != nil {
			t.Errorf("expected integral float64 to validate as int: %v", err)
		}
		if err := ValidateValue(85.5, TypeRef{Kind: KindInt}); err == nil {
			t.Errorf("expected non-integral float to fail as int")
		}
	})

	t.Run("int accepted for float", func(t *testing.T) {
		if err := ValidateValue(85, TypeRef{Kind: KindFloat}); err != nil {
			t.Errorf("expected int to validate as float: %v", err)
		}
	})

	t.Run("list element failure names the path", func(t *testing.T) {
		err := ValidateValue([]any{"a", 2, "c"}, MustParseType("list[str]"))
		var te *TypeError
		if !errors.As(err, &te) {
			t.Fatalf("expected *TypeError, got %v", err)
		}
		if te.Path != "[1]" {
			t.Errorf("expected path [1], got %q", te.Path)
		}
	})

	t.Run("nested object failure names the dotted path", func(t *testing.T) {
		typ := TypeRef{Kind: KindObject, Fields: map[string]TypeRef{
			"user": {Kind: KindObject, Fields: map[string]TypeRef{
				"age": {Kind: KindInt},
			}},
		}}
		value := map[string]any{"user": map[string]any{"age": "old"}}
		err := ValidateValue(value, typ)
		var te *TypeError
		if !errors.As(err, &te) {
			t.Fatalf("expected *TypeError, got %v", err)
		}
		if te.Path != "user.age" {
			t.Errorf("expected path user.age, got %q", te.Path)
		}
	})

	t.Run("object rejects unknown fields", func(t *testing.T) {
		typ := TypeRef{Kind: KindObject, Fields: map[string]TypeRef{"a": {Kind: KindStr}}}
		err := ValidateValue(map[string]any{"a": "x", "b": 1}, typ)
		if err == nil {
			t.Error("expected unknown field error")
		}
	})

	t.Run("unconstrained dict accepts any values", func(t *testing.T) {
		if err := ValidateValue(map[string]any{"a": 1, "b": "x"}, MustParseType("dict")); err != nil {
			t.Errorf("bare dict should accept mixed values: %v", err)
		}
	})
}

func TestCoerceValue(t *testing.T) {
	t.Run("integral float becomes int64", func(t *testing.T) {
		got, err := CoerceValue(float64(85), TypeRef{Kind: KindInt})
		if err != nil {
			t.Fatalf("CoerceValue failed: %v", err)
		}
		if v, ok := got.(int64); !ok || v != 85 {
			t.Errorf("expected int64(85), got %T(%v)", got, got)
		}
	})

	t.Run("int becomes float64 for float fields", func(t *testing.T) {
		got, err := CoerceValue(3, TypeRef{Kind: KindFloat})
		if err != nil {
			t.Fatalf("CoerceValue failed: %v", err)
		}
		if v, ok := got.(float64); !ok || v != 3.0 {
			t.Errorf("expected float64(3), got %T(%v)", got, got)
		}
	})

	t.Run("list elements normalize recursively", func(t *testing.T) {
		got, err := CoerceValue([]any{float64(1), 2}, MustParseType("list[int]"))
		if err != nil {
			t.Fatalf("CoerceValue failed: %v", err)
		}
		items := got.([]any)
		for i, item := range items {
			if _, ok := item.(int64); !ok {
				t.Errorf("item %d: expected int64, got %T", i, item)
			}
		}
	})

	t.Run("mismatch is rejected, not coerced", func(t *testing.T) {
		if _, err := CoerceValue("85", TypeRef{Kind: KindInt}); err == nil {
			t.Error("expected error coercing string to int")
		}
	})
}
