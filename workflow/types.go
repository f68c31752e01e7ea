// Package workflow defines the declaration document for a workflow, its type
// system, semantic validation, and the runtime state/output models synthesized
// from a validated declaration.
//
// A declaration is loaded from YAML or JSON (Load/Parse), checked structurally
// during decode, then checked semantically (Validate). A validated declaration
// is immutable and can be materialized into runtime models (NewStateModel,
// NewOutputModel) any number of times.
package workflow

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Kind tags the variant of a TypeRef.
type Kind string

// Type kinds accepted by the declaration surface syntax.
const (
	KindStr    Kind = "str"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindDict   Kind = "dict"
	KindObject Kind = "object"
)

// TypeRef is the canonical, tagged representation of a declared type.
//
// The surface syntax is parsed by ParseType:
//
//	str | int | float | bool | list | dict | list[T] | dict[K,V] | object
//
// A bare list or dict carries no element constraint (Item/Key/Value nil).
// An object TypeRef carries its field types in Fields; a bare "object" in the
// surface syntax must be accompanied by a schema at the declaration site,
// which the schema loader folds into Fields before validation.
type TypeRef struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind Kind

	// Item is the element type for Kind == KindList. Nil means unconstrained.
	Item *TypeRef

	// Key and Value are the entry types for Kind == KindDict. Nil means
	// unconstrained.
	Key   *TypeRef
	Value *TypeRef

	// Fields holds the named field types for Kind == KindObject.
	Fields map[string]TypeRef
}

// String renders the canonical surface syntax for the type.
//
// Object types render their fields in sorted order so that the output is
// deterministic and usable in error messages and retry hints.
func (t TypeRef) String() string {
	switch t.Kind {
	case KindList:
		if t.Item == nil {
			return "list"
		}
		return "list[" + t.Item.String() + "]"
	case KindDict:
		if t.Key == nil || t.Value == nil {
			return "dict"
		}
		return "dict[" + t.Key.String() + "," + t.Value.String() + "]"
	case KindObject:
		if len(t.Fields) == 0 {
			return "object"
		}
		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString("object{")
		for i, name := range names {
			if i > 0 {
				sb.WriteString(", ")
			}
			f := t.Fields[name]
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(f.String())
		}
		sb.WriteString("}")
		return sb.String()
	default:
		return string(t.Kind)
	}
}

// Equal reports whether two TypeRefs describe the same type.
//
// List and dict element types must match; object fields match recursively
// with identical field sets. A bare list/dict equals only another bare
// list/dict.
func (t TypeRef) Equal(other TypeRef) bool {
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case KindList:
		return typePtrEqual(t.Item, other.Item)
	case KindDict:
		return typePtrEqual(t.Key, other.Key) && typePtrEqual(t.Value, other.Value)
	case KindObject:
		if len(t.Fields) != len(other.Fields) {
			return false
		}
		for name, ft := range t.Fields {
			ot, ok := other.Fields[name]
			if !ok || !ft.Equal(ot) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func typePtrEqual(a, b *TypeRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ParseError reports a failure to parse a type descriptor. Pos is the byte
// offset into the original input where parsing failed.
type ParseError struct {
	Input    string
	Pos      int
	Expected string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid type %q at position %d: expected %s", e.Input, e.Pos, e.Expected)
}

// ParseType parses the surface type syntax into a TypeRef.
//
// The grammar is recursive and whitespace inside generics is insignificant:
// "list[ str ]" and "dict[str , int]" are accepted. A bare "object" parses to
// an object TypeRef with no fields; the declaration loader attaches the
// accompanying schema. Rejecting a schemaless object is the caller's job.
//
// Examples:
//
//	ParseType("str")                 // KindStr
//	ParseType("list[int]")           // KindList{Item: int}
//	ParseType("dict[str, list[str]]") // KindDict{Key: str, Value: list[str]}
func ParseType(s string) (TypeRef, error) {
	p := &typeParser{input: s}
	t, err := p.parse()
	if err != nil {
		return TypeRef{}, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return TypeRef{}, &ParseError{Input: s, Pos: p.pos, Expected: "end of type"}
	}
	return t, nil
}

// MustParseType is ParseType for statically known descriptors; it panics on
// error. Intended for tests and built-in registrations.
func MustParseType(s string) TypeRef {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	input string
	pos   int
}

func (p *typeParser) skipSpaces() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) parse() (TypeRef, error) {
	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	name := p.input[start:p.pos]
	if name == "" {
		return TypeRef{}, &ParseError{Input: p.input, Pos: start, Expected: "type name"}
	}

	switch name {
	case "str":
		return TypeRef{Kind: KindStr}, nil
	case "int":
		return TypeRef{Kind: KindInt}, nil
	case "float":
		return TypeRef{Kind: KindFloat}, nil
	case "bool":
		return TypeRef{Kind: KindBool}, nil
	case "object":
		return TypeRef{Kind: KindObject}, nil
	case "list":
		p.skipSpaces()
		if !p.consume('[') {
			return TypeRef{Kind: KindList}, nil
		}
		item, err := p.parse()
		if err != nil {
			return TypeRef{}, err
		}
		p.skipSpaces()
		if !p.consume(']') {
			return TypeRef{}, &ParseError{Input: p.input, Pos: p.pos, Expected: "']' closing list"}
		}
		return TypeRef{Kind: KindList, Item: &item}, nil
	case "dict":
		p.skipSpaces()
		if !p.consume('[') {
			return TypeRef{Kind: KindDict}, nil
		}
		key, err := p.parse()
		if err != nil {
			return TypeRef{}, err
		}
		p.skipSpaces()
		if !p.consume(',') {
			return TypeRef{}, &ParseError{Input: p.input, Pos: p.pos, Expected: "',' between dict key and value"}
		}
		value, err := p.parse()
		if err != nil {
			return TypeRef{}, err
		}
		p.skipSpaces()
		if !p.consume(']') {
			return TypeRef{}, &ParseError{Input: p.input, Pos: p.pos, Expected: "']' closing dict"}
		}
		return TypeRef{Kind: KindDict, Key: &key, Value: &value}, nil
	default:
		return TypeRef{}, &ParseError{Input: p.input, Pos: start, Expected: "one of str, int, float, bool, list, dict, object"}
	}
}

func (p *typeParser) consume(c byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z'
}

// TypeError reports a runtime value that does not match its declared type.
// Path locates the failing element inside the value, e.g. "items[2].name";
// an empty path means the top-level value itself.
type TypeError struct {
	Path     string
	Expected string
	Got      string
}

func (e *TypeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("expected %s, got %s", e.Expected, e.Got)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// ValidateValue checks v against the declared type and returns a *TypeError
// locating the first mismatch. The value is never mutated.
//
// Numeric handling follows what YAML and JSON decoding actually produce:
// int accepts any integral value including integral float64s from a JSON
// round-trip; float accepts ints. Strings are never silently converted to
// numbers; a provider returning "85" for an int field is a type error (the
// executor turns that into a retry).
func ValidateValue(v any, t TypeRef) error {
	return validateValueAt(v, t, "")
}

func validateValueAt(v any, t TypeRef, path string) error {
	switch t.Kind {
	case KindStr:
		if _, ok := v.(string); !ok {
			return &TypeError{Path: path, Expected: "str", Got: typeName(v)}
		}
	case KindInt:
		if !isIntegral(v) {
			return &TypeError{Path: path, Expected: "int", Got: typeName(v)}
		}
	case KindFloat:
		if !isNumeric(v) {
			return &TypeError{Path: path, Expected: "float", Got: typeName(v)}
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return &TypeError{Path: path, Expected: "bool", Got: typeName(v)}
		}
	case KindList:
		items, ok := asSlice(v)
		if !ok {
			return &TypeError{Path: path, Expected: t.String(), Got: typeName(v)}
		}
		if t.Item != nil {
			for i, item := range items {
				if err := validateValueAt(item, *t.Item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case KindDict:
		entries, ok := asStringMap(v)
		if !ok {
			return &TypeError{Path: path, Expected: t.String(), Got: typeName(v)}
		}
		if t.Value != nil {
			for key, value := range entries {
				if t.Key != nil {
					if err := validateValueAt(key, *t.Key, joinPath(path, key)); err != nil {
						return err
					}
				}
				if err := validateValueAt(value, *t.Value, joinPath(path, key)); err != nil {
					return err
				}
			}
		}
	case KindObject:
		entries, ok := asStringMap(v)
		if !ok {
			return &TypeError{Path: path, Expected: "object", Got: typeName(v)}
		}
		for name, ft := range t.Fields {
			fv, present := entries[name]
			if !present {
				return &TypeError{Path: joinPath(path, name), Expected: ft.String(), Got: "missing"}
			}
			if err := validateValueAt(fv, ft, joinPath(path, name)); err != nil {
				return err
			}
		}
		for name := range entries {
			if _, declared := t.Fields[name]; !declared {
				return &TypeError{Path: joinPath(path, name), Expected: "declared object field", Got: "unknown field"}
			}
		}
	default:
		return &TypeError{Path: path, Expected: "known type kind", Got: string(t.Kind)}
	}
	return nil
}

// CoerceValue normalizes a value that already validates against t into its
// canonical in-memory representation: integral floats become int64 for int
// fields, ints become float64 for float fields, and composite values are
// normalized recursively. The input is not modified.
func CoerceValue(v any, t TypeRef) (any, error) {
	if err := ValidateValue(v, t); err != nil {
		return nil, err
	}
	return coerce(v, t), nil
}

func coerce(v any, t TypeRef) any {
	switch t.Kind {
	case KindInt:
		return toInt64(v)
	case KindFloat:
		return toFloat64(v)
	case KindList:
		items, _ := asSlice(v)
		if t.Item == nil {
			return items
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = coerce(item, *t.Item)
		}
		return out
	case KindDict:
		entries, _ := asStringMap(v)
		if t.Value == nil {
			return entries
		}
		out := make(map[string]any, len(entries))
		for key, value := range entries {
			out[key] = coerce(value, *t.Value)
		}
		return out
	case KindObject:
		entries, _ := asStringMap(v)
		out := make(map[string]any, len(entries))
		for name, ft := range t.Fields {
			out[name] = coerce(entries[name], ft)
		}
		return out
	default:
		return v
	}
}

func isIntegral(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0) && !math.IsNaN(n)
	case float32:
		f := float64(n)
		return f == math.Trunc(f)
	default:
		return false
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for key, value := range m {
			ks, ok := key.(string)
			if !ok {
				return nil, false
			}
			out[ks] = value
		}
		return out, true
	default:
		return nil, false
	}
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string:
		return "str"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case []any:
		return "list"
	case map[string]any, map[any]any:
		return "dict"
	default:
		return reflect.TypeOf(v).String()
	}
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}
