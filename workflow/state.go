package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the live shared state of a run: a tagged map keyed by the
// declared field names, validated through each field's TypeRef. Carrying
// state as a map keeps the engine independent of generated record types; the
// models below enforce the declared shapes at the boundaries.
type State map[string]any

// Clone deep-copies the state via a JSON round-trip. Declared field types
// only contain JSON-representable values, so the round-trip is lossless
// apart from int/float canonicalization, which CoerceValue already fixed at
// the boundaries.
func (s State) Clone() (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if out == nil {
		out = State{}
	}
	return out, nil
}

// StateModel builds initial run state from a validated declaration. A model
// is immutable and safe to reuse across runs.
type StateModel struct {
	fields map[string]FieldSpec
	names  []string
}

// NewStateModel captures the state schema of a validated declaration.
func NewStateModel(decl *Declaration) *StateModel {
	fields := make(map[string]FieldSpec, len(decl.State.Fields))
	names := make([]string, 0, len(decl.State.Fields))
	for name, field := range decl.State.Fields {
		fields[name] = field
		names = append(names, name)
	}
	sort.Strings(names)
	return &StateModel{fields: fields, names: names}
}

// Fields returns the declared field names in sorted order.
func (m *StateModel) Fields() []string {
	return append([]string(nil), m.names...)
}

// Field returns the spec for a declared field.
func (m *StateModel) Field(name string) (FieldSpec, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// MakeState builds the initial state for a run:
//
//   - every input must name a declared field and match its type,
//   - required fields must be present in inputs,
//   - fields with defaults are filled when absent,
//   - optional fields without defaults start unset.
//
// Unknown input names are rejected with a closest-match suggestion, the same
// treatment the validator gives unknown placeholders.
func (m *StateModel) MakeState(inputs map[string]any) (State, error) {
	state := make(State, len(m.fields))

	for name, value := range inputs {
		field, ok := m.fields[name]
		if !ok {
			return nil, &ValidationError{
				Path:       "inputs." + name,
				Message:    fmt.Sprintf("unknown input %q", name),
				Suggestion: closestMatch(name, m.names),
			}
		}
		coerced, err := CoerceValue(value, field.Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		state[name] = coerced
	}

	for _, name := range m.names {
		field := m.fields[name]
		if _, present := state[name]; present {
			continue
		}
		switch {
		case field.Required:
			return nil, &ValidationError{
				Path:    "inputs." + name,
				Message: fmt.Sprintf("required input %q is missing", name),
			}
		case field.HasDefault:
			coerced, err := CoerceValue(field.Default, field.Type)
			if err != nil {
				return nil, fmt.Errorf("default for %q: %w", name, err)
			}
			state[name] = coerced
		}
	}
	return state, nil
}

// OutputModel validates one node's output value against its output schema
// and produces the state delta to merge. Models are immutable and shared
// across runs of the same declaration.
type OutputModel struct {
	nodeID string
	schema map[string]TypeRef
	names  []string
}

// NewOutputModel builds the output validator for a node. When the node
// declares no output_schema, the state field types of its outputs apply, so
// every node output is always type-checked against the state schema.
func NewOutputModel(decl *Declaration, node *NodeSpec) *OutputModel {
	schema := make(map[string]TypeRef, len(node.Outputs))
	for _, name := range node.Outputs {
		if t, ok := node.OutputSchema[name]; ok {
			schema[name] = t
			continue
		}
		if field, ok := decl.State.Fields[name]; ok {
			schema[name] = field.Type
		}
	}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return &OutputModel{nodeID: node.ID, schema: schema, names: names}
}

// Fields returns the expected output field names in sorted order.
func (m *OutputModel) Fields() []string {
	return append([]string(nil), m.names...)
}

// SchemaHint renders the expected output shape for retry prompts and
// structured-output requests, e.g. {"score": int, "summary": str}.
func (m *OutputModel) SchemaHint() string {
	out := "{"
	for i, name := range m.names {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q: %s", name, m.schema[name].String())
	}
	return out + "}"
}

// StructuredType renders the schema as a JSON-schema-shaped map for provider
// structured-output requests.
func (m *OutputModel) StructuredType() map[string]any {
	props := make(map[string]any, len(m.schema))
	for name, t := range m.schema {
		props[name] = jsonSchemaFor(t)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   m.Fields(),
	}
}

func jsonSchemaFor(t TypeRef) map[string]any {
	switch t.Kind {
	case KindStr:
		return map[string]any{"type": "string"}
	case KindInt:
		return map[string]any{"type": "integer"}
	case KindFloat:
		return map[string]any{"type": "number"}
	case KindBool:
		return map[string]any{"type": "boolean"}
	case KindList:
		schema := map[string]any{"type": "array"}
		if t.Item != nil {
			schema["items"] = jsonSchemaFor(*t.Item)
		}
		return schema
	case KindDict:
		schema := map[string]any{"type": "object"}
		if t.Value != nil {
			schema["additionalProperties"] = jsonSchemaFor(*t.Value)
		}
		return schema
	case KindObject:
		props := make(map[string]any, len(t.Fields))
		required := make([]string, 0, len(t.Fields))
		for name, ft := range t.Fields {
			props[name] = jsonSchemaFor(ft)
			required = append(required, name)
		}
		sort.Strings(required)
		return map[string]any{"type": "object", "properties": props, "required": required}
	default:
		return map[string]any{}
	}
}

// Validate checks a node's returned value against the output schema and
// returns the coerced field map ready to merge into state. The value must be
// a map carrying every expected field; unknown fields are rejected. Nested
// objects validate recursively through their TypeRef trees.
func (m *OutputModel) Validate(value any) (map[string]any, error) {
	entries, ok := asStringMap(value)
	if !ok {
		if len(m.names) == 1 {
			// A bare value for a single-output node binds to that output.
			coerced, err := CoerceValue(value, m.schema[m.names[0]])
			if err != nil {
				return nil, err
			}
			return map[string]any{m.names[0]: coerced}, nil
		}
		return nil, &TypeError{Expected: m.SchemaHint(), Got: typeName(value)}
	}

	out := make(map[string]any, len(m.names))
	for _, name := range m.names {
		fv, present := entries[name]
		if !present {
			return nil, &TypeError{Path: name, Expected: m.schema[name].String(), Got: "missing"}
		}
		coerced, err := CoerceValue(fv, m.schema[name])
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	for name := range entries {
		if _, declared := m.schema[name]; !declared {
			return nil, &TypeError{Path: name, Expected: "declared output field", Got: "unknown field"}
		}
	}
	return out, nil
}
