package workflow

import (
	"errors"
	"strings"
	"testing"
)

const echoYAML = `
schema_version: "1.0"
flow:
  name: echo
  description: single-node echo
state:
  fields:
    message:
      type: str
      required: true
    result:
      type: str
nodes:
  - id: echo
    prompt: "Echo: {message}"
    outputs: [result]
    output_schema:
      result: str
edges:
  - from: START
    to: echo
  - from: echo
    to: END
`

func TestParse(t *testing.T) {
	t.Run("parses a minimal yaml declaration", func(t *testing.T) {
		decl, err := Parse([]byte(echoYAML))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if decl.Flow.Name != "echo" {
			t.Errorf("expected flow name echo, got %q", decl.Flow.Name)
		}
		if len(decl.Nodes) != 1 || decl.Nodes[0].ID != "echo" {
			t.Errorf("unexpected nodes: %+v", decl.Nodes)
		}
		if got := decl.State.Fields["message"]; !got.Required || got.Type.Kind != KindStr {
			t.Errorf("unexpected message field: %+v", got)
		}
		if len(decl.Raw) == 0 {
			t.Error("expected canonical snapshot to be captured")
		}
	})

	t.Run("json and yaml produce identical snapshots", func(t *testing.T) {
		yamlDecl, err := Parse([]byte(`
schema_version: "1.0"
flow: {name: snap}
state:
  fields:
    x: {type: int, default: 3}
nodes:
  - id: a
    prompt: "{x}"
    outputs: [x]
edges:
  - {from: START, to: a}
  - {from: a, to: END}
`))
		if err != nil {
			t.Fatalf("yaml Parse failed: %v", err)
		}
		jsonDecl, err := Parse([]byte(`{
  "schema_version": "1.0",
  "flow": {"name": "snap"},
  "state": {"fields": {"x": {"type": "int", "default": 3}}},
  "nodes": [{"id": "a", "prompt": "{x}", "outputs": ["x"]}],
  "edges": [{"from": "START", "to": "a"}, {"from": "a", "to": "END"}]
}`))
		if err != nil {
			t.Fatalf("json Parse failed: %v", err)
		}
		if string(yamlDecl.Raw) != string(jsonDecl.Raw) {
			t.Errorf("snapshots differ:\n%s\n%s", yamlDecl.Raw, jsonDecl.Raw)
		}
	})

	t.Run("unknown fields are rejected with path and got", func(t *testing.T) {
		bad := strings.Replace(echoYAML, "description: single-node echo", "descriptoin: typo", 1)
		_, err := Parse([]byte(bad))
		if err == nil {
			t.Fatal("expected structural error")
		}
		var se *StructError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StructError, got %T", err)
		}
		found := false
		for _, fe := range se.Errors {
			if fe.Path == "$.flow.descriptoin" && fe.Got == "unknown field" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected unknown-field error for $.flow.descriptoin, got %+v", se.Errors)
		}
	})

	t.Run("wrong schema_version is rejected", func(t *testing.T) {
		bad := strings.Replace(echoYAML, `schema_version: "1.0"`, `schema_version: "2.0"`, 1)
		_, err := Parse([]byte(bad))
		var se *StructError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StructError, got %v", err)
		}
	})

	t.Run("required and default are mutually exclusive", func(t *testing.T) {
		_, err := Parse([]byte(`
schema_version: "1.0"
flow: {name: bad}
state:
  fields:
    x: {type: str, required: true, default: "y"}
nodes:
  - id: a
    prompt: "{x}"
    outputs: [x]
edges:
  - {from: START, to: a}
  - {from: a, to: END}
`))
		var se *StructError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StructError, got %v", err)
		}
	})

	t.Run("object type requires a schema", func(t *testing.T) {
		_, err := Parse([]byte(`
schema_version: "1.0"
flow: {name: bad}
state:
  fields:
    user: {type: object}
nodes:
  - id: a
    prompt: "x"
    outputs: [user]
edges:
  - {from: START, to: a}
  - {from: a, to: END}
`))
		var se *StructError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StructError, got %v", err)
		}
		if !strings.Contains(se.Error(), "schema") {
			t.Errorf("expected schema-related error, got %v", se)
		}
	})

	t.Run("object schema folds into the type", func(t *testing.T) {
		decl, err := Parse([]byte(`
schema_version: "1.0"
flow: {name: obj}
state:
  fields:
    user:
      type: object
      schema:
        name: str
        address:
          type: object
          schema:
            city: str
nodes:
  - id: a
    prompt: "{user.address.city}"
    outputs: [user]
edges:
  - {from: START, to: a}
  - {from: a, to: END}
`))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		user := decl.State.Fields["user"].Type
		if user.Kind != KindObject {
			t.Fatalf("expected object, got %s", user.Kind)
		}
		addr, ok := user.Fields["address"]
		if !ok || addr.Kind != KindObject {
			t.Fatalf("expected nested object, got %+v", user.Fields)
		}
		if addr.Fields["city"].Kind != KindStr {
			t.Errorf("expected city: str, got %+v", addr.Fields)
		}
	})

	t.Run("gate enums are closed", func(t *testing.T) {
		_, err := Parse([]byte(`
schema_version: "1.0"
flow: {name: gates}
state:
  fields:
    out: {type: str}
nodes:
  - id: a
    prompt: "x"
    outputs: [out]
edges:
  - {from: START, to: a}
  - {from: a, to: END}
optimization:
  gates:
    - {metric: cost_usd, operator: below, threshold: 1.0, action: WARN}
`))
		var se *StructError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StructError, got %v", err)
		}
		found := false
		for _, fe := range se.Errors {
			if strings.Contains(fe.Path, "operator") && fe.Got == "below" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected operator enum error, got %+v", se.Errors)
		}
	})

	t.Run("edge needs exactly one of to or routes", func(t *testing.T) {
		_, err := Parse([]byte(`
schema_version: "1.0"
flow: {name: edges}
state:
  fields:
    out: {type: str}
nodes:
  - id: a
    prompt: "x"
    outputs: [out]
edges:
  - {from: START}
`))
		var se *StructError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StructError, got %v", err)
		}
	})
}
