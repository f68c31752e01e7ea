package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a declaration file. Files ending in .json are decoded
// as JSON; everything else is decoded as YAML (which is also where comments
// are allowed). The returned declaration is structurally valid but not yet
// semantically validated; call Validate next.
func Load(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return parseAs(data, true)
	}
	return parseAs(data, false)
}

// Parse decodes a declaration from bytes, sniffing JSON by a leading '{'.
func Parse(data []byte) (*Declaration, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return parseAs(data, len(trimmed) > 0 && trimmed[0] == '{')
}

func parseAs(data []byte, isJSON bool) (*Declaration, error) {
	var raw map[string]any
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse declaration: %w", err)
		}
		raw = normalizeJSONNumbers(raw).(map[string]any)
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse declaration: %w", err)
		}
	}
	if raw == nil {
		return nil, &StructError{Errors: []FieldError{{Path: "$", Expected: "mapping", Got: "empty document"}}}
	}

	w := &docWalker{}
	decl := w.decodeDeclaration(raw)
	if len(w.errs) > 0 {
		return nil, &StructError{Errors: w.errs}
	}

	// Canonical JSON snapshot of the source document. json.Marshal sorts map
	// keys, so two loads of the same document produce identical snapshots.
	snapshot, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot declaration: %w", err)
	}
	decl.Raw = snapshot
	return decl, nil
}

// normalizeJSONNumbers rewrites json.Number values into int or float64 so
// that JSON and YAML documents decode to the same in-memory shapes.
func normalizeJSONNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeJSONNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeJSONNumbers(val)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// docWalker accumulates structural errors while decoding the raw document
// into typed specs. Unknown fields are rejected at every level; every
// problem is reported as {path, expected, got} and decoding continues so a
// single pass reports everything wrong with the document.
type docWalker struct {
	errs []FieldError
}

func (w *docWalker) errf(path, expected, got string) {
	w.errs = append(w.errs, FieldError{Path: path, Expected: expected, Got: got})
}

func (w *docWalker) checkKeys(m map[string]any, path string, allowed ...string) {
	for key := range m {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			w.errf(joinDoc(path, key), "one of ["+strings.Join(allowed, ", ")+"]", "unknown field")
		}
	}
}

func (w *docWalker) mapAt(m map[string]any, key, path string, required bool) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		if required {
			w.errf(joinDoc(path, key), "mapping", "missing")
		}
		return nil, false
	}
	mv, ok := asStringMap(v)
	if !ok {
		w.errf(joinDoc(path, key), "mapping", typeName(v))
		return nil, false
	}
	return mv, true
}

func (w *docWalker) stringAt(m map[string]any, key, path string, required bool) (string, bool) {
	v, ok := m[key]
	if !ok {
		if required {
			w.errf(joinDoc(path, key), "string", "missing")
		}
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		w.errf(joinDoc(path, key), "string", typeName(v))
		return "", false
	}
	return s, true
}

func (w *docWalker) boolAt(m map[string]any, key, path string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	if !ok {
		w.errf(joinDoc(path, key), "bool", typeName(v))
		return false, false
	}
	return b, true
}

func (w *docWalker) intAt(m map[string]any, key, path string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	if !isIntegral(v) {
		w.errf(joinDoc(path, key), "int", typeName(v))
		return 0, false
	}
	return int(toInt64(v)), true
}

func (w *docWalker) floatAt(m map[string]any, key, path string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	if !isNumeric(v) {
		w.errf(joinDoc(path, key), "number", typeName(v))
		return 0, false
	}
	return toFloat64(v), true
}

func (w *docWalker) listAt(m map[string]any, key, path string, required bool) ([]any, bool) {
	v, ok := m[key]
	if !ok {
		if required {
			w.errf(joinDoc(path, key), "list", "missing")
		}
		return nil, false
	}
	items, ok := asSlice(v)
	if !ok {
		w.errf(joinDoc(path, key), "list", typeName(v))
		return nil, false
	}
	return items, true
}

func (w *docWalker) stringListAt(m map[string]any, key, path string, required bool) ([]string, bool) {
	items, ok := w.listAt(m, key, path, required)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			w.errf(fmt.Sprintf("%s[%d]", joinDoc(path, key), i), "string", typeName(item))
			continue
		}
		out = append(out, s)
	}
	return out, true
}

func (w *docWalker) decodeDeclaration(raw map[string]any) *Declaration {
	w.checkKeys(raw, "$", "schema_version", "flow", "state", "nodes", "edges", "config", "optimization")

	decl := &Declaration{}

	if v, ok := w.stringAt(raw, "schema_version", "$", true); ok {
		if v != SchemaVersion {
			w.errf("$.schema_version", fmt.Sprintf("%q", SchemaVersion), fmt.Sprintf("%q", v))
		}
		decl.SchemaVersion = v
	}

	if m, ok := w.mapAt(raw, "flow", "$", true); ok {
		decl.Flow = w.decodeFlow(m, "$.flow")
	}
	if m, ok := w.mapAt(raw, "state", "$", true); ok {
		decl.State = w.decodeState(m, "$.state")
	}
	if items, ok := w.listAt(raw, "nodes", "$", true); ok {
		if len(items) == 0 {
			w.errf("$.nodes", "at least one node", "empty list")
		}
		for i, item := range items {
			path := fmt.Sprintf("$.nodes[%d]", i)
			m, ok := asStringMap(item)
			if !ok {
				w.errf(path, "mapping", typeName(item))
				continue
			}
			decl.Nodes = append(decl.Nodes, w.decodeNode(m, path))
		}
	}
	if items, ok := w.listAt(raw, "edges", "$", true); ok {
		for i, item := range items {
			path := fmt.Sprintf("$.edges[%d]", i)
			m, ok := asStringMap(item)
			if !ok {
				w.errf(path, "mapping", typeName(item))
				continue
			}
			decl.Edges = append(decl.Edges, w.decodeEdge(m, path))
		}
	}
	if m, ok := w.mapAt(raw, "config", "$", false); ok {
		decl.Config = w.decodeConfig(m, "$.config")
	}
	if m, ok := w.mapAt(raw, "optimization", "$", false); ok {
		decl.Optimization = w.decodeOptimization(m, "$.optimization")
	}
	return decl
}

func (w *docWalker) decodeFlow(m map[string]any, path string) FlowMeta {
	w.checkKeys(m, path, "name", "description", "version")
	var flow FlowMeta
	if v, ok := w.stringAt(m, "name", path, true); ok {
		if v == "" {
			w.errf(path+".name", "non-empty string", "empty string")
		}
		flow.Name = v
	}
	flow.Description, _ = w.stringAt(m, "description", path, false)
	flow.Version, _ = w.stringAt(m, "version", path, false)
	return flow
}

func (w *docWalker) decodeState(m map[string]any, path string) StateSpec {
	w.checkKeys(m, path, "fields")
	spec := StateSpec{Fields: map[string]FieldSpec{}}
	fields, ok := w.mapAt(m, "fields", path, true)
	if !ok {
		return spec
	}
	for _, name := range sortedKeys(fields) {
		fpath := path + ".fields." + name
		fm, ok := asStringMap(fields[name])
		if !ok {
			w.errf(fpath, "mapping", typeName(fields[name]))
			continue
		}
		spec.Fields[name] = w.decodeField(fm, fpath)
	}
	return spec
}

func (w *docWalker) decodeField(m map[string]any, path string) FieldSpec {
	w.checkKeys(m, path, "type", "schema", "required", "default", "description")
	var field FieldSpec
	field.Type = w.decodeTypeExpr(m, path)
	field.TypeSource = field.Type.String()
	field.Required, _ = w.boolAt(m, "required", path)
	if v, ok := m["default"]; ok {
		field.Default = v
		field.HasDefault = true
	}
	field.Description, _ = w.stringAt(m, "description", path, false)
	if field.Required && field.HasDefault {
		w.errf(path, "required or default, not both", "both set")
	}
	return field
}

// decodeTypeExpr parses a "type" entry, folding an accompanying "schema"
// mapping into object field types. Schema values are either type strings or
// nested mappings of the same shape, so objects compose recursively.
func (w *docWalker) decodeTypeExpr(m map[string]any, path string) TypeRef {
	src, ok := w.stringAt(m, "type", path, true)
	if !ok {
		return TypeRef{}
	}
	t, err := ParseType(src)
	if err != nil {
		w.errf(path+".type", "valid type expression", err.Error())
		return TypeRef{}
	}
	schema, hasSchema := m["schema"]
	if t.Kind != KindObject {
		if hasSchema {
			w.errf(path+".schema", "no schema for non-object type", src)
		}
		return t
	}
	if !hasSchema {
		w.errf(path+".schema", "schema mapping for object type", "missing")
		return t
	}
	sm, ok := asStringMap(schema)
	if !ok {
		w.errf(path+".schema", "mapping", typeName(schema))
		return t
	}
	t.Fields = w.decodeObjectSchema(sm, path+".schema")
	return t
}

func (w *docWalker) decodeObjectSchema(m map[string]any, path string) map[string]TypeRef {
	fields := make(map[string]TypeRef, len(m))
	for _, name := range sortedKeys(m) {
		fpath := path + "." + name
		switch v := m[name].(type) {
		case string:
			t, err := ParseType(v)
			if err != nil {
				w.errf(fpath, "valid type expression", err.Error())
				continue
			}
			if t.Kind == KindObject {
				w.errf(fpath, "nested object declared as mapping with type+schema", "bare object")
				continue
			}
			fields[name] = t
		default:
			nested, ok := asStringMap(v)
			if !ok {
				w.errf(fpath, "type string or nested mapping", typeName(v))
				continue
			}
			fields[name] = w.decodeTypeExpr(nested, fpath)
		}
	}
	return fields
}

func (w *docWalker) decodeNode(m map[string]any, path string) NodeSpec {
	w.checkKeys(m, path, "id", "prompt", "system", "inputs", "llm", "tools", "outputs", "output_schema", "retry", "timeout_seconds")
	var node NodeSpec
	node.ID, _ = w.stringAt(m, "id", path, true)
	node.Prompt, _ = w.stringAt(m, "prompt", path, true)
	node.System, _ = w.stringAt(m, "system", path, false)

	if im, ok := w.mapAt(m, "inputs", path, false); ok {
		node.Inputs = make(map[string]string, len(im))
		for _, name := range sortedKeys(im) {
			s, ok := im[name].(string)
			if !ok {
				w.errf(path+".inputs."+name, "template path string", typeName(im[name]))
				continue
			}
			node.Inputs[name] = s
		}
	}
	if lm, ok := w.mapAt(m, "llm", path, false); ok {
		ref := w.decodeLLMRef(lm, path+".llm")
		node.LLM = &ref
	}
	node.Tools, _ = w.stringListAt(m, "tools", path, false)
	node.Outputs, _ = w.stringListAt(m, "outputs", path, true)

	if om, ok := w.mapAt(m, "output_schema", path, false); ok {
		node.OutputSchema = make(map[string]TypeRef, len(om))
		node.OutputSource = make(map[string]string, len(om))
		for _, name := range sortedKeys(om) {
			fpath := path + ".output_schema." + name
			switch v := om[name].(type) {
			case string:
				t, err := ParseType(v)
				if err != nil {
					w.errf(fpath, "valid type expression", err.Error())
					continue
				}
				if t.Kind == KindObject {
					w.errf(fpath, "mapping with type+schema for object", "bare object")
					continue
				}
				node.OutputSchema[name] = t
				node.OutputSource[name] = v
			default:
				nested, ok := asStringMap(v)
				if !ok {
					w.errf(fpath, "type string or mapping", typeName(v))
					continue
				}
				t := w.decodeTypeExpr(nested, fpath)
				node.OutputSchema[name] = t
				node.OutputSource[name] = t.String()
			}
		}
	}

	if v, ok := w.intAt(m, "retry", path); ok {
		if v < 0 {
			w.errf(path+".retry", "non-negative int", fmt.Sprintf("%d", v))
		}
		node.Retry = v
	}
	node.TimeoutSeconds, _ = w.floatAt(m, "timeout_seconds", path)
	return node
}

func (w *docWalker) decodeLLMRef(m map[string]any, path string) LLMRef {
	w.checkKeys(m, path, "provider", "model", "temperature", "max_tokens", "timeout_seconds")
	var ref LLMRef
	ref.Provider, _ = w.stringAt(m, "provider", path, false)
	ref.Model, _ = w.stringAt(m, "model", path, false)
	ref.Temperature, _ = w.floatAt(m, "temperature", path)
	ref.MaxTokens, _ = w.intAt(m, "max_tokens", path)
	ref.TimeoutSeconds, _ = w.floatAt(m, "timeout_seconds", path)
	return ref
}

func (w *docWalker) decodeEdge(m map[string]any, path string) EdgeSpec {
	w.checkKeys(m, path, "from", "to", "routes")
	var edge EdgeSpec
	edge.From, _ = w.stringAt(m, "from", path, true)

	_, hasTo := m["to"]
	_, hasRoutes := m["routes"]
	switch {
	case hasTo && hasRoutes:
		w.errf(path, "either to or routes", "both set")
	case !hasTo && !hasRoutes:
		w.errf(path, "either to or routes", "neither set")
	case hasTo:
		edge.To, _ = w.stringAt(m, "to", path, true)
	default:
		items, _ := w.listAt(m, "routes", path, true)
		for i, item := range items {
			rpath := fmt.Sprintf("%s.routes[%d]", path, i)
			rm, ok := asStringMap(item)
			if !ok {
				w.errf(rpath, "mapping", typeName(item))
				continue
			}
			w.checkKeys(rm, rpath, "condition", "to")
			var route Route
			route.Condition, _ = w.stringAt(rm, "condition", rpath, true)
			route.To, _ = w.stringAt(rm, "to", rpath, true)
			edge.Routes = append(edge.Routes, route)
		}
	}
	return edge
}

func (w *docWalker) decodeConfig(m map[string]any, path string) *Config {
	w.checkKeys(m, path, "llm_defaults", "execution_defaults", "observability", "feature_flags")
	cfg := &Config{}
	if lm, ok := w.mapAt(m, "llm_defaults", path, false); ok {
		ref := w.decodeLLMRef(lm, path+".llm_defaults")
		cfg.LLMDefaults = &ref
	}
	if em, ok := w.mapAt(m, "execution_defaults", path, false); ok {
		epath := path + ".execution_defaults"
		w.checkKeys(em, epath, "max_retries", "worker_pool_size", "node_timeout_seconds")
		var ed ExecutionDefaults
		ed.MaxRetries, _ = w.intAt(em, "max_retries", epath)
		ed.WorkerPoolSize, _ = w.intAt(em, "worker_pool_size", epath)
		ed.NodeTimeoutSeconds, _ = w.floatAt(em, "node_timeout_seconds", epath)
		cfg.ExecutionDefaults = &ed
	}
	if om, ok := w.mapAt(m, "observability", path, false); ok {
		opath := path + ".observability"
		w.checkKeys(om, opath, "prometheus", "tracing", "log_events")
		var obs Observability
		obs.Prometheus, _ = w.boolAt(om, "prometheus", opath)
		obs.Tracing, _ = w.boolAt(om, "tracing", opath)
		obs.LogEvents, _ = w.boolAt(om, "log_events", opath)
		cfg.Observability = &obs
	}
	if fm, ok := w.mapAt(m, "feature_flags", path, false); ok {
		fpath := path + ".feature_flags"
		w.checkKeys(fm, fpath, "conditional_edges")
		var flags FeatureFlags
		flags.ConditionalEdges, _ = w.boolAt(fm, "conditional_edges", fpath)
		cfg.FeatureFlags = &flags
	}
	return cfg
}

func (w *docWalker) decodeOptimization(m map[string]any, path string) *Optimization {
	w.checkKeys(m, path, "ab_test", "gates")
	opt := &Optimization{}
	if am, ok := w.mapAt(m, "ab_test", path, false); ok {
		apath := path + ".ab_test"
		w.checkKeys(am, apath, "experiment_name", "run_count", "variants")
		ab := &ABTest{}
		ab.ExperimentName, _ = w.stringAt(am, "experiment_name", apath, true)
		if v, ok := w.intAt(am, "run_count", apath); ok {
			if v < 1 {
				w.errf(apath+".run_count", "positive int", fmt.Sprintf("%d", v))
			}
			ab.RunCount = v
		} else {
			w.errf(apath+".run_count", "positive int", "missing")
		}
		items, _ := w.listAt(am, "variants", apath, true)
		for i, item := range items {
			vpath := fmt.Sprintf("%s.variants[%d]", apath, i)
			vm, ok := asStringMap(item)
			if !ok {
				w.errf(vpath, "mapping", typeName(item))
				continue
			}
			w.checkKeys(vm, vpath, "name", "prompt", "node_id")
			var variant Variant
			variant.Name, _ = w.stringAt(vm, "name", vpath, true)
			variant.Prompt, _ = w.stringAt(vm, "prompt", vpath, true)
			variant.NodeID, _ = w.stringAt(vm, "node_id", vpath, true)
			ab.Variants = append(ab.Variants, variant)
		}
		opt.ABTest = ab
	}
	if items, ok := w.listAt(m, "gates", path, false); ok {
		for i, item := range items {
			gpath := fmt.Sprintf("%s.gates[%d]", path, i)
			gm, ok := asStringMap(item)
			if !ok {
				w.errf(gpath, "mapping", typeName(item))
				continue
			}
			opt.Gates = append(opt.Gates, w.decodeGate(gm, gpath))
		}
	}
	return opt
}

func (w *docWalker) decodeGate(m map[string]any, path string) Gate {
	w.checkKeys(m, path, "metric", "operator", "threshold", "action", "node_id")
	var gate Gate
	gate.Metric, _ = w.stringAt(m, "metric", path, true)
	if op, ok := w.stringAt(m, "operator", path, true); ok {
		switch GateOperator(op) {
		case OpLT, OpLTE, OpGT, OpGTE, OpEQ:
			gate.Operator = GateOperator(op)
		default:
			w.errf(path+".operator", "one of [lt, lte, gt, gte, eq]", op)
		}
	}
	if v, ok := w.floatAt(m, "threshold", path); ok {
		gate.Threshold = v
	} else if _, present := m["threshold"]; !present {
		w.errf(path+".threshold", "number", "missing")
	}
	if action, ok := w.stringAt(m, "action", path, true); ok {
		switch GateAction(action) {
		case GateWarn, GateFail, GateBlockDeploy:
			gate.Action = GateAction(action)
		default:
			w.errf(path+".action", "one of [WARN, FAIL, BLOCK_DEPLOY]", action)
		}
	}
	gate.NodeID, _ = w.stringAt(m, "node_id", path, false)
	return gate
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinDoc(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
