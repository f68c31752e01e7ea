package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Validate runs the semantic passes over a structurally valid declaration.
// Passes run in a fixed order and validation stops at the first failing
// category, so earlier passes establish the preconditions later ones assume
// (reachability, for example, requires that every endpoint resolved).
//
// Pass order:
//  1. Node identifiers and edge endpoints resolve (START/END handling,
//     exactly one START edge, unique ids, identifier grammar).
//  2. Every node output names an existing state field.
//  3. output_schema field set equals the outputs set.
//  4. Output types match their state field types.
//  5. Every {placeholder} in prompts, input mappings, and system messages
//     resolves against the node's inputs plus state fields.
//  6. Every TypeRef tree is well formed.
//  7. Linear shape (v1.0): one outgoing edge per node, no conditional
//     routes unless the feature flag enables them, no cycles.
//  8. Reachability: forward from START and backward from END cover all
//     nodes.
//
// Unknown identifiers carry a "did you mean" suggestion when a known
// identifier sits within edit distance 2.
func Validate(decl *Declaration) error {
	passes := []func(*Declaration) error{
		validateEndpoints,
		validateOutputsExist,
		validateSchemaAlignment,
		validateOutputTypes,
		validateTemplates,
		validateTypeRefs,
		validateLinearShape,
		validateReachability,
	}
	for _, pass := range passes {
		if err := pass(decl); err != nil {
			return err
		}
	}
	return nil
}

// validateEndpoints checks node identifier grammar and uniqueness, then
// resolves every edge endpoint against the node table plus START/END.
func validateEndpoints(decl *Declaration) error {
	seen := make(map[string]bool, len(decl.Nodes))
	for i, node := range decl.Nodes {
		path := fmt.Sprintf("nodes[%d].id", i)
		if !isIdentifier(node.ID) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("invalid node id %q: must match [A-Za-z_][A-Za-z0-9_]*", node.ID)}
		}
		if node.ID == StartNode || node.ID == EndNode {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%q is reserved", node.ID)}
		}
		if seen[node.ID] {
			return &ValidationError{Path: path, Message: fmt.Sprintf("duplicate node id %q", node.ID)}
		}
		seen[node.ID] = true
	}

	ids := decl.NodeIDs()
	startEdges := 0
	for i, edge := range decl.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if edge.From == EndNode {
			return &ValidationError{Path: path + ".from", Message: "END cannot be an edge source"}
		}
		if edge.From != StartNode && !seen[edge.From] {
			return &ValidationError{
				Path:       path + ".from",
				Message:    fmt.Sprintf("unknown node %q", edge.From),
				Suggestion: closestMatch(edge.From, ids),
			}
		}
		if edge.From == StartNode {
			startEdges++
		}
		targets := []string{edge.To}
		if edge.Conditional() {
			targets = targets[:0]
			for _, r := range edge.Routes {
				targets = append(targets, r.To)
			}
		}
		for _, to := range targets {
			if to == StartNode {
				return &ValidationError{Path: path, Message: "START cannot be an edge target"}
			}
			if to != EndNode && !seen[to] {
				return &ValidationError{
					Path:       path + ".to",
					Message:    fmt.Sprintf("unknown node %q", to),
					Suggestion: closestMatch(to, ids),
				}
			}
		}
	}
	if startEdges != 1 {
		return &ValidationError{Path: "edges", Message: fmt.Sprintf("exactly one edge must originate at START, found %d", startEdges)}
	}
	return nil
}

// validateOutputsExist checks that every node output names a declared state
// field.
func validateOutputsExist(decl *Declaration) error {
	fields := stateFieldNames(decl)
	for i, node := range decl.Nodes {
		if len(node.Outputs) == 0 {
			return &ValidationError{Path: fmt.Sprintf("nodes[%d].outputs", i), Message: "node must declare at least one output"}
		}
		for _, out := range node.Outputs {
			if _, ok := decl.State.Fields[out]; !ok {
				return &ValidationError{
					Path:       fmt.Sprintf("nodes[%d].outputs", i),
					Message:    fmt.Sprintf("output %q is not a state field", out),
					Suggestion: closestMatch(out, fields),
				}
			}
		}
	}
	return nil
}

// validateSchemaAlignment checks that a node's output_schema names exactly
// its outputs: no extras, none missing.
func validateSchemaAlignment(decl *Declaration) error {
	for i, node := range decl.Nodes {
		if node.OutputSchema == nil {
			continue
		}
		path := fmt.Sprintf("nodes[%d].output_schema", i)
		for _, out := range node.Outputs {
			if _, ok := node.OutputSchema[out]; !ok {
				return &ValidationError{Path: path, Message: fmt.Sprintf("missing schema for output %q", out)}
			}
		}
		if len(node.OutputSchema) != len(node.Outputs) {
			outs := make(map[string]bool, len(node.Outputs))
			for _, out := range node.Outputs {
				outs[out] = true
			}
			for name := range node.OutputSchema {
				if !outs[name] {
					return &ValidationError{
						Path:       path,
						Message:    fmt.Sprintf("schema field %q is not in outputs", name),
						Suggestion: closestMatch(name, node.Outputs),
					}
				}
			}
		}
	}
	return nil
}

// validateOutputTypes checks that output schema types equal the declared
// state field types, recursively for objects.
func validateOutputTypes(decl *Declaration) error {
	for i, node := range decl.Nodes {
		for name, t := range node.OutputSchema {
			field, ok := decl.State.Fields[name]
			if !ok {
				continue // pass 2 already rejected this shape
			}
			if !t.Equal(field.Type) {
				return &ValidationError{
					Path:    fmt.Sprintf("nodes[%d].output_schema.%s", i, name),
					Message: fmt.Sprintf("type %s does not match state field type %s", t.String(), field.Type.String()),
				}
			}
		}
	}
	return nil
}

// validateTemplates checks that every placeholder in prompts, system
// messages, and input mapping values resolves against the union of the
// node's input names and the state fields; dotted tails are checked against
// object field trees.
func validateTemplates(decl *Declaration) error {
	for i, node := range decl.Nodes {
		known := make(map[string]TypeRef, len(decl.State.Fields))
		for name, field := range decl.State.Fields {
			known[name] = field.Type
		}
		inputNames := make(map[string]bool, len(node.Inputs))
		for name := range node.Inputs {
			inputNames[name] = true
		}

		check := func(template, where string, inputs map[string]bool) error {
			for _, ph := range Placeholders(template) {
				if err := resolvesStatically(ph, inputs, known); err != nil {
					err.Path = fmt.Sprintf("nodes[%d].%s", i, where)
					return err
				}
			}
			return nil
		}

		if err := check(node.Prompt, "prompt", inputNames); err != nil {
			return err
		}
		if err := check(node.System, "system", inputNames); err != nil {
			return err
		}
		// Input mapping values resolve against state alone; letting them
		// reference sibling inputs would make binding order-dependent.
		for _, name := range sortedInputKeys(node.Inputs) {
			if err := check(node.Inputs[name], "inputs."+name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolvesStatically checks a dotted placeholder path against input names and
// typed state fields. Input-bound names accept any tail (their values are
// runtime data); state fields must descend through object field types.
func resolvesStatically(path string, inputs map[string]bool, state map[string]TypeRef) *ValidationError {
	segments := strings.Split(path, ".")
	head := segments[0]

	if inputs[head] {
		return nil
	}
	t, ok := state[head]
	if !ok {
		available := make([]string, 0, len(inputs)+len(state))
		for name := range inputs {
			available = append(available, name)
		}
		for name := range state {
			available = append(available, name)
		}
		sort.Strings(available)
		return &ValidationError{
			Message:    fmt.Sprintf("placeholder {%s} does not resolve; available: %s", path, strings.Join(available, ", ")),
			Suggestion: closestMatch(head, available),
		}
	}
	for _, seg := range segments[1:] {
		if t.Kind != KindObject {
			return &ValidationError{Message: fmt.Sprintf("placeholder {%s}: %q is not an object", path, head)}
		}
		next, ok := t.Fields[seg]
		if !ok {
			fields := make([]string, 0, len(t.Fields))
			for name := range t.Fields {
				fields = append(fields, name)
			}
			sort.Strings(fields)
			return &ValidationError{
				Message:    fmt.Sprintf("placeholder {%s}: object has no field %q", path, seg),
				Suggestion: closestMatch(seg, fields),
			}
		}
		head = seg
		t = next
	}
	return nil
}

// validateTypeRefs checks that every type tree in the declaration is well
// formed: known kinds everywhere and object types carrying at least one
// field.
func validateTypeRefs(decl *Declaration) error {
	for _, name := range stateFieldNames(decl) {
		if err := checkTypeTree(decl.State.Fields[name].Type, "state.fields."+name); err != nil {
			return err
		}
	}
	for i, node := range decl.Nodes {
		for name, t := range node.OutputSchema {
			if err := checkTypeTree(t, fmt.Sprintf("nodes[%d].output_schema.%s", i, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkTypeTree(t TypeRef, path string) error {
	switch t.Kind {
	case KindStr, KindInt, KindFloat, KindBool:
		return nil
	case KindList:
		if t.Item != nil {
			return checkTypeTree(*t.Item, path+"[]")
		}
		return nil
	case KindDict:
		if t.Key != nil {
			if err := checkTypeTree(*t.Key, path+".key"); err != nil {
				return err
			}
		}
		if t.Value != nil {
			return checkTypeTree(*t.Value, path+".value")
		}
		return nil
	case KindObject:
		if len(t.Fields) == 0 {
			return &ValidationError{Path: path, Message: "object type must declare at least one field"}
		}
		for name, ft := range t.Fields {
			if err := checkTypeTree(ft, path+"."+name); err != nil {
				return err
			}
		}
		return nil
	default:
		return &ValidationError{Path: path, Message: fmt.Sprintf("unknown type kind %q", string(t.Kind))}
	}
}

// validateLinearShape enforces the v1.0 execution shape: at most one outgoing
// edge per source, no conditional routes unless the feature flag enables
// them, and no cycles either way.
func validateLinearShape(decl *Declaration) error {
	conditionals := decl.FeatureConditionalEdges()
	outgoing := map[string]int{}
	for i, edge := range decl.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if edge.Conditional() && !conditionals {
			return &ValidationError{Path: path, Message: "conditional routes require feature_flags.conditional_edges"}
		}
		outgoing[edge.From]++
		if outgoing[edge.From] > 1 && !conditionals {
			return &ValidationError{Path: path, Message: fmt.Sprintf("node %q has more than one outgoing edge; v1.0 graphs are linear", edge.From)}
		}
	}
	if cycle := findCycle(decl); cycle != "" {
		return &ValidationError{Path: "edges", Message: "graph contains a cycle through " + cycle}
	}
	return nil
}

// findCycle runs a coloring DFS over the edge table; returns a node on a
// cycle, or "".
func findCycle(decl *Declaration) string {
	adj := adjacency(decl, false)
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(string) string
	visit = func(n string) string {
		color[n] = gray
		for _, next := range adj[n] {
			if next == EndNode {
				continue
			}
			switch color[next] {
			case gray:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}
	for _, node := range decl.Nodes {
		if color[node.ID] == white {
			if c := visit(node.ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// validateReachability requires BFS from START to cover every node and
// reverse BFS from END to cover every node.
func validateReachability(decl *Declaration) error {
	forward := bfs(adjacency(decl, false), StartNode)
	for _, node := range decl.Nodes {
		if !forward[node.ID] {
			return &ValidationError{Path: "edges", Message: fmt.Sprintf("node %q is not reachable from START", node.ID)}
		}
	}
	backward := bfs(adjacency(decl, true), EndNode)
	for _, node := range decl.Nodes {
		if !backward[node.ID] {
			return &ValidationError{Path: "edges", Message: fmt.Sprintf("node %q cannot reach END", node.ID)}
		}
	}
	return nil
}

// adjacency builds the edge table; reversed flips edge direction for the
// backward reachability pass.
func adjacency(decl *Declaration, reversed bool) map[string][]string {
	adj := map[string][]string{}
	add := func(from, to string) {
		if reversed {
			adj[to] = append(adj[to], from)
		} else {
			adj[from] = append(adj[from], to)
		}
	}
	for _, edge := range decl.Edges {
		if edge.Conditional() {
			for _, r := range edge.Routes {
				add(edge.From, r.To)
			}
			continue
		}
		add(edge.From, edge.To)
	}
	return adj
}

func bfs(adj map[string][]string, from string) map[string]bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range adj[n] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}

func stateFieldNames(decl *Declaration) []string {
	names := make([]string, 0, len(decl.State.Fields))
	for name := range decl.State.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedInputKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isIdentifier reports whether s matches [A-Za-z_][A-Za-z0-9_]*.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	if !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}
