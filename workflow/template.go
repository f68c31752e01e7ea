package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// TemplateError reports a template whose placeholder could not be resolved.
// Available lists every path that was resolvable at the time, and Suggestion
// carries the closest match when one exists within edit distance 2.
type TemplateError struct {
	Placeholder string
	Available   []string
	Suggestion  string
}

func (e *TemplateError) Error() string {
	msg := fmt.Sprintf("unresolved placeholder {%s}; available: %s",
		e.Placeholder, strings.Join(e.Available, ", "))
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

// Resolve substitutes every {path} placeholder in template against inputs and
// state, inputs taking precedence. Paths are dotted; intermediate segments
// must be maps. A template with no remaining placeholders resolves to itself,
// so resolution is idempotent once complete.
//
// Braced text that is not a valid dotted identifier, such as JSON literals
// embedded in a prompt, is left untouched.
func Resolve(template string, inputs, state map[string]any) (string, error) {
	var sb strings.Builder
	sb.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		if c != '{' {
			sb.WriteByte(c)
			i++
			continue
		}
		path, end, ok := scanPlaceholder(template, i)
		if !ok {
			sb.WriteByte(c)
			i++
			continue
		}
		value, found := lookupPath(path, inputs, state)
		if !found {
			available := availablePaths(inputs, state)
			return "", &TemplateError{
				Placeholder: path,
				Available:   available,
				Suggestion:  closestMatch(path, available),
			}
		}
		sb.WriteString(formatValue(value))
		i = end
	}
	return sb.String(), nil
}

// Placeholders returns the dotted paths of every placeholder in the template,
// in order of appearance. Shared by the semantic validator and the resolver
// so both agree on what counts as a placeholder.
func Placeholders(template string) []string {
	var out []string
	for i := 0; i < len(template); {
		if template[i] != '{' {
			i++
			continue
		}
		path, end, ok := scanPlaceholder(template, i)
		if !ok {
			i++
			continue
		}
		out = append(out, path)
		i = end
	}
	return out
}

// scanPlaceholder reads a {dotted.path} starting at the '{' at offset start.
// Returns the inner path, the offset just past '}', and whether the braced
// region was a well-formed placeholder.
func scanPlaceholder(s string, start int) (string, int, bool) {
	i := start + 1
	segStart := i
	for i < len(s) {
		c := s[i]
		switch {
		case c == '}':
			if i == segStart {
				return "", 0, false
			}
			return s[start+1 : i], i + 1, true
		case c == '.':
			if i == segStart {
				return "", 0, false
			}
			i++
			segStart = i
		case i == segStart && isIdentStart(c):
			i++
		case i > segStart && isIdentPart(c):
			i++
		default:
			return "", 0, false
		}
	}
	return "", 0, false
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// lookupPath resolves a dotted path against inputs first, then state.
func lookupPath(path string, inputs, state map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	if v, ok := descend(inputs, segments); ok {
		return v, true
	}
	return descend(state, segments)
}

func descend(m map[string]any, segments []string) (any, bool) {
	if m == nil {
		return nil, false
	}
	var current any = m
	for _, seg := range segments {
		cm, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		current, ok = cm[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// availablePaths enumerates resolvable paths one level deep: top-level names
// plus name.field for map-valued entries. Sorted for stable error output.
func availablePaths(inputs, state map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, m := range []map[string]any{inputs, state} {
		for name, v := range m {
			add(name)
			if sub, ok := asStringMap(v); ok {
				for field := range sub {
					add(name + "." + field)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// formatValue renders a substituted value into the template. Strings embed
// as-is; everything else uses the default Go formatting, which matches what
// operators see in logs and keeps numbers unquoted.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
