// Package resolver substitutes {{...}} expressions in step configuration
// against an execution scope. Resolution is pure: it never mutates the scope
// or the input value, so resolving the same input twice yields the same
// result.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/maestro/pkg/schema"
)

// userTaskToken is replaced with the scope's UserTask value wherever it
// appears inside an expression-free string or as a bare expression.
const userTaskToken = "USER_TASK"

var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve walks value recursively, replacing every {{...}} expression in
// every string. Maps and slices are rebuilt, never mutated in place. Any
// unresolvable reference fails the whole resolution.
func Resolve(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap resolves every value of a string-keyed map.
func ResolveMap(m map[string]any, scope *Scope) (map[string]any, error) {
	resolved, err := Resolve(m, scope)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return resolved.(map[string]any), nil
}

// ResolveString resolves all {{...}} expressions in s. When the entire
// string is a single expression the referenced value is returned with its
// original type, so {{workflow.parameters.count}} stays a number. Otherwise
// each expression is stringified and spliced into the surrounding text.
func ResolveString(s string, scope *Scope) (any, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single expression: preserve the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		return lookup(expr, scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expr := strings.TrimSpace(s[m[2]:m[3]])
		val, err := lookup(expr, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup evaluates one expression against the scope.
func lookup(expr string, scope *Scope) (any, error) {
	if expr == userTaskToken {
		return scope.UserTask, nil
	}

	segments := strings.Split(expr, ".")

	switch segments[0] {
	case "workflow":
		if len(segments) < 3 || segments[1] != "parameters" {
			return nil, resolutionError(expr, "workflow namespace only exposes workflow.parameters")
		}
		return traversePath(scope.Parameters, segments[2:], expr)

	case "context":
		if len(segments) < 2 {
			return nil, resolutionError(expr, "context reference needs a key")
		}
		// Iteration-local bindings shadow the shared context.
		if val, ok := scope.locals[segments[1]]; ok {
			return traversePath(val, segments[2:], expr)
		}
		return traversePath(scope.Context, segments[1:], expr)

	case "steps":
		if len(segments) < 3 || segments[2] != "output" {
			return nil, resolutionError(expr, "step references take the form steps.<name>.output.<path>")
		}
		output, ok := scope.Steps[segments[1]]
		if !ok {
			return nil, resolutionError(expr, fmt.Sprintf("step %q has not produced output", segments[1]))
		}
		if len(segments) == 3 {
			return output, nil
		}
		return traversePath(output, segments[3:], expr)

	default:
		return nil, resolutionError(expr, fmt.Sprintf("unknown namespace %q", segments[0]))
	}
}

// traversePath walks a dot path through nested maps and slices. Numeric
// segments index into slices.
func traversePath(root any, segments []string, expr string) (any, error) {
	current := root
	for i, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, resolutionError(expr, fmt.Sprintf("key %q not found at %s", seg, pathSoFar(segments, i)))
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, resolutionError(expr, fmt.Sprintf("segment %q is not a valid array index", seg))
			}
			if idx < 0 || idx >= len(node) {
				return nil, resolutionError(expr, fmt.Sprintf("index %d out of range (length %d)", idx, len(node)))
			}
			current = node[idx]
		default:
			return nil, resolutionError(expr, fmt.Sprintf("cannot descend into %T at %s", current, pathSoFar(segments, i)))
		}
	}
	return current, nil
}

func pathSoFar(segments []string, i int) string {
	if i == 0 {
		return "root"
	}
	return strings.Join(segments[:i], ".")
}

func resolutionError(expr, reason string) error {
	return schema.NewErrorf(schema.ErrCodeParameterResolution, "cannot resolve {{%s}}: %s", expr, reason)
}

// stringify renders a resolved value for splicing into surrounding text.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
