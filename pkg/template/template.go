// Package template resolves ${{...}} references in node configuration at dispatch time.
//
// Supported references:
//
//	${{[i].path.to.value}}  output recorded at step i, only when i is below the current step
//	${{[i]}}                the whole output of step i
//	${{now}}                current time in RFC 3339
//	${{timestamp}}          current unix time in seconds
//	${{execution.id}}       id of the running execution
//	${{workflow.id}}        id of the running workflow
//
// A reference that cannot be resolved renders as Undefined. Rendering never fails.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Undefined is rendered for forward, missing or malformed references.
const Undefined = "undefined"

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// StepLookup returns the output recorded at a step index.
type StepLookup func(step int) (any, bool)

// Scope is the data a config is rendered against.
type Scope struct {
	Current     int // Step index of the node being rendered
	ExecutionID string
	WorkflowID  string
	Steps       StepLookup
	Now         func() time.Time
}

// HasReference reports whether s carries at least one ${{ marker.
func HasReference(s string) bool {
	return strings.Contains(s, openMarker)
}

// RenderConfig returns a copy of config with every string value rendered.
func RenderConfig(config map[string]any, scope Scope) map[string]any {
	if config == nil {
		return map[string]any{}
	}

	rendered, _ := Render(config, scope).(map[string]any)

	return rendered
}

// Render walks maps and slices and renders every string it finds.
func Render(value any, scope Scope) any {
	switch v := value.(type) {
	case string:
		return RenderString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Render(item, scope)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Render(item, scope)
		}

		return out
	default:
		return value
	}
}

// RenderString renders s. When s is exactly one reference the resolved value keeps its type;
// otherwise every reference is embedded in the surrounding text.
func RenderString(s string, scope Scope) any {
	if !HasReference(s) {
		return s
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) &&
		strings.Count(trimmed, openMarker) == 1 && strings.Index(trimmed, closeMarker) == len(trimmed)-len(closeMarker) {
		value, ok := Resolve(trimmed[len(openMarker):len(trimmed)-len(closeMarker)], scope)
		if !ok {
			return Undefined
		}

		return value
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			result.WriteString(s[i:])

			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			// Unclosed marker is kept as text.
			result.WriteString(s[i+idx:])

			break
		}

		end += start

		if value, ok := Resolve(s[start:end], scope); ok {
			result.WriteString(inline(value))
		} else {
			result.WriteString(Undefined)
		}

		i = end + len(closeMarker)
	}

	return result.String()
}

// Resolve looks up a single reference body, without the ${{ }} markers.
func Resolve(reference string, scope Scope) (any, bool) {
	reference = strings.TrimSpace(reference)

	switch reference {
	case "":
		return nil, false
	case "now":
		return scope.now().UTC().Format(time.RFC3339), true
	case "timestamp":
		return scope.now().Unix(), true
	case "execution.id":
		return scope.ExecutionID, scope.ExecutionID != ""
	case "workflow.id":
		return scope.WorkflowID, scope.WorkflowID != ""
	}

	if !strings.HasPrefix(reference, "[") {
		return nil, false
	}

	closing := strings.Index(reference, "]")
	if closing == -1 {
		return nil, false
	}

	step, err := strconv.Atoi(reference[1:closing])
	if err != nil || step < 0 || step >= scope.Current || scope.Steps == nil {
		return nil, false
	}

	output, ok := scope.Steps(step)
	if !ok {
		return nil, false
	}

	path := reference[closing+1:]
	if path == "" {
		return output, true
	}

	if !strings.HasPrefix(path, ".") {
		return nil, false
	}

	return traverse(output, path[1:])
}

func traverse(root any, path string) (any, bool) {
	current := root

	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, false
		}

		switch v := current.(type) {
		case map[string]any:
			value, ok := v[segment]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(v) {
				return nil, false
			}

			current = v[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func (s Scope) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}

	return s.Now()
}

func inline(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	case fmt.Stringer:
		return v.String()
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(b)
	}
}
