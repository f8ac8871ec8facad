package skill

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/skillrunner/internal/engine"
)

// BuildMarkdownPatch renders the SKILL.md addendum appended to the
// provisioned skill copy: runtime output-path overrides derived from the
// artifact contracts, and an "Output Schema Specification" section generated
// from the output schema.
func BuildMarkdownPatch(artifacts []engine.ArtifactSpec, outputSchema map[string]any) string {
	var sb strings.Builder

	if len(artifacts) > 0 {
		sb.WriteString("## Runtime Output Paths\n\n")
		sb.WriteString("Write every produced artifact under `{{ run_dir }}/artifacts/`:\n\n")
		for _, a := range artifacts {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "- `%s` (%s): `{{ run_dir }}/artifacts/%s`", a.Role, req, a.Pattern)
			if strings.TrimSpace(a.MIME) != "" {
				fmt.Fprintf(&sb, " — %s", a.MIME)
			}
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	if outputSchema != nil {
		sb.WriteString("## Output Schema Specification\n\n")
		sb.WriteString("The final message must be a single JSON object with `\"" + engine.DoneMarker + "\": true` that conforms to:\n\n")
		sb.WriteString(fieldTable(outputSchema))
		sb.WriteString("\nExample:\n\n```json\n")
		sb.WriteString(renderSkeleton(outputSchema))
		sb.WriteString("\n```\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func fieldTable(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if reqs, ok := schema["required"].([]any); ok {
		for _, r := range reqs {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("| Field | Required | Type |\n|---|---|---|\n")
	for _, name := range names {
		fs, _ := props[name].(map[string]any)
		req := "no"
		if required[name] {
			req = "yes"
		}
		fmt.Fprintf(&sb, "| `%s` | %s | %s |\n", name, req, typeString(fs))
	}
	return sb.String()
}

func typeString(fs map[string]any) string {
	if fs == nil {
		return "any"
	}
	if variants, ok := fs["anyOf"].([]any); ok {
		var nonNull map[string]any
		hasNull := false
		for _, v := range variants {
			vm, _ := v.(map[string]any)
			if vm == nil {
				continue
			}
			if vm["type"] == "null" {
				hasNull = true
				continue
			}
			nonNull = vm
		}
		if hasNull && nonNull != nil {
			return fmt.Sprintf("If error: %s. If success: null", typeString(nonNull))
		}
	}

	t, _ := fs["type"].(string)
	switch t {
	case "array":
		items, _ := fs["items"].(map[string]any)
		desc := "array of " + typeString(items)
		var parts []string
		if min, ok := numberField(fs, "minItems"); ok {
			parts = append(parts, fmt.Sprintf("min %d", min))
		}
		if max, ok := numberField(fs, "maxItems"); ok {
			parts = append(parts, fmt.Sprintf("max %d", max))
		}
		if unique, _ := fs["uniqueItems"].(bool); unique {
			parts = append(parts, "unique")
		}
		if len(parts) > 0 {
			desc += " (" + strings.Join(parts, ", ") + ")"
		}
		return desc
	case "object":
		return "object"
	case "":
		return "any"
	default:
		return t
	}
}

func numberField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// renderSkeleton produces an example JSON document that validates against the
// schema: arrays honor minItems/maxItems (and uniqueness), anyOf-null
// variants default to null, artifact fields render a run-dir path.
func renderSkeleton(schema map[string]any) string {
	v := skeletonValue(schema, 0)
	if obj, ok := v.(map[string]any); ok {
		if allowsDoneMarker(schema) {
			obj[engine.DoneMarker] = true
		}
		v = obj
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func allowsDoneMarker(schema map[string]any) bool {
	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		props, _ := schema["properties"].(map[string]any)
		_, declared := props[engine.DoneMarker]
		return declared
	}
	return true
}

func skeletonValue(fs map[string]any, seq int) any {
	if fs == nil {
		return nil
	}

	if xt, _ := fs["x-type"].(string); xt == "artifact" {
		name, _ := fs["x-filename"].(string)
		if strings.TrimSpace(name) == "" {
			name = "output.bin"
		}
		return "{{ run_dir }}/artifacts/" + name
	}

	if variants, ok := fs["anyOf"].([]any); ok {
		for _, v := range variants {
			if vm, _ := v.(map[string]any); vm != nil && vm["type"] == "null" {
				return nil
			}
		}
		if vm, _ := variants[0].(map[string]any); vm != nil {
			return skeletonValue(vm, seq)
		}
		return nil
	}

	if enum, ok := fs["enum"].([]any); ok && len(enum) > 0 {
		return enum[0]
	}

	t, _ := fs["type"].(string)
	switch t {
	case "object":
		props, _ := fs["properties"].(map[string]any)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make(map[string]any, len(names))
		for _, name := range names {
			pm, _ := props[name].(map[string]any)
			out[name] = skeletonValue(pm, seq)
		}
		return out
	case "array":
		items, _ := fs["items"].(map[string]any)
		n := 1
		if min, ok := numberField(fs, "minItems"); ok {
			n = min
		}
		if max, ok := numberField(fs, "maxItems"); ok && n > max {
			n = max
		}
		if n < 0 {
			n = 0
		}
		unique, _ := fs["uniqueItems"].(bool)
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v := skeletonValue(items, i)
			if unique {
				v = uniquify(v, i)
			}
			out = append(out, v)
		}
		return out
	case "string":
		s := "example"
		if min, ok := numberField(fs, "minLength"); ok {
			for len(s) < min {
				s += "x"
			}
		}
		if max, ok := numberField(fs, "maxLength"); ok && len(s) > max {
			s = s[:max]
		}
		return s
	case "integer":
		if min, ok := numberField(fs, "minimum"); ok {
			return min
		}
		return 0
	case "number":
		if min, ok := numberField(fs, "minimum"); ok {
			return min
		}
		return 0
	case "boolean":
		return true
	case "null":
		return nil
	default:
		return nil
	}
}

// uniquify varies generated array members so uniqueItems holds.
func uniquify(v any, i int) any {
	switch tv := v.(type) {
	case string:
		return fmt.Sprintf("%s-%d", tv, i+1)
	case int:
		return tv + i
	case float64:
		return tv + float64(i)
	default:
		return v
	}
}
