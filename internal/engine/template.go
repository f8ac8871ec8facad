package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Renderer substitutes template placeholders. The default implementation
// handles the `{{ name }}` / `{{ name.sub }}` form used by skill prompts.
type Renderer interface {
	Render(template string, ctx map[string]any) (string, error)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// DefaultRenderer resolves dotted placeholder paths against a context map.
// Unknown placeholders render as empty strings; non-string values render as
// compact JSON.
type DefaultRenderer struct{}

func (DefaultRenderer) Render(template string, ctx map[string]any) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		path := strings.TrimSpace(strings.Trim(m, "{}"))
		v, ok := lookupPath(ctx, path)
		if !ok {
			return ""
		}
		switch tv := v.(type) {
		case string:
			return tv
		case nil:
			return ""
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("render %s: %w", path, err)
				}
				return ""
			}
			return string(b)
		}
	})
	return out, firstErr
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
