// Package schema validates run parameters, inputs and outputs against the
// per-skill JSON schemas.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document is a parsed JSON schema ready for repeated validation.
type Document struct {
	path   string
	raw    map[string]any
	schema *gojsonschema.Schema
}

// LoadFile parses a schema file. The file must exist; a skill referencing a
// missing schema fails its run.
func LoadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Parse(b, path)
}

// Parse compiles schema bytes. name is used in error messages only.
func Parse(b []byte, name string) (*Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Document{path: name, raw: raw, schema: s}, nil
}

// Raw returns the decoded schema object (for skeleton generation and field
// classification).
func (d *Document) Raw() map[string]any {
	if d == nil {
		return nil
	}
	return d.raw
}

// Validate checks value against the schema and returns one error per
// violation, sorted for stable output.
func (d *Document) Validate(value any) []string {
	if d == nil || d.schema == nil {
		return []string{"schema not loaded"}
	}
	res, err := d.schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return []string{err.Error()}
	}
	if res.Valid() {
		return nil
	}
	out := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		out = append(out, e.String())
	}
	sort.Strings(out)
	return out
}

// FieldSource says where an input field's value comes from.
type FieldSource string

const (
	// SourceFile fields are satisfied by uploaded files.
	SourceFile FieldSource = "file"
	// SourceInline fields are carried in the request's input payload.
	SourceInline FieldSource = "inline"
)

// ClassifyInputFields splits the input schema's top-level properties into
// file-sourced and inline-sourced fields. A property whose schema carries
// `"x-source": "file"` is file-sourced; everything else is inline.
func ClassifyInputFields(d *Document) (map[string]FieldSource, error) {
	if d == nil || d.raw == nil {
		return nil, errors.New("schema not loaded")
	}
	props, _ := d.raw["properties"].(map[string]any)
	out := make(map[string]FieldSource, len(props))
	for name, p := range props {
		out[name] = SourceInline
		if m, ok := p.(map[string]any); ok {
			if src, _ := m["x-source"].(string); strings.EqualFold(strings.TrimSpace(src), "file") {
				out[name] = SourceFile
			}
		}
	}
	return out, nil
}

// RequiredFields returns the schema's top-level required list.
func RequiredFields(d *Document) []string {
	if d == nil || d.raw == nil {
		return nil
	}
	raw, _ := d.raw["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// TemplateContext is the object handed to prompt templates.
type TemplateContext struct {
	Skill       map[string]any `json:"skill"`
	InputPrompt string         `json:"input_prompt"`
	Input       map[string]any `json:"input"`
	Parameter   map[string]any `json:"parameter"`
	RunDir      string         `json:"run_dir"`
}

// BuildContext assembles the template context from validated values.
func BuildContext(skillMeta map[string]any, inputPrompt string, input, parameter map[string]any, runDir string) TemplateContext {
	if input == nil {
		input = map[string]any{}
	}
	if parameter == nil {
		parameter = map[string]any{}
	}
	return TemplateContext{
		Skill:       skillMeta,
		InputPrompt: inputPrompt,
		Input:       input,
		Parameter:   parameter,
		RunDir:      runDir,
	}
}
