package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// fallbackTemplate is the minimal prompt used when neither the manifest nor
// the adapter declares one.
const fallbackTemplate = "{{ input_prompt }}"

// TemplatePromptBuilder resolves the prompt template in fixed order: manifest
// inline template for this engine, then the adapter's default template, then
// the minimal input-prompt fallback. The rendered prompt is persisted under
// logs/prompt.txt.
type TemplatePromptBuilder struct {
	EngineName      string
	DefaultTemplate string
	Renderer        Renderer
}

func (b *TemplatePromptBuilder) BuildPrompt(ctx context.Context, tc *TurnContext) (string, error) {
	if b == nil || tc == nil {
		return "", errors.New("nil prompt builder or turn context")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmpl := tc.Skill.Prompts[b.EngineName]
	if tmpl == "" {
		tmpl = b.DefaultTemplate
	}
	if tmpl == "" {
		tmpl = fallbackTemplate
	}

	r := b.Renderer
	if r == nil {
		r = DefaultRenderer{}
	}
	rendered, err := r.Render(tmpl, map[string]any{
		"skill": map[string]any{
			"id":      tc.Skill.ID,
			"version": tc.Skill.Version,
		},
		"input_prompt": tc.InputPrompt,
		"input":        tc.Input,
		"parameter":    tc.Parameter,
		"run_dir":      tc.RunDir,
	})
	if err != nil {
		return "", err
	}

	logsDir := filepath.Join(tc.RunDir, "logs")
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return "", err
	}
	if err := WriteFileAtomic(filepath.Join(logsDir, "prompt.txt"), []byte(rendered), 0o600); err != nil {
		return "", err
	}
	return rendered, nil
}
