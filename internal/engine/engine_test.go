package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCommandProfileCodexLandlock(t *testing.T) {
	p, err := ResolveCommandProfile(Codex, Options{LandlockEnabled: true})
	require.NoError(t, err)
	assert.Contains(t, p.Flags, "--full-auto")

	p, err = ResolveCommandProfile(Codex, Options{LandlockEnabled: false})
	require.NoError(t, err)
	assert.Contains(t, p.Flags, "--yolo")
	assert.NotContains(t, p.Flags, "--full-auto")
}

func TestStripProfileFlags(t *testing.T) {
	in := []string{"exec", "-p", "skill", "--approval-mode", "yolo", "--profile=alt", "prompt"}
	out := StripProfileFlags(in)
	assert.Equal(t, []string{"exec", "--approval-mode", "yolo", "prompt"}, out)
}

func TestMergeConfigNestedOverlayWins(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	overlay := map[string]any{"nested": map[string]any{"y": 3, "z": 4}}
	out := MergeConfig(base, overlay)
	assert.Equal(t, 1, out["a"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, 1, nested["x"])
	assert.Equal(t, 3, nested["y"])
	assert.Equal(t, 4, nested["z"])
}

func TestFilterEngineConfigDropsInteractiveKeys(t *testing.T) {
	out := FilterEngineConfig(map[string]any{
		"interactive_auto_reply": true,
		"session_timeout_sec":    30,
		"sandbox":                "strict",
	})
	assert.Equal(t, map[string]any{"sandbox": "strict"}, out)
}

func TestDefaultRendererDottedPaths(t *testing.T) {
	r := DefaultRenderer{}
	out, err := r.Render("run {{ skill.id }} in {{ run_dir }}: {{ input_prompt }} {{ missing }}", map[string]any{
		"skill":        map[string]any{"id": "demo"},
		"run_dir":      "/runs/r1",
		"input_prompt": "go",
	})
	require.NoError(t, err)
	assert.Equal(t, "run demo in /runs/r1: go ", out)
}

func TestDefaultRendererDoesNotReinterpretValues(t *testing.T) {
	r := DefaultRenderer{}
	// Placeholder-shaped text inside a value passes through verbatim; values
	// are substituted, never parsed.
	out, err := r.Render("say {{ input_prompt }} ({{ n }})", map[string]any{
		"input_prompt": "literal {{ run_dir }} text",
		"run_dir":      "/runs/r1",
		"n":            float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "say literal {{ run_dir }} text (3)", out)
}

func TestLatestTurnWindow(t *testing.T) {
	lines := []string{
		`{"type":"turn.started"}`,
		`{"type":"item.completed","n":1}`,
		`{"type":"turn.completed"}`,
		`{"type":"turn.started"}`,
		`{"type":"item.completed","n":2}`,
	}
	out := LatestTurnWindow(lines)
	require.Len(t, out, 2)
	assert.Contains(t, out[1], `"n":2`)
}

func TestFindFinalPayloadPrefersLastDoneObject(t *testing.T) {
	text := "noise {\"__SKILL_DONE__\": true, \"v\": 1} more\n```json\n{\"__SKILL_DONE__\": true, \"v\": 2}\n```\n"
	obj, ok := FindFinalPayload(text)
	require.True(t, ok)
	assert.EqualValues(t, 2, obj["v"])

	_, ok = FindFinalPayload("no done marker here {\"x\": 1}")
	assert.False(t, ok)
}

func TestDecodeInteraction(t *testing.T) {
	p, err := DecodeInteraction(map[string]any{
		"interaction_id": 1,
		"kind":           "confirm",
		"prompt":         "continue?",
	})
	require.NoError(t, err)
	assert.Equal(t, KindConfirm, p.Kind)

	_, err = DecodeInteraction(map[string]any{"kind": "confirm", "prompt": "x"})
	assert.Error(t, err)

	_, err = DecodeInteraction(map[string]any{"interaction_id": 1, "kind": "bogus"})
	assert.Error(t, err)
}

func TestJSONConfigComposerLayering(t *testing.T) {
	skillDir := t.TempDir()
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(skillDir, "assets"), 0o700))
	require.NoError(t, os.WriteFile(
		filepath.Join(skillDir, "assets", "gemini_settings.json"),
		[]byte(`{"model":"skill-default","theme":"dark"}`), 0o600))

	c := &JSONConfigComposer{
		EngineName:        Gemini,
		SettingsFileName:  "settings.json",
		SkillSettingsFile: filepath.Join("assets", "gemini_settings.json"),
		ModelKey:          "model",
		AdapterDefaults:   map[string]any{"model": "adapter-default", "telemetry": false},
		SystemOverrides:   map[string]any{"sandbox": true},
	}
	tc := &TurnContext{
		RunDir: runDir,
		Skill:  SkillInfo{ID: "demo", Dir: skillDir},
		Options: Options{
			Model:       "user-model",
			ConfigBlock: map[string]any{"theme": "light", "interactive_auto_reply": true},
		},
	}
	path, err := c.Compose(context.Background(), tc)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"model": "user-model"`)
	assert.Contains(t, s, `"theme": "light"`)
	assert.Contains(t, s, `"sandbox": true`)
	assert.NotContains(t, s, "interactive_auto_reply")
}

func TestTreeProvisionerAppendsPatch(t *testing.T) {
	skillDir := t.TempDir()
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte("# demo\n"), 0o600))

	p := &TreeProvisioner{EngineName: Gemini}
	tc := &TurnContext{
		RunDir: runDir,
		Skill:  SkillInfo{ID: "demo", Dir: skillDir, MarkdownPatch: "## Output Schema Specification\n- x"},
	}
	require.NoError(t, p.Provision(context.Background(), tc))

	b, err := os.ReadFile(filepath.Join(runDir, ".gemini", "skills", "demo", "SKILL.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "# demo")
	assert.Contains(t, string(b), "Output Schema Specification")
}

func TestTemplatePromptBuilderResolutionOrder(t *testing.T) {
	runDir := t.TempDir()
	b := &TemplatePromptBuilder{EngineName: Gemini, DefaultTemplate: "default: {{ input_prompt }}"}

	// Manifest inline template wins.
	tc := &TurnContext{
		RunDir:      runDir,
		InputPrompt: "go",
		Skill:       SkillInfo{ID: "demo", Prompts: map[string]string{Gemini: "inline: {{ input_prompt }}"}},
	}
	out, err := b.BuildPrompt(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "inline: go", out)

	// Falls back to the adapter default.
	tc.Skill.Prompts = nil
	out, err = b.BuildPrompt(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "default: go", out)

	// Rendered prompt is persisted.
	persisted, err := os.ReadFile(filepath.Join(runDir, "logs", "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "default: go", string(persisted))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &Adapter{
		Name:      Gemini,
		CLI:       "gemini",
		Config:    &JSONConfigComposer{EngineName: Gemini, SettingsFileName: "settings.json"},
		Workspace: &TreeProvisioner{EngineName: Gemini},
		Prompt:    &TemplatePromptBuilder{EngineName: Gemini},
		Command:   nopCommandBuilder{},
		Parser:    nopParser{},
		Session:   nopCodec{},
	}
	require.NoError(t, r.Register(a))
	assert.Error(t, r.Register(a)) // duplicate

	got, ok := r.Lookup(Gemini)
	require.True(t, ok)
	assert.Equal(t, "gemini", got.CLI)
	assert.Equal(t, []string{Gemini}, r.Names())
}

type nopCommandBuilder struct{}

func (nopCommandBuilder) StartCommand(*TurnContext, string) ([]string, error) { return nil, nil }
func (nopCommandBuilder) ResumeCommand(*TurnContext, SessionHandle, string) ([]string, error) {
	return nil, nil
}

type nopParser struct{}

func (nopParser) ParseTurn([]byte) (*TurnResult, error) { return &TurnResult{}, nil }

type nopCodec struct{}

func (nopCodec) ExtractHandle([]byte, int) (SessionHandle, error) { return SessionHandle{}, nil }
