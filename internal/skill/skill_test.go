package skill

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/schema"
)

func TestResolveEnginePolicy(t *testing.T) {
	tests := []struct {
		name        string
		declared    []string
		unsupported []string
		want        []string
		wantErr     bool
	}{
		{name: "empty means all", want: engine.Supported()},
		{name: "allowlist only", declared: []string{"gemini", "codex"}, want: []string{"codex", "gemini"}},
		{name: "denylist subtracts from full set", unsupported: []string{"codex", "iflow"}, want: []string{"gemini", "opencode"}},
		{name: "overlap subtracts", declared: []string{"gemini", "codex"}, unsupported: []string{"codex"}, want: []string{"gemini"}},
		{name: "case and dupes normalized", declared: []string{" Gemini ", "gemini"}, want: []string{"gemini"}},
		{name: "unknown engine rejected", declared: []string{"claude"}, wantErr: true},
		{name: "unknown deny rejected", unsupported: []string{"nope"}, wantErr: true},
		{name: "empty effective set rejected", declared: []string{"codex"}, unsupported: []string{"codex"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEnginePolicy(tt.declared, tt.unsupported)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

const validManifest = `{
  "id": "pdf-report",
  "version": "1.2.0",
  "engines": ["gemini", "codex"],
  "unsupported_engines": ["codex"],
  "execution_modes": ["auto", "interactive"],
  "schemas": {
    "input": "assets/input.schema.json",
    "parameter": "assets/parameter.schema.json",
    "output": "assets/output.schema.json"
  },
  "artifacts": [{"role": "report", "pattern": "report.pdf", "mime": "application/pdf", "required": true}],
  "max_attempt": 5
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest), "/tmp/skill")
	require.NoError(t, err)
	assert.Equal(t, "pdf-report", m.ID)
	assert.Equal(t, []string{"gemini"}, m.EffectiveEngines)
	assert.True(t, m.SupportsEngine("gemini"))
	assert.False(t, m.SupportsEngine("codex"))
	assert.True(t, m.SupportsMode(ModeInteractive))
	assert.False(t, m.SupportsMode("batch"))
	assert.Equal(t, 5, m.MaxAttempt)
}

func TestParseManifestYAML(t *testing.T) {
	y := strings.Join([]string{
		"id: yaml-skill",
		"version: 0.1.0",
		"execution_modes: [auto]",
		"schemas:",
		"  input: a.json",
		"  parameter: b.json",
		"  output: c.json",
	}, "\n")
	m, err := ParseManifest([]byte(y), "/tmp/y")
	require.NoError(t, err)
	assert.Equal(t, "yaml-skill", m.ID)
	assert.Equal(t, engine.Supported(), m.EffectiveEngines)
}

func TestParseManifestRejectsLegacyKey(t *testing.T) {
	b := []byte(`{"id": "x", "unsupport_engine": ["codex"], "execution_modes": ["auto"],
		"schemas": {"input": "a", "parameter": "b", "output": "c"}}`)
	_, err := ParseManifest(b, "/tmp/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported_engines")
}

func TestParseManifestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"execution_modes": ["auto"], "schemas": {"input": "a", "parameter": "b", "output": "c"}}`},
		{"no modes", `{"id": "x", "schemas": {"input": "a", "parameter": "b", "output": "c"}}`},
		{"bad mode", `{"id": "x", "execution_modes": ["batch"], "schemas": {"input": "a", "parameter": "b", "output": "c"}}`},
		{"missing schema", `{"id": "x", "execution_modes": ["auto"], "schemas": {"input": "a", "parameter": "b"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.body), "/tmp/x")
			assert.Error(t, err)
		})
	}
}

func writeSkillFixture(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	manifest := strings.Replace(validManifest, `"id": "pdf-report"`, `"id": "`+id+`"`, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# "+id+"\n"), 0o644))
	for _, f := range []string{"input.schema.json", "parameter.schema.json", "output.schema.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", f), []byte(`{"type": "object"}`), 0o644))
	}
	return dir
}

func TestManagerLoadAndList(t *testing.T) {
	dataDir := t.TempDir()
	skillsDir := filepath.Join(dataDir, "skills")
	writeSkillFixture(t, skillsDir, "beta")
	writeSkillFixture(t, skillsDir, "alpha")

	mg := NewManager(dataDir, nil)

	m, err := mg.Load("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", m.ID)

	p, err := m.SchemaPath(SchemaOutput)
	require.NoError(t, err)
	assert.FileExists(t, p)

	skills, err := mg.List()
	require.NoError(t, err)
	require.Len(t, skills, 2)
	assert.Equal(t, "alpha", skills[0].ID)
	assert.Equal(t, "beta", skills[1].ID)
}

func TestManagerLoadMissing(t *testing.T) {
	mg := NewManager(t.TempDir(), nil)
	_, err := mg.Load("ghost")
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.SkillNotFound, ec.Code)
}

func TestManagerErrorMessagesKeepVerbatimIDs(t *testing.T) {
	mg := NewManager(t.TempDir(), nil)
	_, err := mg.Load("skill%sid")
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Contains(t, ec.Message, `"skill%sid"`)
	assert.NotContains(t, ec.Message, "%!s")
}

func TestManagerRejectsTraversalIDs(t *testing.T) {
	mg := NewManager(t.TempDir(), nil)
	for _, id := range []string{"", "..", "../other", "a/b", ".hidden"} {
		_, err := mg.Load(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestManagerLoadIDMismatch(t *testing.T) {
	dataDir := t.TempDir()
	dir := writeSkillFixture(t, filepath.Join(dataDir, "skills"), "real-id")
	renamed := filepath.Join(dataDir, "skills", "other-id")
	require.NoError(t, os.Rename(dir, renamed))

	mg := NewManager(dataDir, nil)
	_, err := mg.Load("other-id")
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.SkillInvalid, ec.Code)
}

const outputSchemaFixture = `{
  "type": "object",
  "required": ["summary", "report", "issues"],
  "properties": {
    "summary": {"type": "string", "minLength": 3},
    "report": {"type": "string", "x-type": "artifact", "x-filename": "report.pdf"},
    "issues": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 2,
      "uniqueItems": true
    },
    "error": {
      "anyOf": [
        {"type": "object", "properties": {"code": {"type": "string"}}},
        {"type": "null"}
      ]
    },
    "score": {"type": "integer", "minimum": 1}
  }
}`

func TestBuildMarkdownPatchTable(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(outputSchemaFixture), &raw))

	artifacts := []engine.ArtifactSpec{{Role: "report", Pattern: "report.pdf", MIME: "application/pdf", Required: true}}
	patch := BuildMarkdownPatch(artifacts, raw)

	assert.Contains(t, patch, "## Runtime Output Paths")
	assert.Contains(t, patch, "`{{ run_dir }}/artifacts/report.pdf`")
	assert.Contains(t, patch, "## Output Schema Specification")
	assert.Contains(t, patch, "| `issues` | yes | array of string (min 2, unique) |")
	assert.Contains(t, patch, "| `error` | no | If error: object. If success: null |")
	assert.Contains(t, patch, "| `score` | no | integer |")
	assert.Contains(t, patch, engine.DoneMarker)
}

func TestBuildMarkdownPatchSkeletonValidates(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(outputSchemaFixture), &raw))

	patch := BuildMarkdownPatch(nil, raw)

	// Pull the fenced example back out and check it against the schema the
	// way a run result would be checked.
	start := strings.Index(patch, "```json\n")
	require.Greater(t, start, -1)
	rest := patch[start+len("```json\n"):]
	end := strings.Index(rest, "```")
	require.Greater(t, end, -1)
	example := rest[:end]

	var value map[string]any
	require.NoError(t, json.Unmarshal([]byte(example), &value))
	assert.Equal(t, true, value[engine.DoneMarker])
	assert.Equal(t, "{{ run_dir }}/artifacts/report.pdf", value["report"])
	assert.Nil(t, value["error"])

	doc, err := schema.Parse([]byte(outputSchemaFixture), "output")
	require.NoError(t, err)
	assert.Empty(t, doc.Validate(value))
}

func TestSkeletonHonorsArrayBounds(t *testing.T) {
	fs := map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"minItems":    float64(3),
		"uniqueItems": true,
	}
	v := skeletonValue(fs, 0)
	arr, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, arr, 3)
	seen := map[any]bool{}
	for _, item := range arr {
		assert.False(t, seen[item], "duplicate item %v", item)
		seen[item] = true
	}
}

func TestInfoProjection(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest), "/tmp/skill")
	require.NoError(t, err)
	info := m.Info("PATCH")
	assert.Equal(t, "pdf-report", info.ID)
	assert.Equal(t, "/tmp/skill", info.Dir)
	assert.Equal(t, "PATCH", info.MarkdownPatch)
	require.Len(t, info.Artifacts, 1)
	assert.Equal(t, "report", info.Artifacts[0].Role)
}
