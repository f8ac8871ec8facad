// Package skill loads and validates skill manifests and materializes the
// adapter-facing projection of a skill.
package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/floegence/skillrunner/internal/engine"
)

// Execution modes a skill may declare.
const (
	ModeAuto        = "auto"
	ModeInteractive = "interactive"
)

// Schema roles every skill must provide.
const (
	SchemaInput     = "input"
	SchemaParameter = "parameter"
	SchemaOutput    = "output"
)

// RuntimeSpec describes the sandboxed child runtime for skills that declare
// dependencies.
type RuntimeSpec struct {
	Language     string   `json:"language" yaml:"language"`
	Version      string   `json:"version,omitempty" yaml:"version,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Entrypoint carries per-engine inline prompt templates.
type Entrypoint struct {
	Prompts map[string]string `json:"prompts,omitempty" yaml:"prompts,omitempty"`
}

// Manifest is the declarative definition of a skill, parsed from
// assets/runner.json.
type Manifest struct {
	ID          string `json:"id" yaml:"id"`
	Version     string `json:"version" yaml:"version"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Path is the skill's filesystem root; set by the loader.
	Path string `json:"-" yaml:"-"`

	// Engines is the declared allowlist (empty means all supported).
	Engines []string `json:"engines,omitempty" yaml:"engines,omitempty"`
	// UnsupportedEngines is the denylist.
	UnsupportedEngines []string `json:"unsupported_engines,omitempty" yaml:"unsupported_engines,omitempty"`
	// EffectiveEngines is declared minus denylist; derived by the loader.
	EffectiveEngines []string `json:"-" yaml:"-"`

	ExecutionModes []string          `json:"execution_modes" yaml:"execution_modes"`
	Schemas        map[string]string `json:"schemas" yaml:"schemas"`

	Artifacts []engine.ArtifactSpec `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	Runtime    *RuntimeSpec `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Entrypoint *Entrypoint  `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// MaxAttempt caps interactive turns; 0 means unbounded.
	MaxAttempt int `json:"max_attempt,omitempty" yaml:"max_attempt,omitempty"`
}

// legacyEngineKey is rejected with a migration hint.
const legacyEngineKey = "unsupport_engine"

// ParseManifest decodes runner.json / runner.yaml bytes and validates them.
// dir is the skill's filesystem root.
func ParseManifest(b []byte, dir string) (*Manifest, error) {
	// Detect the legacy key before decoding so the hint fires even when the
	// rest of the manifest is well-formed.
	var probe map[string]any
	if err := json.Unmarshal(b, &probe); err != nil {
		if yerr := yaml.Unmarshal(b, &probe); yerr != nil {
			return nil, fmt.Errorf("invalid runner manifest: %w", err)
		}
	}
	if _, has := probe[legacyEngineKey]; has {
		return nil, fmt.Errorf("manifest key %q is no longer supported; rename it to \"unsupported_engines\"", legacyEngineKey)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		if yerr := yaml.Unmarshal(b, &m); yerr != nil {
			return nil, fmt.Errorf("invalid runner manifest: %w", err)
		}
	}
	m.Path = dir
	if err := m.validate(); err != nil {
		return nil, err
	}

	effective, err := ResolveEnginePolicy(m.Engines, m.UnsupportedEngines)
	if err != nil {
		return nil, err
	}
	m.EffectiveEngines = effective
	return &m, nil
}

func (m *Manifest) validate() error {
	if m == nil {
		return errors.New("nil manifest")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("manifest missing id")
	}
	if len(m.ExecutionModes) == 0 {
		return fmt.Errorf("skill %s: execution_modes must be non-empty", m.ID)
	}
	for _, mode := range m.ExecutionModes {
		if mode != ModeAuto && mode != ModeInteractive {
			return fmt.Errorf("skill %s: invalid execution mode %q", m.ID, mode)
		}
	}
	for _, role := range []string{SchemaInput, SchemaParameter, SchemaOutput} {
		if strings.TrimSpace(m.Schemas[role]) == "" {
			return fmt.Errorf("skill %s: missing %s schema", m.ID, role)
		}
	}
	for _, a := range m.Artifacts {
		if strings.TrimSpace(a.Pattern) == "" {
			return fmt.Errorf("skill %s: artifact %q missing pattern", m.ID, a.Role)
		}
	}
	return nil
}

// SupportsEngine reports whether name is in the effective engine set.
func (m *Manifest) SupportsEngine(name string) bool {
	if m == nil {
		return false
	}
	name = strings.TrimSpace(name)
	for _, e := range m.EffectiveEngines {
		if e == name {
			return true
		}
	}
	return false
}

// SupportsMode reports whether the skill declares the execution mode.
func (m *Manifest) SupportsMode(mode string) bool {
	if m == nil {
		return false
	}
	for _, em := range m.ExecutionModes {
		if em == mode {
			return true
		}
	}
	return false
}

// SchemaPath returns the absolute path of a schema file. The file must exist
// at execution time; a missing file fails the run.
func (m *Manifest) SchemaPath(role string) (string, error) {
	rel := strings.TrimSpace(m.Schemas[role])
	if rel == "" {
		return "", fmt.Errorf("skill %s: no %s schema declared", m.ID, role)
	}
	abs := filepath.Join(m.Path, rel)
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("skill %s: %s schema: %w", m.ID, role, err)
	}
	return abs, nil
}

// Info builds the adapter-facing projection. markdownPatch is the generated
// SKILL.md addendum (output-path overrides + output schema section).
func (m *Manifest) Info(markdownPatch string) engine.SkillInfo {
	info := engine.SkillInfo{
		ID:            m.ID,
		Version:       m.Version,
		Dir:           m.Path,
		Artifacts:     append([]engine.ArtifactSpec(nil), m.Artifacts...),
		MarkdownPatch: markdownPatch,
	}
	if m.Entrypoint != nil && len(m.Entrypoint.Prompts) > 0 {
		info.Prompts = make(map[string]string, len(m.Entrypoint.Prompts))
		for k, v := range m.Entrypoint.Prompts {
			info.Prompts[k] = v
		}
	}
	if m.Runtime != nil {
		info.RuntimeDependencies = append([]string(nil), m.Runtime.Dependencies...)
		info.RuntimeLanguage = m.Runtime.Language
		info.RuntimeVersion = m.Runtime.Version
	}
	return info
}
