package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// interactiveRuntimeKeys are orchestrator-level options that must never leak
// into engine-native configuration.
var interactiveRuntimeKeys = map[string]struct{}{
	"execution_mode":                 {},
	"session_timeout_sec":            {},
	"no_cache":                       {},
	"debug":                          {},
	"verbose":                        {},
	"debug_keep_temp":                {},
	"interactive_require_user_reply": {},
	"interactive_auto_reply":         {},
	"interactive_reply_timeout_sec":  {},
}

// FilterEngineConfig drops interactive-only runtime keys from a caller config
// block before it is layered into engine settings.
func FilterEngineConfig(block map[string]any) map[string]any {
	if len(block) == 0 {
		return nil
	}
	out := make(map[string]any, len(block))
	for k, v := range block {
		if _, drop := interactiveRuntimeKeys[k]; drop {
			continue
		}
		out[k] = v
	}
	return out
}

// MergeConfig deep-merges overlay onto base; overlay wins. Maps merge
// recursively, everything else replaces.
func MergeConfig(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		bv, exists := out[k]
		bm, bok := bv.(map[string]any)
		om, ook := v.(map[string]any)
		if exists && bok && ook {
			out[k] = MergeConfig(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// JSONConfigComposer implements ConfigComposer for engines with JSON settings
// files. Layering, lowest to highest: adapter defaults, skill defaults from
// assets/<file>, runtime overrides (model mapped to ModelKey), the caller's
// engine config block, system overrides.
type JSONConfigComposer struct {
	EngineName string
	// SettingsFileName is the name written under <run>/.<engine>/.
	SettingsFileName string
	// SkillSettingsFile is the skill-relative defaults file (optional).
	SkillSettingsFile string
	// ModelKey is the engine-native key the model option maps into.
	ModelKey string
	// EffortKey is the engine-native key for reasoning effort ("" = unsupported).
	EffortKey string

	AdapterDefaults map[string]any
	SystemOverrides map[string]any

	// Validate checks the final object against the engine settings schema and
	// returns one message per violation.
	Validate func(map[string]any) []string
}

func (c *JSONConfigComposer) Compose(ctx context.Context, tc *TurnContext) (string, error) {
	if c == nil || tc == nil {
		return "", errors.New("nil composer or turn context")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	merged := MergeConfig(nil, c.AdapterDefaults)

	if f := strings.TrimSpace(c.SkillSettingsFile); f != "" {
		skillDefaults, err := readJSONObject(filepath.Join(tc.Skill.Dir, f))
		if err != nil {
			return "", fmt.Errorf("skill settings %s: %w", f, err)
		}
		merged = MergeConfig(merged, skillDefaults)
	}

	runtime := map[string]any{}
	if m := strings.TrimSpace(tc.Options.Model); m != "" && c.ModelKey != "" {
		runtime[c.ModelKey] = m
	}
	if e := strings.TrimSpace(tc.Options.Effort); e != "" && c.EffortKey != "" {
		runtime[c.EffortKey] = e
	}
	merged = MergeConfig(merged, runtime)

	merged = MergeConfig(merged, FilterEngineConfig(tc.Options.ConfigBlock))
	merged = MergeConfig(merged, c.SystemOverrides)

	if c.Validate != nil {
		if violations := c.Validate(merged); len(violations) > 0 {
			return "", fmt.Errorf("invalid %s settings: %s", c.EngineName, strings.Join(violations, "; "))
		}
	}

	dir := filepath.Join(tc.RunDir, "."+c.EngineName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, c.SettingsFileName)
	if err := WriteFileAtomic(path, mustIndentJSON(merged), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func readJSONObject(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mustIndentJSON(v any) []byte {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return append(b, '\n')
}

// WriteFileAtomic writes b to path via a sibling temp file + rename. The temp
// file is unlinked on every error path.
func WriteFileAtomic(path string, b []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
