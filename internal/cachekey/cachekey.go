// Package cachekey derives the deterministic fingerprints and cache keys that
// let identical submissions reuse a prior successful run.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/floegence/skillrunner/internal/canonjson"
	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/skill"
)

// engineConfigFiles maps an engine to the one skill-local config file that
// participates in the skill fingerprint.
var engineConfigFiles = map[string]string{
	engine.Codex:    "assets/codex_config.toml",
	engine.Gemini:   "assets/gemini_settings.json",
	engine.IFlow:    "assets/iflow_settings.json",
	engine.OpenCode: "assets/opencode_settings.json",
}

// SkillFingerprint hashes the skill's content as seen by engineName: SKILL.md,
// the runner manifest, every schema file and the engine-specific config file.
// Missing files are omitted rather than failing, so a skill without an engine
// config still fingerprints cleanly.
func SkillFingerprint(sk *skill.Manifest, engineName string) (string, error) {
	if sk == nil {
		return "", fmt.Errorf("nil skill manifest")
	}

	rels := []string{"SKILL.md", skill.ManifestFile}
	for _, rel := range sk.Schemas {
		if strings.TrimSpace(rel) != "" {
			rels = append(rels, rel)
		}
	}
	if cfg, ok := engineConfigFiles[engineName]; ok {
		rels = append(rels, cfg)
	}

	lines := make([]string, 0, len(rels))
	seen := make(map[string]struct{}, len(rels))
	for _, rel := range rels {
		rel = filepath.ToSlash(rel)
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		sum, err := canonjson.HashFile(filepath.Join(sk.Path, filepath.FromSlash(rel)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		lines = append(lines, rel+":"+sum)
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InputManifestHash hashes the canonical encoding of the upload manifest.
func InputManifestHash(manifest any) (string, error) {
	return canonjson.HashJSON(manifest)
}

// InlineInputHash hashes the inline input payload; empty string when there is
// no inline input.
func InlineInputHash(input map[string]any) (string, error) {
	if len(input) == 0 {
		return "", nil
	}
	return canonjson.HashJSON(input)
}

// Inputs collects everything that participates in a cache key.
type Inputs struct {
	SkillID              string
	Engine               string
	SkillFingerprint     string
	Parameter            map[string]any
	EngineOptions        map[string]any
	InputManifestHash    string
	InlineInputHash      string
	TempSkillPackageHash string
}

// Key derives the cache key. Identical logical inputs yield identical keys;
// any change to a source file, engine, parameter, engine option or input byte
// changes the key.
func Key(in Inputs) (string, error) {
	doc := map[string]any{
		"skill_id":            in.SkillID,
		"engine":              in.Engine,
		"skill_fingerprint":   in.SkillFingerprint,
		"parameter":           orEmpty(in.Parameter),
		"engine_options":      orEmpty(in.EngineOptions),
		"input_manifest_hash": in.InputManifestHash,
		"inline_input_hash":   in.InlineInputHash,
	}
	if in.TempSkillPackageHash != "" {
		doc["temp_skill_package_hash"] = in.TempSkillPackageHash
	}
	return canonjson.HashJSON(doc)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
