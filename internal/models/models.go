// Package models keeps pinned model catalogs per engine CLI version and
// probes installed CLI versions to pick the right snapshot.
package models

import (
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Model is one selectable model of an engine.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Default       bool   `json:"default,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// Snapshot pins the model list an engine CLI shipped with.
type Snapshot struct {
	CLIVersion string  `json:"cli_version"`
	Models     []Model `json:"models"`
}

// Selection is the snapshot chosen for a detected CLI version.
type Selection struct {
	Engine             string  `json:"engine"`
	DetectedCLIVersion string  `json:"detected_cli_version,omitempty"`
	SnapshotVersion    string  `json:"snapshot_version"`
	Models             []Model `json:"models"`
	// FallbackReason is set when the snapshot was not matched by version.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Catalog maps engines to version-ordered snapshots.
type Catalog struct {
	snapshots map[string][]Snapshot
}

// NewCatalog builds the default pinned catalog.
func NewCatalog() *Catalog {
	c := &Catalog{snapshots: make(map[string][]Snapshot)}
	for engine, snaps := range defaultSnapshots() {
		sort.Slice(snaps, func(i, j int) bool {
			return compareVersions(snaps[i].CLIVersion, snaps[j].CLIVersion) < 0
		})
		c.snapshots[engine] = snaps
	}
	return c
}

// Engines returns the catalog's engine names, sorted.
func (c *Catalog) Engines() []string {
	out := make([]string, 0, len(c.snapshots))
	for e := range c.snapshots {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Select picks the newest snapshot whose CLI version is <= detected. An
// unknown engine is an error; an unparseable or too-old detected version
// falls back to the oldest snapshot with a reason.
func (c *Catalog) Select(engine, detected string) (*Selection, error) {
	snaps := c.snapshots[strings.TrimSpace(engine)]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no model catalog for engine %q", engine)
	}
	sel := &Selection{Engine: engine, DetectedCLIVersion: strings.TrimSpace(detected)}

	if sel.DetectedCLIVersion == "" {
		last := snaps[len(snaps)-1]
		sel.SnapshotVersion = last.CLIVersion
		sel.Models = last.Models
		sel.FallbackReason = "cli version not detected; using newest snapshot"
		return sel, nil
	}

	var match *Snapshot
	for i := range snaps {
		if compareVersions(snaps[i].CLIVersion, sel.DetectedCLIVersion) <= 0 {
			match = &snaps[i]
		}
	}
	if match == nil {
		first := snaps[0]
		sel.SnapshotVersion = first.CLIVersion
		sel.Models = first.Models
		sel.FallbackReason = fmt.Sprintf("detected cli %s predates the oldest snapshot %s", sel.DetectedCLIVersion, first.CLIVersion)
		return sel, nil
	}
	sel.SnapshotVersion = match.CLIVersion
	sel.Models = match.Models
	return sel, nil
}

var versionRe = regexp.MustCompile(`\d+(?:\.\d+)*`)

// ProbeCLIVersion runs `<cli> --version` and extracts the first version-like
// token from its output.
func ProbeCLIVersion(cli string) (string, error) {
	trimmed := strings.TrimSpace(cli)
	if trimmed == "" {
		return "", fmt.Errorf("empty cli name")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("%s: not found", trimmed)
	}
	out, err := exec.Command(resolved, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("probe %s failed: %w", trimmed, err)
	}
	v := versionRe.FindString(string(out))
	if v == "" {
		return "", fmt.Errorf("no version in output %q", strings.TrimSpace(string(out)))
	}
	return v, nil
}

// compareVersions orders dotted numeric versions; missing parts count as 0.
func compareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	fields := strings.Split(v, ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			break
		}
		out = append(out, n)
	}
	return out
}

func defaultSnapshots() map[string][]Snapshot {
	return map[string][]Snapshot{
		"codex": {
			{CLIVersion: "0.20.0", Models: []Model{
				{ID: "gpt-5", Name: "GPT-5", Default: true, ContextWindow: 272000},
				{ID: "gpt-5-mini", Name: "GPT-5 mini", ContextWindow: 272000},
			}},
			{CLIVersion: "0.42.0", Models: []Model{
				{ID: "gpt-5.1", Name: "GPT-5.1", Default: true, ContextWindow: 272000},
				{ID: "gpt-5.1-codex", Name: "GPT-5.1 Codex", ContextWindow: 272000},
				{ID: "gpt-5-mini", Name: "GPT-5 mini", ContextWindow: 272000},
			}},
		},
		"gemini": {
			{CLIVersion: "0.4.0", Models: []Model{
				{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Default: true, ContextWindow: 1048576},
				{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1048576},
			}},
			{CLIVersion: "0.8.0", Models: []Model{
				{ID: "gemini-3-pro-preview", Name: "Gemini 3 Pro", Default: true, ContextWindow: 1048576},
				{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextWindow: 1048576},
				{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1048576},
			}},
		},
		"iflow": {
			{CLIVersion: "0.1.0", Models: []Model{
				{ID: "qwen3-coder", Name: "Qwen3 Coder", Default: true, ContextWindow: 262144},
				{ID: "kimi-k2", Name: "Kimi K2", ContextWindow: 131072},
			}},
		},
		"opencode": {
			{CLIVersion: "0.5.0", Models: []Model{
				{ID: "anthropic/claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Default: true, ContextWindow: 200000},
				{ID: "openai/gpt-5.1", Name: "GPT-5.1", ContextWindow: 272000},
			}},
		},
	}
}
