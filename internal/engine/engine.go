// Package engine defines the uniform adapter contract the orchestrator drives:
// every supported engine CLI is wrapped by the composition of six capability
// interfaces that turn a prompt into a canonical turn result.
package engine

import "strings"

// Supported engine names.
const (
	Codex    = "codex"
	Gemini   = "gemini"
	IFlow    = "iflow"
	OpenCode = "opencode"
)

// Supported returns the orchestrator's supported-engine set, sorted.
func Supported() []string {
	return []string{Codex, Gemini, IFlow, OpenCode}
}

// IsSupported reports whether name is a supported engine.
func IsSupported(name string) bool {
	switch strings.TrimSpace(name) {
	case Codex, Gemini, IFlow, OpenCode:
		return true
	}
	return false
}
