package engine

import (
	"fmt"
	"strings"
)

// CommandProfile is the centrally resolved flag set for one engine CLI.
type CommandProfile struct {
	// Flags are appended to every exec invocation.
	Flags []string
	// ProfileName, when set, is passed as `-p <name>` on start commands only.
	// Resume commands must never carry it.
	ProfileName string
}

// ResolveCommandProfile returns the engine command profile for a turn.
// For codex, when landlock sandboxing is unavailable the --full-auto flag is
// rewritten to --yolo (the CLI refuses --full-auto without a sandbox).
func ResolveCommandProfile(name string, opts Options) (CommandProfile, error) {
	switch strings.TrimSpace(name) {
	case Codex:
		p := CommandProfile{Flags: []string{"--full-auto", "--skip-git-repo-check", "--json"}}
		if !opts.LandlockEnabled {
			for i, f := range p.Flags {
				if f == "--full-auto" {
					p.Flags[i] = "--yolo"
				}
			}
		}
		return p, nil
	case Gemini:
		return CommandProfile{Flags: []string{"--approval-mode", "yolo"}, ProfileName: "skill"}, nil
	case IFlow:
		return CommandProfile{Flags: []string{"--yolo"}}, nil
	case OpenCode:
		return CommandProfile{Flags: []string{"--print-logs", "--format", "json"}}, nil
	default:
		return CommandProfile{}, fmt.Errorf("unsupported engine %q", name)
	}
}

// StripProfileFlags removes `-p <name>` pairs and `--profile=*` tokens from a
// command vector. Resume commands inherit profile defaults but must not
// reference a named profile.
func StripProfileFlags(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	skipNext := false
	for _, tok := range tokens {
		if skipNext {
			skipNext = false
			continue
		}
		if tok == "-p" || tok == "--profile" {
			skipNext = true
			continue
		}
		if strings.HasPrefix(tok, "--profile=") {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// DependencyRunnerPrefix returns the isolated dependency-runner invocation
// prepended when a skill declares runtime dependencies.
func DependencyRunnerPrefix(info SkillInfo) []string {
	if len(info.RuntimeDependencies) == 0 {
		return nil
	}
	lang := strings.TrimSpace(info.RuntimeLanguage)
	if lang == "" {
		lang = "python"
	}
	args := []string{"skill-deps-run", "--language", lang}
	if v := strings.TrimSpace(info.RuntimeVersion); v != "" {
		args = append(args, "--version", v)
	}
	for _, dep := range info.RuntimeDependencies {
		d := strings.TrimSpace(dep)
		if d == "" {
			continue
		}
		args = append(args, "--dep", d)
	}
	args = append(args, "--")
	return args
}
