package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConfigComposer layers engine configuration (adapter defaults, skill
// defaults, runtime overrides, caller config block, system overrides) and
// writes the final settings file atomically under the run dir.
type ConfigComposer interface {
	Compose(ctx context.Context, tc *TurnContext) (settingsPath string, err error)
}

// WorkspaceProvisioner copies the skill tree into the engine-private corner
// of the run dir and applies the SKILL.md patch.
type WorkspaceProvisioner interface {
	Provision(ctx context.Context, tc *TurnContext) error
}

// PromptBuilder resolves and renders the prompt for a turn.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, tc *TurnContext) (string, error)
}

// CommandBuilder produces the start and resume command vectors.
type CommandBuilder interface {
	StartCommand(tc *TurnContext, prompt string) ([]string, error)
	// ResumeCommand must position the session handle before the prompt and
	// must not carry profile-name flags inherited from the start profile.
	ResumeCommand(tc *TurnContext, handle SessionHandle, prompt string) ([]string, error)
}

// StreamParser converts captured stdout into a canonical TurnResult.
type StreamParser interface {
	ParseTurn(stdout []byte) (*TurnResult, error)
}

// SessionCodec extracts the next session handle from captured stdout.
type SessionCodec interface {
	ExtractHandle(stdout []byte, attempt int) (SessionHandle, error)
}

// ErrNoSessionHandle is returned by a SessionCodec when the stream carries no
// usable handle; the orchestrator maps it to SESSION_RESUME_FAILED.
var ErrNoSessionHandle = errors.New("no session handle in stream")

// Adapter is the composition of the six capability interfaces plus the
// engine's interactive profile. Tests inject fakes for any subset.
type Adapter struct {
	Name    string
	CLI     string
	Profile InteractiveProfile

	Config    ConfigComposer
	Workspace WorkspaceProvisioner
	Prompt    PromptBuilder
	Command   CommandBuilder
	Parser    StreamParser
	Session   SessionCodec

	// ParserProfile names the registered stream-parser profile
	// (e.g. codex_ndjson) with its confidence.
	ParserProfile    string
	ParserConfidence float64
}

func (a *Adapter) validate() error {
	if a == nil {
		return errors.New("nil adapter")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("adapter missing name")
	}
	if a.Config == nil || a.Workspace == nil || a.Prompt == nil || a.Command == nil || a.Parser == nil || a.Session == nil {
		return fmt.Errorf("adapter %s missing capability", a.Name)
	}
	return nil
}

// Registry holds the configured adapters by engine name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// Register adds an adapter. Registering an unsupported or duplicate engine is
// a programming error surfaced at startup.
func (r *Registry) Register(a *Adapter) error {
	if err := a.validate(); err != nil {
		return err
	}
	if !IsSupported(a.Name) {
		return fmt.Errorf("unsupported engine %q", a.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Name]; dup {
		return fmt.Errorf("engine %q already registered", a.Name)
	}
	r.adapters[a.Name] = a
	return nil
}

// Lookup returns the adapter for an engine name.
func (r *Registry) Lookup(name string) (*Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.TrimSpace(name)]
	return a, ok
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
