// Package gemini adapts the gemini CLI: free-text output with embedded JSON
// markers, session-id lines for resume, JSON settings.
package gemini

import (
	"regexp"
	"strings"

	"github.com/floegence/skillrunner/internal/engine"
)

const defaultPromptTemplate = `Follow the skill instructions at {{ run_dir }}/.gemini/skills/{{ skill.id }}/SKILL.md.

Parameters: {{ parameter }}
Inputs: {{ input }}

{{ input_prompt }}`

// New builds the gemini adapter.
func New() *engine.Adapter {
	return &engine.Adapter{
		Name:    engine.Gemini,
		CLI:     "gemini",
		Profile: engine.InteractiveProfile{Kind: engine.ProfileFreshAttempt},
		Config: &engine.JSONConfigComposer{
			EngineName:        engine.Gemini,
			SettingsFileName:  "settings.json",
			SkillSettingsFile: "assets/gemini_settings.json",
			ModelKey:          "model",
			AdapterDefaults: map[string]any{
				"telemetry":       map[string]any{"enabled": false},
				"checkpointing":   map[string]any{"enabled": true},
				"autoAccept":      true,
			},
			SystemOverrides: map[string]any{
				"selectedAuthType": "oauth-personal",
			},
		},
		Workspace:        &engine.TreeProvisioner{EngineName: engine.Gemini},
		Prompt:           &engine.TemplatePromptBuilder{EngineName: engine.Gemini, DefaultTemplate: defaultPromptTemplate},
		Command:          &commandBuilder{},
		Parser:           &streamParser{},
		Session:          &sessionCodec{},
		ParserProfile:    "gemini_text",
		ParserConfidence: 0.8,
	}
}

type commandBuilder struct{}

func (commandBuilder) StartCommand(tc *engine.TurnContext, prompt string) ([]string, error) {
	profile, err := engine.ResolveCommandProfile(engine.Gemini, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "gemini", "exec")
	args = append(args, profile.Flags...)
	if profile.ProfileName != "" {
		args = append(args, "-p", profile.ProfileName)
	}
	args = append(args, prompt)
	return args, nil
}

func (commandBuilder) ResumeCommand(tc *engine.TurnContext, handle engine.SessionHandle, prompt string) ([]string, error) {
	if handle.IsZero() {
		return nil, engine.ErrNoSessionHandle
	}
	profile, err := engine.ResolveCommandProfile(engine.Gemini, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "gemini", "exec", "resume", handle.Value)
	args = append(args, engine.StripProfileFlags(profile.Flags)...)
	args = append(args, prompt)
	return args, nil
}

type streamParser struct{}

func (streamParser) ParseTurn(stdout []byte) (*engine.TurnResult, error) {
	text := string(stdout)

	if data, ok := engine.FindFinalPayload(text); ok {
		return &engine.TurnResult{Outcome: engine.OutcomeFinal, FinalData: data}, nil
	}
	if raw, ok := engine.FindAskUserPayload(text); ok {
		delete(raw, engine.AskUserMarker)
		p, err := engine.DecodeInteraction(raw)
		if err != nil {
			return &engine.TurnResult{
				Outcome:       engine.OutcomeError,
				FailureReason: "PROTOCOL_SCHEMA_VIOLATION",
				FailureDetail: err.Error(),
			}, nil
		}
		return &engine.TurnResult{Outcome: engine.OutcomeAskUser, Interaction: p}, nil
	}
	return &engine.TurnResult{
		Outcome:       engine.OutcomeError,
		FailureReason: "PROTOCOL_SCHEMA_VIOLATION",
		FailureDetail: "stream ended without a final payload",
	}, nil
}

var sessionLineRe = regexp.MustCompile(`(?m)^Session(?:\s+ID)?:\s*(\S+)\s*$`)

type sessionCodec struct{}

func (sessionCodec) ExtractHandle(stdout []byte, attempt int) (engine.SessionHandle, error) {
	matches := sessionLineRe.FindAllStringSubmatch(string(stdout), -1)
	if len(matches) == 0 {
		return engine.SessionHandle{}, engine.ErrNoSessionHandle
	}
	id := strings.TrimSpace(matches[len(matches)-1][1])
	if id == "" {
		return engine.SessionHandle{}, engine.ErrNoSessionHandle
	}
	return engine.SessionHandle{
		Engine:        engine.Gemini,
		Type:          engine.HandleSessionID,
		Value:         id,
		CreatedAtTurn: attempt,
	}, nil
}
