// Package opencode adapts the opencode CLI: NDJSON stream, sticky-process
// interactive profile (the child stays alive across interactions).
package opencode

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/floegence/skillrunner/internal/engine"
)

const defaultPromptTemplate = `Follow the skill instructions at {{ run_dir }}/.opencode/skills/{{ skill.id }}/SKILL.md.

Parameters: {{ parameter }}
Inputs: {{ input }}

{{ input_prompt }}`

// New builds the opencode adapter.
func New() *engine.Adapter {
	return &engine.Adapter{
		Name: engine.OpenCode,
		CLI:  "opencode",
		Profile: engine.InteractiveProfile{
			Kind:         engine.ProfileStickyProcess,
			WaitDeadline: 10 * time.Minute,
		},
		Config: &engine.JSONConfigComposer{
			EngineName:        engine.OpenCode,
			SettingsFileName:  "settings.json",
			SkillSettingsFile: "assets/opencode_settings.json",
			ModelKey:          "model",
			AdapterDefaults: map[string]any{
				"share": "disabled",
			},
			SystemOverrides: map[string]any{
				"permission": map[string]any{"edit": "allow", "bash": "allow"},
			},
		},
		Workspace:        &engine.TreeProvisioner{EngineName: engine.OpenCode},
		Prompt:           &engine.TemplatePromptBuilder{EngineName: engine.OpenCode, DefaultTemplate: defaultPromptTemplate},
		Command:          &commandBuilder{},
		Parser:           &streamParser{},
		Session:          &sessionCodec{},
		ParserProfile:    "opencode_ndjson",
		ParserConfidence: 0.9,
	}
}

type commandBuilder struct{}

func (commandBuilder) StartCommand(tc *engine.TurnContext, prompt string) ([]string, error) {
	profile, err := engine.ResolveCommandProfile(engine.OpenCode, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "opencode", "run")
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
	profile, err := engine.ResolveCommandProfile(engine.OpenCode, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "opencode", "run", "resume", handle.Value)
	args = append(args, engine.StripProfileFlags(profile.Flags)...)
	args = append(args, prompt)
	return args, nil
}

type streamParser struct{}

func (streamParser) ParseTurn(stdout []byte) (*engine.TurnResult, error) {
	lines := engine.LatestTurnWindow(engine.NDJSONLines(stdout))

	var textParts strings.Builder
	var interaction map[string]any
	var streamErr string

	for _, line := range lines {
		if !gjson.Valid(line) {
			continue
		}
		switch gjson.Get(line, "type").String() {
		case "message.part.updated", "text":
			textParts.WriteString(gjson.Get(line, "part.text").String())
			textParts.WriteString(gjson.Get(line, "text").String())
			textParts.WriteByte('\n')
		case "ask_user":
			if raw := gjson.Get(line, "interaction"); raw.Exists() {
				if m, ok := raw.Value().(map[string]any); ok {
					interaction = m
				}
			}
		case "error":
			streamErr = gjson.Get(line, "error.message").String()
			if streamErr == "" {
				streamErr = gjson.Get(line, "message").String()
			}
		}
	}

	if data, ok := engine.FindFinalPayload(textParts.String()); ok {
		return &engine.TurnResult{Outcome: engine.OutcomeFinal, FinalData: data}, nil
	}
	if interaction != nil {
		p, err := engine.DecodeInteraction(interaction)
		if err != nil {
			return &engine.TurnResult{
				Outcome:       engine.OutcomeError,
				FailureReason: "PROTOCOL_SCHEMA_VIOLATION",
				FailureDetail: err.Error(),
			}, nil
		}
		return &engine.TurnResult{Outcome: engine.OutcomeAskUser, Interaction: p}, nil
	}
	detail := streamErr
	if detail == "" {
		detail = "stream ended without a final payload"
	}
	return &engine.TurnResult{
		Outcome:       engine.OutcomeError,
		FailureReason: "PROTOCOL_SCHEMA_VIOLATION",
		FailureDetail: detail,
	}, nil
}

type sessionCodec struct{}

func (sessionCodec) ExtractHandle(stdout []byte, attempt int) (engine.SessionHandle, error) {
	for _, line := range engine.NDJSONLines(stdout) {
		if gjson.Get(line, "type").String() != "session.created" {
			continue
		}
		id := strings.TrimSpace(gjson.Get(line, "sessionID").String())
		if id == "" {
			break
		}
		return engine.SessionHandle{
			Engine:        engine.OpenCode,
			Type:          engine.HandleOpaque,
			Value:         id,
			CreatedAtTurn: attempt,
		}, nil
	}
	return engine.SessionHandle{}, engine.ErrNoSessionHandle
}
