// Package iflow adapts the iflow CLI: free-text output carrying an
// `<Execution Info>` trailer with the session id.
package iflow

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/skillrunner/internal/engine"
)

const defaultPromptTemplate = `Follow the skill instructions at {{ run_dir }}/.iflow/skills/{{ skill.id }}/SKILL.md.

Parameters: {{ parameter }}
Inputs: {{ input }}

{{ input_prompt }}`

// executionInfoMarker precedes a JSON object with run metadata, including the
// session id used for resume.
const executionInfoMarker = "<Execution Info>"

// New builds the iflow adapter.
func New() *engine.Adapter {
	return &engine.Adapter{
		Name:    engine.IFlow,
		CLI:     "iflow",
		Profile: engine.InteractiveProfile{Kind: engine.ProfileFreshAttempt},
		Config: &engine.JSONConfigComposer{
			EngineName:        engine.IFlow,
			SettingsFileName:  "settings.json",
			SkillSettingsFile: "assets/iflow_settings.json",
			ModelKey:          "modelName",
			AdapterDefaults: map[string]any{
				"enableTelemetry": false,
			},
			SystemOverrides: map[string]any{
				"approvalMode": "yolo",
			},
		},
		Workspace:        &engine.TreeProvisioner{EngineName: engine.IFlow},
		Prompt:           &engine.TemplatePromptBuilder{EngineName: engine.IFlow, DefaultTemplate: defaultPromptTemplate},
		Command:          &commandBuilder{},
		Parser:           &streamParser{},
		Session:          &sessionCodec{},
		ParserProfile:    "iflow_stream",
		ParserConfidence: 0.75,
	}
}

type commandBuilder struct{}

func (commandBuilder) StartCommand(tc *engine.TurnContext, prompt string) ([]string, error) {
	profile, err := engine.ResolveCommandProfile(engine.IFlow, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "iflow", "exec")
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
	profile, err := engine.ResolveCommandProfile(engine.IFlow, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "iflow", "exec", "resume", handle.Value)
	args = append(args, engine.StripProfileFlags(profile.Flags)...)
	args = append(args, prompt)
	return args, nil
}

type streamParser struct{}

func (streamParser) ParseTurn(stdout []byte) (*engine.TurnResult, error) {
	text := stripExecutionInfo(string(stdout))

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

// stripExecutionInfo removes the trailer so its JSON is not mistaken for a
// final payload.
func stripExecutionInfo(text string) string {
	idx := strings.LastIndex(text, executionInfoMarker)
	if idx < 0 {
		return text
	}
	return text[:idx]
}

type sessionCodec struct{}

func (sessionCodec) ExtractHandle(stdout []byte, attempt int) (engine.SessionHandle, error) {
	text := string(stdout)
	idx := strings.LastIndex(text, executionInfoMarker)
	if idx < 0 {
		return engine.SessionHandle{}, engine.ErrNoSessionHandle
	}
	tail := text[idx+len(executionInfoMarker):]
	start := strings.Index(tail, "{")
	if start < 0 {
		return engine.SessionHandle{}, engine.ErrNoSessionHandle
	}
	end := strings.Index(tail[start:], "}")
	if end < 0 {
		return engine.SessionHandle{}, engine.ErrNoSessionHandle
	}
	blob := tail[start : start+end+1]
	id := strings.TrimSpace(gjson.Get(blob, "session-id").String())
	if id == "" {
		return engine.SessionHandle{}, engine.ErrNoSessionHandle
	}
	return engine.SessionHandle{
		Engine:        engine.IFlow,
		Type:          engine.HandleSessionID,
		Value:         id,
		CreatedAtTurn: attempt,
	}, nil
}
