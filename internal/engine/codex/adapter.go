// Package codex adapts the codex CLI: NDJSON event stream, thread-id session
// handles, TOML configuration.
package codex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/skillrunner/internal/engine"
)

const defaultPromptTemplate = `Use the skill at {{ run_dir }}/.codex/skills/{{ skill.id }}/SKILL.md.

Parameters: {{ parameter }}
Inputs: {{ input }}

{{ input_prompt }}`

// New builds the codex adapter.
func New() *engine.Adapter {
	return &engine.Adapter{
		Name:             engine.Codex,
		CLI:              "codex",
		Profile:          engine.InteractiveProfile{Kind: engine.ProfileFreshAttempt},
		Config:           &configComposer{},
		Workspace:        &engine.TreeProvisioner{EngineName: engine.Codex},
		Prompt:           &engine.TemplatePromptBuilder{EngineName: engine.Codex, DefaultTemplate: defaultPromptTemplate},
		Command:          &commandBuilder{},
		Parser:           &streamParser{},
		Session:          &sessionCodec{},
		ParserProfile:    "codex_ndjson",
		ParserConfidence: 0.95,
	}
}

// configComposer layers codex TOML configuration. The codex CLI reads a flat
// config.toml; skill defaults come from assets/codex_config.toml.
type configComposer struct{}

func (c *configComposer) Compose(ctx context.Context, tc *engine.TurnContext) (string, error) {
	if tc == nil {
		return "", errors.New("nil turn context")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	merged := map[string]any{
		"approval_policy": "never",
		"sandbox_mode":    "workspace-write",
	}

	skillDefaults, err := readFlatTOML(filepath.Join(tc.Skill.Dir, "assets", "codex_config.toml"))
	if err != nil {
		return "", fmt.Errorf("skill codex config: %w", err)
	}
	merged = engine.MergeConfig(merged, skillDefaults)

	if m := strings.TrimSpace(tc.Options.Model); m != "" {
		merged["model"] = m
	}
	if e := strings.TrimSpace(tc.Options.Effort); e != "" {
		merged["model_reasoning_effort"] = e
	}
	merged = engine.MergeConfig(merged, engine.FilterEngineConfig(tc.Options.ConfigBlock))

	// System-enforced: headless runs never prompt for approval.
	merged["approval_policy"] = "never"

	dir := filepath.Join(tc.RunDir, ".codex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.toml")
	if err := engine.WriteFileAtomic(path, encodeFlatTOML(merged), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// readFlatTOML parses the `key = value` subset of TOML used by skill config
// files. Nested tables are out of contract for skill-supplied defaults.
func readFlatTOML(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string]any{}
	for _, raw := range strings.Split(string(b), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		switch {
		case strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) && len(val) >= 2:
			out[key] = strings.Trim(val, `"`)
		case val == "true" || val == "false":
			out[key] = val == "true"
		default:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				out[key] = n
			} else if f, err := strconv.ParseFloat(val, 64); err == nil {
				out[key] = f
			} else {
				out[key] = val
			}
		}
	}
	return out, nil
}

func encodeFlatTOML(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			fmt.Fprintf(&sb, "%s = %q\n", k, v)
		case bool:
			fmt.Fprintf(&sb, "%s = %t\n", k, v)
		case int64:
			fmt.Fprintf(&sb, "%s = %d\n", k, v)
		case float64:
			if v == float64(int64(v)) {
				fmt.Fprintf(&sb, "%s = %d\n", k, int64(v))
			} else {
				fmt.Fprintf(&sb, "%s = %g\n", k, v)
			}
		default:
			// Nested values are not representable in the flat file; skip.
		}
	}
	return []byte(sb.String())
}

type commandBuilder struct{}

func (commandBuilder) StartCommand(tc *engine.TurnContext, prompt string) ([]string, error) {
	profile, err := engine.ResolveCommandProfile(engine.Codex, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "codex", "exec")
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
	profile, err := engine.ResolveCommandProfile(engine.Codex, tc.Options)
	if err != nil {
		return nil, err
	}
	args := engine.DependencyRunnerPrefix(tc.Skill)
	args = append(args, "codex", "exec", "resume", handle.Value)
	args = append(args, engine.StripProfileFlags(profile.Flags)...)
	args = append(args, prompt)
	return args, nil
}

type streamParser struct{}

func (streamParser) ParseTurn(stdout []byte) (*engine.TurnResult, error) {
	lines := engine.LatestTurnWindow(engine.NDJSONLines(stdout))

	var agentText strings.Builder
	var interaction map[string]any
	var streamErr string

	for _, line := range lines {
		if !gjson.Valid(line) {
			continue
		}
		switch gjson.Get(line, "type").String() {
		case "item.completed":
			if gjson.Get(line, "item.type").String() == "agent_message" {
				agentText.WriteString(gjson.Get(line, "item.text").String())
				agentText.WriteByte('\n')
			}
		case "ask_user":
			raw := gjson.Get(line, "interaction")
			if raw.Exists() {
				m, ok := raw.Value().(map[string]any)
				if ok {
					interaction = m
				}
			}
		case "error":
			streamErr = gjson.Get(line, "message").String()
		}
	}

	if data, ok := engine.FindFinalPayload(agentText.String()); ok {
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
		if gjson.Get(line, "type").String() != "thread.started" {
			continue
		}
		id := strings.TrimSpace(gjson.Get(line, "thread_id").String())
		if id == "" {
			break
		}
		return engine.SessionHandle{
			Engine:        engine.Codex,
			Type:          engine.HandleSessionID,
			Value:         id,
			CreatedAtTurn: attempt,
		}, nil
	}
	return engine.SessionHandle{}, engine.ErrNoSessionHandle
}
