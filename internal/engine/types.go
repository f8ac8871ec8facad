package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// Outcome is the canonical classification of a single engine turn.
type Outcome string

const (
	OutcomeFinal   Outcome = "final"
	OutcomeAskUser Outcome = "ask_user"
	OutcomeError   Outcome = "error"
)

// HandleType says how a session handle is consumed on resume.
type HandleType string

const (
	HandleSessionID   HandleType = "session_id"
	HandleSessionFile HandleType = "session_file"
	HandleOpaque      HandleType = "opaque"
)

// SessionHandle is the opaque resume token an engine emits on a turn.
// Only the owning adapter knows how to place it on a resume command line.
type SessionHandle struct {
	Engine        string     `json:"engine"`
	Type          HandleType `json:"handle_type"`
	Value         string     `json:"handle_value"`
	CreatedAtTurn int        `json:"created_at_turn"`
}

// IsZero reports whether the handle carries no value.
func (h SessionHandle) IsZero() bool {
	return strings.TrimSpace(h.Value) == ""
}

// Interaction kinds an engine may request.
const (
	KindChooseOne  = "choose_one"
	KindConfirm    = "confirm"
	KindFillFields = "fill_fields"
	KindOpenText   = "open_text"
	KindRiskAck    = "risk_ack"
)

// InteractionOption is one selectable answer for choose_one interactions.
type InteractionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// PendingInteraction is an engine's request for a user decision. The
// orchestrator parks the run in waiting_user until it is resolved.
type PendingInteraction struct {
	InteractionID         int                 `json:"interaction_id"`
	Kind                  string              `json:"kind"`
	Prompt                string              `json:"prompt"`
	Options               []InteractionOption `json:"options,omitempty"`
	UIHints               map[string]any      `json:"ui_hints,omitempty"`
	DefaultDecisionPolicy string              `json:"default_decision_policy,omitempty"`
	RequiredFields        []string            `json:"required_fields,omitempty"`
	Context               map[string]any      `json:"context,omitempty"`
}

// ValidKind reports whether kind is one of the defined interaction kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindChooseOne, KindConfirm, KindFillFields, KindOpenText, KindRiskAck:
		return true
	}
	return false
}

// TurnResult is the canonical result of one engine invocation.
type TurnResult struct {
	Outcome Outcome `json:"outcome"`

	// FinalData is the parsed final JSON payload (outcome == final). It must
	// contain __SKILL_DONE__ = true and conform to the skill's output schema.
	FinalData map[string]any `json:"final_data,omitempty"`

	// Interaction is populated when outcome == ask_user.
	Interaction *PendingInteraction `json:"interaction,omitempty"`

	// FailureReason is a stable code when outcome == error.
	FailureReason string `json:"failure_reason,omitempty"`
	// FailureDetail is a human-readable elaboration.
	FailureDetail string `json:"failure_detail,omitempty"`

	// SessionHandle is the handle for the next resume, when present.
	SessionHandle SessionHandle `json:"session_handle,omitempty"`
}

// DoneMarker is the sentinel key a final payload must set to true.
const DoneMarker = "__SKILL_DONE__"

// ArtifactSpec declares one artifact the skill is expected to produce.
type ArtifactSpec struct {
	Role     string `json:"role"`
	Pattern  string `json:"pattern"`
	MIME     string `json:"mime,omitempty"`
	Required bool   `json:"required"`
}

// SkillInfo is the adapter-facing projection of an installed or temp skill.
type SkillInfo struct {
	ID      string
	Version string
	// Dir is the skill's filesystem root.
	Dir string
	// Prompts maps engine name to an inline prompt template from the
	// manifest entrypoint, when declared.
	Prompts map[string]string
	// Artifacts lists the declared artifact contracts.
	Artifacts []ArtifactSpec
	// RuntimeDependencies triggers the isolated dependency-runner prefix
	// when non-empty.
	RuntimeDependencies []string
	// RuntimeLanguage and RuntimeVersion describe the sandboxed runtime.
	RuntimeLanguage string
	RuntimeVersion  string
	// MarkdownPatch is appended to the provisioned SKILL.md copy (output
	// path overrides + output schema section).
	MarkdownPatch string
}

// Options carry the per-run knobs an adapter may honor.
type Options struct {
	Model  string `json:"model,omitempty"`
	Effort string `json:"effort,omitempty"`
	// ConfigBlock is the caller-supplied <engine>_config overlay.
	ConfigBlock map[string]any `json:"config_block,omitempty"`
	// LandlockEnabled gates the codex sandbox flag rewrite.
	LandlockEnabled bool `json:"landlock_enabled,omitempty"`
}

// TurnContext threads per-turn state through every adapter call. No adapter
// keeps mutable state between turns; everything flows through here.
type TurnContext struct {
	RunID   string
	RunDir  string
	Attempt int

	Skill SkillInfo

	InputPrompt string
	Input       map[string]any
	Parameter   map[string]any
	Options     Options

	// ReplyPayload is the user (or auto-decided) response feeding a resume
	// turn; nil on the first attempt.
	ReplyPayload map[string]any

	// PriorHandle is the session handle from the previous attempt.
	PriorHandle SessionHandle
}

// ReplyJSON renders the reply payload for embedding into a resume prompt.
func (tc *TurnContext) ReplyJSON() string {
	if tc == nil || len(tc.ReplyPayload) == 0 {
		return ""
	}
	b, err := json.Marshal(tc.ReplyPayload)
	if err != nil {
		return ""
	}
	return string(b)
}

// ProfileKind distinguishes how an engine behaves across interactive turns.
type ProfileKind string

const (
	// ProfileFreshAttempt engines exit after each turn; resume spawns a new
	// process with the prior session handle.
	ProfileFreshAttempt ProfileKind = "fresh_attempt"
	// ProfileStickyProcess engines keep the child alive while the run parks
	// in waiting_user; the run holds its concurrency slot.
	ProfileStickyProcess ProfileKind = "sticky_process"
)

// InteractiveProfile describes an engine's interactive behavior.
type InteractiveProfile struct {
	Kind ProfileKind
	// WaitDeadline bounds how long a sticky process may wait for a reply.
	WaitDeadline time.Duration
}
