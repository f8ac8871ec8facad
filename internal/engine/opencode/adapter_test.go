package opencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillrunner/internal/engine"
)

func TestAdapterProfileIsSticky(t *testing.T) {
	a := New()
	assert.Equal(t, engine.ProfileStickyProcess, a.Profile.Kind)
	assert.NotZero(t, a.Profile.WaitDeadline)
}

func TestParseTurnFinalFromTextEvents(t *testing.T) {
	stdout := []byte(`{"type": "session.created", "sessionID": "oc-1"}
{"type": "message.part.updated", "part": {"text": "thinking..."}}
{"type": "message.part.updated", "part": {"text": "{\"__SKILL_DONE__\": true, \"ok\": true}"}}
`)
	res, err := (streamParser{}).ParseTurn(stdout)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeFinal, res.Outcome)
	assert.Equal(t, true, res.FinalData["ok"])
}

func TestParseTurnAskUser(t *testing.T) {
	stdout := []byte(`{"type": "ask_user", "interaction": {"interaction_id": 3, "kind": "confirm", "prompt": "proceed?"}}
`)
	res, err := (streamParser{}).ParseTurn(stdout)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeAskUser, res.Outcome)
	assert.Equal(t, engine.KindConfirm, res.Interaction.Kind)
	assert.Equal(t, 3, res.Interaction.InteractionID)
}

func TestParseTurnInvalidInteractionIsProtocolViolation(t *testing.T) {
	stdout := []byte(`{"type": "ask_user", "interaction": {"kind": "confirm", "prompt": "no id"}}
`)
	res, err := (streamParser{}).ParseTurn(stdout)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeError, res.Outcome)
	assert.Equal(t, "PROTOCOL_SCHEMA_VIOLATION", res.FailureReason)
}

func TestParseTurnStreamErrorDetail(t *testing.T) {
	stdout := []byte(`{"type": "error", "error": {"message": "boom"}}
`)
	res, err := (streamParser{}).ParseTurn(stdout)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeError, res.Outcome)
	assert.Equal(t, "boom", res.FailureDetail)
}

func TestSessionCodec(t *testing.T) {
	stdout := []byte(`{"type": "session.created", "sessionID": "oc-7"}
{"type": "text", "text": "hi"}
`)
	h, err := (sessionCodec{}).ExtractHandle(stdout, 1)
	require.NoError(t, err)
	assert.Equal(t, "oc-7", h.Value)
	assert.Equal(t, engine.HandleOpaque, h.Type)

	_, err = (sessionCodec{}).ExtractHandle([]byte(`{"type": "text"}`), 1)
	assert.ErrorIs(t, err, engine.ErrNoSessionHandle)
}

func TestCommands(t *testing.T) {
	tc := &engine.TurnContext{}
	start, err := (commandBuilder{}).StartCommand(tc, "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"opencode", "run", "--print-logs", "--format", "json", "go"}, start)

	resume, err := (commandBuilder{}).ResumeCommand(tc, engine.SessionHandle{Value: "oc-1"}, "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"opencode", "run", "resume", "oc-1", "--print-logs", "--format", "json", "go"}, resume)

	_, err = (commandBuilder{}).ResumeCommand(tc, engine.SessionHandle{}, "go")
	assert.ErrorIs(t, err, engine.ErrNoSessionHandle)
}
