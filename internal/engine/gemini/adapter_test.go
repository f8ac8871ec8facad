package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillrunner/internal/engine"
)

func TestParseTurnFinalFromFencedBlock(t *testing.T) {
	stdout := []byte("Working on it...\n```json\n{\"__SKILL_DONE__\": true, \"summary\": \"ok\"}\n```\nSession: sess-1\n")
	res, err := (streamParser{}).ParseTurn(stdout)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeFinal, res.Outcome)
	assert.Equal(t, "ok", res.FinalData["summary"])
}

func TestParseTurnAskUser(t *testing.T) {
	stdout := []byte("I need a decision.\n{\"__SKILL_ASK_USER__\": true, \"interaction_id\": 1, \"kind\": \"choose_one\", \"prompt\": \"pick\", \"options\": [{\"id\": \"a\", \"label\": \"A\"}]}\n")
	res, err := (streamParser{}).ParseTurn(stdout)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeAskUser, res.Outcome)
	assert.Equal(t, engine.KindChooseOne, res.Interaction.Kind)
	require.Len(t, res.Interaction.Options, 1)
	assert.Equal(t, "a", res.Interaction.Options[0].ID)
}

func TestParseTurnNoPayloadIsProtocolViolation(t *testing.T) {
	res, err := (streamParser{}).ParseTurn([]byte("just chatter\n"))
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeError, res.Outcome)
	assert.Equal(t, "PROTOCOL_SCHEMA_VIOLATION", res.FailureReason)
}

func TestSessionCodecTakesLastSessionLine(t *testing.T) {
	stdout := []byte("Session: old-1\nwork...\nSession ID: new-2\n")
	h, err := (sessionCodec{}).ExtractHandle(stdout, 2)
	require.NoError(t, err)
	assert.Equal(t, "new-2", h.Value)
	assert.Equal(t, 2, h.CreatedAtTurn)

	_, err = (sessionCodec{}).ExtractHandle([]byte("no session here"), 1)
	assert.ErrorIs(t, err, engine.ErrNoSessionHandle)
}

func TestResumeCommandStripsProfile(t *testing.T) {
	tc := &engine.TurnContext{}
	start, err := (commandBuilder{}).StartCommand(tc, "p")
	require.NoError(t, err)
	assert.Contains(t, start, "-p")
	assert.Contains(t, start, "skill")

	resume, err := (commandBuilder{}).ResumeCommand(tc, engine.SessionHandle{Value: "s1"}, "p")
	require.NoError(t, err)
	assert.NotContains(t, resume, "-p")
	// Handle sits before the prompt.
	assert.Equal(t, "resume", resume[2])
	assert.Equal(t, "s1", resume[3])
	assert.Equal(t, "p", resume[len(resume)-1])
}
