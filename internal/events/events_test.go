package events

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderLocalSeqPerAttempt(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, "run-1")

	require.NoError(t, rec.Conversation(1, FCMPConversationStarted, nil))
	require.NoError(t, rec.Conversation(1, FCMPAssistantMessageFinal, map[string]any{"n": 1}))
	require.NoError(t, rec.Conversation(2, FCMPConversationStarted, nil))

	one, err := readAttemptFile(dir, StreamConversation, 1)
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, 1, one[0].Meta.LocalSeq)
	assert.Equal(t, 2, one[1].Meta.LocalSeq)
	assert.Equal(t, FCMPVersion, one[0].ProtocolVersion)
	assert.Equal(t, "run-1", one[0].RunID)

	two, err := readAttemptFile(dir, StreamConversation, 2)
	require.NoError(t, err)
	require.Len(t, two, 1)
	// local_seq restarts per attempt file.
	assert.Equal(t, 1, two[0].Meta.LocalSeq)
	assert.Equal(t, 2, two[0].Meta.Attempt)
}

func TestListGlobalSeqAcrossAttempts(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, "run-1")
	require.NoError(t, rec.Conversation(1, FCMPConversationStarted, nil))
	require.NoError(t, rec.Conversation(1, FCMPUserInputRequired, nil))
	require.NoError(t, rec.Conversation(2, FCMPInteractionReplyAccepted, nil))
	require.NoError(t, rec.Conversation(2, FCMPConversationCompleted, nil))

	all, err := List(dir, StreamConversation, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, ev := range all {
		assert.EqualValues(t, i+1, ev.Seq)
	}
	assert.Equal(t, FCMPConversationCompleted, all[3].Type)

	// Cursor resumes after a global seq.
	tail, err := List(dir, StreamConversation, ListOptions{AfterSeq: 2})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.EqualValues(t, 3, tail[0].Seq)

	// Attempt filter keeps global numbering.
	second, err := List(dir, StreamConversation, ListOptions{Attempt: 2})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.EqualValues(t, 3, second[0].Seq)
	assert.Equal(t, 2, second[0].Meta.Attempt)

	last, err := LastSeq(dir, StreamConversation)
	require.NoError(t, err)
	assert.EqualValues(t, 4, last)
}

func TestListToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, "run-1")
	require.NoError(t, rec.Conversation(1, FCMPConversationStarted, nil))

	f := filepath.Join(dir, ".audit", streamFile(StreamConversation, 1))
	h, err := os.OpenFile(f, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = h.WriteString(`{"type":"half`)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	all, err := List(dir, StreamConversation, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRuntimeEventEnvelope(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, "run-1")
	require.NoError(t, rec.Runtime(1,
		Source{Engine: "codex", Parser: "codex_ndjson", Confidence: 0.95},
		EventKind{Category: CategoryAgent, Type: "agent_message"},
		map[string]any{"text": "hi"},
		&RawRef{AttemptNumber: 1, Stream: "stdout", ByteFrom: 0, ByteTo: 10}))

	evs, err := List(dir, StreamRuntime, ListOptions{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, RASPVersion, evs[0].ProtocolVersion)
	assert.Equal(t, CategoryAgent, evs[0].Kind.Category)
	assert.Equal(t, "codex_ndjson", evs[0].Source.Parser)
	assert.EqualValues(t, 10, evs[0].RawRef.ByteTo)
}

func TestReadLogRangePrefersAuditLogs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".audit"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "stdout.txt"), []byte("live"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".audit", "stdout.1.log"), []byte("sealed attempt one"), 0o644))

	lr, err := ReadLogRange(dir, "stdout", 1, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, "sealed", lr.Text)
	assert.False(t, lr.EOF)

	// No sealed file for attempt 2: fall back to the live log.
	lr, err = ReadLogRange(dir, "stdout", 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "live", lr.Text)
	assert.True(t, lr.EOF)

	_, err = ReadLogRange(dir, "bogus", 1, 0, 0)
	assert.Error(t, err)
}

func TestHubSubscribePublishEnd(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("run-1")
	defer cancel()

	h.Publish("run-1", Event{Type: "tick"})
	ev := <-ch
	assert.Equal(t, "tick", ev.Type)

	h.End("run-1", EndWaitingUser)
	ev = <-ch
	assert.Equal(t, "end", ev.Type)
	assert.Equal(t, EndWaitingUser, ev.Data["reason"])
	assert.Equal(t, EndWaitingUser, h.EndReason("run-1"))

	h.ClearEnd("run-1")
	assert.Empty(t, h.EndReason("run-1"))
}

func TestServeSSEMultiplexesRunStreams(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, "run-1")
	require.NoError(t, rec.Conversation(1, FCMPConversationStarted, nil))
	require.NoError(t, rec.Conversation(1, FCMPConversationCompleted, nil))
	require.NoError(t, rec.Runtime(1,
		Source{Engine: "codex", Parser: "codex_ndjson", Confidence: 0.95},
		EventKind{Category: CategoryAgent, Type: "agent_message"},
		map[string]any{"text": "hi"}, nil))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "stdout.txt"), []byte("out bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "stderr.txt"), []byte("err bytes"), 0o644))

	h := NewHub()
	h.End("run-1", EndTerminal)

	req := httptest.NewRequest("GET", "/events", nil)
	w := httptest.NewRecorder()
	err := h.ServeSSE(w, req, StreamOptions{
		RunID:    "run-1",
		RunDir:   dir,
		Snapshot: map[string]any{"status": "succeeded"},
	})
	require.NoError(t, err)

	body := w.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, "event: chat_event")
	assert.Contains(t, body, "event: run_event")
	assert.Contains(t, body, "event: stdout")
	assert.Contains(t, body, "event: stderr")
	assert.Contains(t, body, FCMPConversationStarted)
	assert.Contains(t, body, FCMPConversationCompleted)
	assert.Contains(t, body, "agent_message")
	assert.Contains(t, body, "out bytes")
	assert.Contains(t, body, "err bytes")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), `data: {"reason":"terminal"}`))
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestServeSSEHonorsCursorsAndOffsets(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, "run-1")
	require.NoError(t, rec.Conversation(1, FCMPConversationStarted, nil))
	require.NoError(t, rec.Conversation(1, FCMPConversationCompleted, nil))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "stdout.txt"), []byte("seen|fresh"), 0o644))

	h := NewHub()
	h.End("run-1", EndTerminal)

	req := httptest.NewRequest("GET", "/events", nil)
	w := httptest.NewRecorder()
	err := h.ServeSSE(w, req, StreamOptions{
		RunID:      "run-1",
		RunDir:     dir,
		Cursor:     1,
		StdoutFrom: 5,
	})
	require.NoError(t, err)

	body := w.Body.String()
	assert.NotContains(t, body, FCMPConversationStarted)
	assert.Contains(t, body, FCMPConversationCompleted)
	assert.NotContains(t, body, "seen")
	assert.Contains(t, body, "fresh")
}

func TestServeSSEEmitsStatusTransitions(t *testing.T) {
	dir := t.TempDir()
	h := NewHub()

	statuses := []string{"queued", "running", "running"}
	i := 0
	statusFn := func() (any, string) {
		s := statuses[i]
		if i < len(statuses)-1 {
			i++
		}
		return map[string]any{"status": s}, s
	}

	// First transition is observed on the flush triggered by the live event;
	// ending right after closes the stream.
	go func() {
		h.Publish("run-1", Event{Type: FCMPConversationStateChanged})
		h.End("run-1", EndTerminal)
	}()

	req := httptest.NewRequest("GET", "/events", nil)
	w := httptest.NewRecorder()
	err := h.ServeSSE(w, req, StreamOptions{
		RunID:    "run-1",
		RunDir:   dir,
		Snapshot: map[string]any{"status": "queued"},
		Status:   statusFn,
	})
	require.NoError(t, err)

	body := w.Body.String()
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, `{"status":"running"}`)
	// The snapshot status is not replayed as a transition.
	assert.Equal(t, 1, strings.Count(body, "event: status"))
}

func TestParserProfileRegistry(t *testing.T) {
	RegisterParserProfile(ParserProfile{Engine: "codex", Name: "codex_ndjson", Confidence: 0.95})
	p := ProfileFor("codex")
	assert.Equal(t, "codex_ndjson", p.Name)

	unknown := ProfileFor("never-registered")
	assert.Equal(t, "raw", unknown.Name)
	assert.Zero(t, unknown.Confidence)

	assert.NotEmpty(t, Profiles())
}
