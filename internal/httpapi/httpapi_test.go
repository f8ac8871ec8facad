package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/orchestrator"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
	"github.com/floegence/skillrunner/internal/supervise"
	"github.com/floegence/skillrunner/internal/workspace"
)

type scriptedParser struct {
	mu    sync.Mutex
	turns []*engine.TurnResult
}

func (p *scriptedParser) ParseTurn(stdout []byte) (*engine.TurnResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.turns) == 0 {
		return nil, errors.New("no scripted turn left")
	}
	t := p.turns[0]
	p.turns = p.turns[1:]
	return t, nil
}

type fakeConfig struct{}

func (fakeConfig) Compose(ctx context.Context, tc *engine.TurnContext) (string, error) {
	return "", nil
}

type fakeProvisioner struct{}

func (fakeProvisioner) Provision(ctx context.Context, tc *engine.TurnContext) error { return nil }

type fakePrompt struct{}

func (fakePrompt) BuildPrompt(ctx context.Context, tc *engine.TurnContext) (string, error) {
	return "prompt", nil
}

type fakeCommand struct{}

func (fakeCommand) StartCommand(tc *engine.TurnContext, prompt string) ([]string, error) {
	return []string{"fake-engine", "run", prompt}, nil
}

func (fakeCommand) ResumeCommand(tc *engine.TurnContext, handle engine.SessionHandle, prompt string) ([]string, error) {
	return []string{"fake-engine", "resume", handle.Value, prompt}, nil
}

type fakeSession struct{}

func (fakeSession) ExtractHandle(stdout []byte, attempt int) (engine.SessionHandle, error) {
	return engine.SessionHandle{
		Engine: engine.Codex, Type: engine.HandleSessionID, Value: "sess-1", CreatedAtTurn: attempt,
	}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Run(ctx context.Context, spec supervise.Spec) (*supervise.Result, error) {
	return &supervise.Result{ExitCode: 0, Stdout: []byte(`{"ok":true}`), Elapsed: time.Millisecond}, nil
}

func (fakeExecutor) Start(ctx context.Context, spec supervise.Spec) (orchestrator.StickyProcess, error) {
	return nil, errors.New("sticky start not scripted")
}

func writeAPISkill(t *testing.T, dataDir, id string, fileInput bool) {
	t.Helper()
	dir := filepath.Join(dataDir, "skills", id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# Demo\n"), 0o644))

	manifest := map[string]any{
		"id":              id,
		"version":         "1.0.0",
		"engines":         []string{"codex"},
		"execution_modes": []string{"auto", "interactive"},
		"schemas": map[string]string{
			"input":     "schemas/input.json",
			"parameter": "schemas/parameter.json",
			"output":    "schemas/output.json",
		},
	}
	b, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "runner.json"), b, 0o644))

	input := `{"type":"object"}`
	if fileInput {
		input = `{"type":"object","properties":{"doc":{"type":"string","x-source":"file"}},"required":["doc"]}`
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "input.json"), []byte(input), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "parameter.json"), []byte(`{"type":"object"}`), 0o644))
	out := `{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "output.json"), []byte(out), 0o644))
}

type apiHarness struct {
	srv     *Server
	handler http.Handler
	store   *store.Store
	parser  *scriptedParser
	dataDir string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dataDir := t.TempDir()
	writeAPISkill(t, dataDir, "demo-skill", false)
	writeAPISkill(t, dataDir, "file-skill", true)

	st, err := store.Open(filepath.Join(dataDir, "state", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	parser := &scriptedParser{}
	adapter := &engine.Adapter{
		Name:    engine.Codex,
		CLI:     "fake-engine",
		Profile: engine.InteractiveProfile{Kind: engine.ProfileFreshAttempt},
		Config:  fakeConfig{}, Workspace: fakeProvisioner{}, Prompt: fakePrompt{},
		Command: fakeCommand{},
		Parser:  parser,
		Session: fakeSession{},
		ParserProfile: "fake", ParserConfidence: 1,
	}
	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	ws := workspace.New(filepath.Join(dataDir, "requests"), filepath.Join(dataDir, "runs"), nil)
	skills := skill.NewManager(dataDir, nil)
	orch, err := orchestrator.New(orchestrator.Options{
		Store:           st,
		Workspace:       ws,
		Skills:          skills,
		Registry:        registry,
		MaxParallelJobs: 2,
		Executor:        fakeExecutor{},
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Store:     st,
		Workspace: ws,
		Skills:    skills,
		Orch:      orch,
		Registry:  registry,
		Version:   "test",
	})
	require.NoError(t, err)
	srv.probeVersion = func(cli string) (string, error) { return "0.45.0", nil }

	return &apiHarness{srv: srv, handler: srv.Handler(), store: st, parser: parser, dataDir: dataDir}
}

func (h *apiHarness) script(turns ...*engine.TurnResult) {
	h.parser.mu.Lock()
	h.parser.turns = append(h.parser.turns, turns...)
	h.parser.mu.Unlock()
}

func finalTurn() *engine.TurnResult {
	return &engine.TurnResult{
		Outcome: engine.OutcomeFinal,
		FinalData: map[string]any{
			engine.DoneMarker: true,
			"summary":         "done",
		},
	}
}

func askTurn() *engine.TurnResult {
	return &engine.TurnResult{
		Outcome:     engine.OutcomeAskUser,
		Interaction: &engine.PendingInteraction{Kind: engine.KindConfirm, Prompt: "continue?"},
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResp(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (h *apiHarness) waitStatus(t *testing.T, requestID, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		rec := h.do(t, http.MethodGet, "/v1/jobs/"+requestID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		last = decodeResp(t, rec)
		if last["status"] == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %s (last %v)", requestID, want, last["status"])
	return nil
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func multipartBody(t *testing.T, parts map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, content := range parts {
		w, err := mw.CreateFormFile(field, field+".zip")
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.script(finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id":     "demo-skill",
		"engine":       "codex",
		"input_prompt": "summarize",
		"parameter":    map[string]any{"depth": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeResp(t, rec)
	requestID := created["request_id"].(string)
	assert.Equal(t, false, created["cache_hit"])

	final := h.waitStatus(t, requestID, "succeeded")
	assert.Equal(t, "demo-skill", final["skill_id"])
	assert.Equal(t, "none", final["recovery_state"])

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeResp(t, rec)["result"].(map[string]any)
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, "done", result["data"].(map[string]any)["summary"])

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/bundle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	// Identical second submit hits the cache.
	rec = h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id":     "demo-skill",
		"engine":       "codex",
		"input_prompt": "summarize",
		"parameter":    map[string]any{"depth": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	hit := decodeResp(t, rec)
	assert.Equal(t, true, hit["cache_hit"])
	assert.Equal(t, "succeeded", hit["status"])
}

func TestJobRejectionsOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "missing-skill", "engine": "codex",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "gemini",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decodeResp(t, rec)["error"].(map[string]any)
	assert.Equal(t, "SKILL_ENGINE_UNSUPPORTED", errBody["code"])

	rec = h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
		"runtime_options": map[string]any{"bogus": true},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeferredUploadSubmission(t *testing.T) {
	h := newAPIHarness(t)
	h.script(finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "file-skill", "engine": "codex",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decodeResp(t, rec)
	requestID := created["request_id"].(string)
	assert.Equal(t, "awaiting_upload", created["status"])

	body, contentType := multipartBody(t, map[string][]byte{
		"file": zipBytes(t, map[string]string{"doc.txt": "hello"}),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+requestID+"/upload", body)
	req.Header.Set("Content-Type", contentType)
	up := httptest.NewRecorder()
	h.handler.ServeHTTP(up, req)
	require.Equal(t, http.StatusOK, up.Code, up.Body.String())
	uploaded := decodeResp(t, up)
	assert.Equal(t, []any{"doc.txt"}, uploaded["extracted_files"])

	h.waitStatus(t, requestID, "succeeded")
}

func TestTempSkillRunOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.script(finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/temp-skill-runs", map[string]any{
		"engine":       "codex",
		"input_prompt": "go",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	requestID := decodeResp(t, rec)["request_id"].(string)

	pkg := zipBytes(t, map[string]string{
		"SKILL.md": "# Temp\n",
		"assets/runner.json": `{
			"id": "temp-skill", "version": "0.1.0",
			"engines": ["codex"], "execution_modes": ["auto"],
			"schemas": {
				"input": "schemas/input.json",
				"parameter": "schemas/parameter.json",
				"output": "schemas/output.json"
			}
		}`,
		"schemas/input.json":     `{"type":"object"}`,
		"schemas/parameter.json": `{"type":"object"}`,
		"schemas/output.json":    `{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`,
	})
	body, contentType := multipartBody(t, map[string][]byte{"skill_package": pkg})
	req := httptest.NewRequest(http.MethodPost, "/v1/temp-skill-runs/"+requestID+"/upload", body)
	req.Header.Set("Content-Type", contentType)
	up := httptest.NewRecorder()
	h.handler.ServeHTTP(up, req)
	require.Equal(t, http.StatusOK, up.Code, up.Body.String())

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec := h.do(t, http.MethodGet, "/v1/temp-skill-runs/"+requestID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		if decodeResp(t, rec)["status"] == "succeeded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("temp run never succeeded: %s", rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInteractionReplyOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.script(askTurn(), finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
		"runtime_options": map[string]any{"execution_mode": "interactive"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	requestID := decodeResp(t, rec)["request_id"].(string)
	h.waitStatus(t, requestID, "waiting_user")

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/interaction/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pendingResp := decodeResp(t, rec)
	assert.Equal(t, "waiting_user", pendingResp["status"])
	pending := pendingResp["pending"].(map[string]any)
	assert.Equal(t, float64(1), pending["interaction_id"])

	// Stale id is a 409.
	rec = h.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/interaction/reply", map[string]any{
		"interaction_id": 9, "response": map[string]any{"confirm": true},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/interaction/reply", map[string]any{
		"interaction_id": 1, "response": map[string]any{"confirm": true}, "idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeResp(t, rec)["accepted"])

	h.waitStatus(t, requestID, "succeeded")

	// Replay after acceptance stays a 200.
	rec = h.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/interaction/reply", map[string]any{
		"interaction_id": 1, "response": map[string]any{"confirm": true}, "idempotency_key": "k1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.script(askTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
		"runtime_options": map[string]any{"execution_mode": "interactive"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := decodeResp(t, rec)["request_id"].(string)
	h.waitStatus(t, requestID, "waiting_user")

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeResp(t, rec)["accepted"])
	h.waitStatus(t, requestID, "canceled")

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeResp(t, rec)["accepted"])
}

func TestStatusEnvelopeTimestamps(t *testing.T) {
	h := newAPIHarness(t)
	h.script(askTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
		"runtime_options": map[string]any{"execution_mode": "interactive"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := decodeResp(t, rec)["request_id"].(string)
	st := h.waitStatus(t, requestID, "waiting_user")
	runID := st["run_id"].(string)

	ctx := context.Background()
	require.NoError(t, h.store.RecordAutoDecision(ctx, requestID, 1, `{"decision":"engine_judgement"}`))
	require.NoError(t, h.store.RecordRecovery(ctx, runID, "resubmitted", "service restarted mid-run"))

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResp(t, rec)
	assert.Equal(t, float64(1), body["auto_decision_count"])
	lastAt, _ := body["last_auto_decision_at"].(string)
	require.NotEmpty(t, lastAt)
	_, err := time.Parse(time.RFC3339, lastAt)
	assert.NoError(t, err)
	assert.Equal(t, "resubmitted", body["recovery_state"])
	recoveredAt, _ := body["recovered_at"].(string)
	require.NotEmpty(t, recoveredAt)
	_, err = time.Parse(time.RFC3339, recoveredAt)
	assert.NoError(t, err)
}

func TestEventsHistoryOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.script(finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := decodeResp(t, rec)["request_id"].(string)
	h.waitStatus(t, requestID, "succeeded")

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/events/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeResp(t, rec)
	count := int(hist["count"].(float64))
	require.Greater(t, count, 0)
	evs := hist["events"].([]any)
	require.Len(t, evs, count)

	// Cursor excludes everything at or below it.
	first := evs[0].(map[string]any)
	fromSeq := int(first["seq"].(float64))
	rec = h.do(t, http.MethodGet,
		fmt.Sprintf("/v1/jobs/%s/events/history?from_seq=%d", requestID, fromSeq), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(count-1), decodeResp(t, rec)["count"])
}

func TestEventsSSEMultiplexesOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.script(finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := decodeResp(t, rec)["request_id"].(string)
	h.waitStatus(t, requestID, "succeeded")

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, "event: run_event")
	assert.Contains(t, body, "event: chat_event")
	assert.Contains(t, body, "event: end")
	assert.Contains(t, body, `"reason":"terminal"`)

	// A cursor past the full history leaves only the snapshot and the end.
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/events?cursor=1000000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.NotContains(t, body, "event: run_event")
	assert.NotContains(t, body, "event: chat_event")
	assert.Contains(t, body, "event: end")
}

func TestArtifactPathTraversalRejected(t *testing.T) {
	h := newAPIHarness(t)
	h.script(finalTurn())

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"skill_id": "demo-skill", "engine": "codex",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := decodeResp(t, rec)["request_id"].(string)
	h.waitStatus(t, requestID, "succeeded")

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/artifacts/..%2F..%2Fstatus.json", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestEnginesAndModelsOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/engines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	engines := decodeResp(t, rec)["engines"].([]any)
	require.Len(t, engines, 1)
	assert.Equal(t, "codex", engines[0].(map[string]any)["name"])

	rec = h.do(t, http.MethodGet, "/v1/engines/codex/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sel := decodeResp(t, rec)
	assert.Equal(t, "0.45.0", sel["detected_cli_version"])
	assert.Equal(t, "0.42.0", sel["snapshot_version"])

	rec = h.do(t, http.MethodGet, "/v1/engines/mystery/models", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
