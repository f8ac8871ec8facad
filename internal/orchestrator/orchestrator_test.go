package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
	"github.com/floegence/skillrunner/internal/supervise"
	"github.com/floegence/skillrunner/internal/workspace"
)

// scriptedParser pops pre-planned turn results in order.
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
	return "do the thing", nil
}

type fakeCommand struct{}

func (fakeCommand) StartCommand(tc *engine.TurnContext, prompt string) ([]string, error) {
	return []string{"fake-engine", "run", prompt}, nil
}

func (fakeCommand) ResumeCommand(tc *engine.TurnContext, handle engine.SessionHandle, prompt string) ([]string, error) {
	return []string{"fake-engine", "resume", handle.Value, prompt}, nil
}

type fakeSession struct {
	handle engine.SessionHandle
	err    error
}

func (s fakeSession) ExtractHandle(stdout []byte, attempt int) (engine.SessionHandle, error) {
	return s.handle, s.err
}

// fakeExecutor hands back canned results and can block to simulate a long
// engine invocation.
type fakeExecutor struct {
	mu      sync.Mutex
	started int
	block   chan struct{}
}

func (f *fakeExecutor) Run(ctx context.Context, spec supervise.Spec) (*supervise.Result, error) {
	f.mu.Lock()
	f.started++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return &supervise.Result{ExitCode: 0, Stdout: []byte(`{"ok":true}`), Elapsed: time.Millisecond}, nil
}

func (f *fakeExecutor) Start(ctx context.Context, spec supervise.Spec) (StickyProcess, error) {
	return nil, errors.New("sticky start not scripted")
}

func writeTestSkill(t *testing.T, dataDir, id string, modes []string, maxAttempt int) {
	t.Helper()
	dir := filepath.Join(dataDir, "skills", id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# Demo\n"), 0o644))

	manifest := map[string]any{
		"id":              id,
		"version":         "1.0.0",
		"engines":         []string{"codex"},
		"execution_modes": modes,
		"schemas": map[string]string{
			"input":     "schemas/input.json",
			"parameter": "schemas/parameter.json",
			"output":    "schemas/output.json",
		},
	}
	if maxAttempt > 0 {
		manifest["max_attempt"] = maxAttempt
	}
	b, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "runner.json"), b, 0o644))

	loose := []byte(`{"type":"object"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "input.json"), loose, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "parameter.json"), loose, 0o644))
	out := []byte(`{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "output.json"), out, 0o644))
}

type testHarness struct {
	orch   *Orchestrator
	store  *store.Store
	parser *scriptedParser
	exec   *fakeExecutor
}

func newHarness(t *testing.T, maxParallel int, maxAttempt int) *testHarness {
	t.Helper()
	dataDir := t.TempDir()
	writeTestSkill(t, dataDir, "demo-skill", []string{"auto", "interactive"}, maxAttempt)

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
		Session: fakeSession{handle: engine.SessionHandle{
			Engine: engine.Codex, Type: engine.HandleSessionID, Value: "sess-1", CreatedAtTurn: 1,
		}},
		ParserProfile: "fake", ParserConfidence: 1,
	}
	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	exec := &fakeExecutor{}
	orch, err := New(Options{
		Store:           st,
		Workspace:       workspace.New(filepath.Join(dataDir, "requests"), filepath.Join(dataDir, "runs"), nil),
		Skills:          skill.NewManager(dataDir, nil),
		Registry:        registry,
		MaxParallelJobs: maxParallel,
		Executor:        exec,
	})
	require.NoError(t, err)
	return &testHarness{orch: orch, store: st, parser: parser, exec: exec}
}

func (h *testHarness) script(turns ...*engine.TurnResult) {
	h.parser.mu.Lock()
	h.parser.turns = append(h.parser.turns, turns...)
	h.parser.mu.Unlock()
}

func waitRunStatus(t *testing.T, st *store.Store, runID, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := st.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (last %s, code %s)", runID, want, run.Status, run.FailureCode)
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

func askTurn(kind, prompt string) *engine.TurnResult {
	return &engine.TurnResult{
		Outcome:     engine.OutcomeAskUser,
		Interaction: &engine.PendingInteraction{Kind: kind, Prompt: prompt, InteractionID: 99},
	}
}

func TestSubmitRunsToSuccessAndCaches(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	h.script(finalTurn())
	res, err := h.orch.Submit(ctx, &Submission{
		SkillID:     "demo-skill",
		Engine:      "codex",
		InputPrompt: "summarize",
		Parameter:   map[string]any{"depth": float64(1)},
	})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	waitRunStatus(t, h.store, res.RunID, store.StatusSucceeded)

	// The result envelope is sealed on disk.
	b, err := os.ReadFile(filepath.Join(h.orch.ws.RunDir(res.RunID), "result", "result.json"))
	require.NoError(t, err)
	var env ResultEnvelope
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "done", env.Data["summary"])

	// An identical submission short-circuits to the prior run.
	res2, err := h.orch.Submit(ctx, &Submission{
		SkillID:     "demo-skill",
		Engine:      "codex",
		InputPrompt: "summarize",
		Parameter:   map[string]any{"depth": float64(1)},
	})
	require.NoError(t, err)
	assert.True(t, res2.CacheHit)
	assert.Equal(t, res.RunID, res2.RunID)

	// no_cache forces a fresh run.
	h.script(finalTurn())
	res3, err := h.orch.Submit(ctx, &Submission{
		SkillID:     "demo-skill",
		Engine:      "codex",
		InputPrompt: "summarize",
		Parameter:   map[string]any{"depth": float64(1)},
		RuntimeRaw:  map[string]any{"no_cache": true},
	})
	require.NoError(t, err)
	assert.False(t, res3.CacheHit)
	assert.NotEqual(t, res.RunID, res3.RunID)
	waitRunStatus(t, h.store, res3.RunID, store.StatusSucceeded)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, &Submission{SkillID: "demo-skill", Engine: "gemini"})
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.SkillEngineUnsupported, ec.Code)

	_, err = h.orch.Submit(ctx, &Submission{SkillID: "nope", Engine: "codex"})
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.SkillNotFound, ec.Code)

	_, err = h.orch.Submit(ctx, &Submission{
		SkillID: "demo-skill", Engine: "codex",
		RuntimeRaw: map[string]any{"bogus_option": 1},
	})
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.InputValidationError, ec.Code)
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()

	h.exec.block = make(chan struct{})
	h.script(finalTurn(), finalTurn())

	res, err := h.orch.Submit(ctx, &Submission{SkillID: "demo-skill", Engine: "codex"})
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, &Submission{
		SkillID: "demo-skill", Engine: "codex",
		Parameter: map[string]any{"other": true},
	})
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.QueueFull, ec.Code)

	close(h.exec.block)
	waitRunStatus(t, h.store, res.RunID, store.StatusSucceeded)
}

func TestInteractiveParkReplyAndFinish(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	h.script(askTurn("confirm", "proceed?"), finalTurn())
	res, err := h.orch.Submit(ctx, &Submission{
		SkillID: "demo-skill", Engine: "codex",
		RuntimeRaw: map[string]any{"execution_mode": "interactive"},
	})
	require.NoError(t, err)
	waitRunStatus(t, h.store, res.RunID, store.StatusWaitingUser)

	pending, err := h.orch.GetPending(ctx, res.RequestID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	// The engine proposed id 99; the orchestrator owns the numbering.
	assert.Equal(t, 1, pending.InteractionID)
	assert.Equal(t, "confirm", pending.Kind)

	// A reply to a different interaction id is stale.
	status, err := h.orch.SubmitReply(ctx, res.RequestID, 7, map[string]any{"confirm": true}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplyStale, status)

	status, err = h.orch.SubmitReply(ctx, res.RequestID, 1, map[string]any{"confirm": true}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplyAccepted, status)
	waitRunStatus(t, h.store, res.RunID, store.StatusSucceeded)

	// Retrying the same reply after acceptance is idempotent; changing the
	// body under the same key is a conflict.
	status, err = h.orch.SubmitReply(ctx, res.RequestID, 1, map[string]any{"confirm": true}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplyIdempotent, status)
	status, err = h.orch.SubmitReply(ctx, res.RequestID, 1, map[string]any{"confirm": false}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplyIdempotencyConflict, status)

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Attempt)
}

func TestWaitWatchdogSurvivesAutoDecideArming(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	h.script(askTurn("confirm", "proceed?"))
	res, err := h.orch.Submit(ctx, &Submission{
		SkillID: "demo-skill", Engine: "codex",
		RuntimeRaw: map[string]any{"execution_mode": "interactive"},
	})
	require.NoError(t, err)
	waitRunStatus(t, h.store, res.RunID, store.StatusWaitingUser)

	pending, err := h.orch.GetPending(ctx, res.RequestID)
	require.NoError(t, err)
	require.NotNil(t, pending)

	// A short wait deadline next to a long auto-decide timer: arming the
	// latter must not disarm the former.
	h.orch.armStickyWatchdog(res.RunID, res.RequestID, 50*time.Millisecond)
	h.orch.armAutoDecide(res.RunID, res.RequestID, pending.InteractionID, pending,
		&RuntimeOptions{InteractiveReplyTimeoutSec: 3600})

	waitRunStatus(t, h.store, res.RunID, store.StatusFailed)
	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, errcode.InteractionWaitTimeout, run.FailureCode)
}

func TestReplyToAutoRunIsRejected(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	h.script(finalTurn())
	res, err := h.orch.Submit(ctx, &Submission{SkillID: "demo-skill", Engine: "codex"})
	require.NoError(t, err)
	waitRunStatus(t, h.store, res.RunID, store.StatusSucceeded)

	_, err = h.orch.SubmitReply(ctx, res.RequestID, 1, map[string]any{"x": 1}, "k")
	var ec *errcode.Error
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, errcode.NotInteractive, ec.Code)
}

func TestInteractiveMaxAttemptExceeded(t *testing.T) {
	h := newHarness(t, 2, 1)
	ctx := context.Background()

	h.script(askTurn("confirm", "again?"))
	res, err := h.orch.Submit(ctx, &Submission{
		SkillID: "demo-skill", Engine: "codex",
		RuntimeRaw: map[string]any{"execution_mode": "interactive"},
	})
	require.NoError(t, err)
	waitRunStatus(t, h.store, res.RunID, store.StatusWaitingUser)

	status, err := h.orch.SubmitReply(ctx, res.RequestID, 1, map[string]any{"confirm": true}, "k1")
	require.NoError(t, err)
	assert.Equal(t, store.ReplyAccepted, status)

	waitRunStatus(t, h.store, res.RunID, store.StatusFailed)
	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, errcode.InteractiveMaxAttemptExceeded, run.FailureCode)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()

	h.exec.block = make(chan struct{})
	defer close(h.exec.block)
	h.script(finalTurn())

	res, err := h.orch.Submit(ctx, &Submission{SkillID: "demo-skill", Engine: "codex"})
	require.NoError(t, err)
	waitRunStatus(t, h.store, res.RunID, store.StatusRunning)

	accepted, err := h.orch.Cancel(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, accepted)
	waitRunStatus(t, h.store, res.RunID, store.StatusCanceled)

	accepted, err = h.orch.Cancel(ctx, res.RunID)
	require.NoError(t, err)
	assert.False(t, accepted)

	// The slot came back.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.orch.Concurrency().InUse())
}

func TestReconcileSettlesInterruptedRuns(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	// A run left in running by a dead process fails on reconcile.
	require.NoError(t, h.store.CreateRequest(ctx, &store.Request{
		RequestID: "req-a", SkillID: "demo-skill", Engine: "codex", ExecutionMode: "auto",
	}))
	require.NoError(t, h.store.CreateRun(ctx, &store.Run{
		RunID: "run-a", RequestID: "req-a", SkillID: "demo-skill", Engine: "codex", ExecutionMode: "auto",
	}))
	require.NoError(t, h.store.BindRun(ctx, "req-a", "run-a"))
	require.NoError(t, h.store.SetRunStatus(ctx, "run-a", store.StatusRunning, "", ""))

	// A parked interactive run with its pending interaction intact survives.
	require.NoError(t, h.store.CreateRequest(ctx, &store.Request{
		RequestID: "req-b", SkillID: "demo-skill", Engine: "codex", ExecutionMode: "interactive",
	}))
	require.NoError(t, h.store.CreateRun(ctx, &store.Run{
		RunID: "run-b", RequestID: "req-b", SkillID: "demo-skill", Engine: "codex", ExecutionMode: "interactive",
	}))
	require.NoError(t, h.store.BindRun(ctx, "req-b", "run-b"))
	require.NoError(t, h.store.SetRunStatus(ctx, "run-b", store.StatusRunning, "", ""))
	require.NoError(t, h.store.SetPendingInteraction(ctx, "req-b", 1, `{"interaction_id":1,"kind":"confirm"}`))
	require.NoError(t, h.store.SetRunStatus(ctx, "run-b", store.StatusWaitingUser, "", ""))

	require.NoError(t, h.orch.Reconcile(ctx))

	runA, err := h.store.GetRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, runA.Status)
	assert.Equal(t, errcode.OrchestratorRestartInterrupted, runA.FailureCode)

	runB, err := h.store.GetRun(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaitingUser, runB.Status)
}
