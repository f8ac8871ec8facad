package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/events"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
)

// GetPending returns the open interaction for a request while the run is in
// waiting_user; nil otherwise.
func (o *Orchestrator) GetPending(ctx context.Context, requestID string) (*engine.PendingInteraction, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.StatusWaitingUser {
		return nil, nil
	}
	row, err := o.store.GetPendingInteraction(ctx, requestID)
	if err != nil || row == nil {
		return nil, err
	}
	var p engine.PendingInteraction
	if err := json.Unmarshal([]byte(row.PayloadJSON), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SubmitReply resolves a pending interaction and schedules the next turn.
func (o *Orchestrator) SubmitReply(ctx context.Context, requestID string, interactionID int, response map[string]any, idempotencyKey string) (store.ReplyStatus, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if req.ExecutionMode != ModeInteractive {
		return "", errcode.New(errcode.NotInteractive, "request %s is not interactive", requestID)
	}
	if req.RunID == "" {
		return "", errcode.New(errcode.StaleInteraction, "request %s has no bound run", requestID)
	}

	// Sticky runtimes can expire or lose their child before the reply lands.
	if e := o.checkStickyHealth(ctx, requestID, req.RunID); e != nil {
		return "", e
	}

	respJSON, err := json.Marshal(response)
	if err != nil {
		return "", errcode.New(errcode.InputValidationError, "%s", err.Error())
	}
	status, err := o.store.SubmitInteractionReply(ctx, requestID, interactionID, string(respJSON), idempotencyKey)
	if err != nil {
		return "", err
	}
	if status != store.ReplyAccepted {
		return status, nil
	}

	run, err := o.store.GetRun(ctx, req.RunID)
	if err != nil {
		return "", err
	}
	rec := events.NewRecorder(o.ws.RunDir(run.RunID), run.RunID)
	_ = rec.Conversation(run.Attempt, events.FCMPInteractionReplyAccepted, map[string]any{"interaction_id": interactionID})
	o.hub.Publish(run.RunID, events.Event{Type: events.FCMPInteractionReplyAccepted})

	o.stopWatchdog(run.RunID)
	if err := o.resumeAfterReply(ctx, requestID, run.RunID, response); err != nil {
		var ec *errcode.Error
		if errors.As(err, &ec) {
			return "", ec
		}
		return "", err
	}
	return store.ReplyAccepted, nil
}

// checkStickyHealth surfaces deadline expiry or process loss for a parked
// sticky run, failing the run in the process.
func (o *Orchestrator) checkStickyHealth(ctx context.Context, requestID, runID string) *errcode.Error {
	rt, err := o.store.GetInteractiveRuntime(ctx, runID)
	if err != nil || rt == nil {
		return nil
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil || run.Status != store.StatusWaitingUser {
		return nil
	}

	fail := func(e *errcode.Error) *errcode.Error {
		_ = o.store.MarkRuntimeDead(ctx, runID)
		_ = o.store.ClearPendingInteraction(ctx, requestID)
		rec := events.NewRecorder(o.ws.RunDir(runID), runID)
		o.failRun(ctx, runID, run.Attempt, rec, e)
		return e
	}

	if rt.WaitDeadlineAtUnixMs > 0 && time.Now().UnixMilli() > rt.WaitDeadlineAtUnixMs {
		return fail(errcode.New(errcode.InteractionWaitTimeout, "the wait deadline passed before a reply arrived"))
	}

	o.mu.Lock()
	st := o.sticky[runID]
	o.mu.Unlock()
	if !rt.ProcessAlive || (st != nil && !st.proc.Alive()) {
		return fail(errcode.New(errcode.InteractionProcessLost, "the engine process died while waiting for the reply"))
	}
	return nil
}

// resumeAfterReply relaunches the run's next turn carrying the reply payload
// and the previous session handle.
func (o *Orchestrator) resumeAfterReply(ctx context.Context, requestID, runID string, reply map[string]any) error {
	sub, sk, opts, err := o.rebuildSubmission(ctx, requestID)
	if err != nil {
		return err
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	var prior engine.SessionHandle
	if run.SessionHandleJSON != "" {
		_ = json.Unmarshal([]byte(run.SessionHandleJSON), &prior)
	}

	o.mu.Lock()
	isSticky := o.sticky[runID] != nil
	holdsSlot := o.slotHeld[runID]
	o.mu.Unlock()

	nextStatus := store.StatusRunning
	if !isSticky && !holdsSlot {
		if !o.sem.AdmitOrReject() {
			return errcode.New(errcode.QueueFull, "max parallel jobs reached")
		}
		o.mu.Lock()
		o.slotHeld[runID] = true
		o.mu.Unlock()
		nextStatus = store.StatusQueued
	}
	if err := o.store.SetRunStatus(ctx, runID, nextStatus, "", ""); err != nil {
		return err
	}
	_ = WriteStatus(o.ws.RunDir(runID), &StatusFile{Status: nextStatus})
	o.hub.ClearEnd(runID)

	turnCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if old := o.cancels[runID]; old != nil {
		old()
	}
	o.cancels[runID] = cancel
	o.mu.Unlock()

	go o.runTurn(turnCtx, runID, sub, sk, opts, reply, prior)
	return nil
}

// rebuildSubmission restores the submission context from the persisted
// request row (service restarts and reply-driven turns both need it).
func (o *Orchestrator) rebuildSubmission(ctx context.Context, requestID string) (*Submission, *skill.Manifest, *RuntimeOptions, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}

	var payload struct {
		InputPrompt string         `json:"input_prompt"`
		Input       map[string]any `json:"input"`
		Parameter   map[string]any `json:"parameter"`
	}
	_ = json.Unmarshal([]byte(req.PayloadJSON), &payload)

	var engineOpts engine.Options
	_ = json.Unmarshal([]byte(req.EngineOptionsJSON), &engineOpts)

	var runtimeRaw map[string]any
	_ = json.Unmarshal([]byte(req.RuntimeOptionsJSON), &runtimeRaw)
	opts, _, err := ParseRuntimeOptions(runtimeRaw)
	if err != nil {
		return nil, nil, nil, err
	}

	sub := &Submission{
		RequestID:     req.RequestID,
		SkillID:       req.SkillID,
		Engine:        req.Engine,
		InputPrompt:   payload.InputPrompt,
		Input:         payload.Input,
		Parameter:     payload.Parameter,
		EngineOptions: engineOpts,
	}
	if req.TempSkill {
		sub.TempSkillDir = filepath.Join(o.ws.RequestDir(req.RequestID), "skill")
	}
	sk, err := o.loadSkill(sub)
	if err != nil {
		return nil, nil, nil, err
	}
	return sub, sk, opts, nil
}

// stopWatchdog disarms the run's wait-deadline and auto-decide timers; a
// resolved interaction invalidates both.
func (o *Orchestrator) stopWatchdog(runID string) {
	o.mu.Lock()
	if t := o.watchdogs[runID]; t != nil {
		t.Stop()
		delete(o.watchdogs, runID)
	}
	if t := o.autoDecides[runID]; t != nil {
		t.Stop()
		delete(o.autoDecides, runID)
	}
	o.mu.Unlock()
}
