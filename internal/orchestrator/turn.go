package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/events"
	"github.com/floegence/skillrunner/internal/schema"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
	"github.com/floegence/skillrunner/internal/supervise"
)

// stickyPollInterval paces ask_user detection on live sticky streams.
const stickyPollInterval = 200 * time.Millisecond

// runTurn executes one engine turn for a run. It owns the concurrency slot
// on entry and releases it on every exit path except a sticky park.
func (o *Orchestrator) runTurn(ctx context.Context, runID string, sub *Submission, sk *skill.Manifest, opts *RuntimeOptions, reply map[string]any, prior engine.SessionHandle) {
	runDir := o.ws.RunDir(runID)
	rec := events.NewRecorder(runDir, runID)
	logger := o.logger.With("run_id", runID)

	attempt, err := o.store.BeginAttempt(ctx, runID)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "%s", err.Error()))
		return
	}
	if sk.MaxAttempt > 0 && attempt > sk.MaxAttempt {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.InteractiveMaxAttemptExceeded,
			"attempt %d exceeds skill max_attempt %d", attempt, sk.MaxAttempt))
		return
	}

	if err := o.store.SetRunStatus(ctx, runID, store.StatusRunning, "", ""); err != nil {
		logger.Warn("status transition rejected", "error", err)
		o.releaseSlot(runID)
		return
	}
	o.hub.ClearEnd(runID)
	_ = WriteStatus(runDir, &StatusFile{Status: store.StatusRunning, EffectiveSessionTimeoutSec: o.effectiveTimeout(opts)})
	if attempt == 1 {
		_ = rec.Conversation(attempt, events.FCMPConversationStarted, map[string]any{"engine": sub.Engine, "skill_id": sk.ID})
	}
	_ = rec.Conversation(attempt, events.FCMPConversationStateChanged, map[string]any{"status": store.StatusRunning, "attempt": attempt})
	o.hub.Publish(runID, events.Event{Type: events.FCMPConversationStateChanged})

	adapter, ok := o.registry.Lookup(sub.Engine)
	if !ok {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "engine %q is not registered", sub.Engine))
		return
	}

	outputDoc, outErr := o.outputSchema(sk)
	patch := ""
	if outputDoc != nil {
		patch = skill.BuildMarkdownPatch(sk.Artifacts, outputDoc.Raw())
	}

	tc := &engine.TurnContext{
		RunID:        runID,
		RunDir:       runDir,
		Attempt:      attempt,
		Skill:        sk.Info(patch),
		InputPrompt:  sub.InputPrompt,
		Input:        sub.Input,
		Parameter:    sub.Parameter,
		Options:      sub.EngineOptions,
		ReplyPayload: reply,
		PriorHandle:  prior,
	}
	tc.Options.LandlockEnabled = o.landlockEnabled

	// Sticky resume: the child is still alive, feed it the reply instead of
	// launching a new process.
	if st := o.takeSticky(runID); st != nil {
		o.resumeSticky(ctx, runID, st, adapter, tc, sub, sk, opts, rec, outputDoc, outErr)
		return
	}

	if _, err := adapter.Config.Compose(ctx, tc); err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "compose config: %v", err))
		return
	}
	if err := adapter.Workspace.Provision(ctx, tc); err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "provision workspace: %v", err))
		return
	}
	prompt, err := adapter.Prompt.BuildPrompt(ctx, tc)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "build prompt: %v", err))
		return
	}

	var command []string
	if attempt == 1 || prior.IsZero() {
		command, err = adapter.Command.StartCommand(tc, prompt)
	} else {
		command, err = adapter.Command.ResumeCommand(tc, prior, prompt)
	}
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.SessionResumeFailed, "%s", err.Error()))
		return
	}

	spec := supervise.Spec{
		Command:     command,
		Dir:         runDir,
		RunDir:      runDir,
		Attempt:     attempt,
		HardTimeout: time.Duration(o.effectiveTimeout(opts)) * time.Second,
		Logger:      logger,
	}

	if adapter.Profile.Kind == engine.ProfileStickyProcess && opts.ExecutionMode == ModeInteractive {
		o.runStickyTurn(ctx, runID, spec, adapter, tc, sub, sk, opts, rec, outputDoc, outErr)
		return
	}

	res, err := o.exec.Run(ctx, spec)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "spawn engine: %v", err))
		return
	}
	o.interpret(ctx, runID, attempt, res, adapter, sub, sk, opts, rec, outputDoc, outErr)
}

// interpret handles a finished (non-sticky) invocation.
func (o *Orchestrator) interpret(ctx context.Context, runID string, attempt int, res *supervise.Result, adapter *engine.Adapter, sub *Submission, sk *skill.Manifest, opts *RuntimeOptions, rec *events.Recorder, outputDoc *schema.Document, outErr error) {
	_ = rec.Runtime(attempt,
		events.Source{Engine: sub.Engine, Parser: adapter.ParserProfile, Confidence: adapter.ParserConfidence},
		events.EventKind{Category: events.CategoryLifecycle, Type: "process.exited"},
		map[string]any{"exit_code": res.ExitCode, "elapsed_ms": res.Elapsed.Milliseconds()},
		&events.RawRef{AttemptNumber: attempt, Stream: "stdout", ByteFrom: 0, ByteTo: int64(len(res.Stdout))})

	if e := res.Err(); e != nil {
		o.failRun(ctx, runID, attempt, rec, e)
		return
	}

	turn, err := adapter.Parser.ParseTurn(res.Stdout)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.ProtocolSchemaViolation, "%s", err.Error()))
		return
	}

	// Persist the resume handle when present; absence only matters if the
	// run parks for another turn.
	handle, handleErr := adapter.Session.ExtractHandle(res.Stdout, attempt)
	if handleErr == nil {
		if b, err := json.Marshal(handle); err == nil {
			_ = o.store.SetSessionHandle(ctx, runID, string(b))
		}
	}

	switch turn.Outcome {
	case engine.OutcomeFinal:
		o.finishFinal(ctx, runID, attempt, turn.FinalData, sub, sk, rec, outputDoc, outErr)
	case engine.OutcomeAskUser:
		if handleErr != nil && adapter.Profile.Kind == engine.ProfileFreshAttempt {
			o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.SessionResumeFailed,
				"engine requested user input but produced no session handle"))
			return
		}
		o.parkWaiting(ctx, runID, attempt, turn.Interaction, sub, opts, rec, false)
	default:
		o.failRun(ctx, runID, attempt, rec, errcode.New(turn.FailureReason, "%s", turn.FailureDetail))
	}
}

// finishFinal validates and seals a successful final payload.
func (o *Orchestrator) finishFinal(ctx context.Context, runID string, attempt int, finalData map[string]any, sub *Submission, sk *skill.Manifest, rec *events.Recorder, outputDoc *schema.Document, outErr error) {
	runDir := o.ws.RunDir(runID)

	if outErr != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.InputValidationError, "output schema: %v", outErr))
		return
	}
	env, err := FinalizeResult(runDir, finalData, outputDoc, sk.Artifacts)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "finalize result: %v", err))
		return
	}
	if env.Status != "success" {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.InputValidationError, "%s", env.Error.Message))
		return
	}

	if err := o.store.SetRunStatus(ctx, runID, store.StatusSucceeded, "", ""); err != nil {
		o.logger.Warn("could not mark run succeeded", "run_id", runID, "error", err)
		o.releaseSlot(runID)
		return
	}
	// Interactive transcripts are never reusable, so they never enter the
	// cache.
	run, err := o.store.GetRun(ctx, runID)
	if err == nil && run.CacheKey != "" && run.ExecutionMode != ModeInteractive {
		if err := o.store.PutCacheEntry(ctx, o.cacheNamespace(sub), run.CacheKey, runID); err != nil {
			o.logger.Warn("cache entry write failed", "run_id", runID, "error", err)
		}
	}
	_ = WriteStatus(runDir, &StatusFile{Status: store.StatusSucceeded})
	if err := BuildBundles(runDir); err != nil {
		o.logger.Warn("bundle build failed", "run_id", runID, "error", err)
	}
	_ = rec.Conversation(attempt, events.FCMPAssistantMessageFinal, finalData)
	_ = rec.Conversation(attempt, events.FCMPConversationCompleted, nil)
	o.hub.Publish(runID, events.Event{Type: events.FCMPConversationCompleted})
	o.hub.End(runID, events.EndTerminal)
	o.cleanupRun(runID)
	o.releaseSlot(runID)
}

// parkWaiting records a pending interaction and moves the run to
// waiting_user. keepSlot is true for sticky-process engines.
func (o *Orchestrator) parkWaiting(ctx context.Context, runID string, attempt int, interaction *engine.PendingInteraction, sub *Submission, opts *RuntimeOptions, rec *events.Recorder, keepSlot bool) {
	runDir := o.ws.RunDir(runID)

	// The engine proposes an interaction id; the orchestrator owns the
	// numbering and re-assigns from its per-request monotonic counter.
	id, err := o.store.NextInteractionID(ctx, sub.RequestID)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "%s", err.Error()))
		return
	}
	interaction.InteractionID = id
	payload, err := json.Marshal(interaction)
	if err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "%s", err.Error()))
		return
	}
	if err := o.store.SetPendingInteraction(ctx, sub.RequestID, id, string(payload)); err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "%s", err.Error()))
		return
	}
	if err := o.store.SetRunStatus(ctx, runID, store.StatusWaitingUser, "", ""); err != nil {
		o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "%s", err.Error()))
		return
	}
	_ = WriteStatus(runDir, &StatusFile{Status: store.StatusWaitingUser})
	_ = rec.Conversation(attempt, events.FCMPUserInputRequired, map[string]any{
		"interaction_id": id,
		"kind":           interaction.Kind,
		"prompt":         interaction.Prompt,
	})
	o.hub.Publish(runID, events.Event{Type: events.FCMPUserInputRequired})
	o.hub.End(runID, events.EndWaitingUser)

	if !keepSlot {
		o.releaseSlot(runID)
	}

	if opts.AutoReplyEnabled() && opts.InteractiveReplyTimeoutSec > 0 {
		o.armAutoDecide(runID, sub.RequestID, id, interaction, opts)
	}
}

// armAutoDecide schedules reply synthesis for an unattended interaction.
func (o *Orchestrator) armAutoDecide(runID, requestID string, interactionID int, interaction *engine.PendingInteraction, opts *RuntimeOptions) {
	policy := interaction.DefaultDecisionPolicy
	if policy == "" {
		policy = "engine_judgement"
	}
	timer := time.AfterFunc(time.Duration(opts.InteractiveReplyTimeoutSec)*time.Second, func() {
		ctx := context.Background()
		pending, err := o.store.GetPendingInteraction(ctx, requestID)
		if err != nil || pending == nil || pending.InteractionID != interactionID {
			return
		}
		reply := map[string]any{"decision": policy, "auto": true}
		b, _ := json.Marshal(reply)
		if err := o.store.RecordAutoDecision(ctx, requestID, interactionID, string(b)); err != nil {
			o.logger.Warn("auto-decide record failed", "request_id", requestID, "error", err)
			return
		}
		runDir := o.ws.RunDir(runID)
		rec := events.NewRecorder(runDir, runID)
		run, err := o.store.GetRun(ctx, runID)
		if err == nil {
			_ = rec.Conversation(run.Attempt, events.FCMPInteractionAutoDecide, map[string]any{"interaction_id": interactionID})
		}
		// The synthesized reply resolves the wait, so the wait-deadline
		// watchdog stands down like it does for a user reply.
		o.stopWatchdog(runID)
		if err := o.resumeAfterReply(ctx, requestID, runID, reply); err != nil {
			o.logger.Warn("auto-decide resume failed", "run_id", runID, "error", err)
		}
	})
	o.mu.Lock()
	if old := o.autoDecides[runID]; old != nil {
		old.Stop()
	}
	o.autoDecides[runID] = timer
	o.mu.Unlock()
}

// failRun seals a run as failed and emits the terminal events.
func (o *Orchestrator) failRun(ctx context.Context, runID string, attempt int, rec *events.Recorder, e *errcode.Error) {
	runDir := o.ws.RunDir(runID)
	o.logger.Warn("run failed", "run_id", runID, "code", e.Code, "message", e.Message)

	if err := o.store.SetRunStatus(ctx, runID, store.StatusFailed, e.Code, e.Message); err != nil {
		o.logger.Warn("failed-status transition rejected", "run_id", runID, "error", err)
	}
	_ = WriteStatus(runDir, &StatusFile{Status: store.StatusFailed, Error: e})
	if _, err := WriteFailedResult(runDir, e); err != nil {
		o.logger.Warn("failed-result write failed", "run_id", runID, "error", err)
	}
	if err := BuildBundles(runDir); err != nil {
		o.logger.Warn("bundle build failed", "run_id", runID, "error", err)
	}
	if rec != nil {
		_ = rec.Conversation(attempt, events.FCMPConversationFailed, map[string]any{"code": e.Code, "message": e.Message})
	}
	o.hub.Publish(runID, events.Event{Type: events.FCMPConversationFailed})
	o.hub.End(runID, events.EndTerminal)
	o.cleanupRun(runID)
	o.releaseSlot(runID)
}

// cleanupRun drops per-run transient state (watchdogs, sticky processes,
// cancel funcs) once the run is terminal.
func (o *Orchestrator) cleanupRun(runID string) {
	o.mu.Lock()
	if t := o.watchdogs[runID]; t != nil {
		t.Stop()
		delete(o.watchdogs, runID)
	}
	if t := o.autoDecides[runID]; t != nil {
		t.Stop()
		delete(o.autoDecides, runID)
	}
	st := o.sticky[runID]
	delete(o.sticky, runID)
	if cancel := o.cancels[runID]; cancel != nil {
		delete(o.cancels, runID)
	}
	o.mu.Unlock()
	if st != nil {
		st.proc.Kill()
	}
	_ = o.store.MarkRuntimeDead(context.Background(), runID)
}

// releaseSlot frees the run's concurrency slot if it holds one.
func (o *Orchestrator) releaseSlot(runID string) {
	o.mu.Lock()
	held := o.slotHeld[runID]
	delete(o.slotHeld, runID)
	o.mu.Unlock()
	if held {
		o.sem.Release()
	}
}

func (o *Orchestrator) takeSticky(runID string) *stickyState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.sticky[runID]
	delete(o.sticky, runID)
	return st
}

func (o *Orchestrator) effectiveTimeout(opts *RuntimeOptions) int {
	if opts != nil && opts.SessionTimeoutSec > 0 {
		return opts.SessionTimeoutSec
	}
	return o.sessionTimeoutSec
}

func (o *Orchestrator) outputSchema(sk *skill.Manifest) (*schema.Document, error) {
	if sk.Schemas[skill.SchemaOutput] == "" {
		return nil, nil
	}
	path, err := sk.SchemaPath(skill.SchemaOutput)
	if err != nil {
		return nil, err
	}
	return schema.LoadFile(path)
}
