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

// runStickyTurn launches a sticky-process engine and watches its stream for
// either an ask_user interaction (park, keep the child and the slot) or
// process exit (final/error).
func (o *Orchestrator) runStickyTurn(ctx context.Context, runID string, spec supervise.Spec, adapter *engine.Adapter, tc *engine.TurnContext, sub *Submission, sk *skill.Manifest, opts *RuntimeOptions, rec *events.Recorder, outputDoc *schema.Document, outErr error) {
	p, err := o.exec.Start(ctx, spec)
	if err != nil {
		o.failRun(ctx, runID, tc.Attempt, rec, errcode.New(errcode.Internal, "spawn engine: %v", err))
		return
	}
	o.stickyLoop(ctx, runID, p, 0, adapter, tc, sub, sk, opts, rec, outputDoc, outErr)
}

// resumeSticky feeds a reply into the parked child and resumes watching.
func (o *Orchestrator) resumeSticky(ctx context.Context, runID string, st *stickyState, adapter *engine.Adapter, tc *engine.TurnContext, sub *Submission, sk *skill.Manifest, opts *RuntimeOptions, rec *events.Recorder, outputDoc *schema.Document, outErr error) {
	if !st.proc.Alive() {
		_ = o.store.MarkRuntimeDead(ctx, runID)
		o.failRun(ctx, runID, tc.Attempt, rec, errcode.New(errcode.InteractionProcessLost,
			"engine process exited while waiting for the reply"))
		return
	}
	if err := st.proc.WriteInput([]byte(tc.ReplyJSON() + "\n")); err != nil {
		o.failRun(ctx, runID, tc.Attempt, rec, errcode.New(errcode.InteractionProcessLost, "%s", err.Error()))
		return
	}
	o.stickyLoop(ctx, runID, st.proc, st.consumed, adapter, tc, sub, sk, opts, rec, outputDoc, outErr)
}

func (o *Orchestrator) stickyLoop(ctx context.Context, runID string, p StickyProcess, consumed int, adapter *engine.Adapter, tc *engine.TurnContext, sub *Submission, sk *skill.Manifest, opts *RuntimeOptions, rec *events.Recorder, outputDoc *schema.Document, outErr error) {
	attempt := tc.Attempt
	deadline := time.Now().Add(time.Duration(o.effectiveTimeout(opts)) * time.Second)
	tick := time.NewTicker(stickyPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Kill()
			return
		case <-tick.C:
		}
		if time.Now().After(deadline) {
			p.Kill()
			res, _ := p.Wait(ctx)
			e := errcode.New(errcode.Timeout, "turn exceeded the session timeout")
			if res != nil {
				e.Stderr = res.StderrTail
			}
			o.failRun(ctx, runID, attempt, rec, e)
			return
		}

		if !p.Alive() {
			res, err := p.Wait(ctx)
			if err != nil {
				o.failRun(ctx, runID, attempt, rec, errcode.New(errcode.Internal, "%s", err.Error()))
				return
			}
			o.interpret(ctx, runID, attempt, res, adapter, sub, sk, opts, rec, outputDoc, outErr)
			return
		}

		snapshot := p.StdoutSnapshot()
		if len(snapshot) <= consumed {
			continue
		}
		turn, err := adapter.Parser.ParseTurn(snapshot[consumed:])
		if err != nil || turn == nil || turn.Outcome != engine.OutcomeAskUser {
			continue
		}

		// Park: remember the child and the consumed offset so the next turn
		// only interprets fresh output.
		o.mu.Lock()
		o.sticky[runID] = &stickyState{proc: p, consumed: len(snapshot)}
		o.mu.Unlock()

		if handle, err := adapter.Session.ExtractHandle(snapshot, attempt); err == nil {
			if b, merr := handleJSON(handle); merr == nil {
				_ = o.store.SetSessionHandle(ctx, runID, b)
			}
		}

		waitDeadline := time.Now().Add(adapter.Profile.WaitDeadline)
		_ = o.store.UpsertInteractiveRuntime(ctx, &store.InteractiveRuntime{
			RunID:                runID,
			Kind:                 string(engine.ProfileStickyProcess),
			WaitDeadlineAtUnixMs: waitDeadline.UnixMilli(),
			ProcessAlive:         true,
		})
		o.armStickyWatchdog(runID, sub.RequestID, adapter.Profile.WaitDeadline)
		o.parkWaiting(ctx, runID, attempt, turn.Interaction, sub, opts, rec, true)
		return
	}
}

// armStickyWatchdog fails a parked sticky run when the wait deadline passes
// with no reply.
func (o *Orchestrator) armStickyWatchdog(runID, requestID string, wait time.Duration) {
	timer := time.AfterFunc(wait, func() {
		ctx := context.Background()
		run, err := o.store.GetRun(ctx, runID)
		if err != nil || run.Status != store.StatusWaitingUser {
			return
		}
		_ = o.store.MarkRuntimeDead(ctx, runID)
		_ = o.store.ClearPendingInteraction(ctx, requestID)
		rec := events.NewRecorder(o.ws.RunDir(runID), runID)
		o.failRun(ctx, runID, run.Attempt, rec, errcode.New(errcode.InteractionWaitTimeout,
			"no reply arrived before the wait deadline"))
	})
	o.mu.Lock()
	if old := o.watchdogs[runID]; old != nil {
		old.Stop()
	}
	o.watchdogs[runID] = timer
	o.mu.Unlock()
}

func handleJSON(h engine.SessionHandle) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
