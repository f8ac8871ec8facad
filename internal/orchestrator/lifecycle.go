package orchestrator

import (
	"context"

	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/events"
	"github.com/floegence/skillrunner/internal/store"
)

// Cancel stops a run. Terminal runs return accepted=false; cancellation of a
// live run is idempotent because the terminal transition is a sink.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if store.IsTerminal(run.Status) {
		return false, nil
	}

	// Take the terminal transition first so a racing turn cannot seal the run
	// as succeeded after we report the cancel as accepted.
	if err := o.store.SetRunStatus(ctx, runID, store.StatusCanceled,
		errcode.CanceledByUser, "canceled by user"); err != nil {
		return false, nil
	}

	o.mu.Lock()
	cancel := o.cancels[runID]
	st := o.sticky[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if st != nil {
		st.proc.Kill()
	}
	_ = o.store.ClearPendingInteraction(ctx, run.RequestID)

	runDir := o.ws.RunDir(runID)
	e := errcode.New(errcode.CanceledByUser, "canceled by user")
	_ = WriteStatus(runDir, &StatusFile{Status: store.StatusCanceled, Error: e})
	if _, err := WriteFailedResult(runDir, e); err != nil {
		o.logger.Warn("canceled-result write failed", "run_id", runID, "error", err)
	}
	if err := BuildBundles(runDir); err != nil {
		o.logger.Warn("bundle build failed", "run_id", runID, "error", err)
	}
	rec := events.NewRecorder(runDir, runID)
	_ = rec.Conversation(run.Attempt, events.FCMPConversationFailed, map[string]any{
		"code": errcode.CanceledByUser, "message": "canceled by user",
	})
	o.hub.Publish(runID, events.Event{Type: events.FCMPConversationFailed})
	o.hub.End(runID, events.EndTerminal)
	o.cleanupRun(runID)
	o.releaseSlot(runID)
	o.logger.Info("run canceled", "run_id", runID)
	return true, nil
}

// Reconcile settles runs left non-terminal by a previous process. Runs parked
// in waiting_user with their interaction intact stay recoverable (fresh-attempt
// engines resume from the persisted session handle); everything else fails.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	runs, err := o.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status == store.StatusWaitingUser {
			pending, err := o.store.GetPendingInteraction(ctx, run.RequestID)
			if err == nil && pending != nil {
				// The child of a sticky park did not survive the restart.
				_ = o.store.MarkRuntimeDead(ctx, run.RunID)
				_ = o.store.RecordRecovery(ctx, run.RunID, "recovered_waiting", "waiting_user with pending interaction")
				o.hub.End(run.RunID, events.EndWaitingUser)
				o.logger.Info("recovered waiting run", "run_id", run.RunID)
				continue
			}
		}

		e := errcode.New(errcode.OrchestratorRestartInterrupted,
			"the orchestrator restarted while this run was in flight")
		if err := o.store.SetRunStatus(ctx, run.RunID, store.StatusFailed, e.Code, e.Message); err != nil {
			o.logger.Warn("reconcile transition rejected", "run_id", run.RunID, "error", err)
			continue
		}
		_ = o.store.ClearPendingInteraction(ctx, run.RequestID)
		_ = o.store.MarkRuntimeDead(ctx, run.RunID)
		_ = o.store.RecordRecovery(ctx, run.RunID, "failed_reconciled", e.Message)

		runDir := o.ws.RunDir(run.RunID)
		_ = WriteStatus(runDir, &StatusFile{Status: store.StatusFailed, Error: e})
		if _, err := WriteFailedResult(runDir, e); err != nil {
			o.logger.Warn("reconcile result write failed", "run_id", run.RunID, "error", err)
		}
		rec := events.NewRecorder(runDir, run.RunID)
		_ = rec.Conversation(run.Attempt, events.FCMPConversationFailed, map[string]any{
			"code": e.Code, "message": e.Message,
		})
		o.logger.Info("reconciled interrupted run", "run_id", run.RunID)
	}
	return nil
}

// Shutdown kills live children and cancels in-flight turns. It does not wait
// for turns to settle; Reconcile handles the leftovers on the next boot.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for _, c := range o.cancels {
		cancels = append(cancels, c)
	}
	procs := make([]StickyProcess, 0, len(o.sticky))
	for _, st := range o.sticky {
		procs = append(procs, st.proc)
	}
	o.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	for _, p := range procs {
		p.Kill()
	}
}
