package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/lock"
	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// recoverCrashLocked resolves a RUNNING_* state left without a live run in
// this process. With no valid lock for the active run the run is failed.
// With a valid lock (a holder that is alive, unknown, or dead but not yet
// stale) the decision is deferred and starts are refused until it resolves.
func (o *Orchestrator) recoverCrashLocked(ctx context.Context, st state.PipelineState) error {
	o.mu.RLock()
	running := o.running
	o.mu.RUnlock()
	if running {
		return nil
	}

	if !st.State.IsRunning() {
		o.setRecoveryPending(false)
		return o.reclaimOrphanLocked(ctx)
	}

	info, err := o.lock.Inspect(ctx)
	if err != nil {
		return fmt.Errorf("inspect lock: %w", err)
	}

	holdsRun := info.Readable && info.Record.HolderRunID == st.ActiveRunID
	if info.Present && !info.Stale && (holdsRun || !info.Readable) {
		first := o.setRecoveryPending(true)
		if first {
			o.events.System(events.TypeRecoveryPending, "run holder not yet provably gone; recovery deferred", map[string]interface{}{
				"related_run_id": string(st.ActiveRunID),
				"state":          string(st.State),
				"liveness":       info.Liveness.String(),
				"lock_age":       info.Age.String(),
				"stale_after":    o.lock.StaleAfter().String(),
			})
		}
		o.log.Warn("crash recovery pending",
			zap.String("run_id", string(st.ActiveRunID)),
			zap.String("liveness", info.Liveness.String()),
			zap.Duration("lock_age", info.Age))
		return nil
	}

	if info.Present && info.Stale {
		if _, err := o.reclaimLocked(ctx); err != nil {
			return err
		}
	}

	if _, err := o.state.Transition(ctx, st.State, state.Failed, st.ActiveRunID); err != nil {
		if _, ok := state.IsRejected(err); ok {
			// Someone else moved the state; nothing to recover.
			o.setRecoveryPending(false)
			return nil
		}
		return fmt.Errorf("fail crashed run: %w", err)
	}
	o.setRecoveryPending(false)

	stageName := st.State.Stage()
	o.events.Emit(events.TierSystem, st.ActiveRunID, events.StageOrchestrator, events.TypeCrashRecovered,
		"run interrupted by a crash was marked failed", map[string]interface{}{
			"previous_state": string(st.State),
			"stage":          stageName,
		})
	o.events.Run(st.ActiveRunID, events.StageOrchestrator, events.TypeRunFailed, "run failed: interrupted by a crash", map[string]interface{}{
		"reason": FailureCrash,
		"stage":  stageName,
	})
	o.metrics.RecordRunFinished("crash")
	o.log.Warn("crashed run recovered to FAILED",
		zap.String("run_id", string(st.ActiveRunID)),
		zap.String("previous_state", string(st.State)))
	return nil
}

// reclaimOrphanLocked clears a stale lock left behind while state is not
// running.
func (o *Orchestrator) reclaimOrphanLocked(ctx context.Context) error {
	info, err := o.lock.Inspect(ctx)
	if err != nil {
		return fmt.Errorf("inspect lock: %w", err)
	}
	if !info.Present || !info.Stale {
		return nil
	}
	_, err = o.reclaimLocked(ctx)
	return err
}

// reclaimLocked deletes a stale lock and records the reclaim.
func (o *Orchestrator) reclaimLocked(ctx context.Context) (lock.ReclaimResult, error) {
	res, err := o.lock.ReclaimIfStale(ctx)
	if err != nil {
		return res, fmt.Errorf("reclaim lock: %w", err)
	}
	if !res.Reclaimed() {
		return res, nil
	}

	data := map[string]interface{}{"unreadable": res.Unreadable}
	var holder id.RunID
	if res.Previous != nil {
		holder = res.Previous.HolderRunID
		data["holder_liveness_token"] = res.Previous.HolderLivenessToken
		data["renewed_at"] = res.Previous.RenewedAt
	}
	o.events.Emit(events.TierSystem, holder, events.StageOrchestrator, events.TypeLockReclaimed, "stale run lock reclaimed", data)
	return res, nil
}

func (o *Orchestrator) setRecoveryPending(pending bool) (changed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	changed = o.recoveryPending != pending
	o.recoveryPending = pending
	return changed
}

func (o *Orchestrator) isRecoveryPending() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.recoveryPending
}

// retryRecovery re-evaluates a deferred crash recovery.
func (o *Orchestrator) retryRecovery(ctx context.Context) {
	if !o.isRecoveryPending() {
		return
	}
	o.control.Lock()
	defer o.control.Unlock()

	st, err := o.state.Read(ctx)
	if err != nil {
		o.log.Warn("pending recovery: state unreadable", zap.Error(err))
		return
	}
	if err := o.recoverCrashLocked(ctx, st); err != nil {
		o.log.Warn("pending recovery failed", zap.Error(err))
	}
}

// recoverCorruptState repairs a state record that became corrupt while
// running.
func (o *Orchestrator) recoverCorruptState(ctx context.Context) {
	o.control.Lock()
	defer o.control.Unlock()
	if _, err := o.recoverStateLocked(ctx); err != nil {
		o.log.Error("state recovery failed", zap.Error(err))
	}
}

// retryReleases retries lock releases that failed at the end of a run.
func (o *Orchestrator) retryReleases(ctx context.Context) {
	o.mu.Lock()
	pending := make([]id.RunID, 0, len(o.unreleased))
	for runID := range o.unreleased {
		pending = append(pending, runID)
	}
	o.mu.Unlock()

	for _, runID := range pending {
		err := o.lock.Release(ctx, runID)
		if err != nil && !errors.Is(err, lock.ErrNotHolder) && !errors.Is(err, lock.ErrNoLock) {
			o.log.Warn("lock release retry failed", zap.String("run_id", string(runID)), zap.Error(err))
			continue
		}
		o.mu.Lock()
		delete(o.unreleased, runID)
		o.mu.Unlock()
		o.log.Info("deferred lock release completed", zap.String("run_id", string(runID)))
	}
}
