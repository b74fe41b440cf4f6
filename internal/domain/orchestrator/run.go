package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/lock"
	"github.com/GriffinCanCode/governor/internal/domain/stage"
	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// StartRun starts a full pipeline run. It returns once the run is accepted
// and the translator has been scheduled; stages execute on the run loop.
func (o *Orchestrator) StartRun(ctx context.Context) (Decision, error) {
	if d, refused := o.unavailable(); refused {
		o.metrics.RecordStartRejected(string(d.Reason))
		return d, nil
	}
	if o.isRecoveryPending() {
		o.retryRecovery(ctx)
		if o.isRecoveryPending() {
			return o.rejectPending(ctx, nil), nil
		}
	}

	o.control.Lock()
	defer o.control.Unlock()

	if o.isStopping() {
		return o.rejectStart(RejectUnavailable, "orchestrator is shutting down", nil), nil
	}

	st, err := o.readState(ctx)
	if err != nil {
		return o.rejectStart(RejectUnavailable, err.Error(), nil), nil
	}
	if st.State != state.Idle {
		return o.rejectStart(RejectNotIdle, fmt.Sprintf("state is %s", st.State), map[string]interface{}{
			"state":          string(st.State),
			"active_run_id":  string(st.ActiveRunID),
			"state_revision": st.Generation,
		}), nil
	}

	o.setProcess(PhaseStarting)
	runID := id.NewRunID()

	grant, d, err := o.acquireLocked(ctx, runID)
	if err != nil {
		o.setProcess(PhaseIdle)
		return Decision{}, err
	}
	if !d.Accepted {
		o.setProcess(PhaseIdle)
		return o.rejectStart(d.Reason, d.Detail, map[string]interface{}{"holder": string(d.Holder)}), nil
	}

	// Confirm IDLE under the lock; the first read was only a fast path.
	st, err = o.readState(ctx)
	if err != nil || st.State != state.Idle {
		o.releaseQuiet(ctx, runID)
		o.setProcess(PhaseIdle)
		if err != nil {
			return o.rejectStart(RejectUnavailable, err.Error(), nil), nil
		}
		return o.rejectStart(RejectNotIdle, fmt.Sprintf("state is %s", st.State), nil), nil
	}

	if _, err := o.state.Transition(ctx, state.Idle, state.RunningTranslator, runID); err != nil {
		o.releaseQuiet(ctx, runID)
		o.setProcess(PhaseIdle)
		if rej, ok := state.IsRejected(err); ok {
			o.emitTransitionRejected(runID, rej)
			return o.rejectStart(RejectInvalidTransition, rej.Error(), nil), nil
		}
		return o.rejectStart(RejectUnavailable, err.Error(), nil), nil
	}

	o.events.Run(runID, events.StageOrchestrator, events.TypeRunStarted, "run started", map[string]interface{}{
		"stages":         stageNames(),
		"liveness_token": grant.Record.HolderLivenessToken,
		"acquired_at":    grant.Record.AcquiredAt,
	})
	o.metrics.RecordRunStarted()
	o.log.Info("run started", zap.String("run_id", string(runID)))

	o.mu.Lock()
	o.running = true
	o.process = PhaseRunning
	o.mu.Unlock()

	o.runs.Add(1)
	go o.runLoop(runID)

	return accepted(runID), nil
}

// readState reads the state, repairing it first if it is corrupt.
func (o *Orchestrator) readState(ctx context.Context) (state.PipelineState, error) {
	st, err := o.state.Read(ctx)
	if err == nil {
		return st, nil
	}
	var corrupt *state.CorruptionError
	if errors.As(err, &corrupt) || errors.Is(err, state.ErrNotInitialized) {
		return o.recoverStateLocked(ctx)
	}
	return state.PipelineState{}, err
}

// acquireLocked takes the run lock, reclaiming a stale one first if needed.
func (o *Orchestrator) acquireLocked(ctx context.Context, runID id.RunID) (lock.Grant, Decision, error) {
	grant, err := o.lock.Acquire(ctx, runID, "")
	if err == nil {
		return grant, accepted(runID), nil
	}
	if _, ok := lock.IsDenied(err); !ok {
		return lock.Grant{}, Decision{}, fmt.Errorf("acquire run lock: %w", err)
	}

	res, rerr := o.reclaimLocked(ctx)
	if rerr != nil && !errors.Is(rerr, lock.ErrDisplaced) {
		return lock.Grant{}, Decision{}, rerr
	}
	if rerr == nil && res.Reclaimed() {
		grant, err = o.lock.Acquire(ctx, runID, "")
		if err == nil {
			return grant, accepted(runID), nil
		}
		if _, ok := lock.IsDenied(err); !ok {
			return lock.Grant{}, Decision{}, fmt.Errorf("acquire run lock: %w", err)
		}
	}

	denied, _ := lock.IsDenied(err)
	return lock.Grant{}, Decision{
		Reason: RejectLockDenied,
		Detail: denied.Error(),
		Holder: denied.Holder,
	}, nil
}

func (o *Orchestrator) rejectStart(reason RejectReason, detail string, data map[string]interface{}) Decision {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["reason"] = string(reason)
	data["detail"] = detail
	o.events.System(events.TypeRunRejected, "start rejected: "+string(reason), data)
	o.metrics.RecordStartRejected(string(reason))
	o.log.Info("start rejected", zap.String("reason", string(reason)), zap.String("detail", detail))
	return rejected(reason, detail)
}

// rejectPending refuses a start while crash recovery waits on a live lock.
// The persisted state is still RUNNING_* in that case, so the answer is
// not_idle with the pending recovery named in the detail.
func (o *Orchestrator) rejectPending(ctx context.Context, data map[string]interface{}) Decision {
	const why = "recovery pending: a previous run's holder is not yet provably gone"
	if data == nil {
		data = make(map[string]interface{})
	}
	data["recovery_pending"] = true

	st, err := o.state.Read(ctx)
	if err == nil && st.State != state.Idle {
		data["state"] = string(st.State)
		data["active_run_id"] = string(st.ActiveRunID)
		return o.rejectStart(RejectNotIdle, fmt.Sprintf("state is %s; %s", st.State, why), data)
	}
	return o.rejectStart(RejectRecoveryPending, why, data)
}

func (o *Orchestrator) emitTransitionRejected(runID id.RunID, rej *state.TransitionRejected) {
	o.events.Emit(events.TierSystem, runID, events.StageOrchestrator, events.TypeTransitionRejected, rej.Error(), map[string]interface{}{
		"reason":  string(rej.Reason),
		"from":    string(rej.From),
		"to":      string(rej.To),
		"current": string(rej.Current),
	})
}

func (o *Orchestrator) releaseQuiet(ctx context.Context, runID id.RunID) {
	if err := o.lock.Release(context.WithoutCancel(ctx), runID); err != nil {
		o.log.Warn("release after aborted start failed", zap.String("run_id", string(runID)), zap.Error(err))
		o.noteUnreleased(runID, err)
	}
}

func (o *Orchestrator) noteUnreleased(runID id.RunID, err error) {
	if errors.Is(err, lock.ErrNotHolder) || errors.Is(err, lock.ErrNoLock) {
		return
	}
	o.mu.Lock()
	o.unreleased[runID] = struct{}{}
	o.mu.Unlock()
	o.events.Emit(events.TierSystem, runID, events.StageOrchestrator, events.TypeLockReleaseFailed, "run lock could not be released", map[string]interface{}{
		"error": err.Error(),
	})
}

// runOutcome is what the stage sequence produced.
type runOutcome struct {
	ok     bool
	phase  state.Phase
	stage  stage.Name
	reason string
	detail string
}

// runLoop drives one run to a terminal state. The lock is released on every
// exit path, panics included.
func (o *Orchestrator) runLoop(runID id.RunID) {
	defer o.runs.Done()

	ctx := context.Background()
	span, ctx := o.tracer.StartSpan(ctx, "run")
	span.SetTag("run_id", string(runID))

	released := false
	defer func() {
		if !released {
			o.finishRelease(ctx, runID)
		}
		o.mu.Lock()
		o.running = false
		o.process = PhaseTerminal
		o.mu.Unlock()
	}()

	outcome := runOutcome{phase: state.RunningTranslator}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("run loop panicked",
				zap.String("run_id", string(runID)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			phase := outcome.phase
			if st, err := o.state.Read(ctx); err == nil && st.ActiveRunID == runID {
				phase = st.State
			}
			o.finishRun(ctx, runID, runOutcome{
				phase:  phase,
				stage:  outcome.stage,
				reason: FailureInternal,
				detail: fmt.Sprintf("run loop panicked: %v", r),
			})
			released = true
			o.tracer.End(span, fmt.Errorf("panic: %v", r))
		}
	}()

	stopRenew := o.startRenewer(runID)
	defer stopRenew()
	outcome = o.execute(ctx, runID, &outcome)
	stopRenew()

	o.finishRun(ctx, runID, outcome)
	released = true

	var err error
	if !outcome.ok {
		err = errors.New(outcome.detail)
	}
	o.tracer.End(span, err)
}

// execute runs the stages in order. Each stage is followed by exactly one
// transition: forward on success, or FAILED (applied by finishRun).
func (o *Orchestrator) execute(ctx context.Context, runID id.RunID, progress *runOutcome) runOutcome {
	upstream := make(map[stage.Name]map[string]interface{})
	order := stage.Order()

	for i, name := range order {
		phase, _ := state.RunningPhaseFor(string(name))
		progress.phase = phase
		progress.stage = name

		st, err := o.state.Read(ctx)
		if err != nil || st.State != phase || st.ActiveRunID != runID {
			detail := "persisted state no longer belongs to this run"
			if err != nil {
				detail = fmt.Sprintf("state unreadable: %v", err)
			} else {
				detail = fmt.Sprintf("expected %s for %s, found %s for %q", phase, runID, st.State, st.ActiveRunID)
			}
			return runOutcome{phase: phase, stage: name, reason: FailureStateChanged, detail: detail}
		}

		collab, ok := o.stages.Get(name)
		if !ok {
			return runOutcome{phase: phase, stage: name, reason: FailureNoStage, detail: fmt.Sprintf("no collaborator for %s", name)}
		}

		res := o.runStage(ctx, runID, collab, o.stages.Params(name), upstream)
		if !res.OK {
			return runOutcome{phase: phase, stage: name, reason: FailureStage, detail: res.Reason}
		}
		upstream[name] = res.Outputs

		if i == len(order)-1 {
			break
		}
		next, _ := state.RunningPhaseFor(string(order[i+1]))
		if _, err := o.state.Transition(ctx, phase, next, runID); err != nil {
			if rej, ok := state.IsRejected(err); ok {
				o.emitTransitionRejected(runID, rej)
			}
			return runOutcome{phase: phase, stage: name, reason: FailureStateChanged, detail: fmt.Sprintf("advance to %s: %v", next, err)}
		}
	}

	return runOutcome{ok: true, phase: state.RunningMerger, stage: stage.Merger}
}

// runStage invokes one collaborator and records its outcome as events.
func (o *Orchestrator) runStage(ctx context.Context, runID id.RunID, collab stage.Collaborator, params map[string]interface{}, upstream map[stage.Name]map[string]interface{}) stage.Result {
	name := collab.Name()
	evStage := events.Stage(name)

	span, ctx := o.tracer.StartSpan(ctx, "stage."+string(name))
	span.SetTag("run_id", string(runID))

	o.events.Run(runID, evStage, events.TypeStageStarted, string(name)+" started", map[string]interface{}{
		"diagnostic": runID.IsDiagnostic(),
	})

	reporter := newStageReporter(o.events, runID, evStage)
	in := stage.NewInput(runID, name, params, upstream, reporter)

	timer := monitoring.NewTimer(o.metrics, string(name))
	res := o.invoke(ctx, collab, in)
	reporter.close()

	if res.OK {
		elapsed := timer.Stop("success")
		o.events.Run(runID, evStage, events.TypeStageSucceeded, string(name)+" succeeded", map[string]interface{}{
			"duration_ms": elapsed.Milliseconds(),
			"outputs":     res.Outputs,
		})
		o.tracer.End(span, nil)
		return res
	}

	elapsed := timer.Stop("failure")
	o.events.Run(runID, evStage, events.TypeStageFailed, string(name)+" failed: "+res.Reason, map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"reason":      res.Reason,
	})
	o.tracer.End(span, errors.New(res.Reason))
	return res
}

// invoke calls the collaborator with the stage timeout. A panic, timeout or
// cancellation is a failure. A collaborator that ignores ctx keeps running
// after that; it is counted as abandoned until it returns.
func (o *Orchestrator) invoke(ctx context.Context, collab stage.Collaborator, in stage.Input) stage.Result {
	parent := ctx
	if o.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()
	}

	done := make(chan stage.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("stage panicked",
					zap.String("stage", string(collab.Name())),
					zap.String("run_id", string(in.RunID)),
					zap.Any("panic", r))
				done <- stage.Failure("stage panicked: %v", r)
			}
		}()
		done <- collab.Invoke(ctx, in)
	}()

	select {
	case res := <-done:
		if !res.OK && res.Reason == "" {
			res.Reason = "stage reported failure without a reason"
		}
		return res
	case <-ctx.Done():
		o.abandon(collab.Name(), in.RunID, done)
		if err := parent.Err(); err != nil {
			return stage.Failure("stage cancelled: %v", err)
		}
		return stage.Failure("stage timed out after %s", o.stageTimeout)
	}
}

// abandon tracks an invocation that is still running after its deadline
// until it finally returns.
func (o *Orchestrator) abandon(name stage.Name, runID id.RunID, done <-chan stage.Result) {
	o.abandoned.Add(1)
	o.metrics.RecordStageAbandoned(string(name))
	o.log.Warn("stage still running after its deadline; abandoning it",
		zap.String("stage", string(name)),
		zap.String("run_id", string(runID)))

	go func() {
		<-done
		o.abandoned.Add(-1)
		o.metrics.RecordAbandonedReturned()
		o.log.Info("abandoned stage returned",
			zap.String("stage", string(name)),
			zap.String("run_id", string(runID)))
	}()
}

// finishRun applies the terminal transition, releases the lock and emits
// the terminal lifecycle event, in that order.
func (o *Orchestrator) finishRun(ctx context.Context, runID id.RunID, outcome runOutcome) {
	target := state.Failed
	if outcome.ok {
		target = state.Success
	}

	if _, err := o.state.Transition(ctx, outcome.phase, target, runID); err != nil {
		if rej, ok := state.IsRejected(err); ok {
			o.emitTransitionRejected(runID, rej)
		}
		o.log.Error("terminal transition failed", zap.String("run_id", string(runID)), zap.Error(err))
		if outcome.ok {
			outcome = runOutcome{phase: outcome.phase, stage: outcome.stage, reason: FailureStateChanged, detail: err.Error()}
		}
	}

	o.finishRelease(ctx, runID)

	if outcome.ok {
		o.events.Run(runID, events.StageOrchestrator, events.TypeRunSucceeded, "run succeeded", nil)
		o.metrics.RecordRunFinished("success")
		o.log.Info("run succeeded", zap.String("run_id", string(runID)))
		return
	}

	o.events.Run(runID, events.StageOrchestrator, events.TypeRunFailed, "run failed: "+outcome.detail, map[string]interface{}{
		"reason": outcome.reason,
		"stage":  string(outcome.stage),
		"detail": outcome.detail,
	})
	o.metrics.RecordRunFinished(outcome.reason)
	o.log.Warn("run failed",
		zap.String("run_id", string(runID)),
		zap.String("stage", string(outcome.stage)),
		zap.String("reason", outcome.reason),
		zap.String("detail", outcome.detail))
}

// finishRelease releases the run lock even when ctx is already cancelled; a
// caller going away must not leave the lock behind.
func (o *Orchestrator) finishRelease(ctx context.Context, runID id.RunID) {
	if err := o.lock.Release(context.WithoutCancel(ctx), runID); err != nil {
		o.log.Error("lock release failed", zap.String("run_id", string(runID)), zap.Error(err))
		o.noteUnreleased(runID, err)
	}
}

// startRenewer refreshes the run lock until the returned stop is called.
func (o *Orchestrator) startRenewer(runID id.RunID) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if err := o.lock.Renew(context.Background(), runID); err != nil {
					o.log.Error("lock renewal failed", zap.String("run_id", string(runID)), zap.Error(err))
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}

// stageReporter turns collaborator progress into run-tier events. Reports
// after the stage returned are dropped so they cannot follow its outcome.
type stageReporter struct {
	emitter *events.Emitter
	runID   id.RunID
	stage   events.Stage
	closed  atomic.Bool
}

func newStageReporter(emitter *events.Emitter, runID id.RunID, st events.Stage) *stageReporter {
	return &stageReporter{emitter: emitter, runID: runID, stage: st}
}

func (r *stageReporter) Progress(message string, data map[string]interface{}) {
	if r.closed.Load() {
		return
	}
	r.emitter.Run(r.runID, r.stage, events.TypeStageProgress, message, data)
}

func (r *stageReporter) close() {
	r.closed.Store(true)
}

func stageNames() []interface{} {
	order := stage.Order()
	out := make([]interface{}, len(order))
	for i, n := range order {
		out[i] = string(n)
	}
	return out
}
