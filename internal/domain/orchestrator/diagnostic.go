package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/stage"
	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// StartStage invokes one stage outside a full run. The pipeline must be IDLE;
// the run lock is held under a diag_ run id for the duration of the call and
// the persisted state is never touched. params override the stage's
// configured defaults key by key.
//
// The returned Decision says whether the invocation happened; the Result is
// the stage's own outcome and is only meaningful when accepted.
func (o *Orchestrator) StartStage(ctx context.Context, name string, params map[string]interface{}) (Decision, stage.Result, error) {
	if d, refused := o.unavailable(); refused {
		return d, stage.Result{}, nil
	}
	if o.isRecoveryPending() {
		return o.rejectPending(ctx, map[string]interface{}{"diagnostic": true}), stage.Result{}, nil
	}

	stageName, err := stage.ParseName(name)
	if err != nil {
		return rejected(RejectInvalidStage, err.Error()), stage.Result{}, nil
	}
	if err := utils.ValidateParams(params); err != nil {
		return rejected(RejectInvalidParams, err.Error()), stage.Result{}, nil
	}
	collab, ok := o.stages.Get(stageName)
	if !ok {
		return rejected(RejectInvalidStage, fmt.Sprintf("no collaborator for %s", stageName)), stage.Result{}, nil
	}

	runID, d, err := o.beginDiagnostic(ctx, stageName)
	if err != nil || !d.Accepted {
		return d, stage.Result{}, err
	}
	defer o.endDiagnostic(ctx, runID)

	merged := o.stages.Params(stageName)
	for k, v := range utils.CloneMap(params) {
		merged[k] = v
	}

	o.events.Run(runID, events.StageOrchestrator, events.TypeRunStarted, "diagnostic run started", map[string]interface{}{
		"diagnostic": true,
		"stages":     []interface{}{string(stageName)},
	})

	res := o.runStage(ctx, runID, collab, merged, nil)

	// Release before the terminal event, as for full runs.
	o.finishRelease(ctx, runID)
	if res.OK {
		o.events.Run(runID, events.StageOrchestrator, events.TypeRunSucceeded, "diagnostic run succeeded", map[string]interface{}{
			"diagnostic": true,
		})
	} else {
		o.events.Run(runID, events.StageOrchestrator, events.TypeRunFailed, "diagnostic run failed: "+res.Reason, map[string]interface{}{
			"diagnostic": true,
			"reason":     FailureStage,
			"stage":      string(stageName),
			"detail":     res.Reason,
		})
	}
	return accepted(runID), res, nil
}

// beginDiagnostic checks IDLE and takes the lock under a fresh diag_ id.
func (o *Orchestrator) beginDiagnostic(ctx context.Context, name stage.Name) (id.RunID, Decision, error) {
	o.control.Lock()
	defer o.control.Unlock()

	if o.isStopping() {
		return "", rejected(RejectUnavailable, "orchestrator is shutting down"), nil
	}
	st, err := o.readState(ctx)
	if err != nil {
		return "", rejected(RejectUnavailable, err.Error()), nil
	}
	if st.State != state.Idle {
		return "", o.rejectStart(RejectNotIdle, fmt.Sprintf("state is %s", st.State), map[string]interface{}{
			"diagnostic": true,
			"stage":      string(name),
		}), nil
	}

	runID := id.NewDiagRunID()
	_, d, err := o.acquireLocked(ctx, runID)
	if err != nil {
		return "", Decision{}, err
	}
	if !d.Accepted {
		return "", o.rejectStart(d.Reason, d.Detail, map[string]interface{}{
			"diagnostic": true,
			"holder":     string(d.Holder),
		}), nil
	}

	st, err = o.state.Read(ctx)
	if err != nil || st.State != state.Idle {
		o.releaseQuiet(ctx, runID)
		if err == nil {
			err = errors.New("state left IDLE while the lock was taken")
		}
		return "", rejected(RejectNotIdle, err.Error()), nil
	}

	o.mu.Lock()
	o.diag = &DiagnosticStatus{RunID: runID, Stage: string(name), StartedAt: time.Now().UTC()}
	o.mu.Unlock()
	o.runs.Add(1)
	o.log.Info("diagnostic run started", zap.String("run_id", string(runID)), zap.String("stage", string(name)))
	return runID, accepted(runID), nil
}

// endDiagnostic clears the in-flight marker. The lock was released by the
// caller; a panic path releases it here.
func (o *Orchestrator) endDiagnostic(ctx context.Context, runID id.RunID) {
	if r := recover(); r != nil {
		o.finishRelease(ctx, runID)
		o.mu.Lock()
		o.diag = nil
		o.mu.Unlock()
		o.runs.Done()
		panic(r)
	}
	o.mu.Lock()
	o.diag = nil
	o.mu.Unlock()
	o.runs.Done()
}
