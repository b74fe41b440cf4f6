package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/state"
)

// ResetAfterTerminal moves SUCCESS or FAILED back to IDLE so a new run may
// start. Any other state is refused with not_terminal.
func (o *Orchestrator) ResetAfterTerminal(ctx context.Context) (Decision, error) {
	if d, refused := o.unavailable(); refused {
		return d, nil
	}

	o.control.Lock()
	defer o.control.Unlock()

	st, err := o.readState(ctx)
	if err != nil {
		return rejected(RejectUnavailable, err.Error()), nil
	}
	if !st.State.IsTerminal() {
		o.events.System(events.TypeRunRejected, "reset rejected: state is not terminal", map[string]interface{}{
			"reason": string(RejectNotTerminal),
			"state":  string(st.State),
		})
		return rejected(RejectNotTerminal, fmt.Sprintf("state is %s", st.State)), nil
	}

	next, err := o.state.Transition(ctx, st.State, state.Idle, "")
	if err != nil {
		if rej, ok := state.IsRejected(err); ok {
			o.emitTransitionRejected(st.LastRunID, rej)
			return rejected(RejectInvalidTransition, rej.Error()), nil
		}
		return Decision{}, fmt.Errorf("reset: %w", err)
	}

	o.setProcess(PhaseIdle)
	o.events.Emit(events.TierSystem, st.LastRunID, events.StageOrchestrator, events.TypeReset, "pipeline reset to IDLE", map[string]interface{}{
		"from":       string(st.State),
		"generation": next.Generation,
	})
	o.log.Info("pipeline reset", zap.String("from", string(st.State)), zap.String("last_run_id", string(st.LastRunID)))
	return Decision{Accepted: true, RunID: st.LastRunID}, nil
}
