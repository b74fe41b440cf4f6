package orchestrator

import (
	"errors"
	"time"

	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// RejectReason is the machine-readable cause of a refused control request.
type RejectReason string

const (
	RejectNotIdle           RejectReason = "not_idle"
	RejectLockDenied        RejectReason = "lock_denied"
	RejectInvalidTransition RejectReason = "invalid_transition"
	RejectUnavailable       RejectReason = "unavailable"
	RejectRecoveryPending   RejectReason = "recovery_pending"
	RejectNotTerminal       RejectReason = "not_terminal"
	RejectInvalidStage      RejectReason = "invalid_stage"
	RejectInvalidParams     RejectReason = "invalid_params"
)

// Decision is the answer to a control request: accepted with a run id, or
// rejected with a reason.
type Decision struct {
	Accepted bool         `json:"accepted"`
	RunID    id.RunID     `json:"run_id,omitempty"`
	Reason   RejectReason `json:"reason,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	Holder   id.RunID     `json:"holder,omitempty"`
}

func accepted(runID id.RunID) Decision {
	return Decision{Accepted: true, RunID: runID}
}

func rejected(reason RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// ProcessPhase is the in-memory lifecycle layered over the persisted state.
type ProcessPhase string

const (
	PhaseIdle     ProcessPhase = "IDLE"
	PhaseStarting ProcessPhase = "STARTING"
	PhaseRunning  ProcessPhase = "RUNNING"
	PhaseTerminal ProcessPhase = "TERMINAL"
)

// DiagnosticStatus describes an in-flight single-stage invocation.
type DiagnosticStatus struct {
	RunID     id.RunID  `json:"run_id"`
	Stage     string    `json:"stage"`
	StartedAt time.Time `json:"started_at"`
}

// LockStatus is the lock as seen by the status query.
type LockStatus struct {
	Present  bool          `json:"present"`
	Readable bool          `json:"readable"`
	Holder   id.RunID      `json:"holder,omitempty"`
	Age      time.Duration `json:"age_ns"`
	Liveness string        `json:"liveness"`
	Stale    bool          `json:"stale"`
}

// Status answers currentStatus. Degraded is true whenever the orchestrator
// cannot vouch for the persisted state.
type Status struct {
	State           state.Phase       `json:"state"`
	RunID           id.RunID          `json:"run_id,omitempty"`
	Stage           string            `json:"stage,omitempty"`
	Degraded        bool              `json:"degraded"`
	DegradedReason  string            `json:"degraded_reason,omitempty"`
	AuditHealthy    bool              `json:"audit_healthy"`
	Generation      uint64            `json:"generation"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastRunID       id.RunID          `json:"last_run_id,omitempty"`
	Process         ProcessPhase      `json:"process"`
	RecoveryPending bool              `json:"recovery_pending"`
	Stopping        bool              `json:"stopping,omitempty"`
	// AbandonedStages counts invocations that outlived their deadline and
	// have not returned yet.
	AbandonedStages int64             `json:"abandoned_stages,omitempty"`
	Diagnostic      *DiagnosticStatus `json:"diagnostic,omitempty"`
	Lock            *LockStatus       `json:"lock,omitempty"`
}

// ErrUnavailable is returned by Ping when the orchestrator is not ready.
var ErrUnavailable = errors.New("orchestrator unavailable")

// Failure reasons recorded on run_failed events.
const (
	FailureStage        = "stage_failure"
	FailureCrash        = "crash"
	FailureStateChanged = "state_changed"
	FailureInternal     = "internal_error"
	FailureNoStage      = "stage_not_configured"
)
