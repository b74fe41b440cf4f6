package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Phase is the persisted pipeline lifecycle state.
type Phase string

const (
	Idle              Phase = "IDLE"
	RunningTranslator Phase = "RUNNING_TRANSLATOR"
	RunningAnalyzer   Phase = "RUNNING_ANALYZER"
	RunningMerger     Phase = "RUNNING_MERGER"
	Success           Phase = "SUCCESS"
	Failed            Phase = "FAILED"
)

// edges lists every transition the state machine accepts.
var edges = map[Phase][]Phase{
	Idle:              {RunningTranslator},
	RunningTranslator: {RunningAnalyzer, Failed},
	RunningAnalyzer:   {RunningMerger, Failed},
	RunningMerger:     {Success, Failed},
	Success:           {Idle},
	Failed:            {Idle},
}

// runningStages maps running phases to the stage they execute.
var runningStages = map[Phase]string{
	RunningTranslator: "translator",
	RunningAnalyzer:   "analyzer",
	RunningMerger:     "merger",
}

// Known reports whether p is one of the six lifecycle states.
func (p Phase) Known() bool {
	_, ok := edges[p]
	return ok
}

// IsRunning reports whether p is a RUNNING_* state.
func (p Phase) IsRunning() bool {
	_, ok := runningStages[p]
	return ok
}

// IsTerminal reports whether p is SUCCESS or FAILED.
func (p Phase) IsTerminal() bool {
	return p == Success || p == Failed
}

// Stage returns the stage a running phase executes, or "".
func (p Phase) Stage() string {
	return runningStages[p]
}

func (p Phase) String() string { return string(p) }

// RunningPhaseFor returns the RUNNING_* phase for a stage name.
func RunningPhaseFor(stage string) (Phase, bool) {
	for p, s := range runningStages {
		if s == stage {
			return p, true
		}
	}
	return "", false
}

// ValidEdge reports whether from -> to is an allowed transition.
func ValidEdge(from, to Phase) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Edges returns a copy of the transition table.
func Edges() map[Phase][]Phase {
	out := make(map[Phase][]Phase, len(edges))
	for from, tos := range edges {
		out[from] = append([]Phase(nil), tos...)
	}
	return out
}

// PipelineState is the singleton lifecycle record.
type PipelineState struct {
	State       Phase     `json:"state"`
	ActiveRunID id.RunID  `json:"active_run_id,omitempty"`
	LastRunID   id.RunID  `json:"last_run_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Generation  uint64    `json:"generation"`
}

// Validate checks the record's internal consistency.
func (s PipelineState) Validate() error {
	if !s.State.Known() {
		return &CorruptionError{Reason: ReasonUnknownState, Detail: fmt.Sprintf("state %q", s.State)}
	}
	if s.Generation == 0 {
		return &CorruptionError{Reason: ReasonBadGeneration, Detail: "generation must be >= 1"}
	}
	if s.State.IsRunning() != (s.ActiveRunID != "") {
		return &CorruptionError{
			Reason: ReasonRunIDInconsistent,
			Detail: fmt.Sprintf("state %s with active_run_id %q", s.State, s.ActiveRunID),
		}
	}
	return nil
}

// RejectReason explains why a transition was refused.
type RejectReason string

const (
	ReasonInvalidEdge   RejectReason = "invalid_edge"
	ReasonStateMismatch RejectReason = "state_mismatch"
	ReasonRunMismatch   RejectReason = "run_mismatch"
	ReasonMissingRunID  RejectReason = "missing_run_id"
)

// TransitionRejected is returned when a transition is refused. The persisted
// record is untouched whenever this error is returned.
type TransitionRejected struct {
	Reason  RejectReason
	From    Phase
	To      Phase
	Current Phase
	Detail  string
}

func (e *TransitionRejected) Error() string {
	msg := fmt.Sprintf("transition %s -> %s rejected: %s", e.From, e.To, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// IsRejected reports whether err is a *TransitionRejected, returning it.
func IsRejected(err error) (*TransitionRejected, bool) {
	var rej *TransitionRejected
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// CorruptionReason classifies a corrupt state record.
type CorruptionReason string

const (
	ReasonUnparseable       CorruptionReason = "unparseable"
	ReasonUnknownState      CorruptionReason = "unknown_state"
	ReasonBadGeneration     CorruptionReason = "invalid_generation"
	ReasonGenerationRegress CorruptionReason = "generation_regressed"
	ReasonRunIDInconsistent CorruptionReason = "run_id_inconsistent"
)

// CorruptionError reports a persisted record that cannot be trusted.
type CorruptionError struct {
	Reason CorruptionReason
	Detail string
	Err    error
}

func (e *CorruptionError) Error() string {
	msg := "state record corrupt: " + string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// ErrNotInitialized is returned by Read before the first record exists.
var ErrNotInitialized = errors.New("state record not initialized")

// RecoveryAction describes what RecoverIfCorrupted did.
type RecoveryAction string

const (
	RecoveryNone        RecoveryAction = "none"
	RecoveryInitialized RecoveryAction = "initialized"
	RecoveryReplaced    RecoveryAction = "replaced"
)

// Recovery is the report returned by RecoverIfCorrupted.
type Recovery struct {
	Action   RecoveryAction
	Reason   CorruptionReason
	Detail   string
	SetAside string
}

// Replaced reports whether a corrupt record was discarded.
func (r Recovery) Replaced() bool { return r.Action == RecoveryReplaced }
