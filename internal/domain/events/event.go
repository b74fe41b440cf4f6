package events

import (
	"fmt"
	"strconv"
	"time"

	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// Tier classifies an event as engine-level or run-scoped.
type Tier string

const (
	TierSystem Tier = "system"
	TierRun    Tier = "run"
)

// Stage names the component an event is about. The zero value encodes as
// JSON null.
type Stage string

const (
	StageNone         Stage = ""
	StageOrchestrator Stage = "orchestrator"
	StageTranslator   Stage = "translator"
	StageAnalyzer     Stage = "analyzer"
	StageMerger       Stage = "merger"
)

// Known reports whether s is null or one of the four stage values.
func (s Stage) Known() bool {
	switch s {
	case StageNone, StageOrchestrator, StageTranslator, StageAnalyzer, StageMerger:
		return true
	}
	return false
}

func (s Stage) MarshalJSON() ([]byte, error) {
	if s == StageNone {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(string(s))), nil
}

func (s *Stage) UnmarshalJSON(b []byte) error {
	str := string(b)
	if str == "null" {
		*s = StageNone
		return nil
	}
	v, err := strconv.Unquote(str)
	if err != nil {
		return fmt.Errorf("stage must be a string or null, got %s", str)
	}
	*s = Stage(v)
	return nil
}

// Event types emitted by the governor.
const (
	// Run lifecycle
	TypeRunStarted   = "run_started"
	TypeRunSucceeded = "run_succeeded"
	TypeRunFailed    = "run_failed"
	TypeRunRejected  = "run_rejected"
	TypeReset        = "reset"

	// Stages
	TypeStageStarted   = "stage_started"
	TypeStageSucceeded = "stage_succeeded"
	TypeStageFailed    = "stage_failed"
	TypeStageProgress  = "stage_progress"

	// Engine
	TypeOrchestratorStarted   = "orchestrator_started"
	TypeOrchestratorStopping  = "orchestrator_stopping"
	TypeOrchestratorDegraded  = "orchestrator_degraded"
	TypeOrchestratorRecovered = "orchestrator_recovered"
	TypeStateInitialized      = "state_initialized"
	TypeStateRecovered        = "state_corruption_recovered"
	TypeCrashRecovered        = "crash_recovered"
	TypeRecoveryPending       = "recovery_pending"
	TypeLockReclaimed         = "lock_reclaimed"
	TypeLockReleaseFailed     = "lock_release_failed"
	TypeTransitionRejected    = "transition_rejected"
	TypeAuditAcknowledged     = "audit_acknowledged"
)

// Terminal reports whether eventType closes a run.
func Terminal(eventType string) bool {
	return eventType == TypeRunSucceeded || eventType == TypeRunFailed
}

// Event is one immutable audit record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Tier      Tier                   `json:"tier"`
	RunID     id.RunID               `json:"run_id"`
	Stage     Stage                  `json:"stage"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Validate checks the fields every audit record must carry.
func (e Event) Validate() error {
	switch e.Tier {
	case TierSystem:
		if e.RunID != id.SystemRunID {
			return fmt.Errorf("system-tier event carries run id %q", e.RunID)
		}
	case TierRun:
		if e.RunID == "" || e.RunID.IsSystem() {
			return fmt.Errorf("run-tier event without run id")
		}
	default:
		return fmt.Errorf("unknown tier %q", e.Tier)
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !e.Stage.Known() {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// cloneData deep-copies the payload so later mutation by the caller cannot
// change a recorded event.
func cloneData(in map[string]interface{}) map[string]interface{} {
	return utils.CloneMap(in)
}
