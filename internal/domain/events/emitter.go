package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// Options configures an Emitter.
type Options struct {
	Sink Sink
	Hub  *Hub
	// Fallback receives every event that could not be appended durably.
	Fallback *zap.Logger
	Logger   *zap.Logger
	Metrics  *monitoring.Metrics
	// BreakerFailures consecutive append failures open the sink breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
	Now             func() time.Time
}

// AuditHealth reports whether audit truth is being lost.
type AuditHealth struct {
	Healthy       bool                `json:"healthy"`
	Appended      uint64              `json:"appended"`
	Failures      uint64              `json:"failures"`
	LastError     string              `json:"last_error,omitempty"`
	LastFailureAt *time.Time          `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time          `json:"last_success_at,omitempty"`
	// DegradedSince is the first failure not yet acknowledged. Healthy stays
	// false while it is set, even after appends succeed again.
	DegradedSince *time.Time          `json:"degraded_since,omitempty"`
	Breaker       resilience.Snapshot `json:"breaker"`
}

// Emitter is the single entry point for recording facts. Emit never returns
// an error and never panics into the caller; a failed durable append is
// reported on the fallback logger and through Health.
type Emitter struct {
	sink     Sink
	hub      *Hub
	breaker  *resilience.Breaker
	fallback *zap.Logger
	log      *zap.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time

	// mu makes append-then-broadcast one step, so broadcast order is
	// audit order.
	mu sync.Mutex

	healthMu    sync.Mutex
	appended    uint64
	failures    uint64
	lastErr     string
	lastFailure time.Time
	lastSuccess time.Time
	since       time.Time
}

// NewEmitter wires the durable sink, the live hub and the fallback channel.
func NewEmitter(opts Options) *Emitter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Fallback == nil {
		opts.Fallback = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	e := &Emitter{
		sink:     opts.Sink,
		hub:      opts.Hub,
		fallback: opts.Fallback,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}

	threshold := opts.BreakerFailures
	e.breaker = resilience.New("audit-log", resilience.Settings{
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= threshold },
		// An unencodable record says nothing about the disk.
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, ErrUnencodable) },
		OnStateChange: func(name string, from, to resilience.State) {
			e.metrics.SetAuditBreakerState(int(to))
			e.log.Warn("audit sink breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		Now: opts.Now,
	})
	return e
}

// Hub returns the live feed hub, which may be nil.
func (e *Emitter) Hub() *Hub {
	return e.hub
}

// System emits a system-tier event.
func (e *Emitter) System(eventType, message string, data map[string]interface{}) {
	e.Emit(TierSystem, id.SystemRunID, StageOrchestrator, eventType, message, data)
}

// Run emits a run-tier event.
func (e *Emitter) Run(runID id.RunID, stage Stage, eventType, message string, data map[string]interface{}) {
	e.Emit(TierRun, runID, stage, eventType, message, data)
}

// Emit records one event: durable append first, then broadcast.
func (e *Emitter) Emit(tier Tier, runID id.RunID, stage Stage, eventType, message string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.fallback.Error("event emission panicked",
				zap.Any("panic", r),
				zap.String("event_type", eventType),
				zap.String("run_id", string(runID)))
		}
	}()

	ev, demoted := e.build(tier, runID, stage, eventType, message, data)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.appendDurable(ev)
	e.broadcast(ev)
	e.metrics.RecordEvent(string(ev.Tier), ev.EventType, demoted)
}

// Health returns the audit sink health.
func (e *Emitter) Health() AuditHealth {
	snap := e.breaker.Snapshot()

	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.healthLocked(snap)
}

// AcknowledgeHealth clears the sticky degraded marker and returns the health
// as it was before. Failures after this call mark the sink degraded again.
func (e *Emitter) AcknowledgeHealth() AuditHealth {
	snap := e.breaker.Snapshot()

	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	before := e.healthLocked(snap)
	e.since = time.Time{}
	return before
}

func (e *Emitter) healthLocked(snap resilience.Snapshot) AuditHealth {
	h := AuditHealth{
		Appended:  e.appended,
		Failures:  e.failures,
		LastError: e.lastErr,
		Breaker:   snap,
	}
	if !e.lastFailure.IsZero() {
		t := e.lastFailure
		h.LastFailureAt = &t
	}
	if !e.lastSuccess.IsZero() {
		t := e.lastSuccess
		h.LastSuccessAt = &t
	}
	if !e.since.IsZero() {
		t := e.since
		h.DegradedSince = &t
	}
	h.Healthy = snap.State == resilience.StateClosed.String() && e.since.IsZero()
	return h
}

// build normalizes the emission. Run-tier without a usable run id is demoted
// to system tier and marked, never dropped. System-tier events always carry
// the sentinel; a concrete id passed with them is kept as related_run_id.
// A payload the codec rejects is rewritten so the record still appends.
func (e *Emitter) build(tier Tier, runID id.RunID, stage Stage, eventType, message string, data map[string]interface{}) (Event, bool) {
	ev := Event{
		Timestamp: e.now().UTC(),
		Tier:      tier,
		RunID:     runID,
		Stage:     stage,
		EventType: eventType,
		Message:   utils.TruncateMessage(message),
		Data:      cloneData(data),
	}

	setData := func(k string, v interface{}) {
		if ev.Data == nil {
			ev.Data = make(map[string]interface{})
		}
		ev.Data[k] = v
	}

	demoted := false
	switch tier {
	case TierRun:
		if runID == "" || runID.IsSystem() {
			ev.Tier = TierSystem
			ev.RunID = id.SystemRunID
			setData("demoted_from", string(TierRun))
			demoted = true
		}
	case TierSystem:
		if runID != "" && !runID.IsSystem() {
			setData("related_run_id", string(runID))
		}
		ev.RunID = id.SystemRunID
	default:
		ev.Tier = TierSystem
		ev.RunID = id.SystemRunID
		setData("invalid_tier", string(tier))
		if runID != "" && !runID.IsSystem() {
			setData("related_run_id", string(runID))
		}
	}

	if !ev.Stage.Known() {
		setData("invalid_stage", string(ev.Stage))
		ev.Stage = StageNone
	}
	if ev.EventType == "" {
		ev.EventType = "unspecified"
	}
	if makeEncodable(&ev) {
		e.log.Warn("event payload not encodable, recorded in printed form",
			zap.String("event_type", ev.EventType),
			zap.String("run_id", string(ev.RunID)),
			zap.Any("data_error", ev.Data["data_error"]))
	}
	return ev, demoted
}

func (e *Emitter) appendDurable(ev Event) {
	if e.sink == nil {
		e.recordFailure(ev, errors.New("no audit sink configured"))
		return
	}

	err := e.breaker.Do(func() error {
		return e.sink.Append(ev)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			err = fmt.Errorf("audit sink skipped: %w", err)
		}
		e.recordFailure(ev, err)
		return
	}

	e.healthMu.Lock()
	e.appended++
	e.lastSuccess = e.now()
	e.healthMu.Unlock()
}

func (e *Emitter) recordFailure(ev Event, err error) {
	e.healthMu.Lock()
	e.failures++
	e.lastErr = err.Error()
	e.lastFailure = e.now()
	if e.since.IsZero() {
		e.since = e.lastFailure
	}
	e.healthMu.Unlock()

	e.metrics.RecordAuditFailure()
	e.fallback.Warn("audit append failed",
		zap.Error(err),
		zap.Time("timestamp", ev.Timestamp),
		zap.String("tier", string(ev.Tier)),
		zap.String("run_id", string(ev.RunID)),
		zap.String("stage", string(ev.Stage)),
		zap.String("event_type", ev.EventType),
		zap.String("message", ev.Message),
		zap.Any("data", ev.Data))
}

func (e *Emitter) broadcast(ev Event) {
	if e.hub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("live broadcast panicked", zap.Any("panic", r))
		}
	}()
	e.hub.Broadcast(ev)
}
