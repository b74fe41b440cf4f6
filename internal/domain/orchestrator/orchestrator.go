package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/lock"
	"github.com/GriffinCanCode/governor/internal/domain/stage"
	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Options wires the orchestrator to its collaborators.
type Options struct {
	State  *state.Manager
	Lock   *lock.Manager
	Events *events.Emitter
	Stages *stage.Registry
	// Reader seeds the live feed backlog at boot. Optional.
	Reader  *events.Reader
	Backlog int

	// RenewInterval is how often the run loop refreshes its lock.
	RenewInterval time.Duration
	// StageTimeout bounds a single stage invocation. Zero means unbounded.
	StageTimeout time.Duration

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
}

// Orchestrator sequences runs. It is the only component that combines the
// state, lock and event managers, and the only one that decides a run's
// outcome.
type Orchestrator struct {
	state   *state.Manager
	lock    *lock.Manager
	events  *events.Emitter
	stages  *stage.Registry
	reader  *events.Reader
	backlog int

	renewInterval time.Duration
	stageTimeout  time.Duration

	log     *zap.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer

	// control serializes start, reset, diagnostic setup and recovery.
	control sync.Mutex

	mu              sync.RWMutex
	ready           bool
	degraded        bool
	degradedReason  string
	recoveryPending bool
	stopping        bool
	process         ProcessPhase
	running         bool
	diag            *DiagnosticStatus
	unreleased      map[id.RunID]struct{}

	runs      sync.WaitGroup
	abandoned atomic.Int64
}

// New creates an orchestrator. It is not ready until Boot succeeds.
func New(opts Options) (*Orchestrator, error) {
	if opts.State == nil || opts.Lock == nil || opts.Events == nil || opts.Stages == nil {
		return nil, errors.New("orchestrator: state, lock, events and stages are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.New("orchestrator", opts.Logger)
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = 15 * time.Second
	}
	return &Orchestrator{
		state:         opts.State,
		lock:          opts.Lock,
		events:        opts.Events,
		stages:        opts.Stages,
		reader:        opts.Reader,
		backlog:       opts.Backlog,
		renewInterval: opts.RenewInterval,
		stageTimeout:  opts.StageTimeout,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		process:       PhaseIdle,
		unreleased:    make(map[id.RunID]struct{}),
	}, nil
}

// Boot validates persisted state, recovers from a previous crash, clears
// stale locks and seeds the live feed. On failure the orchestrator stays
// degraded and Boot may be retried.
func (o *Orchestrator) Boot(ctx context.Context) error {
	o.control.Lock()
	defer o.control.Unlock()

	span, ctx := o.tracer.StartSpan(ctx, "orchestrator.boot")
	err := o.bootLocked(ctx)
	o.tracer.End(span, err)

	if err != nil {
		o.markDegraded(fmt.Sprintf("boot failed: %v", err))
		return err
	}

	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
	o.clearDegraded()

	st, _ := o.state.Read(ctx)
	o.events.System(events.TypeOrchestratorStarted, "orchestrator ready", map[string]interface{}{
		"state":         string(st.State),
		"generation":    st.Generation,
		"liveness_mode": o.lock.Mode(),
		"stale_after":   o.lock.StaleAfter().String(),
		"pid":           os.Getpid(),
	})
	o.log.Info("orchestrator ready", zap.String("state", string(st.State)), zap.Uint64("generation", st.Generation))
	return nil
}

func (o *Orchestrator) bootLocked(ctx context.Context) error {
	if err := o.stages.Complete(); err != nil {
		return err
	}

	st, err := o.recoverStateLocked(ctx)
	if err != nil {
		return err
	}

	if err := o.recoverCrashLocked(ctx, st); err != nil {
		return err
	}

	o.seedBacklog()
	return nil
}

// recoverStateLocked runs corruption recovery and records what it did.
func (o *Orchestrator) recoverStateLocked(ctx context.Context) (state.PipelineState, error) {
	st, rec, err := o.state.RecoverIfCorrupted(ctx)
	if err != nil {
		return state.PipelineState{}, fmt.Errorf("recover state: %w", err)
	}

	switch rec.Action {
	case state.RecoveryInitialized:
		o.events.System(events.TypeStateInitialized, "state record initialized", map[string]interface{}{
			"state":      string(st.State),
			"generation": st.Generation,
		})
	case state.RecoveryReplaced:
		data := map[string]interface{}{
			"reason":     string(rec.Reason),
			"detail":     rec.Detail,
			"state":      string(st.State),
			"generation": st.Generation,
		}
		if rec.SetAside != "" {
			data["set_aside"] = rec.SetAside
		}
		o.events.System(events.TypeStateRecovered, "corrupt state record replaced with IDLE", data)
	}
	return st, nil
}

func (o *Orchestrator) seedBacklog() {
	if o.reader == nil || o.backlog <= 0 || o.events.Hub() == nil {
		return
	}
	tail, err := o.reader.Tail(o.backlog)
	if err != nil {
		o.log.Warn("could not seed live feed backlog", zap.Error(err))
		return
	}
	o.events.Hub().Seed(tail)
}

// Ready reports whether Boot has succeeded.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ready
}

// Degraded reports whether the orchestrator is unavailable, and why.
func (o *Orchestrator) Degraded() (bool, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.degraded || !o.ready, o.degradedReasonLocked()
}

func (o *Orchestrator) degradedReasonLocked() string {
	if o.degradedReason != "" {
		return o.degradedReason
	}
	if !o.ready {
		return "not booted"
	}
	return ""
}

// markDegraded enters degraded mode once and closes every live feed.
func (o *Orchestrator) markDegraded(reason string) {
	o.mu.Lock()
	already := o.degraded
	o.degraded = true
	o.degradedReason = reason
	o.mu.Unlock()

	if already {
		return
	}
	o.metrics.SetDegraded(true)
	o.log.Error("orchestrator degraded", zap.String("reason", reason))
	o.events.System(events.TypeOrchestratorDegraded, "orchestrator unavailable", map[string]interface{}{"reason": reason})
	if hub := o.events.Hub(); hub != nil {
		hub.CloseAll(events.CloseOrchestratorUnavailable)
	}
}

func (o *Orchestrator) clearDegraded() {
	o.mu.Lock()
	was := o.degraded
	o.degraded = false
	o.degradedReason = ""
	o.mu.Unlock()

	if !was {
		return
	}
	o.metrics.SetDegraded(false)
	o.log.Info("orchestrator recovered from degraded mode")
	o.events.System(events.TypeOrchestratorRecovered, "orchestrator available again", nil)
}

// unavailable returns a rejection if requests must be refused.
func (o *Orchestrator) unavailable() (Decision, bool) {
	if degraded, reason := o.Degraded(); degraded {
		return rejected(RejectUnavailable, reason), true
	}
	if o.isStopping() {
		return rejected(RejectUnavailable, "orchestrator is shutting down"), true
	}
	return Decision{}, false
}

func (o *Orchestrator) isStopping() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stopping
}

// Ping checks the orchestrator's own health: booted, state readable, lock
// inspectable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if !o.Ready() {
		return ErrUnavailable
	}
	if _, err := o.state.Read(ctx); err != nil {
		return fmt.Errorf("state unreadable: %w", err)
	}
	if _, err := o.lock.Inspect(ctx); err != nil {
		return fmt.Errorf("lock unreadable: %w", err)
	}
	return nil
}

// CurrentStatus reports the persisted state together with degraded and
// audit health. It never fails; an unreadable state is reported as degraded.
func (o *Orchestrator) CurrentStatus(ctx context.Context) Status {
	o.mu.RLock()
	status := Status{
		Degraded:        o.degraded || !o.ready,
		DegradedReason:  o.degradedReasonLocked(),
		Process:         o.process,
		RecoveryPending: o.recoveryPending,
		Stopping:        o.stopping,
		AbandonedStages: o.abandoned.Load(),
	}
	if o.diag != nil {
		d := *o.diag
		status.Diagnostic = &d
	}
	o.mu.RUnlock()

	status.AuditHealthy = o.events.Health().Healthy

	st, err := o.state.Read(ctx)
	if err != nil {
		status.Degraded = true
		status.DegradedReason = fmt.Sprintf("state unreadable: %v", err)
		return status
	}
	status.State = st.State
	status.RunID = st.ActiveRunID
	status.Stage = st.State.Stage()
	status.Generation = st.Generation
	status.UpdatedAt = st.UpdatedAt
	status.LastRunID = st.LastRunID

	if info, err := o.lock.Inspect(ctx); err == nil && info.Present {
		status.Lock = &LockStatus{
			Present:  true,
			Readable: info.Readable,
			Holder:   info.Record.HolderRunID,
			Age:      info.Age,
			Liveness: info.Liveness.String(),
			Stale:    info.Stale,
		}
	}
	return status
}

// AuditHealth exposes the event system health.
func (o *Orchestrator) AuditHealth() events.AuditHealth {
	return o.events.Health()
}

// AcknowledgeAudit clears the sticky audit failure marker once an operator
// has seen it, and records the acknowledgement. It returns the health as it
// was before.
func (o *Orchestrator) AcknowledgeAudit() events.AuditHealth {
	before := o.events.AcknowledgeHealth()
	data := map[string]interface{}{
		"failures":   before.Failures,
		"last_error": before.LastError,
	}
	if before.DegradedSince != nil {
		data["degraded_since"] = *before.DegradedSince
	}
	o.events.System(events.TypeAuditAcknowledged, "audit failures acknowledged", data)
	o.log.Info("audit failures acknowledged", zap.Uint64("failures", before.Failures))
	return before
}

// Wait blocks until in-flight runs and diagnostic invocations return.
func (o *Orchestrator) Wait() {
	o.runs.Wait()
}

// Shutdown refuses new work, announces the stop and waits for the in-flight
// stage, up to ctx's deadline. A run still going when ctx expires is left to
// crash recovery on the next boot.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	already := o.stopping
	o.stopping = true
	o.mu.Unlock()

	// Let an admission already past its stopping check register its run
	// before waiting.
	o.control.Lock()
	o.control.Unlock()

	if !already {
		o.events.System(events.TypeOrchestratorStopping, "orchestrator stopping", nil)
	}

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.log.Warn("shutdown grace expired with a run in flight")
		return ctx.Err()
	}
}

// CheckHealth runs one health cycle: boot retry, ping, pending recovery and
// release retries. The server's monitor loop calls it periodically.
func (o *Orchestrator) CheckHealth(ctx context.Context) {
	if !o.Ready() {
		if err := o.Boot(ctx); err != nil {
			o.log.Debug("boot retry failed", zap.Error(err))
		}
		return
	}

	if err := o.Ping(ctx); err != nil {
		var corrupt *state.CorruptionError
		if errors.As(err, &corrupt) {
			o.recoverCorruptState(ctx)
			if err = o.Ping(ctx); err == nil {
				o.clearDegraded()
				return
			}
		}
		o.markDegraded(err.Error())
		return
	}
	o.clearDegraded()

	o.retryRecovery(ctx)
	o.retryReleases(ctx)
}

// Monitor runs CheckHealth every interval until ctx is done.
func (o *Orchestrator) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckHealth(ctx)
		}
	}
}

func (o *Orchestrator) setProcess(p ProcessPhase) {
	o.mu.Lock()
	o.process = p
	o.mu.Unlock()
}

// Hub returns the live feed hub, or nil when none is configured.
func (o *Orchestrator) Hub() *events.Hub {
	return o.events.Hub()
}
