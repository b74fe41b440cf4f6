package orchestrator

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/lock"
	"github.com/GriffinCanCode/governor/internal/domain/stage"
	"github.com/GriffinCanCode/governor/internal/domain/state"
	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/paths"
)

type fakeProbe struct {
	mu      sync.Mutex
	verdict lock.Liveness
}

func (f *fakeProbe) Mode() string  { return "fake" }
func (f *fakeProbe) Token() string { return "testhost:1:inc" }
func (f *fakeProbe) Check(lock.Record, time.Time) lock.Liveness {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verdict
}
func (f *fakeProbe) set(v lock.Liveness) {
	f.mu.Lock()
	f.verdict = v
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const staleAfter = 10 * time.Minute

type harness struct {
	t      *testing.T
	layout paths.Layout
	state  *state.Manager
	lock   *lock.Manager
	probe  *fakeProbe
	clock  *fakeClock
	audit  *events.AuditLog
	hub    *events.Hub
	reader *events.Reader
	stages *stage.Registry
	orch   *Orchestrator
}

// newHarness wires an orchestrator over a temp data dir without booting it,
// so tests can lay down files first.
func newHarness(t *testing.T, stages *stage.Registry) *harness {
	t.Helper()
	layout := paths.New(t.TempDir())
	require.NoError(t, layout.Ensure())

	logger := zaptest.NewLogger(t)
	probe := &fakeProbe{verdict: lock.LivenessAlive}
	clock := &fakeClock{now: time.Now()}

	audit, err := events.OpenAuditLog(layout.AuditPath(), false)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	hub := events.NewHub(events.HubOptions{Backlog: 64, Buffer: 64})
	emitter := events.NewEmitter(events.Options{Sink: audit, Hub: hub, Fallback: logger, Logger: logger})

	h := &harness{
		t:      t,
		layout: layout,
		state:  state.NewManager(layout, state.Options{Logger: logger}),
		lock:   lock.NewManager(layout, lock.Options{StaleAfter: staleAfter, Probe: probe, Now: clock.Now, Logger: logger}),
		probe:  probe,
		clock:  clock,
		audit:  audit,
		hub:    hub,
		reader: events.NewReader(layout.AuditPath()),
		stages: stages,
	}

	h.orch, err = New(Options{
		State:         h.state,
		Lock:          h.lock,
		Events:        emitter,
		Stages:        stages,
		Reader:        h.reader,
		Backlog:       16,
		RenewInterval: 20 * time.Millisecond,
		StageTimeout:  5 * time.Second,
		Logger:        logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) boot() {
	h.t.Helper()
	require.NoError(h.t, h.orch.Boot(context.Background()))
}

func (h *harness) runEvents(runID id.RunID) []events.Event {
	h.t.Helper()
	evs, anomalies, err := h.reader.ByRun(runID)
	require.NoError(h.t, err)
	require.Empty(h.t, anomalies)
	return evs
}

func (h *harness) systemEvents(eventType string) []events.Event {
	h.t.Helper()
	all, _, err := h.reader.ReadAll()
	require.NoError(h.t, err)
	var out []events.Event
	for _, e := range all {
		if e.Tier == events.TierSystem && e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) currentState() state.PipelineState {
	h.t.Helper()
	st, err := h.state.Read(context.Background())
	require.NoError(h.t, err)
	return st
}

// driveTo writes a RUNNING_* record for runID as a crashed process would
// have left it.
func (h *harness) driveTo(runID id.RunID, target state.Phase) {
	h.t.Helper()
	ctx := context.Background()
	_, _, err := h.state.RecoverIfCorrupted(ctx)
	require.NoError(h.t, err)
	path := []state.Phase{state.Idle, state.RunningTranslator, state.RunningAnalyzer, state.RunningMerger}
	for i := 1; i < len(path); i++ {
		_, err := h.state.Transition(ctx, path[i-1], path[i], runID)
		require.NoError(h.t, err)
		if path[i] == target {
			return
		}
	}
	h.t.Fatalf("unreachable target %s", target)
}

func types(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.EventType
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	calls []stage.Input
}

func (r *recorder) record(in stage.Input) {
	r.mu.Lock()
	r.calls = append(r.calls, in)
	r.mu.Unlock()
}

func (r *recorder) stages() []stage.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stage.Name, len(r.calls))
	for i, in := range r.calls {
		out[i] = in.Stage
	}
	return out
}

// pipeline builds a registry whose stages succeed unless overridden.
func pipeline(t *testing.T, rec *recorder, overrides map[stage.Name]func(context.Context, stage.Input) stage.Result) *stage.Registry {
	t.Helper()
	reg := stage.NewRegistry()
	for _, name := range stage.Order() {
		name := name
		fn := overrides[name]
		require.NoError(t, reg.Register(stage.NewFunc(name, func(ctx context.Context, in stage.Input) stage.Result {
			if rec != nil {
				rec.record(in)
			}
			if fn != nil {
				return fn(ctx, in)
			}
			return stage.Success(map[string]interface{}{"stage": string(name)})
		}), map[string]interface{}{"mode": "default"}))
	}
	return reg
}

func TestBootInitializesState(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()

	assert.True(t, h.orch.Ready())
	degraded, _ := h.orch.Degraded()
	assert.False(t, degraded)

	st := h.currentState()
	assert.Equal(t, state.Idle, st.State)
	assert.Equal(t, uint64(1), st.Generation)

	assert.Len(t, h.systemEvents(events.TypeStateInitialized), 1)
	assert.Empty(t, h.systemEvents(events.TypeStateRecovered))
	assert.Len(t, h.systemEvents(events.TypeOrchestratorStarted), 1)
}

func TestFullRunSucceeds(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, pipeline(t, rec, nil))
	h.boot()

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	require.True(t, d.Accepted, d.Detail)
	h.orch.Wait()

	assert.Equal(t, []stage.Name{stage.Translator, stage.Analyzer, stage.Merger}, rec.stages())

	st := h.currentState()
	assert.Equal(t, state.Success, st.State)
	assert.Equal(t, d.RunID, st.LastRunID)
	assert.Empty(t, st.ActiveRunID)

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)

	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeRunSucceeded,
	}, types(h.runEvents(d.RunID)))

	status := h.orch.CurrentStatus(context.Background())
	assert.Equal(t, state.Success, status.State)
	assert.Equal(t, PhaseTerminal, status.Process)
	assert.True(t, status.AuditHealthy)
	assert.Nil(t, status.Lock)
}

func TestUpstreamOutputsFlowForward(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, pipeline(t, rec, nil))
	h.boot()

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	h.orch.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 3)
	assert.Empty(t, rec.calls[0].Upstream)
	assert.Equal(t, "translator", rec.calls[1].Upstream[stage.Translator]["stage"])
	assert.Len(t, rec.calls[2].Upstream, 2)
	assert.Equal(t, "default", rec.calls[2].Params["mode"])
	assert.Equal(t, d.RunID, rec.calls[2].RunID)
	assert.False(t, rec.calls[2].Diagnostic)
}

// A second start while the translator is blocked is refused and changes
// nothing.
func TestStartWhileRunningIsRejected(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Translator: func(context.Context, stage.Input) stage.Result {
			close(entered)
			<-gate
			return stage.Success(nil)
		},
	}))
	h.boot()

	first, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	require.True(t, first.Accepted)
	<-entered

	before := h.currentState()
	second, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, RejectNotIdle, second.Reason)
	assert.Equal(t, before, h.currentState())

	status := h.orch.CurrentStatus(context.Background())
	assert.Equal(t, state.RunningTranslator, status.State)
	assert.Equal(t, first.RunID, status.RunID)
	assert.Equal(t, "translator", status.Stage)
	assert.Equal(t, PhaseRunning, status.Process)
	require.NotNil(t, status.Lock)
	assert.Equal(t, first.RunID, status.Lock.Holder)

	close(gate)
	h.orch.Wait()
	assert.Equal(t, state.Success, h.currentState().State)

	rejections := h.systemEvents(events.TypeRunRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, string(RejectNotIdle), rejections[0].Data["reason"])
}

func TestStageFailureStopsRun(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, pipeline(t, rec, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Analyzer: func(context.Context, stage.Input) stage.Result {
			return stage.Failure("schema mismatch in %s", "table_a")
		},
	}))
	h.boot()

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, []stage.Name{stage.Translator, stage.Analyzer}, rec.stages())
	assert.Equal(t, state.Failed, h.currentState().State)

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)

	evs := h.runEvents(d.RunID)
	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageFailed,
		events.TypeRunFailed,
	}, types(evs))

	last := evs[len(evs)-1]
	assert.Equal(t, FailureStage, last.Data["reason"])
	assert.Equal(t, "analyzer", last.Data["stage"])
	assert.Equal(t, "schema mismatch in table_a", evs[4].Data["reason"])
}

func TestStagePanicIsFailure(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Merger: func(context.Context, stage.Input) stage.Result {
			panic("merge exploded")
		},
	}))
	h.boot()

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, state.Failed, h.currentState().State)
	evs := h.runEvents(d.RunID)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeRunFailed, last.EventType)
	assert.Equal(t, "merger", last.Data["stage"])
	assert.Contains(t, last.Data["detail"], "merge exploded")
}

func TestStageTimeoutIsFailure(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Translator: func(ctx context.Context, _ stage.Input) stage.Result {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return stage.Success(nil)
		},
	}))
	h.orch.stageTimeout = 50 * time.Millisecond
	h.boot()

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, state.Failed, h.currentState().State)
	evs := h.runEvents(d.RunID)
	assert.Contains(t, evs[len(evs)-1].Data["detail"], "timed out")
}

func TestProgressEventsStayInsideStage(t *testing.T) {
	var late stage.Reporter
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Translator: func(_ context.Context, in stage.Input) stage.Result {
			in.Reporter.Progress("halfway", map[string]interface{}{"pct": 50})
			late = in.Reporter
			return stage.Success(nil)
		},
	}))
	h.boot()

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	h.orch.Wait()
	late.Progress("after the fact", nil)

	evs := h.runEvents(d.RunID)
	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStageStarted, events.TypeStageProgress, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeRunSucceeded,
	}, types(evs))
	assert.Equal(t, events.StageTranslator, evs[2].Stage)
}

func TestResetAfterTerminal(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()
	ctx := context.Background()

	d, err := h.orch.ResetAfterTerminal(ctx)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RejectNotTerminal, d.Reason)

	run, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	h.orch.Wait()

	d, err = h.orch.ResetAfterTerminal(ctx)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.Equal(t, run.RunID, d.RunID)

	st := h.currentState()
	assert.Equal(t, state.Idle, st.State)
	assert.Empty(t, st.LastRunID)
	assert.Equal(t, PhaseIdle, h.orch.CurrentStatus(ctx).Process)

	resets := h.systemEvents(events.TypeReset)
	require.Len(t, resets, 1)
	assert.Equal(t, id.SystemRunID, resets[0].RunID)
	assert.Equal(t, string(run.RunID), resets[0].Data["related_run_id"])
	assert.Equal(t, "SUCCESS", resets[0].Data["from"])
}

func TestLockHeldElsewhereDeniesStart(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()
	ctx := context.Background()

	other := id.NewRunID()
	_, err := h.lock.Acquire(ctx, other, "")
	require.NoError(t, err)

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RejectLockDenied, d.Reason)
	assert.Equal(t, state.Idle, h.currentState().State)

	rejections := h.systemEvents(events.TypeRunRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, string(other), rejections[0].Data["holder"])
}

func TestStaleLockReclaimedOnStart(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()
	ctx := context.Background()

	dead := id.NewRunID()
	_, err := h.lock.Acquire(ctx, dead, "")
	require.NoError(t, err)
	h.probe.set(lock.LivenessDead)
	h.clock.Advance(staleAfter + time.Minute)

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	require.True(t, d.Accepted, d.Detail)
	h.probe.set(lock.LivenessAlive)
	h.orch.Wait()

	assert.Equal(t, state.Success, h.currentState().State)
	reclaims := h.systemEvents(events.TypeLockReclaimed)
	require.Len(t, reclaims, 1)
	assert.Equal(t, string(dead), reclaims[0].Data["related_run_id"])
}

// A run interrupted mid-analyzer with no lock left behind is failed at boot.
func TestCrashMidAnalyzerRecoveredAtBoot(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	crashed := id.NewRunID()
	h.driveTo(crashed, state.RunningAnalyzer)

	h.boot()

	st := h.currentState()
	assert.Equal(t, state.Failed, st.State)
	assert.Equal(t, crashed, st.LastRunID)

	recovered := h.systemEvents(events.TypeCrashRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, string(crashed), recovered[0].Data["related_run_id"])
	assert.Equal(t, "RUNNING_ANALYZER", recovered[0].Data["previous_state"])

	evs := h.runEvents(crashed)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeRunFailed, evs[0].EventType)
	assert.Equal(t, FailureCrash, evs[0].Data["reason"])
	assert.Equal(t, "analyzer", evs[0].Data["stage"])
}

func TestCrashRecoveryThenReset(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	crashed := id.NewRunID()
	h.driveTo(crashed, state.RunningMerger)
	h.boot()
	ctx := context.Background()

	assert.Equal(t, state.Failed, h.currentState().State)

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RejectNotIdle, d.Reason)

	d, err = h.orch.ResetAfterTerminal(ctx)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.Equal(t, crashed, d.RunID)

	d, err = h.orch.StartRun(ctx)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	h.orch.Wait()
	assert.Equal(t, state.Success, h.currentState().State)
}

func TestCorruptStateReplacedAtBoot(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	require.NoError(t, os.WriteFile(h.layout.StatePath(), []byte("{not json"), 0o644))

	h.boot()

	assert.Equal(t, state.Idle, h.currentState().State)
	recovered := h.systemEvents(events.TypeStateRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, "unparseable", recovered[0].Data["reason"])

	aside, err := h.layout.CorruptRecords()
	require.NoError(t, err)
	require.Len(t, aside, 1)
	raw, err := os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))

	d, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	h.orch.Wait()
}

// While the crashed run's lock is still valid, recovery waits and starts are
// refused. Once the lock goes away the health loop completes recovery.
func TestRecoveryPendingWhileLockValid(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	ctx := context.Background()
	crashed := id.NewRunID()
	h.driveTo(crashed, state.RunningTranslator)
	_, err := h.lock.Acquire(ctx, crashed, "")
	require.NoError(t, err)

	h.boot()

	assert.Equal(t, state.RunningTranslator, h.currentState().State)
	status := h.orch.CurrentStatus(ctx)
	assert.True(t, status.RecoveryPending)
	assert.Len(t, h.systemEvents(events.TypeRecoveryPending), 1)

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RejectNotIdle, d.Reason)
	assert.Contains(t, d.Detail, "recovery pending")

	d, _, err = h.orch.StartStage(ctx, "translator", nil)
	require.NoError(t, err)
	assert.Equal(t, RejectNotIdle, d.Reason)

	rejections := h.systemEvents(events.TypeRunRejected)
	require.Len(t, rejections, 2)
	assert.Equal(t, true, rejections[0].Data["recovery_pending"])

	h.orch.CheckHealth(ctx)
	assert.True(t, h.orch.CurrentStatus(ctx).RecoveryPending)
	assert.Len(t, h.systemEvents(events.TypeRecoveryPending), 1)

	h.probe.set(lock.LivenessDead)
	h.clock.Advance(staleAfter + time.Minute)
	h.orch.CheckHealth(ctx)

	assert.False(t, h.orch.CurrentStatus(ctx).RecoveryPending)
	assert.Equal(t, state.Failed, h.currentState().State)
	assert.Len(t, h.systemEvents(events.TypeLockReclaimed), 1)
	assert.Len(t, h.systemEvents(events.TypeCrashRecovered), 1)
}

func TestBootFailureDegrades(t *testing.T) {
	reg := stage.NewRegistry()
	require.NoError(t, reg.Register(stage.NewFunc(stage.Translator, func(context.Context, stage.Input) stage.Result {
		return stage.Success(nil)
	}), nil))
	h := newHarness(t, reg)
	ctx := context.Background()

	sub, err := h.hub.Subscribe()
	require.NoError(t, err)

	err = h.orch.Boot(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyzer")

	degraded, reason := h.orch.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, reason, "boot failed")
	assert.ErrorIs(t, h.orch.Ping(ctx), ErrUnavailable)

	select {
	case <-sub.Done():
		assert.Equal(t, events.CloseOrchestratorUnavailable, sub.Reason())
	case <-time.After(time.Second):
		t.Fatal("live feed was not closed")
	}

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RejectUnavailable, d.Reason)

	d, err = h.orch.ResetAfterTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, RejectUnavailable, d.Reason)

	status := h.orch.CurrentStatus(ctx)
	assert.True(t, status.Degraded)
	assert.Len(t, h.systemEvents(events.TypeOrchestratorDegraded), 1)
}

func TestHealthCheckRecoversFromCorruptionWhileRunning(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()
	ctx := context.Background()

	require.NoError(t, os.WriteFile(h.layout.StatePath(), []byte(`{"state":"BOGUS","generation":9}`), 0o644))
	status := h.orch.CurrentStatus(ctx)
	assert.True(t, status.Degraded)

	h.orch.CheckHealth(ctx)

	degraded, _ := h.orch.Degraded()
	assert.False(t, degraded)
	assert.Equal(t, state.Idle, h.currentState().State)
	assert.Len(t, h.systemEvents(events.TypeStateRecovered), 1)
}

func TestBacklogSeededFromAuditLog(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()

	sub, err := h.hub.Subscribe()
	require.NoError(t, err)
	defer h.hub.Unsubscribe(sub, events.CloseUnsubscribed)

	snap := types(sub.Snapshot())
	assert.Contains(t, snap, events.TypeStateInitialized)
}

func TestDiagnosticStage(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, pipeline(t, rec, nil))
	h.boot()
	ctx := context.Background()
	before := h.currentState()

	d, res, err := h.orch.StartStage(ctx, "analyzer", map[string]interface{}{"mode": "probe", "limit": 3})
	require.NoError(t, err)
	require.True(t, d.Accepted, d.Detail)
	assert.True(t, res.OK)
	assert.True(t, d.RunID.IsDiagnostic())

	assert.Equal(t, before, h.currentState())
	held, err := h.lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Nil(t, h.orch.CurrentStatus(ctx).Diagnostic)

	rec.mu.Lock()
	require.Len(t, rec.calls, 1)
	in := rec.calls[0]
	rec.mu.Unlock()
	assert.Equal(t, stage.Analyzer, in.Stage)
	assert.True(t, in.Diagnostic)
	assert.Equal(t, "probe", in.Params["mode"])
	assert.Equal(t, 3, in.Params["limit"])

	evs := h.runEvents(d.RunID)
	assert.Equal(t, []string{
		events.TypeRunStarted, events.TypeStageStarted, events.TypeStageSucceeded, events.TypeRunSucceeded,
	}, types(evs))
	assert.Equal(t, true, evs[0].Data["diagnostic"])
}

func TestDiagnosticStageFailureLeavesStateAlone(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Merger: func(context.Context, stage.Input) stage.Result { return stage.Failure("no inputs") },
	}))
	h.boot()
	ctx := context.Background()

	d, res, err := h.orch.StartStage(ctx, "merger", nil)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.False(t, res.OK)
	assert.Equal(t, "no inputs", res.Reason)
	assert.Equal(t, state.Idle, h.currentState().State)

	held, err := h.lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	evs := h.runEvents(d.RunID)
	assert.Equal(t, events.TypeRunFailed, evs[len(evs)-1].EventType)
}

func TestDiagnosticStageRejections(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()
	ctx := context.Background()

	d, _, err := h.orch.StartStage(ctx, "compiler", nil)
	require.NoError(t, err)
	assert.Equal(t, RejectInvalidStage, d.Reason)

	run, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	h.orch.Wait()

	d, _, err = h.orch.StartStage(ctx, "translator", nil)
	require.NoError(t, err)
	assert.Equal(t, RejectNotIdle, d.Reason)
	assert.Equal(t, state.Success, h.currentState().State)
	assert.Equal(t, run.RunID, h.currentState().LastRunID)
}

func TestShutdownWaitsForRun(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Translator: func(context.Context, stage.Input) stage.Result {
			<-gate
			return stage.Success(nil)
		},
	}))
	h.boot()

	_, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.Shutdown(short), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, h.orch.Shutdown(context.Background()))
	assert.Equal(t, state.Success, h.currentState().State)
}

func TestUnencodableStageOutputIsAudited(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Translator: func(context.Context, stage.Input) stage.Result {
			return stage.Success(map[string]interface{}{"score": math.NaN()})
		},
	}))
	h.boot()
	ctx := context.Background()

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	h.orch.Wait()

	evs := h.runEvents(d.RunID)
	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeStageStarted, events.TypeStageSucceeded,
		events.TypeRunSucceeded,
	}, types(evs))
	assert.Equal(t, events.StageTranslator, evs[2].Stage)
	assert.Equal(t, "map[score:NaN]", evs[2].Data["outputs"])
	assert.NotEmpty(t, evs[2].Data["data_error"])

	status := h.orch.CurrentStatus(ctx)
	assert.True(t, status.AuditHealthy)
	assert.Zero(t, h.orch.AuditHealth().Failures)
}

// A caller that goes away mid-stage must not leave the diag_ lock behind.
func TestDiagnosticCancelledCallerReleasesLock(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Analyzer: func(ctx context.Context, _ stage.Input) stage.Result {
			close(entered)
			<-ctx.Done()
			return stage.Failure("interrupted")
		},
	}))
	h.boot()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	d, res, err := h.orch.StartStage(ctx, "analyzer", nil)
	require.NoError(t, err)
	require.True(t, d.Accepted, d.Detail)
	assert.False(t, res.OK)

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, h.systemEvents(events.TypeLockReleaseFailed))

	evs := h.runEvents(d.RunID)
	assert.Equal(t, events.TypeRunFailed, evs[len(evs)-1].EventType)

	run, err := h.orch.StartRun(context.Background())
	require.NoError(t, err)
	assert.True(t, run.Accepted, run.Detail)
	h.orch.Wait()
}

func TestStageIgnoringDeadlineIsCountedAsAbandoned(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, pipeline(t, nil, map[stage.Name]func(context.Context, stage.Input) stage.Result{
		stage.Translator: func(context.Context, stage.Input) stage.Result {
			<-gate
			return stage.Success(nil)
		},
	}))
	h.orch.stageTimeout = 30 * time.Millisecond
	h.boot()
	ctx := context.Background()

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, state.Failed, h.currentState().State)
	evs := h.runEvents(d.RunID)
	assert.Contains(t, evs[len(evs)-1].Data["detail"], "timed out")
	assert.Equal(t, int64(1), h.orch.CurrentStatus(ctx).AbandonedStages)

	close(gate)
	assert.Eventually(t, func() bool {
		return h.orch.CurrentStatus(ctx).AbandonedStages == 0
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownRefusesNewWork(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()
	ctx := context.Background()

	require.NoError(t, h.orch.Shutdown(ctx))

	d, err := h.orch.StartRun(ctx)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RejectUnavailable, d.Reason)
	assert.Contains(t, d.Detail, "shutting down")

	d, _, err = h.orch.StartStage(ctx, "translator", nil)
	require.NoError(t, err)
	assert.Equal(t, RejectUnavailable, d.Reason)

	status := h.orch.CurrentStatus(ctx)
	assert.True(t, status.Stopping)
	assert.Equal(t, state.Idle, status.State)

	held, err := h.lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, h.orch.Shutdown(ctx))
	assert.Len(t, h.systemEvents(events.TypeOrchestratorStopping), 1)
}

func TestAcknowledgeAudit(t *testing.T) {
	h := newHarness(t, pipeline(t, nil, nil))
	h.boot()

	before := h.orch.AcknowledgeAudit()
	assert.True(t, before.Healthy)
	assert.Len(t, h.systemEvents(events.TypeAuditAcknowledged), 1)
	assert.True(t, h.orch.AuditHealth().Healthy)
}
