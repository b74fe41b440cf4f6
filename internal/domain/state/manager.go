package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/paths"
	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// record is the on-disk shape. Pointers keep active_run_id an explicit null.
type record struct {
	State       Phase     `json:"state"`
	ActiveRunID *string   `json:"active_run_id"`
	LastRunID   *string   `json:"last_run_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Generation  uint64    `json:"generation"`
}

// Options configures a Manager.
type Options struct {
	Fsync   bool
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Now     func() time.Time
}

// Manager is the only reader and writer of the state record.
type Manager struct {
	layout  paths.Layout
	fsync   bool
	log     *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	// mu serializes read-validate-write cycles within this process.
	mu sync.Mutex
	// highWater is the largest generation this process has observed.
	highWater uint64
}

// NewManager creates a state manager for layout.StatePath().
func NewManager(layout paths.Layout, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		layout:  layout,
		fsync:   opts.Fsync,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Path returns the canonical record location.
func (m *Manager) Path() string {
	return m.layout.StatePath()
}

// Read returns the persisted record. A record that fails validation is
// returned as *CorruptionError; callers never get a guessed state.
func (m *Manager) Read(ctx context.Context) (PipelineState, error) {
	if err := ctx.Err(); err != nil {
		return PipelineState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, _, err := m.readLocked()
	return st, err
}

// Transition applies expected -> next if and only if the edge is valid, the
// persisted state equals expected and the run id matches.
//
// IDLE -> RUNNING_TRANSLATOR requires runID and records it as active. Running
// transitions require runID to equal the active run. Terminal -> IDLE ignores
// runID.
func (m *Manager) Transition(ctx context.Context, expected, next Phase, runID id.RunID) (PipelineState, error) {
	if err := ctx.Err(); err != nil {
		return PipelineState{}, err
	}
	if !ValidEdge(expected, next) {
		return PipelineState{}, m.reject(&TransitionRejected{Reason: ReasonInvalidEdge, From: expected, To: next})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, _, err := m.readLocked()
	if err != nil {
		return PipelineState{}, fmt.Errorf("read before transition: %w", err)
	}
	if cur.State != expected {
		return cur, m.reject(&TransitionRejected{
			Reason:  ReasonStateMismatch,
			From:    expected,
			To:      next,
			Current: cur.State,
			Detail:  fmt.Sprintf("persisted state is %s", cur.State),
		})
	}

	updated := PipelineState{
		State:      next,
		UpdatedAt:  m.now().UTC(),
		Generation: cur.Generation + 1,
	}

	switch {
	case expected == Idle:
		if runID == "" || runID.IsSystem() {
			return cur, m.reject(&TransitionRejected{Reason: ReasonMissingRunID, From: expected, To: next, Current: cur.State})
		}
		updated.ActiveRunID = runID
	case expected.IsRunning():
		if runID != cur.ActiveRunID {
			return cur, m.reject(&TransitionRejected{
				Reason:  ReasonRunMismatch,
				From:    expected,
				To:      next,
				Current: cur.State,
				Detail:  fmt.Sprintf("active run is %s, caller is %s", cur.ActiveRunID, runID),
			})
		}
		if next.IsRunning() {
			updated.ActiveRunID = cur.ActiveRunID
		} else {
			updated.LastRunID = cur.ActiveRunID
		}
	}

	if err := m.writeLocked(updated); err != nil {
		return cur, err
	}

	m.metrics.RecordTransition(string(expected), string(next), updated.Generation)
	m.log.Info("state transition",
		zap.String("from", string(expected)),
		zap.String("to", string(next)),
		zap.String("run_id", string(runID)),
		zap.Uint64("generation", updated.Generation))

	return updated, nil
}

// RecoverIfCorrupted ensures a valid record exists. A missing record is
// initialized to IDLE at generation 1. A corrupt record is copied aside and
// replaced by IDLE with a generation above anything seen. A valid record is
// returned unchanged.
func (m *Manager) RecoverIfCorrupted(ctx context.Context) (PipelineState, Recovery, error) {
	if err := ctx.Err(); err != nil {
		return PipelineState{}, Recovery{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, raw, err := m.readLocked()
	if err == nil {
		return cur, Recovery{Action: RecoveryNone}, nil
	}

	if errors.Is(err, ErrNotInitialized) {
		fresh := PipelineState{State: Idle, UpdatedAt: m.now().UTC(), Generation: 1}
		if m.highWater >= fresh.Generation {
			fresh.Generation = m.highWater + 1
		}
		if err := m.writeLocked(fresh); err != nil {
			return PipelineState{}, Recovery{}, err
		}
		m.log.Info("state initialized", zap.Uint64("generation", fresh.Generation))
		return fresh, Recovery{Action: RecoveryInitialized}, nil
	}

	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		return PipelineState{}, Recovery{}, err
	}

	rec := Recovery{Action: RecoveryReplaced, Reason: corrupt.Reason, Detail: corrupt.Error()}

	aside := m.layout.CorruptPath(m.now())
	if werr := utils.WriteFileAtomic(aside, raw, utils.WriteOptions{Fsync: m.fsync, Perm: 0o600}); werr != nil {
		m.log.Warn("could not set aside corrupt state record", zap.String("path", aside), zap.Error(werr))
	} else {
		rec.SetAside = aside
	}

	gen := m.highWater
	if cur.Generation > gen {
		gen = cur.Generation
	}
	fresh := PipelineState{State: Idle, UpdatedAt: m.now().UTC(), Generation: gen + 1}
	if err := m.writeLocked(fresh); err != nil {
		return PipelineState{}, rec, err
	}

	m.metrics.RecordStateRecovery(string(corrupt.Reason))
	m.log.Warn("corrupt state record replaced with IDLE",
		zap.String("reason", string(corrupt.Reason)),
		zap.String("set_aside", rec.SetAside),
		zap.Uint64("generation", fresh.Generation))

	return fresh, rec, nil
}

// readLocked loads and validates the record. On corruption it returns the
// raw bytes and whatever fields decoded so recovery can keep generations
// monotonic.
func (m *Manager) readLocked() (PipelineState, []byte, error) {
	raw, err := os.ReadFile(m.layout.StatePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PipelineState{}, nil, ErrNotInitialized
		}
		return PipelineState{}, nil, fmt.Errorf("read state record: %w", err)
	}

	var rec record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return PipelineState{}, raw, &CorruptionError{Reason: ReasonUnparseable, Err: err}
	}

	st := PipelineState{
		State:      rec.State,
		UpdatedAt:  rec.UpdatedAt,
		Generation: rec.Generation,
	}
	if rec.ActiveRunID != nil {
		st.ActiveRunID = id.RunID(*rec.ActiveRunID)
	}
	if rec.LastRunID != nil {
		st.LastRunID = id.RunID(*rec.LastRunID)
	}

	if err := st.Validate(); err != nil {
		return st, raw, err
	}
	if st.Generation < m.highWater {
		return st, raw, &CorruptionError{
			Reason: ReasonGenerationRegress,
			Detail: fmt.Sprintf("generation %d below previously observed %d", st.Generation, m.highWater),
		}
	}
	m.highWater = st.Generation
	return st, raw, nil
}

func (m *Manager) writeLocked(st PipelineState) error {
	rec := record{
		State:      st.State,
		UpdatedAt:  st.UpdatedAt,
		Generation: st.Generation,
	}
	if st.ActiveRunID != "" {
		s := string(st.ActiveRunID)
		rec.ActiveRunID = &s
	}
	if st.LastRunID != "" {
		s := string(st.LastRunID)
		rec.LastRunID = &s
	}

	data, err := sonic.ConfigStd.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}
	data = append(data, '\n')

	if err := utils.WriteFileAtomic(m.layout.StatePath(), data, utils.WriteOptions{Fsync: m.fsync}); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	m.highWater = st.Generation
	return nil
}

func (m *Manager) reject(rej *TransitionRejected) error {
	m.metrics.RecordTransitionRejected(string(rej.Reason))
	m.log.Warn("state transition rejected",
		zap.String("from", string(rej.From)),
		zap.String("to", string(rej.To)),
		zap.String("reason", string(rej.Reason)),
		zap.String("detail", rej.Detail))
	return rej
}
