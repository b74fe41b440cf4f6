package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/governor/internal/shared/id"
	"github.com/GriffinCanCode/governor/internal/shared/paths"
	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// Options configures a Manager.
type Options struct {
	// StaleAfter is the minimum age of renewed_at before a dead holder's
	// lock may be reclaimed.
	StaleAfter time.Duration
	Probe      LivenessProbe
	Fsync      bool
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
	Now        func() time.Time
}

// Manager is the only reader and writer of the lock record.
type Manager struct {
	layout     paths.Layout
	staleAfter time.Duration
	probe      LivenessProbe
	fsync      bool
	log        *zap.Logger
	metrics    *monitoring.Metrics
	now        func() time.Time

	mu sync.Mutex
}

// NewManager creates a lock manager for layout.LockPath().
func NewManager(layout paths.Layout, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Probe == nil {
		opts.Probe = NewProcessProbe()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Manager{
		layout:     layout,
		staleAfter: opts.StaleAfter,
		probe:      opts.Probe,
		fsync:      opts.Fsync,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Token returns the liveness token this process records when acquiring.
func (m *Manager) Token() string {
	return m.probe.Token()
}

// Mode returns the liveness probe mode.
func (m *Manager) Mode() string {
	return m.probe.Mode()
}

// StaleAfter returns the staleness threshold.
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// Acquire creates the lock record for runID. Creation is the exclusivity
// test: the record is linked into place and the link fails if any lock file
// exists, stale or not. Stale locks must be cleared with ReclaimIfStale.
func (m *Manager) Acquire(ctx context.Context, runID id.RunID, token string) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	if runID == "" || runID.IsSystem() {
		return Grant{}, fmt.Errorf("acquire: run id required")
	}
	if token == "" {
		token = m.probe.Token()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec := Record{
		HolderRunID:         runID,
		AcquiredAt:          now,
		HolderLivenessToken: token,
		RenewedAt:           now,
	}
	data, err := encode(rec)
	if err != nil {
		return Grant{}, err
	}

	err = utils.CreateExclusive(m.layout.LockPath(), data, utils.WriteOptions{Fsync: m.fsync})
	if err == nil {
		m.metrics.RecordLockAcquire("granted")
		m.log.Info("lock acquired", zap.String("run_id", string(runID)), zap.String("token", token))
		return Grant{Record: rec}, nil
	}
	if !errors.Is(err, utils.ErrExists) {
		m.metrics.RecordLockAcquire("error")
		return Grant{}, fmt.Errorf("acquire lock: %w", err)
	}

	existing, _, rerr := m.readLocked()
	var denied *DeniedError
	switch {
	case rerr == nil:
		denied = &DeniedError{Reason: DenyHeld, Holder: existing.HolderRunID}
	case errors.Is(rerr, ErrNoLock):
		// Released between our link attempt and the read. Still a denial:
		// the caller retries through the normal start path.
		denied = &DeniedError{Reason: DenyHeld, Detail: "lock changed during acquisition"}
	default:
		denied = &DeniedError{Reason: DenyUnreadable, Detail: rerr.Error()}
	}
	m.metrics.RecordLockAcquire(string(denied.Reason))
	m.log.Info("lock denied",
		zap.String("run_id", string(runID)),
		zap.String("reason", string(denied.Reason)),
		zap.String("holder", string(denied.Holder)))
	return Grant{}, denied
}

// Release deletes the lock if runID holds it.
func (m *Manager) Release(ctx context.Context, runID id.RunID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, raw, err := m.readLocked()
	if err != nil {
		return err
	}
	if rec.HolderRunID != runID {
		return ErrNotHolder
	}
	removed, err := m.removeIfUnchanged(raw)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !removed {
		return ErrNotHolder
	}

	m.metrics.RecordLockReleased()
	m.log.Info("lock released",
		zap.String("run_id", string(runID)),
		zap.Duration("held_for", m.now().Sub(rec.AcquiredAt)))
	return nil
}

// Renew refreshes renewed_at for the holder.
func (m *Manager) Renew(ctx context.Context, runID id.RunID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, _, err := m.readLocked()
	if err != nil {
		return err
	}
	if rec.HolderRunID != runID {
		return ErrNotHolder
	}
	rec.RenewedAt = m.now().UTC()
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(m.layout.LockPath(), data, utils.WriteOptions{Fsync: m.fsync}); err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	m.log.Debug("lock renewed", zap.String("run_id", string(runID)))
	return nil
}

// IsHeld reports whether a non-stale lock exists.
func (m *Manager) IsHeld(ctx context.Context) (bool, error) {
	info, err := m.Inspect(ctx)
	if err != nil {
		return false, err
	}
	return info.Valid(), nil
}

// Inspect returns the lock record with its age, liveness verdict and
// staleness.
func (m *Manager) Inspect(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info, _, err := m.inspectLocked()
	return info, err
}

// ReclaimIfStale deletes the lock if it is stale. It never grants: callers
// must Acquire afterwards.
func (m *Manager) ReclaimIfStale(ctx context.Context) (ReclaimResult, error) {
	if err := ctx.Err(); err != nil {
		return ReclaimResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info, raw, err := m.inspectLocked()
	if err != nil {
		return ReclaimResult{}, err
	}

	result := ReclaimResult{Unreadable: info.Present && !info.Readable}
	if info.Readable {
		prev := info.Record
		result.Previous = &prev
	}

	switch {
	case !info.Present:
		result.Outcome = NotStaleAbsent
	case info.Age <= m.staleAfter:
		result.Outcome = NotStaleRecent
	case !info.Stale && info.Liveness == LivenessAlive:
		result.Outcome = NotStaleHolderLive
	case !info.Stale:
		result.Outcome = NotStaleUnknown
	default:
		removed, err := m.removeIfUnchanged(raw)
		if err != nil {
			return ReclaimResult{}, fmt.Errorf("reclaim lock: %w", err)
		}
		if !removed {
			result.Outcome = NotStaleRenewed
			break
		}
		result.Outcome = Reclaimed
		m.metrics.RecordLockReleased()
		m.log.Warn("stale lock reclaimed",
			zap.String("holder", string(info.Record.HolderRunID)),
			zap.String("token", info.Record.HolderLivenessToken),
			zap.Bool("unreadable", result.Unreadable),
			zap.Duration("age", info.Age))
	}

	m.metrics.RecordLockReclaim(string(result.Outcome))
	return result, nil
}

// inspectLocked evaluates staleness. An unreadable file is stale once its
// mtime is older than the threshold; nothing else about it can be proven.
func (m *Manager) inspectLocked() (Info, []byte, error) {
	now := m.now()
	rec, raw, err := m.readLocked()
	switch {
	case err == nil:
		info := Info{Present: true, Readable: true, Record: rec, Age: now.Sub(rec.RenewedAt)}
		info.Liveness = m.probe.Check(rec, now)
		info.Stale = info.Age > m.staleAfter && info.Liveness == LivenessDead
		return info, raw, nil
	case errors.Is(err, ErrNoLock):
		return Info{}, nil, nil
	}

	var perr *parseError
	if !errors.As(err, &perr) {
		return Info{}, nil, err
	}
	st, serr := os.Stat(m.layout.LockPath())
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			return Info{}, nil, nil
		}
		return Info{}, nil, fmt.Errorf("stat lock: %w", serr)
	}
	info := Info{Present: true, Age: now.Sub(st.ModTime()), Liveness: LivenessUnknown}
	info.Stale = info.Age > m.staleAfter
	return info, raw, nil
}

type parseError struct{ err error }

func (e *parseError) Error() string { return "unreadable lock record: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func (m *Manager) readLocked() (Record, []byte, error) {
	raw, err := os.ReadFile(m.layout.LockPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, nil, ErrNoLock
		}
		return Record{}, nil, fmt.Errorf("read lock: %w", err)
	}
	var rec Record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return Record{}, raw, &parseError{err: err}
	}
	if rec.HolderRunID == "" || rec.RenewedAt.IsZero() {
		return Record{}, raw, &parseError{err: errors.New("missing holder_run_id or renewed_at")}
	}
	return rec, raw, nil
}

// removeIfUnchanged moves the lock aside, confirms it is the record that was
// evaluated, and deletes it. If it changed in between (a renewal), it is
// linked back and nothing is removed.
func (m *Manager) removeIfUnchanged(expected []byte) (bool, error) {
	path := m.layout.LockPath()
	grave := path + ".reclaim-" + strconv.FormatInt(m.now().UnixNano(), 10)

	if err := os.Rename(path, grave); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer os.Remove(grave)

	got, err := os.ReadFile(grave)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(got, expected) {
		if err := m.restore(grave, path); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// restore links a renewed record back into place. If another process took
// the empty slot in between, the renewed record cannot come back and
// ErrDisplaced is returned.
func (m *Manager) restore(grave, path string) error {
	err := os.Link(grave, path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("restore renewed lock: %w", err)
	}
	displaced, _ := os.ReadFile(grave)
	m.log.Error("renewed lock displaced by a concurrent acquire", zap.ByteString("record", displaced))
	return ErrDisplaced
}

func encode(rec Record) ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}
	return append(data, '\n'), nil
}
