package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Record is the persisted run lock.
type Record struct {
	HolderRunID         id.RunID  `json:"holder_run_id"`
	AcquiredAt          time.Time `json:"acquired_at"`
	HolderLivenessToken string    `json:"holder_liveness_token"`
	RenewedAt           time.Time `json:"renewed_at"`
}

// Grant is returned by a successful Acquire.
type Grant struct {
	Record Record
}

// DenyReason explains a refused acquisition.
type DenyReason string

const (
	// DenyHeld means a readable lock exists for some run.
	DenyHeld DenyReason = "held"
	// DenyUnreadable means a lock file exists but cannot be parsed and is
	// too recent to reclaim.
	DenyUnreadable DenyReason = "unreadable"
)

// DeniedError is returned by Acquire when the lock is not granted.
type DeniedError struct {
	Reason DenyReason
	Holder id.RunID
	Detail string
}

func (e *DeniedError) Error() string {
	msg := "lock denied: " + string(e.Reason)
	if e.Holder != "" {
		msg += fmt.Sprintf(" (held by %s)", e.Holder)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsDenied reports whether err is a *DeniedError, returning it.
func IsDenied(err error) (*DeniedError, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

var (
	// ErrNotHolder is returned by Release and Renew for a run that does not
	// hold the lock. The lock is left untouched.
	ErrNotHolder = errors.New("lock held by a different run")
	// ErrNoLock is returned by Release and Renew when no lock exists.
	ErrNoLock = errors.New("no lock held")
	// ErrDisplaced means a renewed record was moved aside for a reclaim and
	// another process acquired the lock before it could be put back. The
	// renewing holder no longer holds the lock.
	ErrDisplaced = errors.New("renewed lock displaced by a concurrent acquire")
)

// ReclaimOutcome describes a ReclaimIfStale call.
type ReclaimOutcome string

const (
	Reclaimed          ReclaimOutcome = "reclaimed"
	NotStaleAbsent     ReclaimOutcome = "absent"
	NotStaleRecent     ReclaimOutcome = "too_recent"
	NotStaleHolderLive ReclaimOutcome = "holder_live"
	NotStaleUnknown    ReclaimOutcome = "holder_unknown"
	NotStaleRenewed    ReclaimOutcome = "renewed"
)

// ReclaimResult is returned by ReclaimIfStale.
type ReclaimResult struct {
	Outcome ReclaimOutcome
	// Previous is the removed (or inspected) record when it was readable.
	Previous *Record
	// Unreadable is set when the inspected file did not parse.
	Unreadable bool
}

// Reclaimed reports whether a record was deleted.
func (r ReclaimResult) Reclaimed() bool { return r.Outcome == Reclaimed }

// Info is a point-in-time view of the lock used by status and recovery.
type Info struct {
	Present  bool
	Readable bool
	Record   Record
	Age      time.Duration
	Liveness Liveness
	Stale    bool
}

// Valid reports whether a non-stale lock exists.
func (i Info) Valid() bool { return i.Present && !i.Stale }
