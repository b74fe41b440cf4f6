package events

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink is a durable event destination.
type Sink interface {
	Append(e Event) error
}

// AuditLog is the append-only NDJSON audit file. It is the only writer of
// that file; any number of readers may tail it concurrently.
type AuditLog struct {
	path  string
	fsync bool

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// ErrAuditClosed is returned by Append after Close.
var ErrAuditClosed = errors.New("audit log closed")

// OpenAuditLog opens (creating if needed) the audit log at path.
func OpenAuditLog(path string, fsync bool) (*AuditLog, error) {
	a := &AuditLog{path: path, fsync: fsync}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

// Path returns the audit log location.
func (a *AuditLog) Path() string {
	return a.path
}

// Append writes e as a single line with one write call. After a failed write
// the handle is dropped and reopened on the next append.
func (a *AuditLog) Append(e Event) error {
	line, err := EncodeLine(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAuditClosed
	}
	if a.f == nil {
		if err := a.open(); err != nil {
			return err
		}
	}

	n, err := a.f.Write(line)
	if err != nil {
		if n > 0 && n < len(line) {
			// Terminate the torn record so the next one starts on its own line.
			_, _ = a.f.Write([]byte{'\n'})
		}
		a.f.Close()
		a.f = nil
		return fmt.Errorf("append audit record: %w", err)
	}
	if a.fsync {
		if err := a.f.Sync(); err != nil {
			return fmt.Errorf("sync audit log: %w", err)
		}
	}
	return nil
}

// Close releases the file handle. Further appends fail with ErrAuditClosed.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

func (a *AuditLog) open() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	a.f = f
	return nil
}
