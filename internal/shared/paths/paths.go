package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names inside the data directory.
const (
	StateFile = "state.json"
	LockFile  = "run.lock"
	AuditFile = "audit.log"

	// CorruptSuffix marks state records set aside by corruption recovery.
	CorruptSuffix = ".corrupt-"
	// TempSuffix marks in-flight write-replace side files.
	TempSuffix = ".tmp-"
)

// Layout resolves governor files relative to one data directory.
type Layout struct {
	DataDir string
	// AuditOverride replaces the default audit log location when non-empty.
	AuditOverride string
}

// New returns the layout rooted at dataDir.
func New(dataDir string) Layout {
	if dataDir == "" {
		return Layout{}
	}
	return Layout{DataDir: filepath.Clean(dataDir)}
}

// WithAudit returns a copy of l with the audit log at path.
func (l Layout) WithAudit(path string) Layout {
	l.AuditOverride = path
	return l
}

// StatePath returns the canonical pipeline state record.
func (l Layout) StatePath() string {
	return filepath.Join(l.DataDir, StateFile)
}

// LockPath returns the run lock record.
func (l Layout) LockPath() string {
	return filepath.Join(l.DataDir, LockFile)
}

// AuditPath returns the append-only audit log.
func (l Layout) AuditPath() string {
	if l.AuditOverride != "" {
		return l.AuditOverride
	}
	return filepath.Join(l.DataDir, AuditFile)
}

// CorruptPath returns where a corrupt state record is set aside.
func (l Layout) CorruptPath(at time.Time) string {
	return fmt.Sprintf("%s%s%d", l.StatePath(), CorruptSuffix, at.UnixNano())
}

// Ensure creates the data directory (and the audit log's directory if it
// lives elsewhere).
func (l Layout) Ensure() error {
	if l.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if err := os.MkdirAll(l.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if dir := filepath.Dir(l.AuditPath()); dir != l.DataDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}
	return nil
}

// CorruptRecords lists set-aside state records, oldest first.
func (l Layout) CorruptRecords() ([]string, error) {
	matches, err := filepath.Glob(l.StatePath() + CorruptSuffix + "*")
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// IsTempFile reports whether name is a write-replace side file.
func IsTempFile(name string) bool {
	return strings.Contains(filepath.Base(name), TempSuffix)
}
