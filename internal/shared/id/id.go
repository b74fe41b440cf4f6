// Package id provides centralized ID generation for the governor.
//
// Run identifiers are prefixed ULIDs:
//   - Lexicographic sortability: run listings order by start time for free
//   - Prefixed types: run_* for pipeline runs, diag_* for diagnostic stage runs
//   - Type safety: RunID cannot be confused with other strings in signatures
//
// The process incarnation is a random UUID minted once per process. It is
// folded into lock liveness tokens so a recycled PID is never mistaken for
// the process that originally took the lock.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// RunID identifies one pipeline run (or one diagnostic stage run).
type RunID string

// SystemRunID is the sentinel run identifier carried by system-tier events.
const SystemRunID RunID = "__system__"

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	RunPrefix  = "run"
	DiagPrefix = "diag"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once

	incarnation     string
	incarnationOnce sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewRunID generates a new pipeline run ID
func NewRunID() RunID {
	return RunID(Default().GenerateWithPrefix(RunPrefix))
}

// NewDiagRunID generates the run ID for a diagnostic single-stage invocation
func NewDiagRunID() RunID {
	return RunID(Default().GenerateWithPrefix(DiagPrefix))
}

// Incarnation returns the per-process incarnation id.
func Incarnation() string {
	incarnationOnce.Do(func() {
		incarnation = uuid.NewString()
	})
	return incarnation
}

// ============================================================================
// Type Conversion and Validation
// ============================================================================

func (id RunID) String() string { return string(id) }

// IsSystem reports whether id is the system sentinel.
func (id RunID) IsSystem() bool { return id == SystemRunID }

// IsDiagnostic reports whether id names a diagnostic stage run.
func (id RunID) IsDiagnostic() bool {
	return strings.HasPrefix(string(id), DiagPrefix+"_")
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// IsValidRunID accepts run_<ulid> and diag_<ulid>.
func IsValidRunID(id string) bool {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || (prefix != RunPrefix && prefix != DiagPrefix) {
		return false
	}
	return IsValid(rest)
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID, with or without a prefix.
func Timestamp(id string) (time.Time, error) {
	if _, rest, ok := strings.Cut(id, "_"); ok {
		id = rest
	}
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
