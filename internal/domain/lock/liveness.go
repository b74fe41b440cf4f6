package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Liveness is a probe verdict about a lock holder.
type Liveness int

const (
	// LivenessUnknown means the holder cannot be shown dead.
	LivenessUnknown Liveness = iota
	LivenessAlive
	LivenessDead
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessDead:
		return "dead"
	default:
		return "unknown"
	}
}

// LivenessProbe mints tokens for this process and judges recorded holders.
// Only LivenessDead makes a lock eligible for reclaim.
type LivenessProbe interface {
	Mode() string
	Token() string
	Check(rec Record, now time.Time) Liveness
}

// Token identifies one process incarnation on one host.
type Token struct {
	Host        string
	PID         int
	Incarnation string
}

func (t Token) String() string {
	return fmt.Sprintf("%s:%d:%s", t.Host, t.PID, t.Incarnation)
}

// ParseToken parses host:pid:incarnation. Hosts may not contain ':'.
func ParseToken(s string) (Token, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Token{}, fmt.Errorf("malformed liveness token %q", s)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return Token{}, fmt.Errorf("malformed pid in liveness token %q", s)
	}
	return Token{Host: parts[0], PID: pid, Incarnation: parts[2]}, nil
}

// CurrentToken returns the token for this process.
func CurrentToken() Token {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.ReplaceAll(host, ":", "_")
	return Token{Host: host, PID: os.Getpid(), Incarnation: id.Incarnation()}
}

// ProcessProbe checks whether the holder process still exists on this host.
// Holders on other hosts are never provably dead.
type ProcessProbe struct {
	self   Token
	exists func(pid int) Liveness
}

// NewProcessProbe returns a probe for the current process.
func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{self: CurrentToken(), exists: processExists}
}

func (p *ProcessProbe) Mode() string  { return "process" }
func (p *ProcessProbe) Token() string { return p.self.String() }

func (p *ProcessProbe) Check(rec Record, _ time.Time) Liveness {
	tok, err := ParseToken(rec.HolderLivenessToken)
	if err != nil {
		// Nothing in a malformed token can correspond to a live execution.
		return LivenessDead
	}
	if tok.Host != p.self.Host {
		return LivenessUnknown
	}
	if tok.PID == p.self.PID {
		if tok.Incarnation == p.self.Incarnation {
			return LivenessAlive
		}
		return LivenessDead
	}
	return p.exists(tok.PID)
}

// HeartbeatProbe treats a holder as dead once its renewed_at is older than
// the grace period. It suits holders on shared storage across hosts.
type HeartbeatProbe struct {
	self  Token
	grace time.Duration
}

// NewHeartbeatProbe returns a heartbeat probe with the given grace.
func NewHeartbeatProbe(grace time.Duration) *HeartbeatProbe {
	return &HeartbeatProbe{self: CurrentToken(), grace: grace}
}

func (p *HeartbeatProbe) Mode() string  { return "heartbeat" }
func (p *HeartbeatProbe) Token() string { return p.self.String() }

func (p *HeartbeatProbe) Check(rec Record, now time.Time) Liveness {
	if rec.RenewedAt.IsZero() {
		return LivenessDead
	}
	if now.Sub(rec.RenewedAt) > p.grace {
		return LivenessDead
	}
	return LivenessAlive
}

// NewProbe builds the probe for a configured mode.
func NewProbe(mode string, grace time.Duration) (LivenessProbe, error) {
	switch mode {
	case "process", "":
		return NewProcessProbe(), nil
	case "heartbeat":
		return NewHeartbeatProbe(grace), nil
	default:
		return nil, fmt.Errorf("unknown liveness mode %q", mode)
	}
}
