//go:build !windows

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processExists sends signal 0. EPERM means the pid exists under another user.
func processExists(pid int) Liveness {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return LivenessAlive
	case errors.Is(err, unix.ESRCH):
		return LivenessDead
	case errors.Is(err, unix.EPERM):
		return LivenessAlive
	default:
		return LivenessUnknown
	}
}
