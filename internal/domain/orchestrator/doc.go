// Package orchestrator sequences pipeline runs.
//
// A run is admitted only from IDLE and only while this process holds the run
// lock. Stages execute in fixed order on a single run loop; every stage ends
// in exactly one state transition, and the terminal transition is followed by
// the lock release and then the terminal lifecycle event.
//
// At boot the orchestrator repairs a corrupt state record, fails runs that a
// crashed process left in RUNNING_*, and reclaims stale locks. A run whose
// lock is still valid is left pending until the health loop can prove its
// holder gone.
package orchestrator
