// Package lock owns the persisted single run lock.
//
// The lock is a JSON record (run.lock) created by hard-linking a fully
// written temp file into place, so creation is the exclusivity test and no
// reader ever observes a half-written record.
//
// A lock is stale only when both hold:
//   - renewed_at is older than the configured threshold, and
//   - the LivenessProbe shows the holder is dead.
//
// Two probes exist. ProcessProbe encodes host:pid:incarnation in the token
// and checks the pid on the same host; holders on other hosts are never
// provably dead. HeartbeatProbe treats a holder as dead once renewed_at is
// older than a grace period, which the run loop keeps fresh with Renew.
//
// A lock file that does not parse is reclaimable only once its mtime is
// older than the threshold. Until then Acquire is denied with reason
// "unreadable".
//
// Acquire never overrides an existing lock. Callers clear stale locks with
// ReclaimIfStale and then Acquire again.
package lock
