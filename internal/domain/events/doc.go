// Package events records execution facts.
//
// Every fact flows through Emitter.Emit, which appends it to the audit log
// (one JSON object per line) and then offers it to live subscribers through
// the Hub. The audit log is the record of truth; the live feed is lossy and
// subscribers whose buffers are full simply miss events.
//
// Run-tier events must name a concrete run. An emission that cannot be tied
// to a run is demoted to system tier and marked with data.demoted_from so it
// is never lost. Audit append failures never reach the caller: they go to a
// fallback logger, the metrics, and Health, and a circuit breaker keeps a
// failing disk from being hammered on every emission.
//
// Reader is the query side. It tolerates malformed lines and groups run-tier
// events into RunSummary records; nothing is inferred beyond what was
// recorded.
package events
