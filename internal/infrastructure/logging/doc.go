// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every governor component gets a named child (state, lock, events,
// orchestrator, http) so log lines can be filtered per component.
//
// The audit fallback channel (NewFallback) is a separate JSON logger, on
// stderr unless AUDIT_FALLBACK names a file. The event system writes there whenever an audit log append fails,
// so a lost audit record is still visible somewhere.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Component("lock").Info("lock acquired", zap.String("run_id", runID))
package logging
