// Package server assembles the governor: it builds the state, lock and event
// managers from configuration, boots the orchestrator, mounts the HTTP and
// WebSocket APIs and owns graceful shutdown.
//
// Routes:
//
//	GET  /                          service info
//	GET  /health                    200 healthy, 503 degraded
//	GET  /status                    full orchestrator status
//	POST /runs                      start a run (rate limited)
//	POST /reset                     SUCCESS/FAILED -> IDLE (rate limited)
//	POST /stages/:stage/start       diagnostic single-stage run (rate limited)
//	GET  /runs, /runs/stats         run history from the audit log
//	GET  /runs/:id/events           one run's audit trail
//	GET  /audit/export              compressed audit log download
//	POST /audit/acknowledge         clear the sticky audit failure marker (rate limited)
//	GET  /stream                    live event feed (WebSocket)
//	GET  /metrics, /metrics/json    Prometheus and JSON metrics
package server
