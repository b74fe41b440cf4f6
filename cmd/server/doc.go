// Package main is the entry point for the pipeline governor server.
//
// The governor sequences the translator, analyzer and merger stages as one
// run at a time. It persists the pipeline state and an exclusive run lock so
// a restart can tell a finished run from a crashed one, records every fact
// in an append-only audit log and streams events live over WebSocket.
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -data-dir /var/lib/governor -pipeline /etc/governor/pipeline.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: stop accepting runs, wait up to SHUTDOWN_GRACE for
//     the in-flight stage, close live subscribers
package main
