// Package client is the Go client for a governor server, used by govctl.
//
// Requests go through resty on a retryablehttp transport. Connection
// failures and gateway errors are retried with backoff; governor answers,
// including 409 rejections and 503 while degraded, are returned as they are.
// A circuit breaker counts transport failures so a dead server fails fast.
//
// Control calls (Start, Reset, Stage) return the server's Decision: a
// rejection is a normal result, not an error. When the server cannot be
// reached Status returns a degraded status together with an
// *UnreachableError, so callers never show a healthy looking status for a
// governor they could not talk to.
//
// Tail follows the WebSocket live feed and reports the server's close
// reason (server_shutdown, orchestrator_unavailable, ...).
package client
