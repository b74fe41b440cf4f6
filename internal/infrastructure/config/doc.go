// Package config provides 12-factor configuration management for the governor.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags in cmd/server can override environment variables.
//
// Configuration Sections:
//   - Server: HTTP listener and shutdown grace
//   - Storage: data directory holding state.json, run.lock and audit.log
//   - Lock: staleness threshold, liveness mode, heartbeat cadence
//   - Pipeline: stage definition file and per-stage timeout
//   - Events: live feed backlog, subscriber buffers, audit breaker
//   - Health: orchestrator self-check interval
//   - Logging: log level and output format
//   - RateLimit: per-IP limits on control routes
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Storage.DataDir)
//
// Environment Variables:
//   - PORT, HOST, SHUTDOWN_GRACE, CORS_ORIGINS
//   - DATA_DIR, STATE_FSYNC, AUDIT_FSYNC, AUDIT_LOG, AUDIT_FALLBACK
//   - LOCK_STALE_AFTER, LOCK_LIVENESS, LOCK_HEARTBEAT_GRACE, LOCK_RENEW_INTERVAL
//   - PIPELINE_FILE, STAGE_TIMEOUT
//   - EVENTS_BACKLOG, EVENTS_SUBSCRIBER_BUFFER, AUDIT_BREAKER_FAILURES, AUDIT_BREAKER_COOLDOWN
//   - HEALTH_PROBE_INTERVAL, LOG_LEVEL, LOG_DEV, RATE_LIMIT_RPS, RATE_LIMIT_BURST
package config
