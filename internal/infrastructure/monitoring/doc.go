/*
Package monitoring provides Prometheus metrics for the governor.

# Overview

Each Metrics value owns its own registry, so several governors (or several
tests) can live in one process without duplicate registration panics.

# Features

- HTTP request metrics (latency, throughput, size)
- State transitions, rejections and corruption recoveries
- Run lock acquisitions, reclaims and the held gauge
- Event emission, tier demotion, audit append failures, audit breaker state
- Live feed subscribers and dropped broadcasts
- Run outcomes, start rejections, per-stage duration histograms
- Degraded mode and uptime

# Usage

	metrics := monitoring.NewMetrics(nil)
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "translator")
	// ... invoke stage ...
	timer.Stop("success")

All recording methods are no-ops on a nil *Metrics.
*/
package monitoring
