// Package middleware provides the HTTP middleware in front of the governor's
// control surface.
//
//   - CORS: cross-origin access for a dashboard, websocket upgrades included
//   - RateLimit: per-IP token buckets with idle eviction, applied to the
//     mutating control routes
//   - GlobalRateLimit: one shared bucket
//
// Rejected requests get 429 with a Retry-After header.
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	control := router.Group("/", middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
