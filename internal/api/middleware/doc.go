// Package middleware provides the gin middleware in front of the operator
// HTTP surface.
//
// Middleware stack includes:
//   - CORS: cross-origin resource sharing with configurable origins
//   - RateLimit: per-IP token bucket rate limiting with idle eviction
//   - RequestID and AccessLog: request correlation and zap access logs
//   - DashboardOnly: restricts session and override endpoints to the
//     dashboard origins
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.AccessLog(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
