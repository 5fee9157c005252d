// Package config provides 12-factor configuration for the kernel service.
//
// Configuration is loaded from environment variables with defaults.
// Command-line flags override individual settings.
//
// Configuration Sections:
//   - Server: listen address, allowed WebSocket origins, frame size limit
//   - Kernel: dashboard origins, module policy file, timeouts, module log rate
//   - Portal: storage portals tried in order, retries, breaker settings
//   - Content: local store and download cache directories
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting of the HTTP surface
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("kernel listening on %s\n", cfg.Addr())
package config
