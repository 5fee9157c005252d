// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Components receive a *zap.Logger and name themselves ("kernel",
// "portal", "ws"). Module log lines are re-emitted by the kernel with a
// "module" field carrying the module identity. Logs go to stderr so that
// CLI commands can keep stdout for their results.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	logger.Info("Kernel listening", zap.String("addr", addr))
package logging
