// Package logging provides structured logging for Air Vinyl.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for log shippers, text output for a terminal
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (off, error, warn, info, debug, trace)
//   - Numeric verbosity (the -d flag) via LevelForVerbosity
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "warn"      # off, error, warn, info, debug, trace
//	  format: "text"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 3030)
//	logger.Error("failed to connect", "error", err)
//
// Never log secrets, tokens or passwords.
package logging
