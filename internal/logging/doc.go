// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Logs to both when both are available
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"supervisor": "debug",  // Per-module overrides
//			"signals":    "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("supervisor")
//	logger.Info("Pool started", "workers", 4)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("supervisor").With("pid", pid)
//	logger.Info("Worker started")  // Includes pid in all logs
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t prefork              # All prefork logs
//	journalctl -t prefork -f           # Follow live
//	journalctl -t prefork -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t prefork MODULE=supervisor
//	journalctl -t prefork PID=12345
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only.
//
// Example TOML configuration (any key other than level and format names a
// module and its level):
//
//	[logging]
//	level = "info"
//	format = "text"
//	supervisor = "debug"
//	signals = "warn"
package logging
