// Package logging provides structured logging with per-module log levels.
//
// Records go to stdout (text or json) and, when journald is reachable, to
// the systemd journal as well.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"collector":  "debug",
//			"dispatcher": "debug",
//		},
//	})
//
// Then fetch a logger per module:
//
//	logger := logging.GetLogger("dispatcher").With("session_id", id)
//	logger.Info("Configured outputs", "count", n)
//
// Journal fields are the upper-cased attribute keys:
//
//	journalctl -t capturebridge MODULE=collector
//	journalctl -t capturebridge FRAME=42
package logging
