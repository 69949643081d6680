// Package pkg provides shared utilities for the softaoa accessory host.
//
// This package contains functionality used by every layer, from the USB
// backends up to the session controller:
//
//   - Structured logging via Go's standard [log/slog] package, with an
//     optional colorized handler for interactive terminals
//   - Sentinel error values for USB transport conditions
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.SetLogFormat(pkg.LogFormatTint)
//	pkg.LogInfo(pkg.ComponentSession, "session active", "audio", true)
//
// # Errors
//
// Transport conditions are sentinel values. Detachment is always reported
// as [ErrNoDevice], whatever the backend:
//
//	if pkg.IsDetached(err) {
//	    // tear the session down
//	}
package pkg
