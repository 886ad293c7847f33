// Package logging provides a minimal logging interface and adapters for Vana.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the dispatcher, broadcaster and transport use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - VanaLogger with contextual helpers (session, run, component)
//   - NoOpLogger for silent operation (testing, minimal setups)
package logging
