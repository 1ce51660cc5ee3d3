// Package telemetry provides the logging façade used across the scheduler
// and worker. Every long-lived component takes a Logger explicitly instead
// of reaching for package-level globals, so a test can swap in NoopLogger
// without touching production wiring.
package telemetry

import "context"

// Logger captures structured logging used throughout the core.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}
