package telemetry

import "context"

// NoopLogger discards every log call; the default for components that
// haven't been handed a real Logger (tests, and any constructor before
// WithLogger is applied).
type NoopLogger struct{}

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}
