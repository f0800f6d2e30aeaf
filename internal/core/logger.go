package core

import "chatstore/internal/observe"

// Logger is the structured logger the stores report to; *slog.Logger
// satisfies it.
type Logger = observe.Logger

// MetricsRecorder receives one observation per store operation.
type MetricsRecorder = observe.MetricsRecorder

// Tracer starts spans around store operations.
type Tracer = observe.Tracer
