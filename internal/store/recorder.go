package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// Recorder is the single writer of the execution log. Engine components
// record progress through it instead of touching the log table directly,
// which keeps sequence numbers gapless per execution.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder on top of the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record appends one entry to an execution's log and mirrors it to the
// process logger. Persistence failures are logged but never propagate,
// a lost log line must not fail the step that produced it.
func (r *Recorder) Record(ctx context.Context, executionID string, level schema.LogLevel, stepIndex int, stepName string, attempt int, message string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to marshal log details", slog.String("error", err.Error()))
		} else {
			raw = b
		}
	}

	entry := &LogEntry{
		ExecutionID: executionID,
		Level:       level,
		StepIndex:   stepIndex,
		StepName:    stepName,
		Attempt:     attempt,
		Message:     message,
		Details:     raw,
		Timestamp:   time.Now().UTC(),
	}

	if err := r.store.AppendLogEntry(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist log entry",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}

	attrs := []any{slog.String("execution_id", executionID)}
	if stepName != "" {
		attrs = append(attrs, slog.String("step", stepName))
	}
	if attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", attempt))
	}
	switch level {
	case schema.LogLevelDebug:
		r.logger.DebugContext(ctx, message, attrs...)
	case schema.LogLevelWarn:
		r.logger.WarnContext(ctx, message, attrs...)
	case schema.LogLevelError:
		r.logger.ErrorContext(ctx, message, attrs...)
	default:
		r.logger.InfoContext(ctx, message, attrs...)
	}
}

// Info records an execution-level info entry.
func (r *Recorder) Info(ctx context.Context, executionID, message string, details map[string]any) {
	r.Record(ctx, executionID, schema.LogLevelInfo, -1, "", 0, message, details)
}

// Error records an execution-level error entry.
func (r *Recorder) Error(ctx context.Context, executionID, message string, details map[string]any) {
	r.Record(ctx, executionID, schema.LogLevelError, -1, "", 0, message, details)
}

// StepInfo records an info entry attributed to a step attempt.
func (r *Recorder) StepInfo(ctx context.Context, executionID string, stepIndex int, stepName string, attempt int, message string, details map[string]any) {
	r.Record(ctx, executionID, schema.LogLevelInfo, stepIndex, stepName, attempt, message, details)
}

// StepError records an error entry attributed to a step attempt.
func (r *Recorder) StepError(ctx context.Context, executionID string, stepIndex int, stepName string, attempt int, message string, details map[string]any) {
	r.Record(ctx, executionID, schema.LogLevelError, stepIndex, stepName, attempt, message, details)
}
