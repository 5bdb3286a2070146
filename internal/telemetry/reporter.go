package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/txlife/internal/dispatcher"
	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/projector"
)

// LogReporter is a dispatcher.Reporter that logs anomalies and annotates
// the active span with them.
type LogReporter struct {
	logger *slog.Logger
}

var _ dispatcher.Reporter = (*LogReporter)(nil)

// NewLogReporter returns a reporter writing to logger. A nil logger means
// slog.Default().
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Rejected logs a refused event at warn level.
func (r *LogReporter) Rejected(ctx context.Context, ev event.Event, res projector.Result) {
	trace.SpanFromContext(ctx).AddEvent("event.rejected", trace.WithAttributes(
		attribute.String("reason", string(res.Reason)),
		attribute.String("status", string(res.View.Status)),
	))
	r.logger.WarnContext(ctx, "event rejected",
		append(eventAttrs(ctx, ev),
			"reason", res.Reason,
			"status", res.View.Status,
			"last_applied", res.View.LastAppliedSequenceNumber,
		)...,
	)
}

// Conflict logs a lost version race at debug level; conflicts are expected
// under concurrent delivery.
func (r *LogReporter) Conflict(ctx context.Context, ev event.Event, attempt int) {
	trace.SpanFromContext(ctx).AddEvent("view.conflict", trace.WithAttributes(
		attribute.Int("attempt", attempt),
	))
	r.logger.DebugContext(ctx, "view version conflict",
		append(eventAttrs(ctx, ev), "attempt", attempt)...,
	)
}

// Fatal logs an abandoned delivery at error level.
func (r *LogReporter) Fatal(ctx context.Context, d feed.Delivery, err *dispatcher.FatalError) {
	r.logger.ErrorContext(ctx, "delivery failed",
		append(eventAttrs(ctx, d.Event),
			"delivery_id", d.ID,
			"fatal_code", err.Code,
			"attempts", err.Attempts,
			"error", err.Err,
		)...,
	)
}

func eventAttrs(ctx context.Context, ev event.Event) []any {
	attrs := []any{
		"transaction_id", ev.TransactionID,
		"seq", ev.SequenceNumber,
	}
	if ev.Code.Valid() {
		attrs = append(attrs, "code", ev.Code)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, "trace_id", sc.TraceID().String())
	}
	return attrs
}
