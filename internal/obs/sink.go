package obs

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives structured events from the core components. Implementations
// must not block for long and must never receive secrets.
type Sink interface {
	EmitEvent(ctx context.Context, e Event) error
}

// Emit sends an event through the sink, degrading failures to a logged
// warning. Sink failures never propagate out of the core.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := sink.EmitEvent(ctx, e); err != nil && logger != nil {
		logger.Warn("event emission failed",
			slog.String("event_type", string(e.Type)),
			slog.String("error", err.Error()))
	}
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) EmitEvent(ctx context.Context, e Event) error {
	attrs := []slog.Attr{slog.String("event_type", string(e.Type))}
	if e.KeyID != "" {
		attrs = append(attrs, slog.String("key_id", e.KeyID))
	}
	if e.ProviderID != "" {
		attrs = append(attrs, slog.String("provider_id", e.ProviderID))
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	if len(e.Payload) > 0 {
		attrs = append(attrs, slog.Any("payload", e.Payload))
	}
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "event", attrs...)
	return nil
}

// BusSink publishes events to an in-memory bus for SSE fan-out.
type BusSink struct {
	Bus *Bus
}

func (s *BusSink) EmitEvent(_ context.Context, e Event) error {
	s.Bus.Publish(e)
	return nil
}

// MultiSink fans one event out to several sinks. The first error is
// returned after all sinks have been tried.
type MultiSink []Sink

func (m MultiSink) EmitEvent(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.EmitEvent(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
