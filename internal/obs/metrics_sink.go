package obs

import (
	"context"

	"github.com/jordanhubbard/keyrouter/internal/metrics"
)

// MetricsSink counts events by type in the Prometheus registry.
type MetricsSink struct {
	Metrics *metrics.Registry
}

func (s *MetricsSink) EmitEvent(_ context.Context, e Event) error {
	s.Metrics.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	return nil
}
