package fanout

import (
	"context"

	"facet/internal/logger"
	"facet/pkg/models"
)

// EventSink receives every filter update event the agent emits, after
// the master relation write committed. Publish must not block the
// caller for long; slow consumers drop rather than stall the
// per-dimension pipeline.
type EventSink interface {
	Publish(ctx context.Context, event models.FilterUpdateEvent)
}

// MultiSink fans one event out to several sinks in order.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	flattened := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			flattened = append(flattened, s)
		}
	}
	return &MultiSink{sinks: flattened}
}

func (m *MultiSink) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	for _, s := range m.sinks {
		s.Publish(ctx, event)
	}
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, event models.FilterUpdateEvent)

func (f SinkFunc) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	f(ctx, event)
}

// LogSink records events at debug level; useful when no observer is
// connected and nothing else consumes the feed.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	s.log.DebugwCtx(ctx, "Filter update event",
		"dimension", event.Dimension,
		"action", event.Action,
		"values", len(event.Values),
	)
}
