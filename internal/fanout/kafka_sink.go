package fanout

import (
	"context"

	"facet/internal/broker"
	"facet/internal/logger"
	"facet/pkg/metrics"
	"facet/pkg/models"
)

// KafkaSink mirrors the WebSocket feed onto a broker topic so services
// without a live connection can still follow dimension changes.
type KafkaSink struct {
	producer broker.Producer
	topic    string
	logger   logger.Logger
}

func NewKafkaSink(producer broker.Producer, topic string, log logger.Logger) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   log,
	}
}

func (s *KafkaSink) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	if err := s.producer.Publish(ctx, s.topic, event); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("kafka").Inc()
		s.logger.ErrorwCtx(ctx, "Failed to publish event to broker",
			"topic", s.topic,
			"dimension", event.Dimension,
			"error", err,
		)
	}
}
