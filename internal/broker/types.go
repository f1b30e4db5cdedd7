package broker

import (
	"context"

	"facet/pkg/models"
)

// Producer publishes filter update events to downstream consumers that
// prefer a durable feed over a WebSocket session.
type Producer interface {
	Publish(ctx context.Context, topic string, event models.FilterUpdateEvent) error
	Close() error
}

// Consumer feeds CDC change envelopes from a broker topic into the
// agent, as an alternative to LISTEN/NOTIFY.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, change models.ChangeEnvelope) error
