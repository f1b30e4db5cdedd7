package changefeed

import (
	"context"
	"sync"

	"facet/internal/broker"
	"facet/internal/logger"
	"facet/pkg/models"
)

// KafkaSource adapts a broker consumer into a change feed: a CDC
// pipeline publishes change envelopes to a topic and the agent tails
// it. Table filtering happens here because the topic may carry
// relations no dimension watches.
type KafkaSource struct {
	consumer broker.Consumer
	topic    string
	logger   logger.Logger

	mu     sync.RWMutex
	tables map[string]struct{}
}

func NewKafkaSource(consumer broker.Consumer, topic string, log logger.Logger) *KafkaSource {
	return &KafkaSource{
		consumer: consumer,
		topic:    topic,
		logger:   log,
		tables:   make(map[string]struct{}),
	}
}

func (s *KafkaSource) Subscribe(ctx context.Context, tables []string) error {
	s.mu.Lock()
	for _, table := range tables {
		s.tables[table] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

func (s *KafkaSource) Watch(ctx context.Context, handler HandlerFunc) error {
	s.logger.Infow("Change feed consuming from broker", "topic", s.topic)

	return s.consumer.Consume(ctx, s.topic, func(ctx context.Context, change models.ChangeEnvelope) error {
		s.mu.RLock()
		_, watched := s.tables[change.Table]
		s.mu.RUnlock()
		if !watched {
			return nil
		}
		return handler(ctx, change)
	})
}

func (s *KafkaSource) AddTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = struct{}{}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}
