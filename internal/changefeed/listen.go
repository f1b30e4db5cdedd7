package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"facet/internal/constants"
	"facet/internal/logger"
	"facet/pkg/metrics"
	"facet/pkg/models"
)

const (
	listenMinReconnect = 2 * time.Second
	listenMaxReconnect = time.Minute
	listenPingInterval = 90 * time.Second
)

// ListenSource delivers row changes over Postgres LISTEN/NOTIFY. Each
// watched relation carries a per-row trigger that calls pg_notify on
// channel facet_<table> with a JSON change envelope. Notifications are
// lossy across reconnects, so the source reports every resubscription
// through onResync and the caller schedules a full reconciliation.
type ListenSource struct {
	dsn      string
	logger   logger.Logger
	onResync func(table string)

	mu       sync.Mutex
	listener *pq.Listener
	tables   map[string]struct{}
}

func NewListenSource(dsn string, log logger.Logger, onResync func(table string)) *ListenSource {
	return &ListenSource{
		dsn:      dsn,
		logger:   log,
		onResync: onResync,
		tables:   make(map[string]struct{}),
	}
}

func channelFor(table string) string {
	return constants.NotifyChannelPrefix + table
}

// Subscribe dials a fresh listener and registers every channel. The
// pq.Listener confirms each LISTEN against a live connection, so a
// failure here means the feed never came up.
func (s *ListenSource) Subscribe(ctx context.Context, tables []string) error {
	listener := pq.NewListener(s.dsn, listenMinReconnect, listenMaxReconnect, s.listenerEvent)

	for _, table := range tables {
		if err := listener.Listen(channelFor(table)); err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", channelFor(table), err)
		}
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.listener = listener
	for _, table := range tables {
		s.tables[table] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Infow("Change listener subscribed", "tables", tables)
	return nil
}

func (s *ListenSource) Watch(ctx context.Context, handler HandlerFunc) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return fmt.Errorf("watch before subscribe")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-listener.Notify:
			if !ok {
				return fmt.Errorf("listener closed")
			}
			if n == nil {
				// Connection was re-established; anything notified in
				// between is gone.
				s.resyncAll()
				continue
			}
			s.dispatch(ctx, n, handler)

		case <-time.After(listenPingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warnw("Listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (s *ListenSource) AddTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return fmt.Errorf("listener not started")
	}
	if _, ok := s.tables[table]; ok {
		return nil
	}
	if err := s.listener.Listen(channelFor(table)); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", channelFor(table), err)
	}
	s.tables[table] = struct{}{}
	return nil
}

func (s *ListenSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *ListenSource) dispatch(ctx context.Context, n *pq.Notification, handler HandlerFunc) {
	var change models.ChangeEnvelope
	if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
		s.logger.Warnw("Dropping malformed notification payload",
			"channel", n.Channel,
			"error", err,
		)
		return
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	if err := handler(ctx, change); err != nil {
		s.logger.Errorw("Change handler failed",
			"table", change.Table,
			"op", change.Op,
			"error", err,
		)
	}
}

func (s *ListenSource) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
	case pq.ListenerEventReconnected:
		s.logger.Warnw("Change listener reconnected")
	case pq.ListenerEventDisconnected:
		s.logger.Warnw("Change listener disconnected", "error", err)
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warnw("Change listener connection attempt failed", "error", err)
	}
}

func (s *ListenSource) resyncAll() {
	s.mu.Lock()
	tables := make([]string, 0, len(s.tables))
	for table := range s.tables {
		tables = append(tables, table)
	}
	s.mu.Unlock()

	for _, table := range tables {
		metrics.ListenerReconnectsTotal.WithLabelValues(table).Inc()
		if s.onResync != nil {
			s.onResync(table)
		}
	}
}
