package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"facet/internal/logger"
	"facet/pkg/metrics"
	"facet/pkg/models"
)

// Hub broadcasts filter update events to every connected WebSocket
// observer. Each observer gets a bounded outbound queue; when it fills,
// the event is dropped for that observer only. Observers that fall too
// far behind resynchronize by refetching filter options over HTTP.
type Hub struct {
	logger logger.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		logger:  log,
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return
	}
	h.clients[c] = struct{}{}
	metrics.ConnectedObservers.Set(float64(len(h.clients)))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.ConnectedObservers.Set(float64(len(h.clients)))
}

// Publish implements EventSink.
func (h *Hub) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to marshal filter update event",
			"dimension", event.Dimension,
			"error", err,
		)
		return
	}

	metrics.EventsBroadcastTotal.WithLabelValues(event.Action).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			metrics.EventsDroppedTotal.WithLabelValues("websocket").Inc()
			h.logger.Warnw("Dropping event for slow observer",
				"dimension", event.Dimension,
				"remote_addr", c.remoteAddr,
			)
		}
	}
}

func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every observer and refuses new registrations.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	metrics.ConnectedObservers.Set(0)
}
