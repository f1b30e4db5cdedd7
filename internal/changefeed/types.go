package changefeed

import (
	"context"

	"facet/pkg/models"
)

// HandlerFunc receives one change envelope. Implementations must be
// fast; sources deliver sequentially per table.
type HandlerFunc func(ctx context.Context, change models.ChangeEnvelope) error

// Source watches a set of source relations and delivers row-level
// changes to the handler until the context is cancelled.
type Source interface {
	// Subscribe establishes the registrations for the given relations.
	// It must succeed before Watch delivers anything, and may be
	// called again to re-establish a terminated feed.
	Subscribe(ctx context.Context, tables []string) error
	// Watch blocks, delivering changes until the context is cancelled
	// or the feed terminates.
	Watch(ctx context.Context, handler HandlerFunc) error
	// AddTable extends a running watch with another relation, for
	// dimensions registered after startup.
	AddTable(ctx context.Context, table string) error
	Close() error
}
