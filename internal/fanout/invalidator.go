package fanout

import (
	"context"

	"facet/internal/logger"
	"facet/pkg/models"
)

// TableResolver maps a dimension to its master relation.
type TableResolver func(dimension string) (string, bool)

// Invalidator drops the cached filter options of a dimension whenever
// its value set changes, so the next read sees the new state.
type Invalidator struct {
	cache   interface{ Invalidate(context.Context, string) error }
	resolve TableResolver
	logger  logger.Logger
}

func NewInvalidator(cache interface{ Invalidate(context.Context, string) error }, resolve TableResolver, log logger.Logger) *Invalidator {
	return &Invalidator{
		cache:   cache,
		resolve: resolve,
		logger:  log,
	}
}

func (i *Invalidator) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	table, ok := i.resolve(event.Dimension)
	if !ok {
		return
	}
	if err := i.cache.Invalidate(ctx, table); err != nil {
		i.logger.WarnwCtx(ctx, "Cache invalidation failed",
			"dimension", event.Dimension,
			"table", table,
			"error", err,
		)
	}
}
