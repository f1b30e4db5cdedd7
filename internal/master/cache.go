package master

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"facet/internal/constants"
	"facet/internal/logger"
	"facet/pkg/metrics"
)

// CachedRepository layers a Redis read-through cache over ListValues.
// Writes pass through untouched; the fan-out invalidator drops the
// cached entry whenever a dimension's value set changes, so a miss is
// the only path that observes fresh data.
type CachedRepository struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

func NewCachedRepository(repo Repository, client *redis.Client, ttlSeconds int, log logger.Logger) *CachedRepository {
	ttl := constants.DefaultCacheTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &CachedRepository{
		Repository: repo,
		client:     client,
		ttl:        ttl,
		log:        log,
	}
}

func cacheKey(table string) string {
	return constants.CacheKeyPrefixOptions + table
}

func (r *CachedRepository) ListValues(ctx context.Context, table string) ([]string, error) {
	key := cacheKey(table)

	cached, err := r.client.Get(ctx, key).Result()
	if err == nil {
		var values []string
		if err := json.Unmarshal([]byte(cached), &values); err == nil {
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			return values, nil
		}
		// Corrupt entry, fall through to the database.
		r.client.Del(ctx, key)
	} else if err != redis.Nil {
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		r.log.WarnwCtx(ctx, "Cache read failed, falling back to database", "key", key, "error", err)
	}

	metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()

	values, err := r.Repository.ListValues(ctx, table)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(values); err == nil {
		if err := r.client.Set(ctx, key, encoded, r.ttl).Err(); err != nil {
			r.log.WarnwCtx(ctx, "Cache write failed", "key", key, "error", err)
		}
	}

	return values, nil
}

// Invalidate removes the cached value list for a master table.
func (r *CachedRepository) Invalidate(ctx context.Context, table string) error {
	if err := r.client.Del(ctx, cacheKey(table)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", table, err)
	}
	return nil
}
