package master

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"

	"facet/internal/config"
	"facet/pkg/circuitbreaker"
)

type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{
			repo: repo,
			cb:   nil,
		}
	}

	cbConfig := circuitbreaker.DefaultConfig("postgres-master")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRepository) execute(ctx context.Context, op func() (interface{}, error)) (interface{}, error) {
	result, err := r.cb.ExecuteWithContext(ctx, op)

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for postgres-master: %w", err)
		}
		return nil, err
	}
	return result, nil
}

func (r *CircuitBreakerRepository) EnsureMasterTable(ctx context.Context, table string) error {
	if r.cb == nil {
		return r.repo.EnsureMasterTable(ctx, table)
	}

	_, err := r.execute(ctx, func() (interface{}, error) {
		return nil, r.repo.EnsureMasterTable(ctx, table)
	})
	return err
}

func (r *CircuitBreakerRepository) UpsertValues(ctx context.Context, table string, values []string) (int64, error) {
	if r.cb == nil {
		return r.repo.UpsertValues(ctx, table, values)
	}

	result, err := r.execute(ctx, func() (interface{}, error) {
		return r.repo.UpsertValues(ctx, table, values)
	})
	if err != nil {
		return 0, err
	}

	inserted, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("repository returned invalid result type")
	}
	return inserted, nil
}

func (r *CircuitBreakerRepository) ListValues(ctx context.Context, table string) ([]string, error) {
	if r.cb == nil {
		return r.repo.ListValues(ctx, table)
	}

	result, err := r.execute(ctx, func() (interface{}, error) {
		return r.repo.ListValues(ctx, table)
	})
	if err != nil {
		return nil, err
	}

	values, ok := result.([]string)
	if !ok && result != nil {
		return nil, fmt.Errorf("repository returned invalid result type")
	}
	return values, nil
}

func (r *CircuitBreakerRepository) DeleteValues(ctx context.Context, table string, values []string) (int64, error) {
	if r.cb == nil {
		return r.repo.DeleteValues(ctx, table, values)
	}

	result, err := r.execute(ctx, func() (interface{}, error) {
		return r.repo.DeleteValues(ctx, table, values)
	})
	if err != nil {
		return 0, err
	}

	deleted, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("repository returned invalid result type")
	}
	return deleted, nil
}

func (r *CircuitBreakerRepository) DistinctSourceValues(ctx context.Context, sourceTable, sourceColumn string) ([]string, error) {
	if r.cb == nil {
		return r.repo.DistinctSourceValues(ctx, sourceTable, sourceColumn)
	}

	result, err := r.execute(ctx, func() (interface{}, error) {
		return r.repo.DistinctSourceValues(ctx, sourceTable, sourceColumn)
	})
	if err != nil {
		return nil, err
	}

	values, ok := result.([]string)
	if !ok && result != nil {
		return nil, fmt.Errorf("repository returned invalid result type")
	}
	return values, nil
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}
