package agent

import (
	"context"
	"strings"
	"time"

	"facet/internal/config"
	"facet/internal/fanout"
	"facet/internal/logger"
	"facet/internal/master"
	"facet/internal/registry"
	"facet/pkg/cel"
	pkgerrors "facet/pkg/errors"
	"facet/pkg/metrics"
	"facet/pkg/models"
	"facet/pkg/tracing"
)

// Engine owns all master relation mutations for every dimension. One
// dimension's operations are serialized by its worker; the engine
// itself is stateless and safe for concurrent use across dimensions.
type Engine struct {
	repo      master.Repository
	sink      fanout.EventSink
	evaluator *cel.Evaluator
	timeout   time.Duration
	logger    logger.Logger
}

func NewEngine(repo master.Repository, sink fanout.EventSink, evaluator *cel.Evaluator, cfg config.AgentConfig, log logger.Logger) *Engine {
	return &Engine{
		repo:      repo,
		sink:      sink,
		evaluator: evaluator,
		timeout:   cfg.OperationTimeout,
		logger:    log,
	}
}

// Upsert writes a batch of raw values into the dimension's master
// relation. Blank values are dropped, duplicates collapse to the first
// occurrence, and the dimension's admission expression filters the
// rest. An empty result is a no-op with no event. On success the full
// admitted set is broadcast; re-upserts of known values keep their
// existing row untouched.
func (e *Engine) Upsert(ctx context.Context, dim registry.Dimension, values []string) error {
	ctx, span := tracing.GetTracer("facet-agent").Start(ctx, "agent.upsert")
	defer span.End()

	admitted, err := e.admit(ctx, dim, values)
	if err != nil {
		return pkgerrors.ErrUpsertFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}
	if len(admitted) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	inserted, err := e.repo.UpsertValues(opCtx, dim.MasterTable, admitted)
	if err != nil {
		e.logger.ErrorwCtx(ctx, "Upsert failed",
			"dimension", dim.Name,
			"values", len(admitted),
			"error", err,
		)
		return pkgerrors.ErrUpsertFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}

	metrics.UpsertedValuesTotal.WithLabelValues(dim.Name).Add(float64(inserted))

	e.sink.Publish(ctx, models.FilterUpdateEvent{
		Dimension: dim.Name,
		Action:    models.ActionUpsert,
		Values:    admitted,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Prune removes every master value no longer present in the source
// relation and returns how many were removed. The master set is read
// before the active set: a value inserted into the source while the
// pass runs then shows up in the fresher active snapshot and survives.
// Any read failure aborts the pass before deletion.
func (e *Engine) Prune(ctx context.Context, dim registry.Dimension) (int64, error) {
	ctx, span := tracing.GetTracer("facet-agent").Start(ctx, "agent.prune")
	defer span.End()

	start := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	masterSet, err := e.repo.ListValues(opCtx, dim.MasterTable)
	if err != nil {
		metrics.ObservePruneDuration(dim.Name, time.Since(start), "error")
		return 0, pkgerrors.ErrPruneFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}

	activeSet, err := e.repo.DistinctSourceValues(opCtx, dim.SourceTable, dim.SourceColumn)
	if err != nil {
		metrics.ObservePruneDuration(dim.Name, time.Since(start), "error")
		return 0, pkgerrors.ErrPruneFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}

	orphans := subtract(masterSet, activeSet)
	if len(orphans) == 0 {
		metrics.ObservePruneDuration(dim.Name, time.Since(start), "ok")
		return 0, nil
	}

	deleted, err := e.repo.DeleteValues(opCtx, dim.MasterTable, orphans)
	if err != nil {
		metrics.ObservePruneDuration(dim.Name, time.Since(start), "error")
		return 0, pkgerrors.ErrPruneFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}

	metrics.PrunedValuesTotal.WithLabelValues(dim.Name).Add(float64(deleted))
	metrics.ObservePruneDuration(dim.Name, time.Since(start), "ok")

	e.logger.InfowCtx(ctx, "Pruned orphaned values",
		"dimension", dim.Name,
		"removed", deleted,
	)

	e.sink.Publish(ctx, models.FilterUpdateEvent{
		Dimension: dim.Name,
		Action:    models.ActionDelete,
		Values:    orphans,
		Timestamp: time.Now().UTC(),
	})
	return deleted, nil
}

// Sync pushes the source relation's full distinct value set through
// Upsert. Used at startup, on dimension registration, and by the
// periodic reconciliation tick.
func (e *Engine) Sync(ctx context.Context, dim registry.Dimension) error {
	start := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	active, err := e.repo.DistinctSourceValues(opCtx, dim.SourceTable, dim.SourceColumn)
	if err != nil {
		metrics.ObserveSyncDuration(dim.Name, time.Since(start), "error")
		return pkgerrors.ErrUpsertFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}

	if err := e.Upsert(ctx, dim, active); err != nil {
		metrics.ObserveSyncDuration(dim.Name, time.Since(start), "error")
		return err
	}

	metrics.ObserveSyncDuration(dim.Name, time.Since(start), "ok")
	return nil
}

// ListOptions returns the dimension's current master values, sorted.
func (e *Engine) ListOptions(ctx context.Context, dim registry.Dimension) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	values, err := e.repo.ListValues(opCtx, dim.MasterTable)
	if err != nil {
		return nil, pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("dimension", dim.Name)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func (e *Engine) admit(ctx context.Context, dim registry.Dimension, values []string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	admitted := make([]string, 0, len(values))

	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}

		if dim.ValueFilter != "" {
			ok, err := e.evaluator.Admit(ctx, dim.ValueFilter, dim.Name, v)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		admitted = append(admitted, v)
	}
	return admitted, nil
}

// subtract returns the members of a absent from b, preserving a's order.
func subtract(a, b []string) []string {
	present := make(map[string]struct{}, len(b))
	for _, v := range b {
		present[v] = struct{}{}
	}

	var out []string
	for _, v := range a {
		if _, ok := present[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
