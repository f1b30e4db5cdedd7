package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"facet/internal/changefeed"
	"facet/internal/config"
	"facet/internal/logger"
	"facet/internal/registry"
	pkgerrors "facet/pkg/errors"
	"facet/pkg/metrics"
	"facet/pkg/models"
	"facet/pkg/retry"
)

const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// Resubscription pacing after the change feed terminates.
var (
	resubscribeMinBackoff = time.Second
	resubscribeMaxBackoff = time.Minute
)

// HealthStatus is the lifecycle controller's read-only view, safe to
// request in any state.
type HealthStatus struct {
	Status        string  `json:"status"`
	Dimensions    int     `json:"dimensions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Agent is the lifecycle controller: it owns the dimension workers,
// routes change-feed events to them, and exposes the filter-option and
// dimension-management operations the HTTP layer serves.
type Agent struct {
	cfg      *config.Config
	registry *registry.Registry
	engine   *Engine
	source   changefeed.Source
	logger   logger.Logger

	mu        sync.Mutex
	state     string
	startedAt time.Time
	workers   map[string]*worker
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg *config.Config, reg *registry.Registry, engine *Engine, log logger.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		registry: reg,
		engine:   engine,
		logger:   log,
		state:    StateStopped,
		workers:  make(map[string]*worker),
	}
}

// AttachSource must be called before Start.
func (a *Agent) AttachSource(source changefeed.Source) {
	a.source = source
}

// SourceColumns reports every watched column of a source relation;
// poll-based change feeds call this each tick.
func (a *Agent) SourceColumns(table string) []string {
	var columns []string
	for _, dim := range a.registry.ListEnabled() {
		if dim.SourceTable == table {
			columns = append(columns, dim.SourceColumn)
		}
	}
	return columns
}

// OnSourceResync is invoked by the change feed after a reconnect, when
// notifications may have been lost.
func (a *Agent) OnSourceResync(table string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, dim := range a.registry.ListEnabled() {
		if dim.SourceTable != table {
			continue
		}
		if w, ok := a.workers[dim.Name]; ok {
			w.enqueueReconcile()
		}
	}
}

// Start brings the agent from stopped to running: ensure every master
// relation exists, run one full sync per enabled dimension, then start
// the workers and the change feed. Any failure rolls back to stopped
// with nothing left running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStopped {
		a.mu.Unlock()
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("cannot start agent in state %s", a.state))
	}
	if a.source == nil {
		a.state = StateStopped
		a.mu.Unlock()
		return pkgerrors.ErrInternal.WithDetail("message", "no change source attached")
	}
	a.state = StateStarting
	a.mu.Unlock()

	a.logger.Info("Starting agent...")

	enabled := a.registry.ListEnabled()

	if err := a.initialSync(ctx, enabled); err != nil {
		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
		return err
	}

	// Registration failures surface here, before anything is running.
	if err := a.source.Subscribe(ctx, sourceTables(enabled)); err != nil {
		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
		return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("message", "change feed registration failed")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.runCtx = runCtx
	a.runCancel = cancel
	for _, dim := range enabled {
		w := newWorker(dim, a.engine, a.cfg.Agent, a.logger)
		w.start(runCtx)
		a.workers[dim.Name] = w
	}
	metrics.ActiveDimensions.Set(float64(len(a.workers)))
	a.mu.Unlock()

	go a.watch(runCtx)

	a.mu.Lock()
	a.state = StateRunning
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.logger.Infow("Agent running", "dimensions", len(enabled))
	return nil
}

func (a *Agent) initialSync(ctx context.Context, dims []registry.Dimension) error {
	g, syncCtx := errgroup.WithContext(ctx)
	for _, dim := range dims {
		dim := dim
		g.Go(func() error {
			if err := a.engine.repo.EnsureMasterTable(syncCtx, dim.MasterTable); err != nil {
				return fmt.Errorf("dimension %s: %w", dim.Name, err)
			}
			if err := a.engine.Sync(syncCtx, dim); err != nil {
				return fmt.Errorf("dimension %s: %w", dim.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}
	return nil
}

// watch runs the change feed until shutdown, resubscribing with
// exponential backoff when it terminates. A feed gap can lose
// notifications, so every resubscription also triggers a full
// reconcile of the affected relations.
func (a *Agent) watch(ctx context.Context) {
	bo := backoff.WithContext(retry.ExponentialBackoff(resubscribeMinBackoff, resubscribeMaxBackoff, 2.0), ctx)

	for {
		err := a.source.Watch(ctx, a.handleChange)
		if ctx.Err() != nil {
			return
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return
		}
		a.logger.Errorw("Change feed terminated, resubscribing",
			"error", err,
			"retry_in", next,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}

		tables := sourceTables(a.registry.ListEnabled())
		if err := a.source.Subscribe(ctx, tables); err != nil {
			a.logger.Errorw("Change feed resubscription failed", "error", err)
			continue
		}
		bo.Reset()
		for _, table := range tables {
			a.OnSourceResync(table)
		}
	}
}

// handleChange routes one change envelope to every enabled dimension
// watching that relation: inserts and updates feed the upsert queue,
// deletes arm the debounced prune.
func (a *Agent) handleChange(ctx context.Context, change models.ChangeEnvelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, dim := range a.registry.ListEnabled() {
		if dim.SourceTable != change.Table {
			continue
		}
		w, ok := a.workers[dim.Name]
		if !ok {
			continue
		}

		metrics.ChangeEventsTotal.WithLabelValues(dim.Name, change.Op).Inc()

		switch change.Op {
		case models.OpInsert, models.OpUpdate:
			if v, ok := change.NewValue(dim.SourceColumn); ok && strings.TrimSpace(v) != "" {
				w.enqueueUpsert([]string{v})
			}
		case models.OpDelete:
			w.schedulePrune()
		}
	}
	return nil
}

// Stop tears the agent down. Stopping an already-stopped agent is a
// no-op.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return nil
	}
	if a.state != StateRunning {
		state := a.state
		a.mu.Unlock()
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("cannot stop agent in state %s", state))
	}
	a.state = StateStopping
	cancel := a.runCancel
	workers := a.workers
	a.workers = make(map[string]*worker)
	a.mu.Unlock()

	a.logger.Info("Stopping agent...")

	if cancel != nil {
		cancel()
	}
	for _, w := range workers {
		w.stop()
	}
	if err := a.source.Close(); err != nil {
		a.logger.Warnw("Change source close failed", "error", err)
	}

	a.mu.Lock()
	a.state = StateStopped
	a.runCtx = nil
	a.runCancel = nil
	a.mu.Unlock()

	metrics.ActiveDimensions.Set(0)
	a.logger.Info("Agent stopped")
	return nil
}

func (a *Agent) Health() HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := HealthStatus{
		Status:     a.state,
		Dimensions: a.registry.Len(),
	}
	if a.state == StateRunning {
		status.UptimeSeconds = time.Since(a.startedAt).Seconds()
	}
	return status
}

// ListFilterOptions returns the sorted current value set of a
// registered dimension.
func (a *Agent) ListFilterOptions(ctx context.Context, name string) ([]string, error) {
	dim, err := a.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return a.engine.ListOptions(ctx, dim)
}

// ListDimensions returns every registered dimension in registration
// order.
func (a *Agent) ListDimensions() []registry.Dimension {
	return a.registry.List()
}

// AddDimension registers a new dimension at runtime. When the agent is
// running, the master relation is provisioned, a full sync completes
// before the call returns, and the change feed extends to the new
// source relation.
func (a *Agent) AddDimension(ctx context.Context, spec config.DimensionSpec) (registry.Dimension, error) {
	if err := validateSpec(spec); err != nil {
		return registry.Dimension{}, err
	}
	if spec.ValueFilter != "" {
		if err := a.engine.evaluator.ValidateExpression(spec.ValueFilter); err != nil {
			return registry.Dimension{}, pkgerrors.ErrValidation.WithCause(err).WithDetail("field", "value_filter")
		}
	}

	dim := registry.FromSpec(spec)
	if err := a.registry.Add(dim); err != nil {
		return registry.Dimension{}, err
	}

	a.mu.Lock()
	running := a.state == StateRunning
	a.mu.Unlock()

	if running && dim.Enabled {
		if err := a.activateDimension(ctx, dim); err != nil {
			// Roll the registration back so a retry of the same
			// request is not rejected as a duplicate.
			if rmErr := a.registry.Remove(dim.Name); rmErr != nil {
				a.logger.ErrorwCtx(ctx, "Dimension rollback failed", "dimension", dim.Name, "error", rmErr)
			}
			return registry.Dimension{}, err
		}
	}

	a.logger.InfowCtx(ctx, "Dimension registered",
		"dimension", dim.Name,
		"source_table", dim.SourceTable,
		"master_table", dim.MasterTable,
	)
	return dim, nil
}

// SetEnabled toggles a dimension. Enabling performs one immediate sync
// and registers the change feed; disabling stops the worker, leaving
// the master relation untouched.
func (a *Agent) SetEnabled(ctx context.Context, name string, enabled bool) (registry.Dimension, error) {
	dim, err := a.registry.SetEnabled(name, enabled)
	if err != nil {
		return registry.Dimension{}, err
	}

	a.mu.Lock()
	running := a.state == StateRunning
	_, active := a.workers[name]
	a.mu.Unlock()

	if !running {
		return dim, nil
	}

	if enabled && !active {
		if err := a.activateDimension(ctx, dim); err != nil {
			return registry.Dimension{}, err
		}
	}
	if !enabled && active {
		a.mu.Lock()
		w := a.workers[name]
		delete(a.workers, name)
		metrics.ActiveDimensions.Set(float64(len(a.workers)))
		a.mu.Unlock()
		w.stop()
		a.logger.InfowCtx(ctx, "Dimension disabled", "dimension", name)
	}
	return dim, nil
}

// SetRefreshInterval changes a dimension's prune cadence. A running
// worker is swapped for one with the new interval; queued tasks on the
// old worker drain before it stops.
func (a *Agent) SetRefreshInterval(ctx context.Context, name string, ms int) (registry.Dimension, error) {
	dim, err := a.registry.SetRefreshInterval(name, ms)
	if err != nil {
		return registry.Dimension{}, err
	}

	a.mu.Lock()
	old, active := a.workers[name]
	if !active {
		a.mu.Unlock()
		return dim, nil
	}
	parent := a.runCtx
	if parent == nil {
		parent = context.Background()
	}
	w := newWorker(dim, a.engine, a.cfg.Agent, a.logger)
	w.start(parent)
	a.workers[name] = w
	a.mu.Unlock()

	old.stop()
	a.logger.InfowCtx(ctx, "Dimension refresh interval updated", "dimension", name, "refresh_interval_ms", ms)
	return dim, nil
}

func (a *Agent) activateDimension(ctx context.Context, dim registry.Dimension) error {
	if err := a.engine.repo.EnsureMasterTable(ctx, dim.MasterTable); err != nil {
		return pkgerrors.ErrUpsertFailed.WithCause(err).WithDetail("dimension", dim.Name)
	}
	if err := a.engine.Sync(ctx, dim); err != nil {
		return err
	}
	if err := a.source.AddTable(ctx, dim.SourceTable); err != nil {
		return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("dimension", dim.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.workers[dim.Name]; exists {
		return nil
	}
	parent := a.runCtx
	if parent == nil {
		parent = context.Background()
	}
	w := newWorker(dim, a.engine, a.cfg.Agent, a.logger)
	w.start(parent)
	a.workers[dim.Name] = w
	metrics.ActiveDimensions.Set(float64(len(a.workers)))
	return nil
}

func sourceTables(dims []registry.Dimension) []string {
	seen := make(map[string]struct{}, len(dims))
	var tables []string
	for _, dim := range dims {
		if _, ok := seen[dim.SourceTable]; ok {
			continue
		}
		seen[dim.SourceTable] = struct{}{}
		tables = append(tables, dim.SourceTable)
	}
	return tables
}

func validateSpec(spec config.DimensionSpec) error {
	if spec.Name == "" || spec.SourceTable == "" || spec.SourceColumn == "" || spec.MasterTable == "" {
		return pkgerrors.ErrValidation.WithDetail("message", "name, source_table, source_column and master_table are required")
	}
	for field, ident := range map[string]string{
		"name":          spec.Name,
		"source_table":  spec.SourceTable,
		"source_column": spec.SourceColumn,
		"master_table":  spec.MasterTable,
	} {
		if !config.IsValidIdentifier(ident) {
			return pkgerrors.ErrValidation.WithDetail("field", field).WithDetail("message", fmt.Sprintf("%q is not a valid identifier", ident))
		}
	}
	return nil
}
