package agent

import (
	"context"
	"sync"
	"time"

	"facet/internal/config"
	"facet/internal/constants"
	"facet/internal/logger"
	"facet/internal/registry"
	"facet/pkg/logging"
	"facet/pkg/metrics"
)

type taskKind int

const (
	taskUpsert taskKind = iota
	taskPrune
	taskReconcile
)

type task struct {
	kind   taskKind
	values []string
}

// worker serializes all work for one dimension: change-feed upserts,
// debounced prune checks and the periodic reconciliation tick all run
// on a single goroutine, which gives per-dimension FIFO for the events
// the engine broadcasts.
type worker struct {
	dim      registry.Dimension
	engine   *Engine
	logger   logger.Logger
	debounce time.Duration
	interval time.Duration

	tasks  chan task
	cancel context.CancelFunc
	done   chan struct{}

	timerMu      sync.Mutex
	pruneTimer   *time.Timer
	prunePending bool
}

func newWorker(dim registry.Dimension, engine *Engine, cfg config.AgentConfig, log logger.Logger) *worker {
	interval := cfg.PruneInterval
	if dim.RefreshMS > 0 {
		interval = time.Duration(dim.RefreshMS) * time.Millisecond
	}
	if interval <= 0 {
		interval = constants.DefaultPruneInterval
	}

	debounce := cfg.PruneDebounce
	if debounce <= 0 {
		debounce = constants.DefaultPruneDebounce
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = constants.DefaultEventBuffer
	}

	return &worker{
		dim:      dim,
		engine:   engine,
		logger:   log,
		debounce: debounce,
		interval: interval,
		tasks:    make(chan task, buffer),
		done:     make(chan struct{}),
	}
}

func (w *worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

func (w *worker) stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.timerMu.Lock()
	if w.pruneTimer != nil {
		w.pruneTimer.Stop()
	}
	w.timerMu.Unlock()
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	ctx = logging.WithDimension(ctx, w.dim.Name)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfowCtx(ctx, "Dimension worker started",
		"source_table", w.dim.SourceTable,
		"master_table", w.dim.MasterTable,
		"interval", w.interval,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfowCtx(ctx, "Dimension worker stopped")
			return

		case t := <-w.tasks:
			w.process(ctx, t)

		case <-ticker.C:
			w.process(ctx, task{kind: taskReconcile})
		}
	}
}

func (w *worker) process(ctx context.Context, t task) {
	switch t.kind {
	case taskUpsert:
		if err := w.engine.Upsert(ctx, w.dim, t.values); err != nil {
			w.logger.ErrorwCtx(ctx, "Upsert task failed", "error", err)
		}

	case taskPrune:
		w.clearPrunePending()
		if _, err := w.engine.Prune(ctx, w.dim); err != nil {
			w.logger.ErrorwCtx(ctx, "Prune task failed", "error", err)
		}

	case taskReconcile:
		if err := w.engine.Sync(ctx, w.dim); err != nil {
			w.logger.ErrorwCtx(ctx, "Reconcile sync failed", "error", err)
		}
		if _, err := w.engine.Prune(ctx, w.dim); err != nil {
			w.logger.ErrorwCtx(ctx, "Reconcile prune failed", "error", err)
		}
	}
}

// enqueueUpsert hands a change-feed value to the worker. A full queue
// drops the event; the periodic reconciliation repairs the miss.
func (w *worker) enqueueUpsert(values []string) {
	select {
	case w.tasks <- task{kind: taskUpsert, values: values}:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("worker").Inc()
		w.logger.Warnw("Dimension queue full, dropping upsert",
			"dimension", w.dim.Name,
			"values", len(values),
		)
	}
}

// schedulePrune arms the debounce timer; deletes arriving while one is
// armed coalesce into the already-scheduled pass.
func (w *worker) schedulePrune() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.prunePending {
		return
	}
	w.prunePending = true

	w.pruneTimer = time.AfterFunc(w.debounce, func() {
		select {
		case w.tasks <- task{kind: taskPrune}:
		case <-w.done:
		}
	})
}

// enqueueReconcile requests an out-of-band full reconciliation, e.g.
// after a change-feed reconnect invalidated the stream.
func (w *worker) enqueueReconcile() {
	select {
	case w.tasks <- task{kind: taskReconcile}:
	default:
		// A reconcile is already queued or the queue is saturated with
		// upserts; the next tick covers it either way.
	}
}

func (w *worker) clearPrunePending() {
	w.timerMu.Lock()
	w.prunePending = false
	w.timerMu.Unlock()
}
