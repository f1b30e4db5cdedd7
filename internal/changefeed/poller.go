package changefeed

import (
	"context"
	"sync"
	"time"

	"facet/internal/constants"
	"facet/internal/logger"
	"facet/internal/master"
	"facet/pkg/models"
)

// ColumnsFunc reports which columns of a source relation are watched.
type ColumnsFunc func(table string) []string

// PollSource approximates a change feed by snapshotting the distinct
// value set of every watched column on an interval and emitting
// synthetic INSERT/DELETE envelopes for the difference. It is the
// fallback for databases where triggers cannot be installed.
type PollSource struct {
	repo     master.Repository
	columns  ColumnsFunc
	interval time.Duration
	logger   logger.Logger

	mu        sync.Mutex
	tables    []string
	snapshots map[string][]string // keyed by table+"."+column
}

func NewPollSource(repo master.Repository, columns ColumnsFunc, interval time.Duration, log logger.Logger) *PollSource {
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}
	return &PollSource{
		repo:      repo,
		columns:   columns,
		interval:  interval,
		logger:    log,
		snapshots: make(map[string][]string),
	}
}

// Subscribe records the watched relations and seeds the snapshots
// without emitting events; startup sync already covers the initial
// state.
func (s *PollSource) Subscribe(ctx context.Context, tables []string) error {
	s.mu.Lock()
	s.tables = append([]string(nil), tables...)
	s.mu.Unlock()

	s.poll(ctx, nil)
	return nil
}

func (s *PollSource) Watch(ctx context.Context, handler HandlerFunc) error {
	s.mu.Lock()
	tables := append([]string(nil), s.tables...)
	s.mu.Unlock()

	s.logger.Infow("Change poller started", "tables", tables, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx, handler)
		}
	}
}

func (s *PollSource) AddTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tables {
		if t == table {
			return nil
		}
	}
	s.tables = append(s.tables, table)
	return nil
}

func (s *PollSource) Close() error {
	return nil
}

func (s *PollSource) poll(ctx context.Context, handler HandlerFunc) {
	s.mu.Lock()
	tables := append([]string(nil), s.tables...)
	s.mu.Unlock()

	for _, table := range tables {
		for _, column := range s.columns(table) {
			s.pollColumn(ctx, table, column, handler)
		}
	}
}

func (s *PollSource) pollColumn(ctx context.Context, table, column string, handler HandlerFunc) {
	current, err := s.repo.DistinctSourceValues(ctx, table, column)
	if err != nil {
		s.logger.Warnw("Poll read failed, keeping previous snapshot",
			"table", table,
			"column", column,
			"error", err,
		)
		return
	}

	key := table + "." + column

	s.mu.Lock()
	previous, seen := s.snapshots[key]
	s.snapshots[key] = current
	s.mu.Unlock()

	if !seen || handler == nil {
		return
	}

	added, removed := diffValues(previous, current)
	now := time.Now()

	for _, v := range added {
		s.emit(ctx, handler, models.ChangeEnvelope{
			Table:     table,
			Op:        models.OpInsert,
			NewRow:    map[string]interface{}{column: v},
			Timestamp: now,
		})
	}
	for _, v := range removed {
		s.emit(ctx, handler, models.ChangeEnvelope{
			Table:     table,
			Op:        models.OpDelete,
			OldRow:    map[string]interface{}{column: v},
			Timestamp: now,
		})
	}
}

func (s *PollSource) emit(ctx context.Context, handler HandlerFunc, change models.ChangeEnvelope) {
	if err := handler(ctx, change); err != nil {
		s.logger.Errorw("Change handler failed",
			"table", change.Table,
			"op", change.Op,
			"error", err,
		)
	}
}

// diffValues compares two sorted snapshots and returns the values only
// present in curr (added) and only present in prev (removed).
func diffValues(prev, curr []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(prev) && j < len(curr) {
		switch {
		case prev[i] == curr[j]:
			i++
			j++
		case prev[i] < curr[j]:
			removed = append(removed, prev[i])
			i++
		default:
			added = append(added, curr[j])
			j++
		}
	}
	removed = append(removed, prev[i:]...)
	added = append(added, curr[j:]...)
	return added, removed
}
