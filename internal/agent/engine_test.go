package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facet/internal/config"
	"facet/internal/logger"
	"facet/internal/registry"
	"facet/pkg/cel"
	pkgerrors "facet/pkg/errors"
	"facet/pkg/models"
)

// memRepo is an in-memory stand-in for the Postgres repository.
type memRepo struct {
	mu     sync.Mutex
	source map[string][]string          // table.column -> raw values, duplicates allowed
	master map[string]map[string]int    // table -> value -> row count
	fail   map[string]error             // operation name -> forced error
}

func newMemRepo() *memRepo {
	return &memRepo{
		source: make(map[string][]string),
		master: make(map[string]map[string]int),
		fail:   make(map[string]error),
	}
}

func (m *memRepo) setSource(table, column string, values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source[table+"."+column] = values
}

func (m *memRepo) masterValues(table string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for v := range m.master[table] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (m *memRepo) rowCount(table, value string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.master[table][value]
}

func (m *memRepo) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

func (m *memRepo) EnsureMasterTable(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["ensure"]; err != nil {
		return err
	}
	if m.master[table] == nil {
		m.master[table] = make(map[string]int)
	}
	return nil
}

func (m *memRepo) UpsertValues(ctx context.Context, table string, values []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["upsert"]; err != nil {
		return 0, err
	}
	if m.master[table] == nil {
		m.master[table] = make(map[string]int)
	}
	var inserted int64
	for _, v := range values {
		if m.master[table][v] == 0 {
			inserted++
		}
		// Conflict keeps a single row regardless of how often a value
		// is written.
		m.master[table][v] = 1
	}
	return inserted, nil
}

func (m *memRepo) ListValues(ctx context.Context, table string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["list"]; err != nil {
		return nil, err
	}
	var out []string
	for v := range m.master[table] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memRepo) DeleteValues(ctx context.Context, table string, values []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["delete"]; err != nil {
		return 0, err
	}
	var deleted int64
	for _, v := range values {
		if m.master[table][v] > 0 {
			delete(m.master[table], v)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memRepo) DistinctSourceValues(ctx context.Context, table, column string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["distinct"]; err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, v := range m.source[table+"."+column] {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// captureSink records every published event.
type captureSink struct {
	mu     sync.Mutex
	events []models.FilterUpdateEvent
}

func (c *captureSink) Publish(ctx context.Context, event models.FilterUpdateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) all() []models.FilterUpdateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.FilterUpdateEvent(nil), c.events...)
}

func (c *captureSink) byAction(action string) []models.FilterUpdateEvent {
	var out []models.FilterUpdateEvent
	for _, e := range c.all() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		PruneInterval:    time.Hour,
		PruneDebounce:    10 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
		EventBuffer:      16,
	}
}

func newTestEngine(t *testing.T, repo *memRepo, sink *captureSink) *Engine {
	t.Helper()
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)
	return NewEngine(repo, sink, evaluator, testAgentConfig(), logger.NopLogger())
}

func provinceDim() registry.Dimension {
	return registry.Dimension{
		Name:         "province",
		SourceTable:  "transactions",
		SourceColumn: "province",
		MasterTable:  "master_province",
		Enabled:      true,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	ctx := context.Background()
	dim := provinceDim()

	require.NoError(t, engine.Upsert(ctx, dim, []string{"NCR"}))
	require.NoError(t, engine.Upsert(ctx, dim, []string{"NCR"}))

	assert.Equal(t, 1, repo.rowCount("master_province", "NCR"))
	assert.Equal(t, []string{"NCR"}, repo.masterValues("master_province"))
}

func TestUpsertDeduplicatesAndTrims(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	dim := provinceDim()

	err := engine.Upsert(context.Background(), dim, []string{"NCR", "NCR", "", "  ", "Cebu"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Cebu", "NCR"}, repo.masterValues("master_province"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionUpsert, events[0].Action)
	assert.Equal(t, []string{"NCR", "Cebu"}, events[0].Values, "event preserves first-occurrence order")
}

func TestUpsertEmptyInputIsNoOp(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	dim := provinceDim()

	require.NoError(t, engine.Upsert(context.Background(), dim, nil))
	require.NoError(t, engine.Upsert(context.Background(), dim, []string{"", "  "}))

	assert.Empty(t, repo.masterValues("master_province"))
	assert.Empty(t, sink.all(), "no-op upserts must not broadcast")
}

func TestUpsertAppliesValueFilter(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)

	dim := provinceDim()
	dim.ValueFilter = `value != "UNKNOWN"`

	err := engine.Upsert(context.Background(), dim, []string{"NCR", "UNKNOWN", "Cebu"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Cebu", "NCR"}, repo.masterValues("master_province"))
}

func TestUpsertFailureSurfaces(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	repo.failOn("upsert", fmt.Errorf("connection refused"))

	err := engine.Upsert(context.Background(), provinceDim(), []string{"NCR"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrUpsertFailed)
	assert.Empty(t, sink.all())
}

func TestPruneRemovesOrphans(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	ctx := context.Background()
	dim := provinceDim()

	repo.setSource("transactions", "province", "Cebu")
	_, err := repo.UpsertValues(ctx, "master_province", []string{"Cebu", "NCR"})
	require.NoError(t, err)

	removed, err := engine.Prune(ctx, dim)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
	assert.Equal(t, []string{"Cebu"}, repo.masterValues("master_province"))

	deletes := sink.byAction(models.ActionDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{"NCR"}, deletes[0].Values)
}

func TestPruneNoOrphansNoEvent(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	ctx := context.Background()

	repo.setSource("transactions", "province", "Cebu", "NCR")
	_, err := repo.UpsertValues(ctx, "master_province", []string{"Cebu", "NCR"})
	require.NoError(t, err)

	removed, err := engine.Prune(ctx, provinceDim())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Empty(t, sink.all())
}

func TestPruneEmptyActiveSetWipesMaster(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	ctx := context.Background()

	_, err := repo.UpsertValues(ctx, "master_province", []string{"Cebu", "NCR"})
	require.NoError(t, err)

	removed, err := engine.Prune(ctx, provinceDim())
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	assert.Empty(t, repo.masterValues("master_province"))

	deletes := sink.byAction(models.ActionDelete)
	require.Len(t, deletes, 1)
	assert.ElementsMatch(t, []string{"Cebu", "NCR"}, deletes[0].Values)
}

func TestPruneAbortsOnReadFailure(t *testing.T) {
	for _, op := range []string{"list", "distinct"} {
		t.Run(op, func(t *testing.T) {
			repo := newMemRepo()
			sink := &captureSink{}
			engine := newTestEngine(t, repo, sink)
			ctx := context.Background()

			_, err := repo.UpsertValues(ctx, "master_province", []string{"Cebu", "NCR"})
			require.NoError(t, err)
			repo.failOn(op, fmt.Errorf("read timeout"))

			_, err = engine.Prune(ctx, provinceDim())
			require.Error(t, err)
			assert.ErrorIs(t, err, pkgerrors.ErrPruneFailed)

			// Nothing may be deleted from an incomplete snapshot.
			assert.ElementsMatch(t, []string{"Cebu", "NCR"}, repo.masterValues("master_province"))
			assert.Empty(t, sink.all())
		})
	}
}

func TestSyncWritesDistinctActiveSet(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)

	repo.setSource("transactions", "province", "NCR", "NCR", "Cebu")

	require.NoError(t, engine.Sync(context.Background(), provinceDim()))
	assert.Equal(t, []string{"Cebu", "NCR"}, repo.masterValues("master_province"))
}

func TestListOptionsSorted(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	engine := newTestEngine(t, repo, sink)
	ctx := context.Background()

	_, err := repo.UpsertValues(ctx, "master_province", []string{"NCR", "Cebu", "Davao"})
	require.NoError(t, err)

	options, err := engine.ListOptions(ctx, provinceDim())
	require.NoError(t, err)
	assert.Equal(t, []string{"Cebu", "Davao", "NCR"}, options)
}

func TestSubtract(t *testing.T) {
	assert.Equal(t, []string{"a"}, subtract([]string{"a", "b"}, []string{"b"}))
	assert.Nil(t, subtract([]string{"a"}, []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, subtract([]string{"a", "b"}, nil))
	assert.Nil(t, subtract(nil, []string{"a"}))
}
