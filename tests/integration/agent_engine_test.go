package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"facet/internal/agent"
	"facet/internal/fanout"
	"facet/internal/master"
	"facet/pkg/cel"
	"facet/pkg/models"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []models.FilterUpdateEvent
}

func (r *eventRecorder) sink() fanout.EventSink {
	return fanout.SinkFunc(func(ctx context.Context, event models.FilterUpdateEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
	})
}

func (r *eventRecorder) byAction(action string) []models.FilterUpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FilterUpdateEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func newIntegrationEngine(t *testing.T, repo master.Repository, rec *eventRecorder) *agent.Engine {
	t.Helper()
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)
	return agent.NewEngine(repo, rec.sink(), evaluator, createTestAgentConfig(), createTestLogger())
}

func TestEngine_SyncAndPruneRoundTrip(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)

	ctx := context.Background()
	repo := master.NewRepository(infra.PostgresDB)
	rec := &eventRecorder{}
	engine := newIntegrationEngine(t, repo, rec)

	dim := createTestDimension("province", "province", "master_province")
	require.NoError(t, repo.EnsureMasterTable(ctx, dim.MasterTable))

	insertTransaction(t, infra.PostgresDB, "NCR", "Oishi", "web")
	insertTransaction(t, infra.PostgresDB, "NCR", "Jack n Jill", "pos")
	insertTransaction(t, infra.PostgresDB, "Cebu", "Oishi", "web")

	require.NoError(t, engine.Sync(ctx, dim))

	options, err := engine.ListOptions(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cebu", "NCR"}, options)

	// The province disappears from the source but stays in the master
	// table until the next prune pass.
	deleteTransactionsByProvince(t, infra.PostgresDB, "Cebu")

	options, err = engine.ListOptions(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cebu", "NCR"}, options)

	pruned, err := engine.Prune(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	options, err = engine.ListOptions(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, []string{"NCR"}, options)

	deletes := rec.byAction(models.ActionDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{"Cebu"}, deletes[0].Values)
}

func TestEngine_PruneWithoutOrphansIsQuiet(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)

	ctx := context.Background()
	repo := master.NewRepository(infra.PostgresDB)
	rec := &eventRecorder{}
	engine := newIntegrationEngine(t, repo, rec)

	dim := createTestDimension("brand", "brand", "master_brand")
	require.NoError(t, repo.EnsureMasterTable(ctx, dim.MasterTable))

	insertTransaction(t, infra.PostgresDB, "NCR", "Oishi", "web")
	require.NoError(t, engine.Sync(ctx, dim))

	pruned, err := engine.Prune(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)
	assert.Empty(t, rec.byAction(models.ActionDelete))
}
