package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facet/internal/changefeed"
	"facet/internal/config"
	"facet/internal/logger"
	"facet/internal/registry"
	pkgerrors "facet/pkg/errors"
	"facet/pkg/models"
)

// fakeSource lets tests inject change envelopes by hand and simulate
// registration or feed failures.
type fakeSource struct {
	mu             sync.Mutex
	tables         []string
	handler        changefeed.HandlerFunc
	started        chan struct{}
	once           sync.Once
	subscribeErr   error
	subscribeCalls int
	watchFailures  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{started: make(chan struct{})}
}

func (f *fakeSource) Subscribe(ctx context.Context, tables []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.tables = append([]string(nil), tables...)
	return nil
}

func (f *fakeSource) Watch(ctx context.Context, handler changefeed.HandlerFunc) error {
	f.mu.Lock()
	if f.watchFailures > 0 {
		f.watchFailures--
		f.mu.Unlock()
		return fmt.Errorf("feed lost")
	}
	f.handler = handler
	f.mu.Unlock()
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) AddTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, table)
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) emit(t *testing.T, change models.ChangeEnvelope) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("change source never started")
	}
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	require.NotNil(t, handler)
	require.NoError(t, handler(context.Background(), change))
}

func newTestAgent(t *testing.T, repo *memRepo, sink *captureSink, specs ...config.DimensionSpec) (*Agent, *fakeSource) {
	t.Helper()

	cfg := &config.Config{Agent: testAgentConfig()}
	reg := registry.NewRegistry()
	for _, spec := range specs {
		require.NoError(t, reg.Add(registry.FromSpec(spec)))
	}

	engine := newTestEngine(t, repo, sink)
	a := New(cfg, reg, engine, logger.NopLogger())

	source := newFakeSource()
	a.AttachSource(source)
	t.Cleanup(func() { _ = a.Stop() })
	return a, source
}

func provinceSpec() config.DimensionSpec {
	return config.DimensionSpec{
		Name:         "province",
		SourceTable:  "transactions",
		SourceColumn: "province",
		MasterTable:  "master_province",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentFullLifecycle(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	repo.setSource("transactions", "province", "NCR", "NCR", "Cebu")

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, StateRunning, a.Health().Status)

	options, err := a.ListFilterOptions(context.Background(), "province")
	require.NoError(t, err)
	assert.Equal(t, []string{"Cebu", "NCR"}, options, "initial sync deduplicates and sorts")

	// Both NCR rows disappear from the source; the delete events arm
	// one debounced prune pass.
	repo.setSource("transactions", "province", "Cebu")
	for i := 0; i < 2; i++ {
		source.emit(t, models.ChangeEnvelope{
			Table:  "transactions",
			Op:     models.OpDelete,
			OldRow: map[string]interface{}{"province": "NCR"},
		})
	}

	waitFor(t, 2*time.Second, func() bool {
		opts, err := a.ListFilterOptions(context.Background(), "province")
		return err == nil && len(opts) == 1 && opts[0] == "Cebu"
	}, "prune never removed the orphaned value")

	deletes := sink.byAction(models.ActionDelete)
	require.Len(t, deletes, 1, "coalesced deletes must produce exactly one prune event")
	assert.Equal(t, "province", deletes[0].Dimension)
	assert.Equal(t, []string{"NCR"}, deletes[0].Values)

	require.NoError(t, a.Stop())
	assert.Equal(t, StateStopped, a.Health().Status)
	require.NoError(t, a.Stop(), "stop is idempotent")
}

func TestAgentChangeFeedUpsert(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	require.NoError(t, a.Start(context.Background()))

	source.emit(t, models.ChangeEnvelope{
		Table:  "transactions",
		Op:     models.OpInsert,
		NewRow: map[string]interface{}{"province": "Davao"},
	})

	waitFor(t, 2*time.Second, func() bool {
		opts, err := a.ListFilterOptions(context.Background(), "province")
		if err != nil {
			return false
		}
		for _, v := range opts {
			if v == "Davao" {
				return true
			}
		}
		return false
	}, "change-feed insert never reached the master relation")
}

func TestAgentOrderPreservedPerDimension(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	repo.setSource("transactions", "province", "Davao")
	require.NoError(t, a.Start(context.Background()))

	// An insert of a value followed by its removal from the source: the
	// broadcast events must arrive upsert-first.
	source.emit(t, models.ChangeEnvelope{
		Table:  "transactions",
		Op:     models.OpInsert,
		NewRow: map[string]interface{}{"province": "NCR"},
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byAction(models.ActionUpsert)) >= 2 // initial sync + change feed
	}, "upsert event never broadcast")

	repo.setSource("transactions", "province", "Davao")
	source.emit(t, models.ChangeEnvelope{
		Table:  "transactions",
		Op:     models.OpDelete,
		OldRow: map[string]interface{}{"province": "NCR"},
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byAction(models.ActionDelete)) == 1
	}, "delete event never broadcast")

	var sequence []string
	for _, e := range sink.all() {
		if e.Dimension != "province" {
			continue
		}
		sequence = append(sequence, e.Action)
	}
	require.NotEmpty(t, sequence)
	assert.Equal(t, models.ActionDelete, sequence[len(sequence)-1])
	for _, action := range sequence[:len(sequence)-1] {
		assert.Equal(t, models.ActionUpsert, action, "no delete may precede its upsert")
	}
}

func TestAgentAddDimensionAtRuntime(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	require.NoError(t, a.Start(context.Background()))

	repo.setSource("transactions", "brand", "Alaska", "Oishi")

	dim, err := a.AddDimension(context.Background(), config.DimensionSpec{
		Name:         "brand",
		SourceTable:  "transactions",
		SourceColumn: "brand",
		MasterTable:  "master_brand",
	})
	require.NoError(t, err)
	assert.True(t, dim.Enabled)

	// Visible immediately after the call returns, no waiting on a tick.
	options, err := a.ListFilterOptions(context.Background(), "brand")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alaska", "Oishi"}, options)

	source.mu.Lock()
	tables := append([]string(nil), source.tables...)
	source.mu.Unlock()
	assert.Contains(t, tables, "transactions")
}

func TestAgentAddDimensionActivationFailureRollsBack(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink, provinceSpec())

	require.NoError(t, a.Start(context.Background()))

	repo.setSource("transactions", "brand", "Alaska")
	repo.failOn("ensure", fmt.Errorf("database down"))

	spec := config.DimensionSpec{
		Name:         "brand",
		SourceTable:  "transactions",
		SourceColumn: "brand",
		MasterTable:  "master_brand",
	}
	_, err := a.AddDimension(context.Background(), spec)
	require.Error(t, err)

	// The failed registration is gone, not left behind dead.
	_, err = a.ListFilterOptions(context.Background(), "brand")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))

	// Retrying the same request after recovery succeeds.
	repo.failOn("ensure", nil)
	dim, err := a.AddDimension(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "brand", dim.Name)

	options, err := a.ListFilterOptions(context.Background(), "brand")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alaska"}, options)
}

func TestAgentAddDimensionValidation(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink)

	_, err := a.AddDimension(context.Background(), config.DimensionSpec{
		Name:         "province",
		SourceTable:  "transactions; DROP TABLE users",
		SourceColumn: "province",
		MasterTable:  "master_province",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)

	_, err = a.AddDimension(context.Background(), config.DimensionSpec{
		Name:         "province",
		SourceTable:  "transactions",
		SourceColumn: "province",
		MasterTable:  "master_province",
		ValueFilter:  `value ==`,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)
}

func TestAgentDuplicateDimensionRejected(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink, provinceSpec())

	_, err := a.AddDimension(context.Background(), provinceSpec())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestAgentUnknownDimension(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink, provinceSpec())

	_, err := a.ListFilterOptions(context.Background(), "channel")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestAgentStartFailsWhenSubscribeFails(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	repo.setSource("transactions", "province", "NCR")
	source.subscribeErr = fmt.Errorf("LISTEN failed")

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, a.Health().Status)

	// A later start with a reachable feed succeeds.
	source.subscribeErr = nil
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, StateRunning, a.Health().Status)
}

func TestAgentWatchResubscribesAfterFeedLoss(t *testing.T) {
	oldMin := resubscribeMinBackoff
	resubscribeMinBackoff = 5 * time.Millisecond
	defer func() { resubscribeMinBackoff = oldMin }()

	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	repo.setSource("transactions", "province", "NCR")
	source.watchFailures = 1

	require.NoError(t, a.Start(context.Background()))

	// The first watch dies immediately; the agent backs off and
	// re-establishes the subscription.
	waitFor(t, 2*time.Second, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.subscribeCalls >= 2
	}, "expected a resubscription after the feed terminated")

	// The re-established feed still delivers changes.
	repo.setSource("transactions", "province", "NCR", "Cebu")
	source.emit(t, models.ChangeEnvelope{
		Table:  "transactions",
		Op:     models.OpInsert,
		NewRow: map[string]interface{}{"province": "Cebu"},
	})
	waitFor(t, 2*time.Second, func() bool {
		options, err := a.ListFilterOptions(context.Background(), "province")
		return err == nil && len(options) == 2
	}, "expected the resubscribed feed to deliver the upsert")

	assert.Equal(t, StateRunning, a.Health().Status)
}

func TestAgentStartFailureRollsBack(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink, provinceSpec())

	repo.failOn("distinct", fmt.Errorf("database down"))

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, a.Health().Status)

	// A later start with a healthy store succeeds.
	repo.failOn("distinct", nil)
	repo.setSource("transactions", "province", "NCR")
	require.NoError(t, a.Start(context.Background()))
}

func TestAgentDoubleStartRejected(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink, provinceSpec())

	require.NoError(t, a.Start(context.Background()))
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestAgentSetRefreshInterval(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	repo.setSource("transactions", "province", "NCR")
	require.NoError(t, a.Start(context.Background()))

	dim, err := a.SetRefreshInterval(context.Background(), "province", 60000)
	require.NoError(t, err)
	assert.Equal(t, 60000, dim.RefreshMS)

	// The replacement worker keeps processing change-feed traffic.
	source.emit(t, models.ChangeEnvelope{
		Table:  "transactions",
		Op:     models.OpInsert,
		NewRow: map[string]interface{}{"province": "Cebu"},
	})
	waitFor(t, 2*time.Second, func() bool {
		options, err := a.ListFilterOptions(context.Background(), "province")
		return err == nil && len(options) == 2
	}, "expected Cebu to be upserted after interval change")

	_, err = a.SetRefreshInterval(context.Background(), "missing", 1000)
	require.Error(t, err)
}

func TestAgentSetEnabled(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, source := newTestAgent(t, repo, sink, provinceSpec())

	repo.setSource("transactions", "province", "NCR")
	require.NoError(t, a.Start(context.Background()))

	dim, err := a.SetEnabled(context.Background(), "province", false)
	require.NoError(t, err)
	assert.False(t, dim.Enabled)

	// Disabled dimensions ignore change-feed traffic.
	source.emit(t, models.ChangeEnvelope{
		Table:  "transactions",
		Op:     models.OpInsert,
		NewRow: map[string]interface{}{"province": "Cebu"},
	})
	time.Sleep(50 * time.Millisecond)
	options, err := a.ListFilterOptions(context.Background(), "province")
	require.NoError(t, err)
	assert.Equal(t, []string{"NCR"}, options)

	// Re-enabling resyncs immediately.
	repo.setSource("transactions", "province", "NCR", "Cebu")
	dim, err = a.SetEnabled(context.Background(), "province", true)
	require.NoError(t, err)
	assert.True(t, dim.Enabled)

	options, err = a.ListFilterOptions(context.Background(), "province")
	require.NoError(t, err)
	assert.Equal(t, []string{"Cebu", "NCR"}, options)
}

func TestAgentHealthReportsUptime(t *testing.T) {
	repo := newMemRepo()
	sink := &captureSink{}
	a, _ := newTestAgent(t, repo, sink, provinceSpec())

	health := a.Health()
	assert.Equal(t, StateStopped, health.Status)
	assert.Equal(t, 1, health.Dimensions)
	assert.Zero(t, health.UptimeSeconds)

	require.NoError(t, a.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)

	health = a.Health()
	assert.Equal(t, StateRunning, health.Status)
	assert.Greater(t, health.UptimeSeconds, 0.0)
}
