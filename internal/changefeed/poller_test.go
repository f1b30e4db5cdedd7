package changefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facet/internal/logger"
	"facet/pkg/models"
)

func TestDiffValues(t *testing.T) {
	tests := []struct {
		name        string
		prev        []string
		curr        []string
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name: "no change",
			prev: []string{"Cebu", "NCR"},
			curr: []string{"Cebu", "NCR"},
		},
		{
			name:      "value added",
			prev:      []string{"NCR"},
			curr:      []string{"Cebu", "NCR"},
			wantAdded: []string{"Cebu"},
		},
		{
			name:        "value removed",
			prev:        []string{"Cebu", "NCR"},
			curr:        []string{"NCR"},
			wantRemoved: []string{"Cebu"},
		},
		{
			name:        "mixed",
			prev:        []string{"Cebu", "Davao"},
			curr:        []string{"Davao", "NCR"},
			wantAdded:   []string{"NCR"},
			wantRemoved: []string{"Cebu"},
		},
		{
			name:        "everything removed",
			prev:        []string{"Cebu", "NCR"},
			curr:        nil,
			wantRemoved: []string{"Cebu", "NCR"},
		},
		{
			name:      "from empty",
			prev:      nil,
			curr:      []string{"NCR"},
			wantAdded: []string{"NCR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := diffValues(tt.prev, tt.curr)
			assert.Equal(t, tt.wantAdded, added)
			assert.Equal(t, tt.wantRemoved, removed)
		})
	}
}

type fakeSourceRepo struct {
	mu     sync.Mutex
	values map[string][]string // keyed by table+"."+column
}

func (f *fakeSourceRepo) DistinctSourceValues(ctx context.Context, table, column string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.values[table+"."+column]...), nil
}

func (f *fakeSourceRepo) set(table, column string, values []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[table+"."+column] = values
}

func (f *fakeSourceRepo) EnsureMasterTable(ctx context.Context, table string) error { return nil }
func (f *fakeSourceRepo) UpsertValues(ctx context.Context, table string, values []string) (int64, error) {
	return 0, nil
}
func (f *fakeSourceRepo) ListValues(ctx context.Context, table string) ([]string, error) {
	return nil, nil
}
func (f *fakeSourceRepo) DeleteValues(ctx context.Context, table string, values []string) (int64, error) {
	return 0, nil
}

func TestPollSourceEmitsSyntheticChanges(t *testing.T) {
	repo := &fakeSourceRepo{values: map[string][]string{
		"transactions.province": {"NCR"},
	}}

	source := NewPollSource(repo, func(table string) []string {
		return []string{"province"}
	}, 10*time.Millisecond, logger.NopLogger())

	var mu sync.Mutex
	var received []models.ChangeEnvelope
	handler := func(ctx context.Context, change models.ChangeEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, change)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, source.Subscribe(ctx, []string{"transactions"}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = source.Watch(ctx, handler)
	}()

	// Let the seed pass and at least one steady tick go by, then mutate.
	time.Sleep(30 * time.Millisecond)
	repo.set("transactions", "province", []string{"Cebu", "NCR"})
	time.Sleep(30 * time.Millisecond)
	repo.set("transactions", "province", []string{"Cebu"})
	time.Sleep(30 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, received)

	var inserts, deletes []string
	for _, change := range received {
		assert.Equal(t, "transactions", change.Table)
		switch change.Op {
		case models.OpInsert:
			v, ok := change.NewValue("province")
			require.True(t, ok)
			inserts = append(inserts, v)
		case models.OpDelete:
			v, ok := change.OldValue("province")
			require.True(t, ok)
			deletes = append(deletes, v)
		default:
			t.Fatalf("unexpected op %q", change.Op)
		}
	}

	assert.Contains(t, inserts, "Cebu")
	assert.Contains(t, deletes, "NCR")
}

func TestPollSourceSeedDoesNotEmit(t *testing.T) {
	repo := &fakeSourceRepo{values: map[string][]string{
		"transactions.province": {"Cebu", "NCR"},
	}}

	source := NewPollSource(repo, func(table string) []string {
		return []string{"province"}
	}, 20*time.Millisecond, logger.NopLogger())

	var count int
	var mu sync.Mutex
	handler := func(ctx context.Context, change models.ChangeEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	require.NoError(t, source.Subscribe(ctx, []string{"transactions"}))
	_ = source.Watch(ctx, handler)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count, "unchanged snapshots must not produce events")
}
