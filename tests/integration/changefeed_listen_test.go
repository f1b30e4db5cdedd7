package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"facet/internal/changefeed"
	"facet/pkg/models"
)

func startListenSource(t *testing.T, dsn string, tables []string) <-chan models.ChangeEnvelope {
	t.Helper()

	events := make(chan models.ChangeEnvelope, 16)
	source := changefeed.NewListenSource(dsn, createTestLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, source.Subscribe(ctx, tables))

	done := make(chan struct{})
	go func() {
		defer close(done)
		source.Watch(ctx, func(ctx context.Context, env models.ChangeEnvelope) error {
			events <- env
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		source.Close()
		<-done
	})

	return events
}

func waitForChange(t *testing.T, events <-chan models.ChangeEnvelope) models.ChangeEnvelope {
	t.Helper()
	select {
	case env := <-events:
		return env
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for change notification")
		return models.ChangeEnvelope{}
	}
}

func TestListenSource_InsertNotification(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)

	events := startListenSource(t, infra.PostgresConn, []string{"transactions"})

	insertTransaction(t, infra.PostgresDB, "NCR", "Oishi", "web")

	env := waitForChange(t, events)
	assert.Equal(t, "transactions", env.Table)
	assert.Equal(t, models.OpInsert, env.Op)

	province, ok := env.NewValue("province")
	require.True(t, ok)
	assert.Equal(t, "NCR", province)

	brand, ok := env.NewValue("brand")
	require.True(t, ok)
	assert.Equal(t, "Oishi", brand)
}

func TestListenSource_DeleteNotification(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false)

	insertTransaction(t, infra.PostgresDB, "Cebu", "Jack n Jill", "pos")

	events := startListenSource(t, infra.PostgresConn, []string{"transactions"})

	deleteTransactionsByProvince(t, infra.PostgresDB, "Cebu")

	env := waitForChange(t, events)
	assert.Equal(t, "transactions", env.Table)
	assert.Equal(t, models.OpDelete, env.Op)

	province, ok := env.OldValue("province")
	require.True(t, ok)
	assert.Equal(t, "Cebu", province)
}
