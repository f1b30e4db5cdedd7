package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"facet/internal/config"
	"facet/internal/logger"
	"facet/internal/registry"
)

const (
	timestampDelay = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		PruneInterval:    time.Hour,
		PruneDebounce:    20 * time.Millisecond,
		OperationTimeout: 10 * time.Second,
		EventBuffer:      32,
	}
}

func createTestDimension(name, column, masterTable string) registry.Dimension {
	return registry.Dimension{
		Name:         name,
		SourceTable:  "transactions",
		SourceColumn: column,
		MasterTable:  masterTable,
		Enabled:      true,
	}
}

func insertTransaction(t *testing.T, db *sql.DB, province, brand, channel string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO transactions (province, brand, channel, amount) VALUES ($1, $2, $3, 100)`,
		province, brand, channel)
	if err != nil {
		t.Fatalf("failed to insert transaction: %v", err)
	}
}

func deleteTransactionsByProvince(t *testing.T, db *sql.DB, province string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`DELETE FROM transactions WHERE province = $1`, province)
	if err != nil {
		t.Fatalf("failed to delete transactions: %v", err)
	}
}
