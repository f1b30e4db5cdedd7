package master

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Repository persists master value tables and reads the distinct value
// sets of their source relations. Table and column identifiers come
// from validated dimension config; they are quoted before
// interpolation because placeholders cannot carry identifiers.
type Repository interface {
	EnsureMasterTable(ctx context.Context, table string) error
	UpsertValues(ctx context.Context, table string, values []string) (int64, error)
	ListValues(ctx context.Context, table string) ([]string, error)
	DeleteValues(ctx context.Context, table string, values []string) (int64, error)
	DistinctSourceValues(ctx context.Context, sourceTable, sourceColumn string) ([]string, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureMasterTable(ctx context.Context, table string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			value TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, pq.QuoteIdentifier(table))

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure master table %s: %w", table, err)
	}
	return nil
}

// UpsertValues inserts the given values, silently skipping ones the
// table already holds, and reports how many rows were actually
// inserted. Existing rows keep their created_at and updated_at.
func (r *PostgresRepository) UpsertValues(ctx context.Context, table string, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (value)
		SELECT unnest($1::text[])
		ON CONFLICT (value) DO NOTHING
	`, pq.QuoteIdentifier(table))

	res, err := r.db.ExecContext(ctx, query, pq.Array(values))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert into %s: %w", table, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *PostgresRepository) ListValues(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`SELECT value FROM %s ORDER BY value ASC`, pq.QuoteIdentifier(table))

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list values from %s: %w", table, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read values from %s: %w", table, err)
	}

	return values, nil
}

func (r *PostgresRepository) DeleteValues(ctx context.Context, table string, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE value = ANY($1)`, pq.QuoteIdentifier(table))

	res, err := r.db.ExecContext(ctx, query, pq.Array(values))
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DistinctSourceValues reads the live value set of a dimension from its
// source relation. NULL and empty values never reach master tables.
func (r *PostgresRepository) DistinctSourceValues(ctx context.Context, sourceTable, sourceColumn string) ([]string, error) {
	column := pq.QuoteIdentifier(sourceColumn)
	query := fmt.Sprintf(`
		SELECT DISTINCT %s FROM %s
		WHERE %s IS NOT NULL AND %s <> ''
		ORDER BY %s ASC
	`, column, pq.QuoteIdentifier(sourceTable), column, column, column)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read distinct values from %s.%s: %w", sourceTable, sourceColumn, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan source value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source values from %s: %w", sourceTable, err)
	}

	return values, nil
}
