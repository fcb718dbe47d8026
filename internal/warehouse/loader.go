// Package warehouse loads the final tables into the Postgres warehouse.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// insertChunkSize bounds rows per INSERT so parameter counts stay well
// under the Postgres protocol limit even for wide instruments.
const insertChunkSize = 500

// MaskRow is one private value to register in a warehouse mask table.
type MaskRow struct {
	Private string
	Domain  string
}

// Loader writes tables into the warehouse database.
type Loader struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to the warehouse and verifies the connection.
func Open(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping warehouse database: %w", err)
	}
	return db, nil
}

func NewLoader(db *sql.DB, logger *zap.Logger) *Loader {
	return &Loader{db: db, logger: logger}
}

// EnsureSchema creates the destination schema if it does not exist yet.
// Needs schema-creation privilege on first run for a new study.
func (l *Loader) EnsureSchema(ctx context.Context, schema string) error {
	if _, err := l.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	return nil
}

// ReplaceTable drops and recreates schema.name from the table, all columns
// text. Empty cells load as NULL so the warehouse keeps a uniform "no
// value" marker. The whole replace runs in one transaction.
func (l *Loader) ReplaceTable(ctx context.Context, schema, name string, t *models.Table) error {
	qualified := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
	cols := t.Columns()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}

	colDefs := make([]string, len(cols))
	for i, c := range cols {
		colDefs[i] = pq.QuoteIdentifier(c) + " TEXT"
	}
	createStmt := fmt.Sprintf("CREATE TABLE %s (%s)", qualified, strings.Join(colDefs, ", "))
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = pq.QuoteIdentifier(c)
	}
	for start := 0; start < t.Len(); start += insertChunkSize {
		end := start + insertChunkSize
		if end > t.Len() {
			end = t.Len()
		}

		var placeholders []string
		var args []any
		for i := start; i < end; i++ {
			marks := make([]string, len(cols))
			for j, c := range cols {
				marks[j] = fmt.Sprintf("$%d", len(args)+1)
				if v := t.Get(i, c); v != "" {
					args = append(args, v)
				} else {
					args = append(args, nil)
				}
			}
			placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		}

		insertStmt := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES %s",
			qualified, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "),
		)
		if _, err := tx.ExecContext(ctx, insertStmt, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	l.logger.Info("Replaced warehouse table",
		zap.String("schema", schema),
		zap.String("table", name),
		zap.Int("row_count", t.Len()),
		zap.Int("column_count", len(cols)),
	)
	return nil
}

// UpsertMasks registers private values in a mask table keyed by the
// private value itself; values already present keep their existing rows.
// Empty private values are skipped.
func (l *Loader) UpsertMasks(ctx context.Context, table string, rows []MaskRow) error {
	var kept []MaskRow
	for _, r := range rows {
		if r.Private != "" {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	quoted := pq.QuoteIdentifier(table)
	for start := 0; start < len(kept); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(kept) {
			end = len(kept)
		}

		var placeholders []string
		var args []any
		for _, r := range kept[start:end] {
			placeholders = append(placeholders, fmt.Sprintf("($%d, $%d)", len(args)+1, len(args)+2))
			args = append(args, r.Private, r.Domain)
		}

		stmt := fmt.Sprintf(
			"INSERT INTO %s (private, domain) VALUES %s ON CONFLICT (private) DO NOTHING",
			quoted, strings.Join(placeholders, ", "),
		)
		if _, err := l.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to upsert masks into %s: %w", table, err)
		}
	}

	l.logger.Info("Upserted mask values",
		zap.String("table", table),
		zap.Int("value_count", len(kept)),
	)
	return nil
}
