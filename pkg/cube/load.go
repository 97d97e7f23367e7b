package cube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/cube/pkg/metrics"
	"github.com/malbeclabs/cube/pkg/postgres"
)

const pgUniqueViolation = "23505"

// loader carries per-load state shared by field transforms.
type loader struct {
	log     *slog.Logger
	conn    postgres.Connection
	binding *Binding
}

// load handles a single denormalized record: every field transforms its raw
// value into fact-row columns (creating dimension members as needed), then
// the fact row is upserted under its content-hash id.
func (l *loader) load(ctx context.Context, c *Cube, record map[string]any) error {
	entry := make(map[string]any)
	for _, field := range c.model.Fields() {
		raw, ok := record[field.Name()]
		if !ok {
			return &LoadError{Field: field.Name(), Err: errors.New("missing from record")}
		}
		values, err := field.transform(ctx, l, raw)
		if err != nil {
			return &LoadError{Field: field.Name(), Err: err}
		}
		for column, value := range values {
			entry[column] = value
		}
	}

	// Stable across reloads: identical logical content always yields the
	// same id regardless of input key order.
	id := hashRecord(record)
	if err := l.upsertFactRow(ctx, c, id, entry); err != nil {
		return fmt.Errorf("failed to upsert fact row %s: %w", id, err)
	}
	return nil
}

// upsertDimensionRow resolves or creates a dimension member by content hash.
// Two concurrent loaders may race on the same missing member; the insert is
// resolved on a unique violation by re-reading the winner, bounded to
// exactly one retry.
func (l *loader) upsertDimensionRow(ctx context.Context, dimension, id string, columns []string, values []any) error {
	table, ok := l.binding.dimTable(dimension)
	if !ok {
		return fmt.Errorf("dimension %q has no table in the binding", dimension)
	}

	var exists bool
	err := l.conn.QueryRow(ctx, fmt.Sprintf("SELECT true FROM %s WHERE %s = $1", table.Name, ident("id")), id).Scan(&exists)
	if err == nil {
		metrics.DimensionUpsertsTotal.WithLabelValues(l.binding.dataset, dimension, "existing").Inc()
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read dimension member %s/%s: %w", table.Name, id, err)
	}

	cols := []string{ident("id")}
	placeholders := []string{"$1"}
	args := []any{id}
	for i, column := range columns {
		cols = append(cols, ident(column))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, values[i])
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if _, err := l.conn.Exec(ctx, insertSQL, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the race; the member exists now. Verify once.
			verifyErr := l.conn.QueryRow(ctx, fmt.Sprintf("SELECT true FROM %s WHERE %s = $1", table.Name, ident("id")), id).Scan(&exists)
			if verifyErr != nil {
				return fmt.Errorf("failed to re-read dimension member %s/%s after conflict: %w", table.Name, id, verifyErr)
			}
			metrics.DimensionUpsertsTotal.WithLabelValues(l.binding.dataset, dimension, "conflict").Inc()
			l.log.Debug("dimension member insert conflicted, using existing row", "dataset", l.binding.dataset, "dimension", dimension, "id", id)
			return nil
		}
		return fmt.Errorf("failed to insert dimension member %s/%s: %w", table.Name, id, err)
	}

	metrics.DimensionUpsertsTotal.WithLabelValues(l.binding.dataset, dimension, "inserted").Inc()
	return nil
}

// upsertFactRow inserts or updates the fact row keyed by its content hash.
// Repeated loads of identical content are idempotent; same id with changed
// content updates in place.
func (l *loader) upsertFactRow(ctx context.Context, c *Cube, id string, entry map[string]any) error {
	now := c.clock.Now().UTC()

	cols := []string{ident("id"), ident("created_at"), ident("updated_at")}
	args := []any{id, now, now}
	var updates []string

	for _, col := range l.binding.fact.Columns {
		switch col.Name {
		case "id", "created_at", "updated_at":
			continue
		}
		value, ok := entry[col.Name]
		if !ok {
			return fmt.Errorf("no value produced for fact column %q", col.Name)
		}
		cols = append(cols, ident(col.Name))
		args = append(args, value)
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", ident(col.Name), ident(col.Name)))
	}

	placeholders := make([]string, 0, len(args))
	for i := range args {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", ident("updated_at"), ident("updated_at")))

	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		l.binding.fact.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		ident("id"),
		strings.Join(updates, ", "),
	)
	if _, err := l.conn.Exec(ctx, upsertSQL, args...); err != nil {
		return fmt.Errorf("failed to execute fact upsert: %w", err)
	}
	return nil
}
