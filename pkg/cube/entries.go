package cube

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// EntriesRequest pages the denormalized entry listing. Zero Limit means no
// limit.
type EntriesRequest struct {
	Limit  int
	Offset int
}

// Entries returns a lazy, restartable sequence of fully denormalized entry
// mappings, ordered by entry id. Each compound dimension is rendered as a
// nested sub-mapping of its attributes, not just its foreign key. Every
// range over the sequence re-executes the query.
func (c *Cube) Entries(ctx context.Context, req *EntriesRequest) iter.Seq2[map[string]any, error] {
	if req == nil {
		req = &EntriesRequest{}
	}
	return func(yield func(map[string]any, error) bool) {
		if err := c.ensureGenerated(ctx, "entries"); err != nil {
			yield(nil, err)
			return
		}

		sql, args := c.compileEntries(req)
		rows, err := c.conn.Query(ctx, sql, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to execute entries query: %w", err))
			return
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				yield(nil, fmt.Errorf("failed to read entry row: %w", err))
				return
			}
			row := make(map[string]any, len(fields))
			for i, fd := range fields {
				row[fd.Name] = values[i]
			}
			if !yield(c.decodeEntry(row), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to iterate entry rows: %w", err))
		}
	}
}

// compileEntries builds the denormalized select: all fact-resident fields
// plus every attribute of every joined compound dimension.
func (c *Cube) compileEntries(req *EntriesRequest) (string, []any) {
	selects := []string{fmt.Sprintf("%s.%s AS %s", ident(factAlias), ident("id"), ident("id"))}
	for _, field := range c.model.Fields() {
		switch field.(type) {
		case *Measure, *AttributeDimension:
			selects = append(selects, fmt.Sprintf("%s.%s AS %s",
				ident(factAlias), ident(field.Name()), ident(field.Name())))
		}
	}

	joined := make(map[string]bool, len(c.binding.dimOrder))
	for _, dimension := range c.binding.dimOrder {
		joined[dimension] = true
		table := c.binding.dims[dimension]
		for _, col := range table.Columns {
			if col.Name == "id" {
				continue
			}
			selects = append(selects, fmt.Sprintf("%s.%s AS %s",
				ident(dimension), ident(col.Name), ident(dimension+"__"+col.Name)))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s %s ORDER BY %s.%s",
		strings.Join(selects, ", "), c.buildFrom(joined), ident(factAlias), ident("id"))

	var args []any
	if req.Limit > 0 {
		args = append(args, req.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if req.Offset > 0 {
		args = append(args, req.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args
}

func (c *Cube) decodeEntry(row map[string]any) map[string]any {
	entry := map[string]any{"id": row["id"]}
	for _, field := range c.model.Fields() {
		switch f := field.(type) {
		case *Measure, *AttributeDimension:
			entry[field.Name()] = normalizeValue(row[field.Name()])
		case *CompoundDimension:
			sub := make(map[string]any, len(f.Attributes()))
			for _, attr := range f.Attributes() {
				sub[attr.Name] = normalizeValue(row[f.Name()+"__"+attr.Name])
			}
			entry[f.Name()] = sub
		case *DateDimension:
			entry[f.Name()] = map[string]any{
				"date": normalizeValue(row[f.Name()+"__date"]),
			}
		}
	}
	return entry
}
