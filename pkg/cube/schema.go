package cube

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/malbeclabs/cube/pkg/postgres"
)

// factAlias is the alias the fact table carries in every compiled query.
const factAlias = "entry"

// ColumnDef is a physical column definition.
type ColumnDef struct {
	Name string
	Type string
}

// ForeignKeyDef is a fact-table foreign key into a dimension table.
type ForeignKeyDef struct {
	Column    string
	RefTable  string
	RefColumn string
}

// TableDef is a physical table definition derived from the field model.
type TableDef struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  string
	ForeignKeys []ForeignKeyDef
}

func (t *TableDef) addColumn(name, typ string) {
	t.Columns = append(t.Columns, ColumnDef{Name: name, Type: typ})
}

func (t *TableDef) columnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Binding is the cached physical schema for one dataset: the fact table, one
// table per compound dimension and the star join graph between them. Built
// once by Init and read-only thereafter.
type Binding struct {
	dataset  string
	fact     *TableDef
	dims     map[string]*TableDef
	dimOrder []string
}

// newBinding derives the physical table definitions from the field model.
func newBinding(m *Model) (*Binding, error) {
	b := &Binding{
		dataset: m.Name,
		fact: &TableDef{
			Name:       "fact_" + m.Name,
			PrimaryKey: "id",
		},
		dims: make(map[string]*TableDef),
	}
	b.fact.addColumn("id", "text")
	b.fact.addColumn("created_at", "timestamptz")
	b.fact.addColumn("updated_at", "timestamptz")

	for _, field := range m.Fields() {
		if err := field.initPhysical(b); err != nil {
			return nil, fmt.Errorf("failed to init field %q: %w", field.Name(), err)
		}
	}
	return b, nil
}

// addDimTable registers a dimension table and the fact-table FK edge to it.
func (b *Binding) addDimTable(dimension string, table *TableDef) {
	b.dims[dimension] = table
	b.dimOrder = append(b.dimOrder, dimension)
	fkCol := dimension + "_id"
	b.fact.addColumn(fkCol, "text")
	b.fact.ForeignKeys = append(b.fact.ForeignKeys, ForeignKeyDef{
		Column:    fkCol,
		RefTable:  table.Name,
		RefColumn: table.PrimaryKey,
	})
}

func (b *Binding) dimTable(dimension string) (*TableDef, bool) {
	t, ok := b.dims[dimension]
	return t, ok
}

// ident quotes a user-derived identifier. Names are validated at model parse
// time, so quoting only guards against reserved words ("to", "order", ...).
func ident(name string) string {
	return `"` + name + `"`
}

func createTableSQL(t *TableDef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for _, col := range t.Columns {
		fmt.Fprintf(&sb, "\t%s %s,\n", ident(col.Name), col.Type)
	}
	fmt.Fprintf(&sb, "\tPRIMARY KEY (%s)", ident(t.PrimaryKey))
	for _, fk := range t.ForeignKeys {
		fmt.Fprintf(&sb, ",\n\tFOREIGN KEY (%s) REFERENCES %s (%s)",
			ident(fk.Column), fk.RefTable, ident(fk.RefColumn))
	}
	sb.WriteString("\n)")
	return sb.String()
}

// generated reports whether the fact table physically exists.
func (b *Binding) generated(ctx context.Context, conn postgres.Connection) (bool, error) {
	var regclass *string
	err := conn.QueryRow(ctx, "SELECT to_regclass($1)::text", b.fact.Name).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", b.fact.Name, err)
	}
	return regclass != nil, nil
}

// generate creates all tables for this binding. Dimension tables are created
// before the fact table since its foreign keys reference them. If the fact
// table already exists the shape is verified and generation is a no-op.
func (b *Binding) generate(ctx context.Context, conn postgres.Connection) error {
	exists, err := b.generated(ctx, conn)
	if err != nil {
		return err
	}
	if exists {
		return b.verifyShape(ctx, conn)
	}
	for _, dimension := range b.dimOrder {
		table := b.dims[dimension]
		if _, err := conn.Exec(ctx, createTableSQL(table)); err != nil {
			return fmt.Errorf("failed to create dimension table %s: %w", table.Name, err)
		}
	}
	if _, err := conn.Exec(ctx, createTableSQL(b.fact)); err != nil {
		return fmt.Errorf("failed to create fact table %s: %w", b.fact.Name, err)
	}
	return nil
}

// drop removes the fact table first, then dimension tables (reverse
// dependency order), tolerating already-absent tables.
func (b *Binding) drop(ctx context.Context, conn postgres.Connection) error {
	if _, err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", b.fact.Name)); err != nil {
		return fmt.Errorf("failed to drop fact table %s: %w", b.fact.Name, err)
	}
	for _, dimension := range b.dimOrder {
		table := b.dims[dimension]
		if _, err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table.Name)); err != nil {
			return fmt.Errorf("failed to drop dimension table %s: %w", table.Name, err)
		}
	}
	return nil
}

// flush empties all rows but keeps the structure. A single TRUNCATE keeps
// the fact and dimension tables consistent with each other.
func (b *Binding) flush(ctx context.Context, conn postgres.Connection) error {
	tables := []string{b.fact.Name}
	for _, dimension := range b.dimOrder {
		tables = append(tables, b.dims[dimension].Name)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("TRUNCATE %s", strings.Join(tables, ", "))); err != nil {
		return fmt.Errorf("failed to truncate dataset tables: %w", err)
	}
	return nil
}

// verifyShape compares the live column sets against the model-derived
// definitions. A mismatch is a SchemaConflictError and is never patched.
func (b *Binding) verifyShape(ctx context.Context, conn postgres.Connection) error {
	if err := verifyTableShape(ctx, conn, b.fact); err != nil {
		return err
	}
	for _, dimension := range b.dimOrder {
		if err := verifyTableShape(ctx, conn, b.dims[dimension]); err != nil {
			return err
		}
	}
	return nil
}

func verifyTableShape(ctx context.Context, conn postgres.Connection, t *TableDef) error {
	rows, err := conn.Query(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1",
		t.Name)
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", t.Name, err)
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan column of %s: %w", t.Name, err)
		}
		live[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate columns of %s: %w", t.Name, err)
	}

	if len(live) == 0 {
		return &SchemaConflictError{Table: t.Name, Detail: "table is missing"}
	}
	for _, col := range t.Columns {
		if !live[col.Name] {
			return &SchemaConflictError{Table: t.Name, Detail: fmt.Sprintf("column %q is missing", col.Name)}
		}
		delete(live, col.Name)
	}
	if len(live) > 0 {
		extra := make([]string, 0, len(live))
		for name := range live {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return &SchemaConflictError{Table: t.Name, Detail: fmt.Sprintf("unexpected columns: %s", strings.Join(extra, ", "))}
	}
	return nil
}
