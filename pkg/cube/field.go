package cube

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Field is the capability surface shared by all model fields. The variant
// set is closed: Measure, AttributeDimension, CompoundDimension and
// DateDimension, resolved through the model's name mapping.
type Field interface {
	Name() string
	Label() string

	// initPhysical registers the field's physical columns and tables on the
	// binding. A field's columns exist only after Init has run.
	initPhysical(b *Binding) error

	// transform converts the raw input value for this field into fact-row
	// column values, creating dimension members as needed.
	transform(ctx context.Context, ld *loader, raw any) (map[string]any, error)
}

// Measure is a single numeric, summable column on the fact table.
type Measure struct {
	name  string
	label string
}

func (m *Measure) Name() string  { return m.name }
func (m *Measure) Label() string { return m.label }

func (m *Measure) initPhysical(b *Binding) error {
	b.fact.addColumn(m.name, "double precision")
	return nil
}

func (m *Measure) transform(ctx context.Context, ld *loader, raw any) (map[string]any, error) {
	value, err := parseNumeric(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{m.name: value}, nil
}

// AttributeDimension is a simple dimension stored directly as a text column
// on the fact table, with no table of its own.
type AttributeDimension struct {
	name  string
	label string
	facet bool
}

func (d *AttributeDimension) Name() string  { return d.name }
func (d *AttributeDimension) Label() string { return d.label }

func (d *AttributeDimension) initPhysical(b *Binding) error {
	b.fact.addColumn(d.name, "text")
	return nil
}

func (d *AttributeDimension) transform(ctx context.Context, ld *loader, raw any) (map[string]any, error) {
	value, err := stringify(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{d.name: value}, nil
}

// Attribute is a named member attribute of a compound dimension.
type Attribute struct {
	Name  string
	Label string
}

// CompoundDimension has one or more named attributes and owns a separate
// dimension table keyed by a content hash of its attribute values. The fact
// table holds a foreign key into it.
type CompoundDimension struct {
	name       string
	label      string
	attributes []Attribute
	facet      bool
}

func (d *CompoundDimension) Name() string  { return d.name }
func (d *CompoundDimension) Label() string { return d.label }

// Attributes returns the declared attributes in canonical (sorted) order.
func (d *CompoundDimension) Attributes() []Attribute { return d.attributes }

func (d *CompoundDimension) attribute(name string) (Attribute, bool) {
	for _, attr := range d.attributes {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attribute{}, false
}

func (d *CompoundDimension) initPhysical(b *Binding) error {
	table := &TableDef{
		Name:       fmt.Sprintf("dim_%s_%s", b.dataset, d.name),
		PrimaryKey: "id",
	}
	table.addColumn("id", "text")
	for _, attr := range d.attributes {
		table.addColumn(attr.Name, "text")
	}
	b.addDimTable(d.name, table)
	return nil
}

func (d *CompoundDimension) transform(ctx context.Context, ld *loader, raw any) (map[string]any, error) {
	sub, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an attribute mapping, got %T", raw)
	}
	values := make([]any, 0, len(d.attributes))
	hashed := make([]any, 0, len(d.attributes)+1)
	hashed = append(hashed, d.name)
	for _, attr := range d.attributes {
		rawAttr, ok := sub[attr.Name]
		if !ok {
			return nil, fmt.Errorf("missing attribute %q", attr.Name)
		}
		value, err := stringify(rawAttr)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", attr.Name, err)
		}
		values = append(values, value)
		hashed = append(hashed, value)
	}

	id := hashValues(hashed...)
	if err := ld.upsertDimensionRow(ctx, d.name, id, attributeNames(d.attributes), values); err != nil {
		return nil, err
	}
	return map[string]any{d.name + "_id": id}, nil
}

func attributeNames(attrs []Attribute) []string {
	names := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		names = append(names, attr.Name)
	}
	return names
}

// DateDimension is a compound dimension specialization backed by a single
// stored date column. The virtual labels "year" and "yearmonth" are derived
// from it at query time and never stored.
type DateDimension struct {
	CompoundDimension
}

func (d *DateDimension) initPhysical(b *Binding) error {
	table := &TableDef{
		Name:       fmt.Sprintf("dim_%s_%s", b.dataset, d.name),
		PrimaryKey: "id",
	}
	table.addColumn("id", "text")
	table.addColumn("date", "date")
	b.addDimTable(d.name, table)
	return nil
}

func (d *DateDimension) transform(ctx context.Context, ld *loader, raw any) (map[string]any, error) {
	sub, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a date mapping, got %T", raw)
	}
	date, err := parseDateParts(sub)
	if err != nil {
		return nil, err
	}
	id := hashValues(d.name, date.Format("2006-01-02"))
	if err := ld.upsertDimensionRow(ctx, d.name, id, []string{"date"}, []any{date}); err != nil {
		return nil, err
	}
	return map[string]any{d.name + "_id": id}, nil
}

// virtualExpr returns the derived SQL expression for a virtual label of this
// dimension, referencing its table through the given alias.
func (d *DateDimension) virtualExpr(alias, label string) (string, bool) {
	switch label {
	case "year":
		return fmt.Sprintf("extract(year from %s.%s)::int", ident(alias), ident("date")), true
	case "yearmonth":
		return fmt.Sprintf("to_char(%s.%s, 'YYYYMM')", ident(alias), ident("date")), true
	}
	return "", false
}

// parseDateParts canonicalizes a raw date sub-mapping into a UTC date. The
// mapping carries either a "date" value (ISO date or timestamp) or numeric
// "year"/"month"/"day" parts with month and day defaulting to 1.
func parseDateParts(sub map[string]any) (time.Time, error) {
	if raw, ok := sub["date"]; ok {
		switch v := raw.(type) {
		case time.Time:
			return time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC), nil
		case string:
			for _, layout := range []string{"2006-01-02", time.RFC3339} {
				if t, err := time.Parse(layout, v); err == nil {
					return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
				}
			}
			return time.Time{}, fmt.Errorf("unparseable date %q", v)
		default:
			return time.Time{}, fmt.Errorf("unparseable date value of type %T", raw)
		}
	}

	rawYear, ok := sub["year"]
	if !ok {
		return time.Time{}, fmt.Errorf("missing date or year")
	}
	year, err := parseIntPart(rawYear)
	if err != nil {
		return time.Time{}, fmt.Errorf("year: %w", err)
	}
	month := 1
	if rawMonth, ok := sub["month"]; ok {
		if month, err = parseIntPart(rawMonth); err != nil {
			return time.Time{}, fmt.Errorf("month: %w", err)
		}
	}
	day := 1
	if rawDay, ok := sub["day"]; ok {
		if day, err = parseIntPart(rawDay); err != nil {
			return time.Time{}, fmt.Errorf("day: %w", err)
		}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

func parseIntPart(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("unparseable number %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unparseable number of type %T", raw)
	}
}

func parseNumeric(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable numeric value %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unparseable numeric value of type %T", raw)
	}
}

// stringify renders a raw scalar into its stored text representation.
func stringify(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", raw)
	}
}
