package cube

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/cube/pkg/metrics"
)

// Cut is an equality filter on a dimension value. Multiple cuts on the same
// key widen to an OR; cuts across keys narrow to an AND.
type Cut struct {
	Key   string
	Value any
}

// Order is a single-level ordering directive.
type Order struct {
	Key        string
	Descending bool
}

// AggregateRequest describes one slice/dice aggregation.
type AggregateRequest struct {
	Measure    string
	Drilldowns []string
	Cuts       []Cut
	Page       int
	PageSize   int
	Order      []Order
}

func (r *AggregateRequest) Validate() error {
	if r.Measure == "" {
		r.Measure = "amount"
	}
	if r.Page == 0 {
		r.Page = 1
	}
	if r.Page < 1 {
		return &InvalidQueryError{Reason: fmt.Sprintf("page must be >= 1, got %d", r.Page)}
	}
	if r.PageSize == 0 {
		r.PageSize = 10000
	}
	if r.PageSize < 1 {
		return &InvalidQueryError{Reason: fmt.Sprintf("pagesize must be > 0, got %d", r.PageSize)}
	}
	if len(r.Order) == 0 {
		r.Order = []Order{{Key: r.Measure, Descending: true}}
	}
	return nil
}

// AggregateResult is the decoded aggregation response.
type AggregateResult struct {
	Drilldown []map[string]any `json:"drilldown"`
	Summary   map[string]any   `json:"summary"`
}

// resolvedKey is the typed result of resolving a drilldown/cut/order key
// against the model and binding.
type resolvedKey struct {
	key       string
	dimension string    // owning compound dimension, "" for fact-resident fields
	expr      string    // SQL expression for group/cut/order
	alias     string    // select alias for decode
	attr      string    // attribute name for decode ("" for simple fields)
	virtual   bool      // derived time label
	fullRow   *TableDef // bare compound drilldown: group by every column
}

// resolveKey resolves a field-or-composite key. Virtual time labels ("year",
// "yearmonth", or "<dim>.year") substitute derived expressions over the date
// dimension's stored date.
func (c *Cube) resolveKey(key string) (*resolvedKey, error) {
	if key == "year" || key == "yearmonth" {
		if c.model.DefaultTime == "" {
			return nil, &UnknownFieldError{Name: key}
		}
		return c.resolveVirtual(c.model.DefaultTime, key)
	}

	if dimension, attribute, ok := splitKey(key); ok {
		field, err := c.model.Field(dimension)
		if err != nil {
			return nil, &UnknownFieldError{Name: key}
		}
		switch d := field.(type) {
		case *DateDimension:
			if attribute == "year" || attribute == "yearmonth" {
				return c.resolveVirtual(dimension, attribute)
			}
			if attribute == "date" {
				return &resolvedKey{
					key:       key,
					dimension: dimension,
					expr:      fmt.Sprintf("%s.%s", ident(dimension), ident("date")),
					alias:     dimension + "__date",
					attr:      "date",
				}, nil
			}
			return nil, &UnknownFieldError{Name: key}
		case *CompoundDimension:
			if _, ok := d.attribute(attribute); !ok {
				return nil, &UnknownFieldError{Name: key}
			}
			return &resolvedKey{
				key:       key,
				dimension: dimension,
				expr:      fmt.Sprintf("%s.%s", ident(dimension), ident(attribute)),
				alias:     dimension + "__" + attribute,
				attr:      attribute,
			}, nil
		default:
			return nil, &UnknownFieldError{Name: key}
		}
	}

	field, err := c.model.Field(key)
	if err != nil {
		return nil, err
	}
	switch field.(type) {
	case *AttributeDimension:
		return &resolvedKey{
			key:   key,
			expr:  fmt.Sprintf("%s.%s", ident(factAlias), ident(key)),
			alias: key,
		}, nil
	case *CompoundDimension, *DateDimension:
		table, ok := c.binding.dimTable(key)
		if !ok {
			return nil, &UnknownFieldError{Name: key}
		}
		return &resolvedKey{
			key:       key,
			dimension: key,
			// Cuts and ordering on a bare compound match its member hash.
			expr:    fmt.Sprintf("%s.%s", ident(factAlias), ident(key+"_id")),
			fullRow: table,
		}, nil
	case *Measure:
		return nil, &InvalidQueryError{Reason: fmt.Sprintf("measure %q cannot be used as a dimension key", key)}
	default:
		return nil, &UnknownFieldError{Name: key}
	}
}

func (c *Cube) resolveVirtual(dimension, label string) (*resolvedKey, error) {
	field, err := c.model.Field(dimension)
	if err != nil {
		return nil, err
	}
	d, ok := field.(*DateDimension)
	if !ok {
		return nil, &UnknownFieldError{Name: dimension + "." + label}
	}
	expr, ok := d.virtualExpr(dimension, label)
	if !ok {
		return nil, &UnknownFieldError{Name: dimension + "." + label}
	}
	alias := label
	if dimension != c.model.DefaultTime {
		alias = dimension + "__" + label
	}
	return &resolvedKey{
		key:       label,
		dimension: dimension,
		expr:      expr,
		alias:     alias,
		attr:      label,
		virtual:   true,
	}, nil
}

// aggregatePlan holds the compiled three-stage query plan.
type aggregatePlan struct {
	measure string

	summarySQL string
	countSQL   string // empty when there are no group-by columns
	rowsSQL    string
	cutArgs    []any

	drilldowns []*resolvedKey
}

// compileAggregate translates the request into the three query stages:
// summary totals, drilldown-count and the paged drilldown rows.
func (c *Cube) compileAggregate(req *AggregateRequest) (*aggregatePlan, error) {
	measureField, err := c.model.Field(req.Measure)
	if err != nil {
		return nil, err
	}
	if _, ok := measureField.(*Measure); !ok {
		return nil, &InvalidQueryError{Reason: fmt.Sprintf("field %q is not a measure", req.Measure)}
	}
	sumExpr := fmt.Sprintf("sum(%s.%s)", ident(factAlias), ident(req.Measure))

	// Resolve drilldowns and cuts; collect the dimensions they touch.
	drilldowns := make([]*resolvedKey, 0, len(req.Drilldowns))
	joined := make(map[string]bool)
	for _, key := range req.Drilldowns {
		rk, err := c.resolveKey(key)
		if err != nil {
			return nil, err
		}
		drilldowns = append(drilldowns, rk)
		if rk.dimension != "" {
			joined[rk.dimension] = true
		}
	}

	cutKeys := make([]*resolvedKey, 0, len(req.Cuts))
	for _, cut := range req.Cuts {
		rk, err := c.resolveKey(cut.Key)
		if err != nil {
			return nil, err
		}
		cutKeys = append(cutKeys, rk)
		if rk.dimension != "" {
			joined[rk.dimension] = true
		}
	}

	fromClause := c.buildFrom(joined)
	whereClause, cutArgs, err := buildCuts(req.Cuts, cutKeys)
	if err != nil {
		return nil, err
	}

	// Group-by expansion: a bare compound groups by every column of its
	// table; everything else groups by its single resolved expression.
	var groupBy, selects []string
	for _, rk := range drilldowns {
		if rk.fullRow != nil {
			for _, col := range rk.fullRow.Columns {
				expr := fmt.Sprintf("%s.%s", ident(rk.dimension), ident(col.Name))
				groupBy = append(groupBy, expr)
				selects = append(selects, fmt.Sprintf("%s AS %s", expr, ident(rk.dimension+"__"+col.Name)))
			}
			continue
		}
		groupBy = append(groupBy, rk.expr)
		selects = append(selects, fmt.Sprintf("%s AS %s", rk.expr, ident(rk.alias)))
	}

	// Ordering keys resolve like drilldown keys; the measure orders by the
	// aggregated sum, and a key needing a join that is not already there is
	// structurally invalid rather than silently joined.
	var orderBy []string
	for _, o := range req.Order {
		direction := "ASC"
		if o.Descending {
			direction = "DESC"
		}
		if o.Key == req.Measure {
			orderBy = append(orderBy, fmt.Sprintf("%s %s", sumExpr, direction))
			continue
		}
		rk, err := c.resolveKey(o.Key)
		if err != nil {
			return nil, err
		}
		if rk.dimension != "" && !joined[rk.dimension] {
			return nil, &InvalidQueryError{Reason: fmt.Sprintf("order key %q is not among the drilldowns or cuts", o.Key)}
		}
		orderBy = append(orderBy, fmt.Sprintf("%s %s", rk.expr, direction))
	}

	plan := &aggregatePlan{
		measure:    req.Measure,
		cutArgs:    cutArgs,
		drilldowns: drilldowns,
	}

	// Stage 1: totals under the cut conditions only.
	plan.summarySQL = fmt.Sprintf(
		"SELECT coalesce(%s, 0) AS %s, count(%s.%s) AS num_entries %s%s",
		sumExpr, ident(req.Measure), ident(factAlias), ident("id"), fromClause, whereClause,
	)

	// Stage 2: number of distinct groups, for pagination metadata.
	if len(groupBy) > 0 {
		plan.countSQL = fmt.Sprintf(
			"SELECT count(*) FROM (SELECT 1 %s%s GROUP BY %s) AS grouped",
			fromClause, whereClause, strings.Join(groupBy, ", "),
		)
	}

	// Stage 3: the paged, grouped, ordered result set.
	stageSelects := append([]string{
		fmt.Sprintf("coalesce(%s, 0) AS %s", sumExpr, ident(req.Measure)),
		fmt.Sprintf("count(%s.%s) AS num_entries", ident(factAlias), ident("id")),
	}, selects...)
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s %s%s", strings.Join(stageSelects, ", "), fromClause, whereClause)
	if len(groupBy) > 0 {
		fmt.Fprintf(&sb, " GROUP BY %s", strings.Join(groupBy, ", "))
	}
	if len(orderBy) > 0 {
		fmt.Fprintf(&sb, " ORDER BY %s", strings.Join(orderBy, ", "))
	}
	fmt.Fprintf(&sb, " LIMIT $%d OFFSET $%d", len(cutArgs)+1, len(cutArgs)+2)
	plan.rowsSQL = sb.String()

	return plan, nil
}

// buildFrom builds the star join clause: the fact table plus one join per
// touched compound dimension.
func (c *Cube) buildFrom(joined map[string]bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s AS %s", c.binding.fact.Name, ident(factAlias))
	for _, dimension := range c.binding.dimOrder {
		if !joined[dimension] {
			continue
		}
		table := c.binding.dims[dimension]
		fmt.Fprintf(&sb, " JOIN %s AS %s ON %s.%s = %s.%s",
			table.Name, ident(dimension),
			ident(factAlias), ident(dimension+"_id"),
			ident(dimension), ident("id"))
	}
	return sb.String()
}

// buildCuts combines cut conditions: values for the same resolved column OR
// together, conditions across distinct columns AND together.
func buildCuts(cuts []Cut, keys []*resolvedKey) (string, []any, error) {
	if len(cuts) == 0 {
		return "", nil, nil
	}

	type group struct {
		expr    string
		virtual bool
		label   string
		values  []any
	}
	var groups []*group
	byExpr := make(map[string]*group)
	for i, cut := range cuts {
		rk := keys[i]
		g, ok := byExpr[rk.expr]
		if !ok {
			g = &group{expr: rk.expr, virtual: rk.virtual, label: rk.attr}
			byExpr[rk.expr] = g
			groups = append(groups, g)
		}
		value, err := cutValue(rk, cut.Value)
		if err != nil {
			return "", nil, err
		}
		g.values = append(g.values, value)
	}

	var args []any
	var conditions []string
	for _, g := range groups {
		var ors []string
		for _, value := range g.values {
			args = append(args, value)
			ors = append(ors, fmt.Sprintf("%s = $%d", g.expr, len(args)))
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// cutValue converts a cut value to the resolved column's storage type: the
// derived year compares as an integer, everything else as text.
func cutValue(rk *resolvedKey, value any) (any, error) {
	if rk.virtual && rk.attr == "year" {
		year, err := parseIntPart(value)
		if err != nil {
			return nil, &InvalidQueryError{Reason: fmt.Sprintf("cut %q: %v", rk.key, err)}
		}
		return year, nil
	}
	text, err := stringify(value)
	if err != nil {
		return nil, &InvalidQueryError{Reason: fmt.Sprintf("cut %q: %v", rk.key, err)}
	}
	return text, nil
}

// Aggregate runs a slice/dice aggregation over the generated dataset.
func (c *Cube) Aggregate(ctx context.Context, req *AggregateRequest) (*AggregateResult, error) {
	start := time.Now()
	if err := c.ensureGenerated(ctx, "aggregate"); err != nil {
		return nil, err
	}
	if req == nil {
		req = &AggregateRequest{}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	plan, err := c.compileAggregate(req)
	if err != nil {
		return nil, err
	}

	result, err := c.executeAggregate(ctx, req, plan)
	if err != nil {
		metrics.AggregateQueriesTotal.WithLabelValues(c.model.Name, "error").Inc()
		return nil, err
	}
	metrics.AggregateQueriesTotal.WithLabelValues(c.model.Name, "ok").Inc()
	metrics.AggregateQueryDuration.WithLabelValues(c.model.Name).Observe(time.Since(start).Seconds())
	c.log.Debug("aggregate complete",
		"dataset", c.model.Name,
		"measure", req.Measure,
		"drilldowns", strings.Join(req.Drilldowns, ","),
		"rows", len(result.Drilldown),
		"duration", time.Since(start))
	return result, nil
}

func (c *Cube) executeAggregate(ctx context.Context, req *AggregateRequest, plan *aggregatePlan) (*AggregateResult, error) {
	// Stage 1: unfiltered-by-group totals.
	var total float64
	var numEntries int64
	if err := c.conn.QueryRow(ctx, plan.summarySQL, plan.cutArgs...).Scan(&total, &numEntries); err != nil {
		return nil, fmt.Errorf("failed to execute summary stage: %w", err)
	}

	// Stage 2: distinct group count; exactly 1 when nothing is grouped.
	numDrilldowns := int64(1)
	if plan.countSQL != "" {
		if err := c.conn.QueryRow(ctx, plan.countSQL, plan.cutArgs...).Scan(&numDrilldowns); err != nil {
			return nil, fmt.Errorf("failed to execute drilldown-count stage: %w", err)
		}
	}

	// Stage 3: paged drilldown rows.
	offset := (req.Page - 1) * req.PageSize
	args := append(append([]any{}, plan.cutArgs...), req.PageSize, offset)
	rows, err := c.conn.Query(ctx, plan.rowsSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute drilldown stage: %w", err)
	}
	rowMaps, err := scanRowMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan drilldown rows: %w", err)
	}

	drilldown := make([]map[string]any, 0, len(rowMaps))
	for _, row := range rowMaps {
		drilldown = append(drilldown, decodeDrilldownRow(row, plan))
	}

	return &AggregateResult{
		Drilldown: drilldown,
		Summary: map[string]any{
			plan.measure:     total,
			"num_entries":    numEntries,
			"currency":       map[string]any{plan.measure: c.model.Currency},
			"num_drilldowns": numDrilldowns,
			"page":           req.Page,
			"pages":          int(math.Ceil(float64(numDrilldowns) / float64(req.PageSize))),
			"pagesize":       req.PageSize,
		},
	}, nil
}

// decodeDrilldownRow nests a flat result row: measure and entry count at top
// level, one sub-mapping per drilldown dimension.
func decodeDrilldownRow(row map[string]any, plan *aggregatePlan) map[string]any {
	result := map[string]any{
		plan.measure:  normalizeValue(row[plan.measure]),
		"num_entries": normalizeValue(row["num_entries"]),
	}
	for _, rk := range plan.drilldowns {
		switch {
		case rk.fullRow != nil:
			sub := make(map[string]any)
			for _, col := range rk.fullRow.Columns {
				if col.Name == "id" {
					continue
				}
				sub[col.Name] = normalizeValue(row[rk.dimension+"__"+col.Name])
			}
			result[rk.dimension] = sub
		case rk.dimension != "":
			sub, ok := result[rk.dimension].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				result[rk.dimension] = sub
			}
			sub[rk.attr] = normalizeValue(row[rk.alias])
		default:
			result[rk.key] = normalizeValue(row[rk.alias])
		}
	}
	return result
}

// scanRowMaps drains pgx rows into alias-keyed maps.
func scanRowMaps(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return result, nil
}

// normalizeValue flattens driver types for the response maps: small ints
// widen to int64, numerics to float64, dates render as ISO dates.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return v
	}
}
