package cube

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/cube/pkg/postgres"
)

// aggTestCube loads a small three-entry dataset:
//
//	100 USD -> Health    / north / 2020
//	 50 USD -> Health    / south / 2020
//	 25 USD -> Education / north / 2021
func aggTestCube(t *testing.T, conn postgres.Connection) *Cube {
	t.Helper()
	c, _ := generatedTestCube(t, conn)
	ctx := t.Context()
	require.NoError(t, c.Load(ctx, decodeRecord(t,
		`{"amount": 100, "time": {"year": 2020}, "to": {"label": "Health", "name": "health"}, "region": "north"}`)))
	require.NoError(t, c.Load(ctx, decodeRecord(t,
		`{"amount": 50, "time": {"year": 2020}, "to": {"label": "Health", "name": "health"}, "region": "south"}`)))
	require.NoError(t, c.Load(ctx, decodeRecord(t,
		`{"amount": 25, "time": {"year": 2021}, "to": {"label": "Education", "name": "education"}, "region": "north"}`)))
	return c
}

func TestCube_Aggregate_Summary(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)

	result, err := c.Aggregate(t.Context(), nil)
	require.NoError(t, err)

	// With no grouping the rows stage yields a single row mirroring the
	// summary totals.
	require.Len(t, result.Drilldown, 1)
	require.EqualValues(t, 175, result.Drilldown[0]["amount"])
	require.EqualValues(t, 3, result.Drilldown[0]["num_entries"])

	require.EqualValues(t, 175, result.Summary["amount"])
	require.EqualValues(t, 3, result.Summary["num_entries"])
	require.EqualValues(t, 1, result.Summary["num_drilldowns"])
	require.Equal(t, map[string]any{"amount": "USD"}, result.Summary["currency"])
	require.Equal(t, 1, result.Summary["page"])
	require.Equal(t, 1, result.Summary["pages"])
}

func TestCube_Aggregate_DrilldownAttribute(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)

	result, err := c.Aggregate(t.Context(), &AggregateRequest{Drilldowns: []string{"to.label"}})
	require.NoError(t, err)

	// Default order is by the measure, descending.
	require.Len(t, result.Drilldown, 2)
	require.EqualValues(t, 150, result.Drilldown[0]["amount"])
	require.EqualValues(t, 2, result.Drilldown[0]["num_entries"])
	require.Equal(t, map[string]any{"label": "Health"}, result.Drilldown[0]["to"])
	require.EqualValues(t, 25, result.Drilldown[1]["amount"])
	require.Equal(t, map[string]any{"label": "Education"}, result.Drilldown[1]["to"])

	// The summary covers the whole (uncut) dataset, not just the page.
	require.EqualValues(t, 175, result.Summary["amount"])
	require.EqualValues(t, 2, result.Summary["num_drilldowns"])
}

func TestCube_Aggregate_DrilldownBareCompound(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)

	result, err := c.Aggregate(t.Context(), &AggregateRequest{Drilldowns: []string{"to"}})
	require.NoError(t, err)

	// Full member rows, surrogate id excluded.
	require.Len(t, result.Drilldown, 2)
	require.Equal(t, map[string]any{"label": "Health", "name": "health"}, result.Drilldown[0]["to"])
	require.Equal(t, map[string]any{"label": "Education", "name": "education"}, result.Drilldown[1]["to"])
}

func TestCube_Aggregate_Cuts(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)
	ctx := t.Context()

	t.Run("single_cut", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{
			Cuts: []Cut{{Key: "to.label", Value: "Health"}},
		})
		require.NoError(t, err)
		require.EqualValues(t, 150, result.Summary["amount"])
		require.EqualValues(t, 2, result.Summary["num_entries"])
	})

	t.Run("same_key_widens", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{
			Cuts: []Cut{
				{Key: "to.label", Value: "Health"},
				{Key: "to.label", Value: "Education"},
			},
		})
		require.NoError(t, err)
		require.EqualValues(t, 175, result.Summary["amount"])
		require.EqualValues(t, 3, result.Summary["num_entries"])
	})

	t.Run("distinct_keys_narrow", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{
			Cuts: []Cut{
				{Key: "to.label", Value: "Health"},
				{Key: "region", Value: "north"},
			},
		})
		require.NoError(t, err)
		require.EqualValues(t, 100, result.Summary["amount"])
		require.EqualValues(t, 1, result.Summary["num_entries"])
	})

	t.Run("cut_with_drilldown", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{
			Drilldowns: []string{"region"},
			Cuts:       []Cut{{Key: "to.label", Value: "Health"}},
		})
		require.NoError(t, err)
		require.Len(t, result.Drilldown, 2)
		require.EqualValues(t, 100, result.Drilldown[0]["amount"])
		require.Equal(t, "north", result.Drilldown[0]["region"])
		require.EqualValues(t, 50, result.Drilldown[1]["amount"])
		require.Equal(t, "south", result.Drilldown[1]["region"])
	})
}

func TestCube_Aggregate_VirtualTimeLabels(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)
	ctx := t.Context()

	t.Run("year_drilldown", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"year"}})
		require.NoError(t, err)
		require.Len(t, result.Drilldown, 2)
		require.EqualValues(t, 150, result.Drilldown[0]["amount"])
		require.Equal(t, map[string]any{"year": int64(2020)}, result.Drilldown[0]["time"])
		require.Equal(t, map[string]any{"year": int64(2021)}, result.Drilldown[1]["time"])
	})

	t.Run("year_cut", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{
			Cuts: []Cut{{Key: "year", Value: "2021"}},
		})
		require.NoError(t, err)
		require.EqualValues(t, 25, result.Summary["amount"])
		require.EqualValues(t, 1, result.Summary["num_entries"])
	})

	t.Run("yearmonth_drilldown", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"yearmonth"}})
		require.NoError(t, err)
		require.Len(t, result.Drilldown, 2)
		require.Equal(t, map[string]any{"yearmonth": "202001"}, result.Drilldown[0]["time"])
	})

	t.Run("qualified_form", func(t *testing.T) {
		result, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"time.year"}})
		require.NoError(t, err)
		require.Len(t, result.Drilldown, 2)
		require.Equal(t, map[string]any{"year": int64(2020)}, result.Drilldown[0]["time"])
	})
}

func TestCube_Aggregate_Paging(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)
	ctx := t.Context()

	unpaged, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"to.label"}})
	require.NoError(t, err)
	require.Len(t, unpaged.Drilldown, 2)

	page1, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"to.label"}, Page: 1, PageSize: 1})
	require.NoError(t, err)
	page2, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"to.label"}, Page: 2, PageSize: 1})
	require.NoError(t, err)

	// Disjoint pages reassemble the unpaged result.
	require.Len(t, page1.Drilldown, 1)
	require.Len(t, page2.Drilldown, 1)
	require.Equal(t, unpaged.Drilldown, append(page1.Drilldown, page2.Drilldown...))

	require.Equal(t, 2, page1.Summary["pages"])
	require.EqualValues(t, 2, page1.Summary["num_drilldowns"])
	require.Equal(t, 1, page1.Summary["page"])
	require.Equal(t, 2, page2.Summary["page"])
	// Summary totals are page-independent.
	require.EqualValues(t, 175, page2.Summary["amount"])

	// Pages past the end are empty, not an error.
	page3, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"to.label"}, Page: 3, PageSize: 1})
	require.NoError(t, err)
	require.Empty(t, page3.Drilldown)
}

func TestCube_Aggregate_Errors(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	c := aggTestCube(t, conn)
	ctx := t.Context()

	_, err := c.Aggregate(ctx, &AggregateRequest{Drilldowns: []string{"nope"}})
	var unknown *UnknownFieldError
	require.ErrorAs(t, err, &unknown)

	_, err = c.Aggregate(ctx, &AggregateRequest{Page: -1})
	var invalid *InvalidQueryError
	require.ErrorAs(t, err, &invalid)
}
