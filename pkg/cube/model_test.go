package cube

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testModelDescription(name string) map[string]any {
	return map[string]any{
		"dataset": map[string]any{
			"name":         name,
			"label":        "Test Spending",
			"currency":     "USD",
			"default_time": "time",
		},
		"mapping": map[string]any{
			"amount": map[string]any{"type": "measure", "label": "Amount"},
			"time":   map[string]any{"type": "date", "label": "Time"},
			"to": map[string]any{
				"type":  "compound",
				"label": "Recipient",
				"facet": true,
				"attributes": map[string]any{
					"label": map[string]any{"label": "Label"},
					"name":  map[string]any{"label": "Name"},
				},
			},
			"region": map[string]any{"type": "value", "label": "Region"},
		},
	}
}

func TestCube_Model_Parse(t *testing.T) {
	t.Parallel()

	m, err := ParseModel(testModelDescription("spending"))
	require.NoError(t, err)
	require.Equal(t, "spending", m.Name)
	require.Equal(t, "USD", m.Currency)
	require.Equal(t, "time", m.DefaultTime)
	require.Len(t, m.Fields(), 4)

	amount, err := m.Field("amount")
	require.NoError(t, err)
	require.IsType(t, &Measure{}, amount)

	to, err := m.Field("to")
	require.NoError(t, err)
	compound, ok := to.(*CompoundDimension)
	require.True(t, ok)
	// Attribute order is canonical (sorted) since it feeds the member hash.
	require.Equal(t, []Attribute{
		{Name: "label", Label: "Label"},
		{Name: "name", Label: "Name"},
	}, compound.Attributes())

	timeField, err := m.Field("time")
	require.NoError(t, err)
	require.IsType(t, &DateDimension{}, timeField)

	_, err = m.Field("nope")
	var unknown *UnknownFieldError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nope", unknown.Name)
}

func TestCube_Model_Classifications(t *testing.T) {
	t.Parallel()

	m, err := ParseModel(testModelDescription("spending"))
	require.NoError(t, err)

	compounds := m.Compounds()
	require.Len(t, compounds, 2) // time and to

	facets := m.FacetDimensions()
	require.Len(t, facets, 1)
	require.Equal(t, "to", facets[0].Name())
}

func TestCube_Model_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(desc map[string]any)
	}{
		{
			name: "missing_dataset_name",
			mutate: func(desc map[string]any) {
				delete(desc["dataset"].(map[string]any), "name")
			},
		},
		{
			name: "invalid_dataset_name",
			mutate: func(desc map[string]any) {
				desc["dataset"].(map[string]any)["name"] = "Bad Name!"
			},
		},
		{
			name: "unknown_field_type",
			mutate: func(desc map[string]any) {
				desc["mapping"].(map[string]any)["amount"] = map[string]any{"type": "fancy"}
			},
		},
		{
			name: "compound_without_attributes",
			mutate: func(desc map[string]any) {
				desc["mapping"].(map[string]any)["to"] = map[string]any{"type": "compound"}
			},
		},
		{
			name: "default_time_not_a_date_dimension",
			mutate: func(desc map[string]any) {
				desc["dataset"].(map[string]any)["default_time"] = "to"
			},
		},
		{
			name: "default_time_not_in_mapping",
			mutate: func(desc map[string]any) {
				desc["dataset"].(map[string]any)["default_time"] = "when"
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			desc := testModelDescription("spending")
			tc.mutate(desc)
			_, err := ParseModel(desc)
			require.Error(t, err)
		})
	}
}
