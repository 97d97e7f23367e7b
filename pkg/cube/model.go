package cube

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Model is the in-memory representation of a dataset's dimensions and
// measures, parsed from the declarative model description.
type Model struct {
	Name        string
	Label       string
	Description string
	Currency    string
	DefaultTime string

	fields map[string]Field
	order  []string
}

// ParseModel builds the field model from a model description: a nested
// mapping with a "dataset" block (name, label, currency, default_time) and a
// "mapping" block tagging each field as measure, value, compound or date.
func ParseModel(data map[string]any) (*Model, error) {
	dataset, ok := data["dataset"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("model description is missing the dataset block")
	}
	mapping, ok := data["mapping"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("model description is missing the mapping block")
	}

	m := &Model{
		Name:        stringAt(dataset, "name"),
		Label:       stringAt(dataset, "label"),
		Description: stringAt(dataset, "description"),
		Currency:    stringAt(dataset, "currency"),
		DefaultTime: stringAt(dataset, "default_time"),
		fields:      make(map[string]Field),
	}
	if m.Name == "" {
		return nil, fmt.Errorf("dataset name is required")
	}
	if !identPattern.MatchString(m.Name) {
		return nil, fmt.Errorf("invalid dataset name %q", m.Name)
	}

	// Sorted field order keeps bindings and hashes deterministic across
	// loads of the same description.
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !identPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid field name %q", name)
		}
		spec, ok := mapping[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q: mapping entry must be an object", name)
		}
		field, err := parseField(name, spec)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		m.fields[name] = field
		m.order = append(m.order, name)
	}

	if m.DefaultTime != "" {
		field, ok := m.fields[m.DefaultTime]
		if !ok {
			return nil, fmt.Errorf("default_time %q is not in the mapping", m.DefaultTime)
		}
		if _, ok := field.(*DateDimension); !ok {
			return nil, fmt.Errorf("default_time %q is not a date dimension", m.DefaultTime)
		}
	}
	return m, nil
}

func parseField(name string, spec map[string]any) (Field, error) {
	label := stringAt(spec, "label")
	facet, _ := spec["facet"].(bool)

	switch fieldType := stringAt(spec, "type"); fieldType {
	case "measure":
		return &Measure{name: name, label: label}, nil
	case "value", "attribute":
		return &AttributeDimension{name: name, label: label, facet: facet}, nil
	case "compound":
		attrs, err := parseAttributes(spec)
		if err != nil {
			return nil, err
		}
		return &CompoundDimension{name: name, label: label, attributes: attrs, facet: facet}, nil
	case "date":
		return &DateDimension{CompoundDimension{name: name, label: label, facet: facet}}, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", fieldType)
	}
}

// parseAttributes reads a compound dimension's attribute sub-mapping. The
// declared order is canonical (sorted by name) since it feeds the member
// content hash.
func parseAttributes(spec map[string]any) ([]Attribute, error) {
	raw, ok := spec["attributes"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("compound dimension requires an attributes mapping")
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]Attribute, 0, len(names))
	for _, name := range names {
		if !identPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid attribute name %q", name)
		}
		label := ""
		if attrSpec, ok := raw[name].(map[string]any); ok {
			label = stringAt(attrSpec, "label")
		}
		attrs = append(attrs, Attribute{Name: name, Label: label})
	}
	return attrs, nil
}

// Field looks up a field by name.
func (m *Model) Field(name string) (Field, error) {
	field, ok := m.fields[name]
	if !ok {
		return nil, &UnknownFieldError{Name: name}
	}
	return field, nil
}

// Fields returns all fields in deterministic order.
func (m *Model) Fields() []Field {
	fields := make([]Field, 0, len(m.order))
	for _, name := range m.order {
		fields = append(fields, m.fields[name])
	}
	return fields
}

// Compounds returns the compound dimensions (date dimensions included).
func (m *Model) Compounds() []Field {
	var compounds []Field
	for _, name := range m.order {
		switch m.fields[name].(type) {
		case *CompoundDimension, *DateDimension:
			compounds = append(compounds, m.fields[name])
		}
	}
	return compounds
}

// FacetDimensions returns the dimensions flagged for faceted browsing.
func (m *Model) FacetDimensions() []Field {
	var facets []Field
	for _, name := range m.order {
		switch field := m.fields[name].(type) {
		case *AttributeDimension:
			if field.facet {
				facets = append(facets, field)
			}
		case *CompoundDimension:
			if field.facet {
				facets = append(facets, field)
			}
		case *DateDimension:
			if field.facet {
				facets = append(facets, field)
			}
		}
	}
	return facets
}

// splitKey splits a composite "dimension.attribute" key on the first dot.
func splitKey(key string) (dimension, attribute string, ok bool) {
	return strings.Cut(key, ".")
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
