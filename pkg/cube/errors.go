package cube

import "fmt"

// UnknownFieldError reports a drilldown, cut or order key that does not
// resolve to any field in the dataset model.
type UnknownFieldError struct {
	Name string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Name)
}

// InvalidQueryError reports a structurally invalid combination of
// drilldowns, cuts and ordering.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

// NotGeneratedError reports an operation that requires the physical schema
// before generate() has been called. Recoverable by calling Generate.
type NotGeneratedError struct {
	Dataset   string
	Operation string
}

func (e *NotGeneratedError) Error() string {
	return fmt.Sprintf("dataset %q is not generated: cannot %s", e.Dataset, e.Operation)
}

// LoadError reports a single input record that failed transformation. It
// never corrupts already-committed rows; the caller decides retry policy.
type LoadError struct {
	Field string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load field %q: %v", e.Field, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SchemaConflictError reports a physical table whose shape is incompatible
// with the current model. Requires manual migration, never silently patched.
type SchemaConflictError struct {
	Table  string
	Detail string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict on table %q: %s", e.Table, e.Detail)
}
