package cube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/cube/pkg/postgres"
)

// ErrDatasetNotFound is returned when a dataset name is not registered.
var ErrDatasetNotFound = errors.New("dataset not found")

// Registry persists dataset model descriptions in the datasets table (owned
// by the embedded goose migrations) and reconstructs Cubes from them.
type Registry struct {
	log   *slog.Logger
	conn  postgres.Connection
	clock clockwork.Clock
}

func NewRegistry(log *slog.Logger, conn postgres.Connection) *Registry {
	return &Registry{
		log:   log,
		conn:  conn,
		clock: clockwork.NewRealClock(),
	}
}

// Save upserts a dataset's model description by name.
func (r *Registry) Save(ctx context.Context, c *Cube, model map[string]any) error {
	payload, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO datasets (name, label, currency, default_time, model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			label = EXCLUDED.label,
			currency = EXCLUDED.currency,
			default_time = EXCLUDED.default_time,
			model = EXCLUDED.model,
			updated_at = now()
	`, c.model.Name, c.model.Label, c.model.Currency, c.model.DefaultTime, payload)
	if err != nil {
		return fmt.Errorf("failed to save dataset %q: %w", c.model.Name, err)
	}
	r.log.Info("dataset registered", "dataset", c.model.Name)
	return nil
}

// ByName loads a registered dataset and reconstructs its Cube.
func (r *Registry) ByName(ctx context.Context, name string) (*Cube, error) {
	var payload []byte
	err := r.conn.QueryRow(ctx, "SELECT model FROM datasets WHERE name = $1", name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %q: %w", name, err)
	}
	var model map[string]any
	if err := json.Unmarshal(payload, &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model of %q: %w", name, err)
	}
	return New(&Config{
		Logger: r.log,
		Conn:   r.conn,
		Clock:  r.clock,
		Model:  model,
	})
}

// All lists the registered dataset names in label-independent stable order.
func (r *Registry) All(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, "SELECT name FROM datasets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan dataset name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate datasets: %w", err)
	}
	return names, nil
}

// Delete removes a dataset's registration. The physical tables are the
// Cube's to drop; deleting the registration alone leaves them in place.
func (r *Registry) Delete(ctx context.Context, name string) error {
	tag, err := r.conn.Exec(ctx, "DELETE FROM datasets WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("failed to delete dataset %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
	}
	return nil
}
