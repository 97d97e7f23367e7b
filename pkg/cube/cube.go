package cube

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/cube/pkg/metrics"
	"github.com/malbeclabs/cube/pkg/postgres"
)

// Config holds everything a Cube needs: a logger, the storage binding handle
// and the declarative model description. No ambient global connection.
type Config struct {
	Logger *slog.Logger
	Conn   postgres.Connection
	Clock  clockwork.Clock
	Model  map[string]any
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Conn == nil {
		return fmt.Errorf("conn is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Model == nil {
		return fmt.Errorf("model is required")
	}
	return nil
}

// Cube is the aggregate query/storage unit for one dataset. It owns the
// in-memory field model and the cached schema binding, and routes all loads
// and queries through them.
//
// Loads and queries may run concurrently; the lazily built binding and the
// cached generated-state probe are guarded by an internal lock. Generate and
// Drop against the same dataset from multiple processes must still be
// externally serialized (e.g. by a migration lock).
type Cube struct {
	log   *slog.Logger
	conn  postgres.Connection
	clock clockwork.Clock

	model *Model

	// mu guards binding and generated. The binding is written once; after
	// that, readers that entered through ensureGenerated see it settled.
	mu      sync.Mutex
	binding *Binding

	// generated caches a successful physical-schema probe. Drop resets it.
	generated bool
}

// New constructs a Cube from a model description and binds it to storage.
func New(cfg *Config) (*Cube, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate cube config: %w", err)
	}
	model, err := ParseModel(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return &Cube{
		log:   cfg.Logger,
		conn:  cfg.Conn,
		clock: cfg.Clock,
		model: model,
	}, nil
}

// Model returns the parsed field model.
func (c *Cube) Model() *Model {
	return c.model
}

// Name returns the dataset's stable name.
func (c *Cube) Name() string {
	return c.model.Name
}

// Init derives the physical schema binding from the field model without
// touching storage. Idempotent; callable repeatedly.
func (c *Cube) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked()
}

func (c *Cube) initLocked() error {
	if c.binding != nil {
		return nil
	}
	binding, err := newBinding(c.model)
	if err != nil {
		return fmt.Errorf("failed to build schema binding: %w", err)
	}
	c.binding = binding
	return nil
}

// Generate materializes the physical storage for this dataset. Safe to call
// when already generated (no-op), but a live table shape incompatible with
// the model fails with SchemaConflictError.
func (c *Cube) Generate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(); err != nil {
		return err
	}
	if err := c.binding.generate(ctx, c.conn); err != nil {
		metrics.SchemaOperationsTotal.WithLabelValues(c.model.Name, "generate", "error").Inc()
		return err
	}
	c.generated = true
	metrics.SchemaOperationsTotal.WithLabelValues(c.model.Name, "generate", "ok").Inc()
	c.log.Info("dataset generated", "dataset", c.model.Name, "dimensions", len(c.binding.dimOrder))
	return nil
}

// Drop destroys the dataset's physical storage. The binding is retained;
// calling Generate again re-creates an empty schema.
func (c *Cube) Drop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(); err != nil {
		return err
	}
	if err := c.binding.drop(ctx, c.conn); err != nil {
		metrics.SchemaOperationsTotal.WithLabelValues(c.model.Name, "drop", "error").Inc()
		return err
	}
	c.generated = false
	metrics.SchemaOperationsTotal.WithLabelValues(c.model.Name, "drop", "ok").Inc()
	c.log.Info("dataset dropped", "dataset", c.model.Name)
	return nil
}

// Flush empties all rows but keeps the table structure.
func (c *Cube) Flush(ctx context.Context) error {
	if err := c.ensureGenerated(ctx, "flush"); err != nil {
		return err
	}
	if err := c.binding.flush(ctx, c.conn); err != nil {
		metrics.SchemaOperationsTotal.WithLabelValues(c.model.Name, "flush", "error").Inc()
		return err
	}
	metrics.SchemaOperationsTotal.WithLabelValues(c.model.Name, "flush", "ok").Inc()
	c.log.Info("dataset flushed", "dataset", c.model.Name)
	return nil
}

// Generated reports whether the physical schema exists.
func (c *Cube) Generated(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(); err != nil {
		return false, err
	}
	if c.generated {
		return true, nil
	}
	exists, err := c.binding.generated(ctx, c.conn)
	if err != nil {
		return false, err
	}
	c.generated = exists
	return exists, nil
}

// Load handles a single denormalized record. A record failing transformation
// is a per-record LoadError and leaves committed rows untouched.
func (c *Cube) Load(ctx context.Context, record map[string]any) error {
	start := time.Now()
	if err := c.ensureGenerated(ctx, "load"); err != nil {
		return err
	}
	ld := &loader{log: c.log, conn: c.conn, binding: c.binding}
	if err := ld.load(ctx, c, record); err != nil {
		metrics.EntriesLoadedTotal.WithLabelValues(c.model.Name, "error").Inc()
		return err
	}
	metrics.EntriesLoadedTotal.WithLabelValues(c.model.Name, "ok").Inc()
	metrics.EntryLoadDuration.WithLabelValues(c.model.Name).Observe(time.Since(start).Seconds())
	return nil
}

// Len returns the number of loaded entries.
func (c *Cube) Len(ctx context.Context) (int64, error) {
	if err := c.ensureGenerated(ctx, "count"); err != nil {
		return 0, err
	}
	var count int64
	err := c.conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", c.binding.fact.Name)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func (c *Cube) ensureGenerated(ctx context.Context, operation string) error {
	exists, err := c.Generated(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return &NotGeneratedError{Dataset: c.model.Name, Operation: operation}
	}
	return nil
}
