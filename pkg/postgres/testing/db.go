package pgtesting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/cube/pkg/postgres"
)

// DBConfig holds the PostgreSQL test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB represents a PostgreSQL test container shared across a package's tests.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	connStr   string
	container *tcpostgres.PostgresContainer
}

// ConnStr returns the PostgreSQL connection string for the admin database.
func (db *DB) ConnStr() string {
	return db.connStr
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewDB creates a new PostgreSQL testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		connStr:   connStr,
		container: container,
	}, nil
}

// NewTestClient creates a client against a fresh randomly-named database in
// the shared container, with registry migrations applied. Tests using it can
// run in parallel without stepping on each other's tables.
func NewTestClient(t *testing.T, log *slog.Logger, db *DB) *postgres.Client {
	ctx := t.Context()

	adminDB, err := sql.Open("pgx", db.connStr)
	require.NoError(t, err, "failed to open admin database")
	defer adminDB.Close()

	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	_, err = adminDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	connStr := replaceDatabase(t, db.connStr, databaseName)

	// Apply registry migrations to the fresh database
	goose.SetBaseFS(postgres.EmbedMigrations)
	require.NoError(t, goose.SetDialect("postgres"), "failed to set goose dialect")
	sqlDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err, "failed to open database for migrations")
	require.NoError(t, goose.Up(sqlDB, "migrations"), "failed to run migrations")
	sqlDB.Close()

	client, err := postgres.NewClientFromConnStr(ctx, log, connStr)
	require.NoError(t, err, "failed to create test client")
	t.Cleanup(client.Close)

	return client
}

func replaceDatabase(t *testing.T, connStr, database string) string {
	u, err := url.Parse(connStr)
	require.NoError(t, err, "failed to parse connection string")
	u.Path = "/" + database
	return u.String()
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
