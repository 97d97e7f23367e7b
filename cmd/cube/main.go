package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/cube/pkg/cube"
	"github.com/malbeclabs/cube/pkg/logger"
	"github.com/malbeclabs/cube/pkg/metrics"
	"github.com/malbeclabs/cube/pkg/postgres"
)

// Stamped at build time via -ldflags "-X main.version=… -X main.commit=… -X main.date=…".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-database", "", "PostgreSQL database name (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("postgres-username", "", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run registry database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show registry database migration status")
	registerFlag := flag.String("register", "", "Register a dataset from a model description JSON file")
	listFlag := flag.Bool("list", false, "List registered datasets")
	datasetFlag := flag.String("dataset", "", "Dataset name for generate/load/aggregate/entries/flush/drop")
	generateFlag := flag.Bool("generate", false, "Materialize the dataset's physical schema")
	loadFlag := flag.String("load", "", "Load entries from an NDJSON file (one record per line)")
	aggregateFlag := flag.Bool("aggregate", false, "Run an aggregation query")
	entriesFlag := flag.Bool("entries", false, "List denormalized entries")
	flushFlag := flag.Bool("flush", false, "Empty the dataset's rows, keeping the structure")
	dropFlag := flag.Bool("drop", false, "Drop the dataset's physical schema")

	// Load options
	maxConcurrencyFlag := flag.Int("max-concurrency", 8, "Maximum concurrent loads")
	maxRateFlag := flag.Float64("max-rate", 0, "Maximum loads per second (0 = unlimited)")

	// Aggregate options
	measureFlag := flag.String("measure", "amount", "Measure to aggregate")
	drilldownFlag := flag.StringSlice("drilldown", nil, "Drilldown keys (repeatable or comma-separated)")
	cutFlag := flag.StringSlice("cut", nil, "Cuts as key:value (repeatable)")
	orderFlag := flag.StringSlice("order", nil, "Ordering as key[:desc] (repeatable)")
	pageFlag := flag.Int("page", 1, "Result page")
	pagesizeFlag := flag.Int("pagesize", 10000, "Result page size")

	// Entries options
	limitFlag := flag.Int("limit", 0, "Entries limit (0 = all)")
	offsetFlag := flag.Int("offset", 0, "Entries offset")

	flag.Parse()

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Override PostgreSQL flags with environment variables if set
	if env := os.Getenv("POSTGRES_HOST"); env != "" {
		*pgHostFlag = env
	}
	if env := os.Getenv("POSTGRES_PORT"); env != "" {
		*pgPortFlag = env
	}
	if env := os.Getenv("POSTGRES_DB"); env != "" {
		*pgDatabaseFlag = env
	}
	if env := os.Getenv("POSTGRES_USER"); env != "" {
		*pgUsernameFlag = env
	}
	if env := os.Getenv("POSTGRES_PASSWORD"); env != "" {
		*pgPasswordFlag = env
	}
	if env := os.Getenv("POSTGRES_SSLMODE"); env != "" {
		*pgSSLModeFlag = env
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	pgConfig := &postgres.Config{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	if err := pgConfig.Validate(); err != nil {
		return fmt.Errorf("failed to validate postgres config: %w", err)
	}

	if *migrateFlag {
		return postgres.MigrateUp(log, pgConfig.ConnStr())
	}
	if *migrateStatusFlag {
		return postgres.MigrateStatus(log, pgConfig.ConnStr())
	}

	client, err := postgres.NewClient(ctx, log, pgConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	registry := cube.NewRegistry(log, client.Conn())

	if *registerFlag != "" {
		payload, err := os.ReadFile(*registerFlag)
		if err != nil {
			return fmt.Errorf("failed to read model file: %w", err)
		}
		var model map[string]any
		if err := json.Unmarshal(payload, &model); err != nil {
			return fmt.Errorf("failed to parse model file: %w", err)
		}
		c, err := cube.New(&cube.Config{Logger: log, Conn: client.Conn(), Model: model})
		if err != nil {
			return err
		}
		return registry.Save(ctx, c, model)
	}

	if *listFlag {
		names, err := registry.All(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	if *datasetFlag == "" {
		flag.Usage()
		return fmt.Errorf("--dataset is required")
	}
	c, err := registry.ByName(ctx, *datasetFlag)
	if err != nil {
		return err
	}

	switch {
	case *generateFlag:
		return c.Generate(ctx)

	case *loadFlag != "":
		return loadEntries(ctx, c, *loadFlag, *maxConcurrencyFlag, *maxRateFlag)

	case *aggregateFlag:
		req := &cube.AggregateRequest{
			Measure:    *measureFlag,
			Drilldowns: *drilldownFlag,
			Page:       *pageFlag,
			PageSize:   *pagesizeFlag,
		}
		for _, raw := range *cutFlag {
			key, value, ok := strings.Cut(raw, ":")
			if !ok {
				return fmt.Errorf("invalid cut %q: expected key:value", raw)
			}
			req.Cuts = append(req.Cuts, cube.Cut{Key: key, Value: value})
		}
		for _, raw := range *orderFlag {
			key, direction, _ := strings.Cut(raw, ":")
			req.Order = append(req.Order, cube.Order{Key: key, Descending: direction == "desc"})
		}
		result, err := c.Aggregate(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(result)

	case *entriesFlag:
		for entry, err := range c.Entries(ctx, &cube.EntriesRequest{Limit: *limitFlag, Offset: *offsetFlag}) {
			if err != nil {
				return err
			}
			if err := printJSON(entry); err != nil {
				return err
			}
		}
		return nil

	case *flushFlag:
		return c.Flush(ctx)

	case *dropFlag:
		return c.Drop(ctx)
	}

	flag.Usage()
	return fmt.Errorf("no command given")
}

// loadEntries streams an NDJSON file through the cube with bounded
// concurrency and an optional rate limit. Batching and retry policy are the
// caller's concern, not the engine's; the first failed record aborts the load.
func loadEntries(ctx context.Context, c *cube.Cube, path string, maxConcurrency int, maxRate float64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open entries file: %w", err)
	}
	defer file.Close()

	var limiter *rate.Limiter
	if maxRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxRate), 1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("failed to parse record on line %d: %w", line, err)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		g.Go(func() error {
			return c.Load(ctx, record)
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read entries file: %w", err)
	}
	return g.Wait()
}

func printJSON(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(payload))
	return nil
}
