// Команда migrate применяет и откатывает SQL-миграции storefront в PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "STOREFRONT_POSTGRES_DSN"
)

var errMissingDSN = errors.New(envPostgresDSN + " (or -dsn) is required")

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

var openMigrator = func(ctx context.Context, dsn string) (migrator, error) {
	store, err := postgres.Open(ctx, dsn, postgres.WithMaxConns(2), postgres.WithLogger(log.WithField("component", "migrate")))
	if err != nil {
		return nil, err
	}
	return store, nil
}

// steps == 0 для up означает все ожидающие миграции; down без -steps откатывает одну.
var directions = map[string]func(ctx context.Context, m migrator, steps int) error{
	"up":     func(ctx context.Context, m migrator, steps int) error { return m.MigrateUp(ctx, steps) },
	"down":   func(ctx context.Context, m migrator, steps int) error { return m.MigrateDown(ctx, max(steps, 1)) },
	"status": func(context.Context, migrator, int) error { return nil },
}

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

func parseOptions(args []string, lookupEnv func(string) (string, bool)) (options, error) {
	opts := options{}

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&opts.direction, "direction", "up", "up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (up, 0 = all) or roll back (down, default 1)")
	fs.StringVar(&opts.dsn, "dsn", "", "postgres dsn (default $"+envPostgresDSN+")")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "deadline for the whole run")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	if _, ok := directions[opts.direction]; !ok {
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, errors.New("steps must be >= 0")
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultTimeout
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		env, _ := lookupEnv(envPostgresDSN)
		opts.dsn = strings.TrimSpace(env)
	}
	if opts.dsn == "" {
		return options{}, errMissingDSN
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	apply, ok := directions[opts.direction]
	if !ok {
		return fmt.Errorf("unsupported direction: %s", opts.direction)
	}

	m, err := openMigrator(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer m.Close()

	if err := apply(ctx, m, opts.steps); err != nil {
		return fmt.Errorf("migrate %s failed: %w", opts.direction, err)
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d pending=%d\n",
		opts.direction, state.Version, state.Applied, state.Pending)
	return err
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	err = run(ctx, opts, os.Stdout)
	cancel()
	if err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
