package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const (
	pingTimeout = 5 * time.Second
	opTimeout   = 5 * time.Second

	defaultMaxConns        = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var errStoreClosed = errors.New("postgres store is not initialized")

type storeOptions struct {
	maxConns        int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
	logger          *log.Entry
}

// Option настраивает Store при открытии.
type Option func(*storeOptions)

// WithMaxConns ограничивает пул; простаивающих соединений держится столько же. 0 оставляет значение по умолчанию.
func WithMaxConns(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithConnLifetime задаёт максимальный возраст и время простоя соединения.
func WithConnLifetime(maxLifetime, maxIdle time.Duration) Option {
	return func(o *storeOptions) {
		if maxLifetime > 0 {
			o.connMaxLifetime = maxLifetime
		}
		if maxIdle > 0 {
			o.connMaxIdleTime = maxIdle
		}
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Store держит пул database/sql поверх драйвера pgx.
type Store struct {
	db     *sql.DB
	logger *log.Entry
}

// Open разбирает dsn, поднимает пул и проверяет соединение.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	opts := storeOptions{
		maxConns:        defaultMaxConns,
		connMaxLifetime: defaultConnMaxLifetime,
		connMaxIdleTime: defaultConnMaxIdleTime,
		logger:          log.WithField("component", "postgres"),
	}
	for _, option := range options {
		option(&opts)
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(opts.maxConns)
	db.SetMaxIdleConns(opts.maxConns)
	db.SetConnMaxLifetime(opts.connMaxLifetime)
	db.SetConnMaxIdleTime(opts.connMaxIdleTime)

	store := &Store{db: db, logger: opts.logger}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	opts.logger.WithFields(log.Fields{
		"host":      connConfig.Host,
		"database":  connConfig.Database,
		"max_conns": opts.maxConns,
	}).Info("postgres connected")
	return store, nil
}

// DB отдаёт пул репозиториям пакета.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close закрывает пул; nil-store закрывать нечего.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTimeout ограничивает один запрос opTimeout; более ранний дедлайн ctx сохраняется.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// inTx коммитит транзакцию, только если fn вернул nil.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
