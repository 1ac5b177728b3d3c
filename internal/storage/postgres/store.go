// Package postgres provides the Postgres-backed publication store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the shared connection pool.
type Config struct {
	DSN               string        `mapstructure:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	BatchSize         int           `mapstructure:"batch_size"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ publication.Store = (*Store)(nil)

// Store implements publication.Store on a pgx pool. It keeps no state
// besides the pool.
type Store struct {
	pool            dbPool
	batchSize       int
	summaryMethodID int
	assetRoot       string
	logger          *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithBatchSize sets the page size used by streaming queries.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSummaryMethod selects the summary method used by search and anti-joins.
func WithSummaryMethod(id int) Option {
	return func(s *Store) {
		if id > 0 {
			s.summaryMethodID = id
		}
	}
}

// WithAssetRoot sets the prefix PDFPath joins with stored filenames.
func WithAssetRoot(root string) Option {
	return func(s *Store) {
		s.assetRoot = strings.TrimRight(root, "/")
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Connect opens the pool, retrying unreachable databases a bounded number of
// times. It is meant for process startup; the error is fatal for callers.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	retries := max(cfg.ConnectRetries, 1)
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	s := newStore(nil, append([]Option{WithBatchSize(cfg.BatchSize)}, opts...)...)
	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		pool, err = dial(ctx, poolCfg)
		if err == nil {
			break
		}
		if attempt >= retries {
			return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempt, err)
		}
		s.logger.Warn("postgres unreachable, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect postgres: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	s.pool = pool
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func dial(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return newStore(pool, opts...), nil
}

func newStore(pool dbPool, opts ...Option) *Store {
	s := &Store{
		pool:            pool,
		batchSize:       200,
		summaryMethodID: 1,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
