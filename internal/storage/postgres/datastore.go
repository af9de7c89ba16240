// Package postgres provides the Postgres-backed registration datastore.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
	"github.com/JakeFAU/attribution-registrar/internal/telemetry"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the datastore uses.
type Pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// Datastore runs registration transactions against Postgres.
type Datastore struct {
	pool   Pool
	logger *zap.Logger
}

// NewPool opens a pgx connection pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewDatastore connects to Postgres and returns a Datastore.
func NewDatastore(ctx context.Context, cfg Config, logger *zap.Logger) (*Datastore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewDatastoreWithPool(pool, logger)
}

// NewDatastoreWithPool constructs a Datastore from an existing pool (primarily for testing).
func NewDatastoreWithPool(pool Pool, logger *zap.Logger) (*Datastore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Datastore{pool: pool, logger: logger.Named("postgres")}, nil
}

// EnsureSchema creates the registration tables when they are missing.
func (d *Datastore) EnsureSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (d *Datastore) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (d *Datastore) Close() {
	if d == nil || d.pool == nil {
		return
	}
	d.pool.Close()
}

// InTransaction runs fn inside one database transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (d *Datastore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx registration.Tx) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "postgres.InTransaction")
	defer span.End()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, &txStore{tx: tx, logger: d.logger}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			d.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
