// Package postgres provides the pgx connection pool shared by the task
// repository, the checkpoint store, the quota ledger, and the memory vault,
// plus the embedded schema migrations that define their tables.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"goa.design/clue/log"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type (
	// Options configures the Postgres connection pool.
	Options struct {
		// URL is the connection string (postgres://...). Required.
		URL string
		// MaxConns bounds the pool. Defaults to pgxpool's default.
		MaxConns int32
		// ConnectTimeout bounds the initial connection attempt. Defaults to 5s.
		ConnectTimeout time.Duration
	}

	// Client wraps a verified pgx pool with lifecycle and health methods.
	Client struct {
		*pgxpool.Pool
	}
)

const clientName = "engine-postgres"

// Connect builds the pool and verifies the connection.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("postgres url is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg.ConnConfig.ConnectTimeout = timeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Client{Pool: pool}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// Migrate applies the embedded schema files in lexical order. Applied versions
// are recorded in schema_migrations so reruns are no-ops. Each file runs in
// its own transaction.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := c.migrationApplied(ctx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		sql, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := c.applyMigration(ctx, name, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		log.Info(ctx, log.KV{K: "msg", V: "migration applied"}, log.KV{K: "version", V: name})
	}
	return nil
}

func (c *Client) migrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := c.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

func (c *Client) applyMigration(ctx context.Context, version, sql string) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InTx runs fn inside a transaction, committing on nil error and rolling back
// otherwise. Coupled writes (task row + preemption history) use this to stay
// atomic.
func (c *Client) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
