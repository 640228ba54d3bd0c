// Package postgres mirrors result rows into a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

const defaultTable = "site_summaries"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txBeginCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RowSink upserts result rows keyed by (chunk_index, website). Redelivered
// chunks overwrite their earlier rows.
type RowSink struct {
	pool  txBeginCloser
	table string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*RowSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("results.postgres.dsn is required")
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
	sink, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool txBeginCloser, table string) (*RowSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RowSink{pool: pool, table: table}, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *RowSink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	chunk_index integer NOT NULL,
	website     text    NOT NULL,
	content     text    NOT NULL,
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (chunk_index, website)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// StoreRows upserts rows for one chunk in a single transaction.
func (s *RowSink) StoreRows(ctx context.Context, chunkIndex int, rows []fanout.Row) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("row sink is not configured")
	}
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (chunk_index, website, content, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (chunk_index, website)
DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(ctx, query, chunkIndex, row.Website, row.Content); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert %s for chunk %d: %w", row.Website, chunkIndex, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk %d: %w", chunkIndex, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RowSink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
