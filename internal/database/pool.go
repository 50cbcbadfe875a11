package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/termsync/internal/config"
)

// latencySchema creates the journal hypertables. create_hypertable is
// skipped on plain PostgreSQL.
const latencySchema = `
CREATE TABLE IF NOT EXISTS request_latency (
	observed_at  TIMESTAMPTZ NOT NULL,
	account_id   TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	symbol       TEXT        NOT NULL DEFAULT '',
	client_us    BIGINT      NOT NULL,
	server_us    BIGINT      NOT NULL,
	broker_us    BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS request_latency_account_idx ON request_latency (account_id, observed_at DESC);
DO $$
BEGIN
	IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
		PERFORM create_hypertable('request_latency', 'observed_at', if_not_exists => TRUE);
	END IF;
END $$;
`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, application string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, application)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the latency journal tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, latencySchema); err != nil {
		return fmt.Errorf("ensure latency schema: %w", err)
	}
	return nil
}
