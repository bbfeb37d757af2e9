package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/model"
)

const createTradesSQL = `
CREATE TABLE IF NOT EXISTS trades (
	seq BIGSERIAL PRIMARY KEY,
	id VARCHAR(96) NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	strategy VARCHAR(32) NOT NULL,
	symbol VARCHAR(20) NOT NULL,
	side VARCHAR(8) NOT NULL,
	size_usd NUMERIC(20, 8) NOT NULL,
	avg_price NUMERIC(20, 8) NOT NULL,
	venue_pair VARCHAR(101) NOT NULL,
	settlement_ref VARCHAR(200) NOT NULL,
	realized_pnl NUMERIC(20, 8) NOT NULL,
	slippage_bps NUMERIC(20, 8) NOT NULL,
	cost_usd NUMERIC(20, 8) NOT NULL,
	status VARCHAR(16) NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_timestamp_idx ON trades (timestamp DESC);`

// PostgresRepository stores trades in the trades table.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects a pool and verifies it with a ping.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createTradesSQL); err != nil {
		return fmt.Errorf("could not create trades table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LogTrade(ctx context.Context, t model.Trade) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO trades (id, timestamp, strategy, symbol, side, size_usd, avg_price, venue_pair, settlement_ref, realized_pnl, slippage_bps, cost_usd, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Timestamp, t.Strategy, t.Symbol, t.Side, t.SizeUSD, t.AvgPrice, t.VenuePair,
		t.SettlementRef, t.RealizedPnL, t.SlippageBps, t.CostUSD, string(t.Status),
	)
	if err != nil {
		return fmt.Errorf("could not insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (r *PostgresRepository) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT id, timestamp, strategy, symbol, side, size_usd, avg_price, venue_pair, settlement_ref, realized_pnl, slippage_bps, cost_usd, status
		FROM trades ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query trades: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Trade])
}

func (r *PostgresRepository) Close() {
	r.Pool.Close()
}
