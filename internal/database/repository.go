package database

import (
	"context"
	"sync"

	"arbiter/internal/model"
)

// Repository defines the standard interface for the append-only trade ledger.
type Repository interface {
	Migrate(ctx context.Context) error
	LogTrade(ctx context.Context, trade model.Trade) error
	RecentTrades(ctx context.Context, limit int) ([]model.Trade, error)
}

// MemoryRepository keeps the trade ledger in process; it backs runs without a database.
type MemoryRepository struct {
	mu     sync.Mutex
	trades []model.Trade
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Migrate(context.Context) error { return nil }

func (r *MemoryRepository) LogTrade(_ context.Context, trade model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
	return nil
}

// RecentTrades returns up to limit trades, newest first. A non-positive limit returns all.
func (r *MemoryRepository) RecentTrades(_ context.Context, limit int) ([]model.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.trades[i])
	}
	return out, nil
}
