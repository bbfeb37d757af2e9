package capital

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arbiter/internal/model"
)

// PriceSource supplies the conversion price for the base asset.
type PriceSource interface {
	ReferencePrice(symbol string) (float64, bool)
}

// Config defines how balances turn into usable capital.
type Config struct {
	AccountID        string
	ValuationSymbol  string
	Reserve          float64
	AllocationPct    float64
	RefreshThreshold time.Duration
	// PullTimeout bounds one balance pull. Zero means defaultPullTimeout.
	PullTimeout time.Duration
}

const defaultPullTimeout = 5 * time.Second

type flight struct {
	snap    model.CapitalSnapshot
	started time.Time
}

// Ledger owns the account balance state. Concurrent refresh requests share a
// single pull from the account source.
type Ledger struct {
	cfg    Config
	source AccountSource
	prices PriceSource
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	snap      model.CapitalSnapshot
	lastPrice float64
}

// NewLedger creates a Ledger. Nothing is pulled until first use.
func NewLedger(cfg Config, source AccountSource, prices PriceSource, logger *slog.Logger) *Ledger {
	return &Ledger{
		cfg:    cfg,
		source: source,
		prices: prices,
		logger: logger,
		now:    time.Now,
	}
}

// UsableCapital returns the cached figure, refreshing it first when older than
// the refresh threshold. On a failed pull the previous figure is returned with the error.
func (l *Ledger) UsableCapital(ctx context.Context) (float64, error) {
	snap := l.Snapshot()
	if !snap.LastRefreshed.IsZero() && l.now().Sub(snap.LastRefreshed) <= l.cfg.RefreshThreshold {
		return snap.UsableCapital, nil
	}
	f, err := l.pull(ctx)
	return f.snap.UsableCapital, err
}

// ForceRefresh guarantees a pull that started no earlier than this call. If a
// pull is already in flight it is joined, and repeated when it predates the call.
func (l *Ledger) ForceRefresh(ctx context.Context) (model.CapitalSnapshot, error) {
	requested := l.now()
	f, err := l.pull(ctx)
	if f.started.Before(requested) {
		f, err = l.pull(ctx)
	}
	return f.snap, err
}

// Snapshot returns the last applied balances.
func (l *Ledger) Snapshot() model.CapitalSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

func (l *Ledger) pull(ctx context.Context) (flight, error) {
	v, err, _ := l.group.Do("balances", func() (any, error) {
		// joined callers must not inherit the first caller's cancellation
		timeout := l.cfg.PullTimeout
		if timeout <= 0 {
			timeout = defaultPullTimeout
		}
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		started := l.now()
		b, err := l.source.Balances(pullCtx, l.cfg.AccountID)
		if err != nil {
			l.logger.Error("Ledger: balance sync failed", "account", l.cfg.AccountID, "error", err)
			return flight{snap: l.Snapshot(), started: started}, err
		}
		snap := l.apply(b)
		l.logger.Debug("Ledger: balances synced", "base", b.Base, "quote", b.Quote, "usable", snap.UsableCapital)
		return flight{snap: snap, started: started}, nil
	})
	return v.(flight), err
}

// apply values the balances and publishes the new snapshot atomically.
func (l *Ledger) apply(b Balances) model.CapitalSnapshot {
	price, ok := l.prices.ReferencePrice(l.cfg.ValuationSymbol)

	l.mu.Lock()
	defer l.mu.Unlock()

	if ok && price > 0 {
		l.lastPrice = price
	} else if l.lastPrice == 0 {
		l.logger.Warn("Ledger: no price for base asset, valuing it at zero", "symbol", l.cfg.ValuationSymbol)
	}

	usableBase := b.Base - l.cfg.Reserve
	if usableBase < 0 {
		usableBase = 0
	}
	l.snap = model.CapitalSnapshot{
		BaseBalance:   b.Base,
		QuoteBalance:  b.Quote,
		BasePriceUSD:  l.lastPrice,
		UsableCapital: (usableBase*l.lastPrice + b.Quote) * l.cfg.AllocationPct,
		LastRefreshed: l.now(),
	}
	return l.snap
}
