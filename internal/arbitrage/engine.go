package arbitrage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"arbiter/internal/events"
	"arbiter/internal/execution"
	"arbiter/internal/market"
	"arbiter/internal/model"
)

// MarketSource refreshes and publishes the quote snapshot.
type MarketSource interface {
	Refresh(ctx context.Context) *market.Snapshot
	Close() error
}

// CapitalSource reports how much quote-asset value may be deployed.
type CapitalSource interface {
	UsableCapital(ctx context.Context) (float64, error)
}

// Executor settles one opportunity.
type Executor interface {
	Execute(ctx context.Context, opp model.Opportunity) execution.Outcome
}

// Stats are the running totals of an engine.
type Stats struct {
	Cycles        int
	Opportunities int
	Executed      int
	Dropped       int
	Failed        int
	PartialFills  int
	TotalPnLUSD   float64
}

// ArbitrageEngine drives the cycle: refresh quotes, read capital, scan, and
// hand the best opportunity to the executor.
type ArbitrageEngine struct {
	logger       *slog.Logger
	market       MarketSource
	capital      CapitalSource
	executor     Executor
	sink         events.Sink
	params       Params
	nativeSymbol string
	interval     time.Duration
	now          func() time.Time

	inflight sync.WaitGroup
	mu       sync.Mutex
	started  time.Time
	stats    Stats
}

// NewArbitrageEngine creates a new instance of the ArbitrageEngine.
func NewArbitrageEngine(logger *slog.Logger, mkt MarketSource, capital CapitalSource, executor Executor, sink events.Sink, params Params, nativeSymbol string, interval time.Duration) *ArbitrageEngine {
	return &ArbitrageEngine{
		logger:       logger,
		market:       mkt,
		capital:      capital,
		executor:     executor,
		sink:         sink,
		params:       params,
		nativeSymbol: nativeSymbol,
		interval:     interval,
		now:          time.Now,
	}
}

// Run executes cycles every interval until ctx is cancelled. The first cycle
// starts immediately.
func (e *ArbitrageEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.mu.Lock()
	e.started = e.now()
	e.mu.Unlock()

	e.logger.Info("Engine: started", "interval", e.interval, "symbols", e.params.Symbols)
	for {
		e.runCycle(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info("Engine: stopping")
			return
		case <-ticker.C:
		}
	}
}

// runCycle performs one scan. Failures are logged; nothing here stops the loop.
func (e *ArbitrageEngine) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := e.now()
	snap := e.market.Refresh(ctx)

	usable, err := e.capital.UsableCapital(ctx)
	if err != nil {
		e.logger.Warn("Engine: using last known capital", "usable_capital", usable, "error", err)
	}

	now := e.now()
	native, _ := snap.ReferencePrice(e.nativeSymbol, now)
	res := Scan(Input{Market: snap, UsableCapital: usable, NativePriceUSD: native, Now: now}, e.params)

	for _, o := range res.Opportunities {
		e.logger.Info("Profitable arbitrage opportunity found",
			"id", o.ID,
			"buyVenue", o.BuyVenue,
			"sellVenue", o.SellVenue,
			"buyPrice", o.BuyPrice,
			"sellPrice", o.SellPrice,
			"netProfit", o.NetProfitUSD,
		)
		events.Publish(ctx, e.sink, e.logger, events.Event{
			Kind:          events.OpportunityFound,
			At:            now,
			OpportunityID: o.ID,
			Strategy:      o.Strategy.String(),
			Symbol:        o.Symbol,
			BuyVenue:      o.BuyVenue,
			SellVenue:     o.SellVenue,
			SpreadBps:     o.SpreadBps,
			SizeUSD:       o.SizeUSD,
			NetProfitUSD:  o.NetProfitUSD,
			CostUSD:       o.ExecutionCostUSD,
		})
	}
	if len(res.Opportunities) > 0 {
		e.dispatch(ctx, res.Opportunities[0])
	}

	e.mu.Lock()
	e.stats.Cycles++
	e.stats.Opportunities += len(res.Opportunities)
	cycles := e.stats.Cycles
	e.mu.Unlock()

	rejected := make([]any, 0, 2*int(reasonCount))
	for r, n := range res.Rejected {
		if n > 0 {
			rejected = append(rejected, Reason(r).String(), n)
		}
	}
	e.logger.Info("Engine: cycle complete",
		"cycle", cycles,
		"duration", e.now().Sub(start),
		"usable_capital", usable,
		"native_price", native,
		"opportunities", len(res.Opportunities),
		slog.Group("rejected", rejected...),
	)
}

// dispatch hands opp to the executor without blocking the cycle. The execution
// outlives ctx so that shutdown can drain it.
func (e *ArbitrageEngine) dispatch(ctx context.Context, opp model.Opportunity) {
	execCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.record(e.executor.Execute(execCtx, opp))
	}()
}

func (e *ArbitrageEngine) record(out execution.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch out.State {
	case execution.Settled:
		e.stats.Executed++
	case execution.Dropped:
		e.stats.Dropped++
	case execution.Failed:
		e.stats.Failed++
	case execution.PartialFill:
		e.stats.PartialFills++
	}
	if out.Trade != nil {
		e.stats.TotalPnLUSD += out.Trade.RealizedPnL
	}
}

// Stats returns a copy of the running totals.
func (e *ArbitrageEngine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Shutdown waits for in-flight executions, or until ctx is done, then closes
// the market adapters and the event sink and logs the final totals.
func (e *ArbitrageEngine) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		e.logger.Error("Engine: shutdown timed out with executions in flight", "error", err)
	}

	if cerr := e.market.Close(); cerr != nil {
		e.logger.Warn("Engine: failed to close venues", "error", cerr)
	}
	if e.sink != nil {
		if cerr := e.sink.Close(); cerr != nil {
			e.logger.Warn("Engine: failed to close event sink", "error", cerr)
		}
	}

	s := e.Stats()
	e.mu.Lock()
	var uptime time.Duration
	if !e.started.IsZero() {
		uptime = e.now().Sub(e.started)
	}
	e.mu.Unlock()
	e.logger.Info("Engine: final stats",
		"uptime", uptime,
		"cycles", s.Cycles,
		"opportunities", s.Opportunities,
		"executed", s.Executed,
		"dropped", s.Dropped,
		"failed", s.Failed,
		"partial_fills", s.PartialFills,
		"total_pnl_usd", s.TotalPnLUSD,
	)
	return err
}
