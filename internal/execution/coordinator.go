package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"arbiter/internal/database"
	"arbiter/internal/events"
	"arbiter/internal/model"
)

// State is where an execution attempt ended up.
type State uint8

const (
	Received State = iota
	Dropped
	Executing
	Settled
	Failed
	PartialFill
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Dropped:
		return "dropped"
	case Executing:
		return "executing"
	case Settled:
		return "settled"
	case Failed:
		return "failed"
	case PartialFill:
		return "partial_fill"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of Execute.
type Outcome struct {
	State State
	Trade *model.Trade
	Err   error
}

// CapitalRefresher is the capital ledger's forced resync.
type CapitalRefresher interface {
	ForceRefresh(ctx context.Context) (model.CapitalSnapshot, error)
}

// Coordinator runs at most one execution at a time against the account.
type Coordinator struct {
	settlement     Settlement
	repo           database.Repository
	capital        CapitalRefresher
	sink           events.Sink
	logger         *slog.Logger
	maxSlippageBps float64
	slot           chan struct{}
	now            func() time.Time
}

func NewCoordinator(settlement Settlement, repo database.Repository, capital CapitalRefresher, sink events.Sink, maxSlippageBps float64, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		settlement:     settlement,
		repo:           repo,
		capital:        capital,
		sink:           sink,
		logger:         logger,
		maxSlippageBps: maxSlippageBps,
		slot:           make(chan struct{}, 1),
		now:            time.Now,
	}
}

// Execute waits for the execution slot and settles opp. An opportunity that
// expires before it gets the slot is dropped without touching the account.
func (c *Coordinator) Execute(ctx context.Context, opp model.Opportunity) Outcome {
	if err := c.acquire(ctx, opp); err != nil {
		return c.drop(ctx, opp, err)
	}
	defer func() { <-c.slot }()

	if !opp.Actionable(c.now()) {
		return c.drop(ctx, opp, ErrStaleOpportunity)
	}

	c.logger.Info("Coordinator: executing opportunity", "opportunity", opp.ID, "symbol", opp.Symbol, "buy_venue", opp.BuyVenue, "sell_venue", opp.SellVenue, "size_usd", opp.SizeUSD)
	trade, err := c.settlement.Settle(ctx, opp, BuildOperations(opp, c.maxSlippageBps))

	out := Outcome{State: Settled, Err: err}
	var partial *PartialFillError
	switch {
	case err == nil:
	case errors.As(err, &partial):
		out.State = PartialFill
	default:
		out.State = Failed
	}
	if trade.ID != "" {
		out.Trade = &trade
		if err := c.repo.LogTrade(ctx, trade); err != nil {
			c.logger.Error("Failed to log trade", "opportunity", opp.ID, "error", err)
		}
	}

	c.publish(ctx, opp, out)

	if _, err := c.capital.ForceRefresh(ctx); err != nil {
		c.logger.Warn("Coordinator: capital refresh after execution failed", "opportunity", opp.ID, "error", err)
	}
	return out
}

func (c *Coordinator) acquire(ctx context.Context, opp model.Opportunity) error {
	wait := opp.ExpiresAt.Sub(c.now())
	if wait <= 0 {
		return ErrStaleOpportunity
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrStaleOpportunity
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drop(ctx context.Context, opp model.Opportunity, reason error) Outcome {
	c.logger.Info("Coordinator: opportunity dropped", "opportunity", opp.ID, "reason", reason)
	events.Publish(ctx, c.sink, c.logger, events.Event{
		Kind:          events.ExecutionDropped,
		At:            c.now(),
		OpportunityID: opp.ID,
		Strategy:      opp.Strategy.String(),
		Symbol:        opp.Symbol,
		BuyVenue:      opp.BuyVenue,
		SellVenue:     opp.SellVenue,
		Reason:        reason.Error(),
	})
	return Outcome{State: Dropped, Err: reason}
}

func (c *Coordinator) publish(ctx context.Context, opp model.Opportunity, out Outcome) {
	e := events.Event{
		At:            c.now(),
		OpportunityID: opp.ID,
		Strategy:      opp.Strategy.String(),
		Symbol:        opp.Symbol,
		BuyVenue:      opp.BuyVenue,
		SellVenue:     opp.SellVenue,
		SpreadBps:     opp.SpreadBps,
		SizeUSD:       opp.SizeUSD,
		NetProfitUSD:  opp.NetProfitUSD,
		CostUSD:       opp.ExecutionCostUSD,
	}
	if out.Trade != nil {
		e.RealizedPnLUSD = out.Trade.RealizedPnL
		e.SlippageBps = out.Trade.SlippageBps
	}
	switch out.State {
	case Settled:
		e.Kind = events.ExecutionSettled
	case PartialFill:
		e.Kind = events.ExecutionPartialFill
		e.Reason = out.Err.Error()
	default:
		e.Kind = events.ExecutionFailed
		e.Reason = out.Err.Error()
	}
	events.Publish(ctx, c.sink, c.logger, e)
}
