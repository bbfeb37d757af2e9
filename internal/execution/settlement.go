package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"arbiter/internal/model"
)

var (
	ErrExecutionFailed  = errors.New("execution failed")
	ErrStaleOpportunity = errors.New("opportunity expired before execution")
	ErrSimulatedFailure = fmt.Errorf("%w: simulated fill rejected", ErrExecutionFailed)
	ErrUnwound          = fmt.Errorf("%w: second leg rejected, first leg unwound", ErrExecutionFailed)
)

// PartialFillError means one leg settled and its compensating unwind also
// failed: the account carries unhedged exposure.
type PartialFillError struct {
	OpportunityID string
	Settled       Operation
	LegErr        error
	UnwindErr     error
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("partial fill on %s: %s leg settled on %s, second leg: %v, unwind: %v",
		e.OpportunityID, e.Settled.Side, e.Settled.Venue, e.LegErr, e.UnwindErr)
}

func (e *PartialFillError) Unwrap() []error { return []error{e.LegErr, e.UnwindErr} }

// Side is the direction of one operation.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Operation is one venue-side instruction of an opportunity.
type Operation struct {
	OpportunityID  string  `json:"opportunity_id"`
	Leg            int     `json:"leg"`
	Side           Side    `json:"side"`
	Venue          string  `json:"venue"`
	Symbol         string  `json:"symbol"`
	SizeUSD        float64 `json:"size_usd"`
	LimitPrice     float64 `json:"limit_price"`
	MaxSlippageBps float64 `json:"max_slippage_bps"`
	Unwind         bool    `json:"unwind,omitempty"`
}

// Receipt is the settlement layer's acknowledgement.
type Receipt struct {
	SettlementRef       string  `json:"settlement_ref"`
	RealizedSlippageBps float64 `json:"realized_slippage_bps"`
}

// Settlement commits an opportunity's operations. A returned trade with a
// non-empty ID must be recorded even when err is non-nil.
type Settlement interface {
	Settle(ctx context.Context, opp model.Opportunity, ops []Operation) (model.Trade, error)
}

// BuildOperations returns the buy leg followed by the sell leg.
func BuildOperations(opp model.Opportunity, maxSlippageBps float64) []Operation {
	return []Operation{
		{
			OpportunityID:  opp.ID,
			Leg:            1,
			Side:           SideBuy,
			Venue:          opp.BuyVenue,
			Symbol:         opp.Symbol,
			SizeUSD:        opp.SizeUSD,
			LimitPrice:     opp.BuyPrice * (1 + maxSlippageBps/10000),
			MaxSlippageBps: maxSlippageBps,
		},
		{
			OpportunityID:  opp.ID,
			Leg:            2,
			Side:           SideSell,
			Venue:          opp.SellVenue,
			Symbol:         opp.Symbol,
			SizeUSD:        opp.SizeUSD,
			LimitPrice:     opp.SellPrice * (1 - maxSlippageBps/10000),
			MaxSlippageBps: maxSlippageBps,
		},
	}
}

func newTrade(opp model.Opportunity, at time.Time, ref string, slippageBps, pnl float64, status model.TradeStatus) model.Trade {
	return model.Trade{
		ID:            opp.ID,
		Timestamp:     at,
		Strategy:      opp.Strategy.String(),
		Symbol:        opp.Symbol,
		Side:          "both",
		SizeUSD:       opp.SizeUSD,
		AvgPrice:      (opp.BuyPrice + opp.SellPrice) / 2,
		VenuePair:     opp.VenuePair(),
		SettlementRef: ref,
		RealizedPnL:   pnl,
		SlippageBps:   slippageBps,
		CostUSD:       opp.ExecutionCostUSD,
		Status:        status,
	}
}

// realizedPnL charges the actual slippage against the expected net profit.
func realizedPnL(opp model.Opportunity, slippageBps float64) float64 {
	return opp.NetProfitUSD - opp.SizeUSD*slippageBps/10000
}

// Rand is the pseudo-random source for simulated fills; *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// PaperConfig shapes simulated fills.
type PaperConfig struct {
	SuccessRate    float64
	SlippageMinBps float64
	SlippageMaxBps float64
	Latency        time.Duration
}

// PaperSettlement records simulated outcomes drawn from an injected source.
type PaperSettlement struct {
	cfg PaperConfig
	rng Rand
	now func() time.Time
}

// NewPaperSettlement creates a PaperSettlement. rng is not shared with any
// other component; the coordinator serializes calls.
func NewPaperSettlement(cfg PaperConfig, rng Rand) *PaperSettlement {
	return &PaperSettlement{cfg: cfg, rng: rng, now: time.Now}
}

func (p *PaperSettlement) Settle(ctx context.Context, opp model.Opportunity, _ []Operation) (model.Trade, error) {
	if p.cfg.Latency > 0 {
		timer := time.NewTimer(p.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.Trade{}, fmt.Errorf("%w: %v", ErrExecutionFailed, ctx.Err())
		case <-timer.C:
		}
	}

	if p.rng.Float64() >= p.cfg.SuccessRate {
		return model.Trade{}, ErrSimulatedFailure
	}
	slip := p.cfg.SlippageMinBps + p.rng.Float64()*(p.cfg.SlippageMaxBps-p.cfg.SlippageMinBps)
	sum := sha256.Sum256([]byte(opp.ID))
	ref := "SIM_" + hex.EncodeToString(sum[:])[:16]
	return newTrade(opp, p.now(), ref, slip, realizedPnL(opp, slip), model.TradeSettled), nil
}
