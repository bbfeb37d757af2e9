package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidQuote = errors.New("quote: non-positive price")

// Quote is one venue's buy/sell price and available liquidity for a symbol.
// Quotes are immutable; a newer quote for the same venue and symbol supersedes it.
type Quote struct {
	Venue        string
	Symbol       string
	BuyPrice     float64
	SellPrice    float64
	LiquidityUSD float64
	CapturedAt   time.Time
}

// SpreadBps returns (sell - buy) / buy in basis points.
func (q Quote) SpreadBps() float64 {
	return (q.SellPrice - q.BuyPrice) / q.BuyPrice * 10000
}

// Mid returns the midpoint of the buy and sell prices.
func (q Quote) Mid() float64 {
	return (q.BuyPrice + q.SellPrice) / 2
}

// Age returns how long ago the quote was captured.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.CapturedAt)
}

// Validate reports whether the quote may be handed to the aggregator.
func (q Quote) Validate() error {
	if q.BuyPrice <= 0 || q.SellPrice <= 0 {
		return fmt.Errorf("%w: venue=%s symbol=%s buy=%v sell=%v", ErrInvalidQuote, q.Venue, q.Symbol, q.BuyPrice, q.SellPrice)
	}
	return nil
}

// Opportunity is a detected, time-bounded cross-venue trade candidate.
type Opportunity struct {
	ID               string
	Strategy         Strategy
	Symbol           string
	BuyVenue         string
	SellVenue        string
	BuyPrice         float64
	SellPrice        float64
	SpreadBps        float64
	SizeUSD          float64
	GrossProfitUSD   float64
	ExecutionCostUSD float64
	NetProfitUSD     float64
	Confidence       float64
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// NewOpportunityID derives a traceable id from strategy, symbol and creation time.
func NewOpportunityID(s Strategy, symbol string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", s.IDPrefix(), symbol, at.UnixMilli())
}

// Actionable reports whether the opportunity may still be executed at now.
func (o Opportunity) Actionable(now time.Time) bool {
	return now.Before(o.ExpiresAt)
}

// VenuePair labels the buy and sell venues, e.g. "orca-raydium".
func (o Opportunity) VenuePair() string {
	return o.BuyVenue + "-" + o.SellVenue
}

// TradeStatus records how an execution attempt resolved.
type TradeStatus string

const (
	TradeSettled     TradeStatus = "settled"
	TradeUnwound     TradeStatus = "unwound"
	TradePartialFill TradeStatus = "partial_fill"
)

// Trade represents a resolved execution attempt to be appended to the trade ledger.
type Trade struct {
	ID            string      `db:"id"`
	Timestamp     time.Time   `db:"timestamp"`
	Strategy      string      `db:"strategy"`
	Symbol        string      `db:"symbol"`
	Side          string      `db:"side"`
	SizeUSD       float64     `db:"size_usd"`
	AvgPrice      float64     `db:"avg_price"`
	VenuePair     string      `db:"venue_pair"`
	SettlementRef string      `db:"settlement_ref"`
	RealizedPnL   float64     `db:"realized_pnl"`
	SlippageBps   float64     `db:"slippage_bps"`
	CostUSD       float64     `db:"cost_usd"`
	Status        TradeStatus `db:"status"`
}

// CapitalSnapshot is the ledger's view of account balances at LastRefreshed.
type CapitalSnapshot struct {
	BaseBalance   float64
	QuoteBalance  float64
	BasePriceUSD  float64
	UsableCapital float64
	LastRefreshed time.Time
}
