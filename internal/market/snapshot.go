package market

import (
	"time"

	"arbiter/internal/model"
)

// Snapshot is one completed aggregation cycle. It is never mutated after
// publication, so readers may hold it for the whole scan.
type Snapshot struct {
	TakenAt   time.Time
	staleness time.Duration
	quotes    map[string][]model.Quote
}

func newSnapshot(takenAt time.Time, staleness time.Duration, quotes map[string][]model.Quote) *Snapshot {
	return &Snapshot{TakenAt: takenAt, staleness: staleness, quotes: quotes}
}

// NewSnapshot builds a snapshot from explicit quotes.
func NewSnapshot(takenAt time.Time, staleness time.Duration, quotes ...model.Quote) *Snapshot {
	bySymbol := make(map[string][]model.Quote)
	for _, q := range quotes {
		bySymbol[q.Symbol] = append(bySymbol[q.Symbol], q)
	}
	return newSnapshot(takenAt, staleness, bySymbol)
}

// Quotes returns the non-stale quotes for symbol as of now.
func (s *Snapshot) Quotes(symbol string, now time.Time) []model.Quote {
	if s == nil {
		return nil
	}
	var out []model.Quote
	for _, q := range s.quotes[symbol] {
		if q.Age(now) <= s.staleness {
			out = append(out, q)
		}
	}
	return out
}

// BestBuy returns the quote with the lowest buy price.
func (s *Snapshot) BestBuy(symbol string, now time.Time) (model.Quote, bool) {
	return s.best(symbol, now, func(a, b model.Quote) bool { return a.BuyPrice < b.BuyPrice }, func(a, b model.Quote) bool { return a.BuyPrice == b.BuyPrice })
}

// BestSell returns the quote with the highest sell price.
func (s *Snapshot) BestSell(symbol string, now time.Time) (model.Quote, bool) {
	return s.best(symbol, now, func(a, b model.Quote) bool { return a.SellPrice > b.SellPrice }, func(a, b model.Quote) bool { return a.SellPrice == b.SellPrice })
}

// best picks by price, then higher liquidity, then lexicographic venue.
func (s *Snapshot) best(symbol string, now time.Time, better, equal func(a, b model.Quote) bool) (model.Quote, bool) {
	var (
		pick  model.Quote
		found bool
	)
	for _, q := range s.Quotes(symbol, now) {
		switch {
		case !found:
		case better(q, pick):
		case equal(q, pick) && q.LiquidityUSD > pick.LiquidityUSD:
		case equal(q, pick) && q.LiquidityUSD == pick.LiquidityUSD && q.Venue < pick.Venue:
		default:
			continue
		}
		pick, found = q, true
	}
	return pick, found
}

// ReferencePrice is the mid of the most recently captured non-stale quote.
func (s *Snapshot) ReferencePrice(symbol string, now time.Time) (float64, bool) {
	var (
		latest model.Quote
		found  bool
	)
	for _, q := range s.Quotes(symbol, now) {
		if !found || q.CapturedAt.After(latest.CapturedAt) || (q.CapturedAt.Equal(latest.CapturedAt) && q.Venue < latest.Venue) {
			latest, found = q, true
		}
	}
	if !found {
		return 0, false
	}
	return latest.Mid(), true
}

// Staleness returns the window beyond which quotes are ignored.
func (s *Snapshot) Staleness() time.Duration {
	return s.staleness
}
