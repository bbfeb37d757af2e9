package arbitrage

import (
	"sort"
	"time"

	"arbiter/internal/model"
)

const lamportsPerSOL = 1e9

// MarketView is the read-only market state a scan runs against.
type MarketView interface {
	BestBuy(symbol string, now time.Time) (model.Quote, bool)
	BestSell(symbol string, now time.Time) (model.Quote, bool)
	Staleness() time.Duration
}

// Params are the strategy thresholds and cost model, fixed for a run.
type Params struct {
	Symbols                []string
	Strategies             []model.Strategy
	MinSpreadBps           float64
	MinProfitUSD           float64
	MaxSlippageBps         float64
	MaxTradeFraction       float64
	VenueLiquidityFraction float64
	MinNotionalUSD         float64
	ConfidenceFloor        float64
	BaseConfidence         float64
	TipLamports            int64
	PriorityFeeLamports    int64
	FeeLegs                int
	OpportunityTTL         time.Duration
}

// Input is everything one scan reads.
type Input struct {
	Market         MarketView
	UsableCapital  float64
	NativePriceUSD float64
	Now            time.Time
}

// Reason explains why a candidate was not emitted.
type Reason uint8

const (
	ReasonMissingQuote Reason = iota
	ReasonSameVenue
	ReasonSpreadBelowMin
	ReasonBelowMinNotional
	ReasonBelowMinProfit
	ReasonLowConfidence
	ReasonNoFeePrice
	reasonCount
)

func (r Reason) String() string {
	switch r {
	case ReasonMissingQuote:
		return "missing_quote"
	case ReasonSameVenue:
		return "same_venue"
	case ReasonSpreadBelowMin:
		return "spread_below_min"
	case ReasonBelowMinNotional:
		return "below_min_notional"
	case ReasonBelowMinProfit:
		return "below_min_profit"
	case ReasonLowConfidence:
		return "low_confidence"
	case ReasonNoFeePrice:
		return "no_fee_price"
	default:
		return "unknown"
	}
}

// Rejections counts filtered candidates per reason.
type Rejections [reasonCount]int

// Result is the outcome of one scan.
type Result struct {
	Opportunities []model.Opportunity
	Rejected      Rejections
}

// evaluator produces the candidates of one strategy for one symbol.
type evaluator func(in Input, p Params, symbol string, rej *Rejections) (model.Opportunity, bool)

// evaluators is the fixed dispatch table, indexed by strategy.
var evaluators = [...]evaluator{
	model.StrategySpotCrossVenue: evaluateSpotCrossVenue,
}

// Scan evaluates every enabled strategy against the market view. It performs no
// I/O; identical inputs give identical results.
func Scan(in Input, p Params) Result {
	var res Result
	if in.Market == nil {
		return res
	}
	if in.NativePriceUSD <= 0 {
		res.Rejected[ReasonNoFeePrice] += len(p.Symbols) * len(p.Strategies)
		return res
	}

	for _, s := range p.Strategies {
		if !s.Valid() || int(s) >= len(evaluators) {
			continue
		}
		eval := evaluators[s]
		for _, sym := range p.Symbols {
			if o, ok := eval(in, p, sym, &res.Rejected); ok {
				res.Opportunities = append(res.Opportunities, o)
			}
		}
	}

	sort.SliceStable(res.Opportunities, func(i, j int) bool {
		a, b := res.Opportunities[i], res.Opportunities[j]
		if a.NetProfitUSD != b.NetProfitUSD {
			return a.NetProfitUSD > b.NetProfitUSD
		}
		return a.ID < b.ID
	})
	return res
}

// FixedCostUSD is the settlement cost (tip plus per-leg priority fees) in quote asset.
func FixedCostUSD(p Params, nativePriceUSD float64) float64 {
	lamports := float64(p.TipLamports) + float64(p.PriorityFeeLamports)*float64(p.FeeLegs)
	return lamports / lamportsPerSOL * nativePriceUSD
}

func evaluateSpotCrossVenue(in Input, p Params, symbol string, rej *Rejections) (model.Opportunity, bool) {
	buy, okBuy := in.Market.BestBuy(symbol, in.Now)
	sell, okSell := in.Market.BestSell(symbol, in.Now)
	if !okBuy || !okSell {
		rej[ReasonMissingQuote]++
		return model.Opportunity{}, false
	}
	if buy.Venue == sell.Venue {
		rej[ReasonSameVenue]++
		return model.Opportunity{}, false
	}

	spreadBps := (sell.SellPrice - buy.BuyPrice) / buy.BuyPrice * 10000
	if spreadBps < p.MinSpreadBps {
		rej[ReasonSpreadBelowMin]++
		return model.Opportunity{}, false
	}

	size := min(
		in.UsableCapital*p.MaxTradeFraction,
		buy.LiquidityUSD*p.VenueLiquidityFraction,
		sell.LiquidityUSD*p.VenueLiquidityFraction,
	)
	if size < p.MinNotionalUSD || size <= 0 {
		rej[ReasonBelowMinNotional]++
		return model.Opportunity{}, false
	}

	cost := FixedCostUSD(p, in.NativePriceUSD) + size*p.MaxSlippageBps/10000
	gross := spreadBps / 10000 * size
	net := gross - cost
	if net < p.MinProfitUSD {
		rej[ReasonBelowMinProfit]++
		return model.Opportunity{}, false
	}

	conf := confidence(p.BaseConfidence, max(buy.Age(in.Now), sell.Age(in.Now)), in.Market.Staleness())
	if conf < p.ConfidenceFloor {
		rej[ReasonLowConfidence]++
		return model.Opportunity{}, false
	}

	return model.Opportunity{
		ID:               model.NewOpportunityID(model.StrategySpotCrossVenue, symbol, in.Now),
		Strategy:         model.StrategySpotCrossVenue,
		Symbol:           symbol,
		BuyVenue:         buy.Venue,
		SellVenue:        sell.Venue,
		BuyPrice:         buy.BuyPrice,
		SellPrice:        sell.SellPrice,
		SpreadBps:        spreadBps,
		SizeUSD:          size,
		GrossProfitUSD:   gross,
		ExecutionCostUSD: cost,
		NetProfitUSD:     net,
		Confidence:       conf,
		CreatedAt:        in.Now,
		ExpiresAt:        in.Now.Add(p.OpportunityTTL),
	}, true
}

// confidence decays by up to 0.1 as the older quote approaches the staleness window.
func confidence(base float64, age, staleness time.Duration) float64 {
	c := base
	if staleness > 0 && age > 0 {
		c -= 0.1 * float64(age) / float64(staleness)
	}
	return min(max(c, 0), 1)
}
