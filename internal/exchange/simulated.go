package exchange

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"arbiter/internal/model"
)

// SimulatedConfig shapes the prices produced by a SimulatedAdapter.
type SimulatedConfig struct {
	BasePrices      map[string]float64
	JitterBps       float64
	HalfSpreadBps   float64
	LiquidityMinUSD float64
	LiquidityMaxUSD float64
	Latency         time.Duration
}

// SimulatedAdapter quotes jittered prices around a fixed base. All randomness
// comes from the injected source so runs are reproducible under a fixed seed.
type SimulatedAdapter struct {
	name   string
	cfg    SimulatedConfig
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedAdapter creates a SimulatedAdapter drawing from rng.
func NewSimulatedAdapter(name string, cfg SimulatedConfig, rng *rand.Rand, logger *slog.Logger) *SimulatedAdapter {
	if cfg.LiquidityMaxUSD < cfg.LiquidityMinUSD {
		cfg.LiquidityMaxUSD = cfg.LiquidityMinUSD
	}
	return &SimulatedAdapter{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		rng:    rng,
	}
}

func (s *SimulatedAdapter) Name() string {
	return s.name
}

// Quote produces a fresh quote after the configured latency.
func (s *SimulatedAdapter) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	base, ok := s.cfg.BasePrices[symbol]
	if !ok {
		return model.Quote{}, &VenueError{Venue: s.name, Symbol: symbol, Kind: KindUnsupported, Err: ErrUnsupportedSymbol}
	}

	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.Quote{}, classify(ctx, s.name, symbol, KindTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	jitter := (s.rng.Float64()*2 - 1) * s.cfg.JitterBps
	liquidity := s.cfg.LiquidityMinUSD + s.rng.Float64()*(s.cfg.LiquidityMaxUSD-s.cfg.LiquidityMinUSD)
	s.mu.Unlock()

	mid := base * (1 + jitter/10000)
	q := model.Quote{
		Venue:        s.name,
		Symbol:       symbol,
		BuyPrice:     mid * (1 + s.cfg.HalfSpreadBps/10000),
		SellPrice:    mid * (1 - s.cfg.HalfSpreadBps/10000),
		LiquidityUSD: liquidity,
		CapturedAt:   s.now(),
	}
	if err := q.Validate(); err != nil {
		return model.Quote{}, &VenueError{Venue: s.name, Symbol: symbol, Kind: KindProtocol, Err: err}
	}
	s.logger.Debug("SimulatedAdapter: quoted", "venue", s.name, "symbol", symbol, "buy", q.BuyPrice, "sell", q.SellPrice)
	return q, nil
}

func (s *SimulatedAdapter) Close() error {
	return nil
}
