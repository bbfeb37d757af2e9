package exchange

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"arbiter/internal/config"
)

// NewAdapter creates a venue adapter based on the venue's configured kind.
func NewAdapter(cfg config.VenueConfig, logger *slog.Logger) (VenueAdapter, error) {
	switch cfg.Kind {
	case "simulated":
		prices := make(map[string]float64, len(cfg.BasePrices))
		for _, bp := range cfg.BasePrices {
			prices[bp.Symbol] = bp.Price
		}
		sim := SimulatedConfig{
			BasePrices:      prices,
			JitterBps:       cfg.JitterBps,
			HalfSpreadBps:   cfg.HalfSpreadBps,
			LiquidityMinUSD: cfg.LiquidityMinUSD,
			LiquidityMaxUSD: cfg.LiquidityMaxUSD,
			Latency:         cfg.Latency,
		}
		return NewSimulatedAdapter(cfg.Name, sim, NewRand(cfg.Seed), logger), nil
	case "websocket":
		return NewWebsocketAdapter(cfg.Name, cfg.URL, logger), nil
	default:
		return nil, fmt.Errorf("unknown venue kind: %s", cfg.Kind)
	}
}

// NewRand returns a reproducible generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
