package config

import (
	"fmt"
	"strings"

	"arbiter/internal/model"
)

// ConfigError is fatal at startup: the cycle loop must not begin.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the run parameters for consistency.
func (c Config) Validate() error {
	switch c.Run.Mode {
	case ModePaper, ModeLive:
	default:
		return invalid("run.mode", "must be %q or %q, got %q", ModePaper, ModeLive, c.Run.Mode)
	}
	if c.Run.ScanInterval <= 0 {
		return invalid("run.scan_interval", "must be positive")
	}
	if c.Run.VenueTimeout <= 0 {
		return invalid("run.venue_timeout", "must be positive")
	}
	if c.Run.StalenessWindow <= 0 {
		return invalid("run.staleness_window", "must be positive")
	}
	// quotes from fast venues age by up to the cycle deadline before they are published
	if deadline := max(c.Run.CycleDeadline, c.Run.VenueTimeout); c.Run.StalenessWindow <= deadline {
		return invalid("run.staleness_window", "must exceed the effective cycle deadline %s", deadline)
	}
	if c.Run.OpportunityTTL <= 0 {
		return invalid("run.opportunity_ttl", "must be positive")
	}

	s := c.Strategy
	if len(s.Enabled) == 0 {
		return invalid("strategy.enabled", "at least one strategy required")
	}
	for _, tag := range s.Enabled {
		if _, ok := model.ParseStrategy(tag); !ok {
			return invalid("strategy.enabled", "unknown strategy %q", tag)
		}
	}
	if !inUnit(s.MaxTradeFraction) {
		return invalid("strategy.max_trade_fraction", "must be in (0, 1]")
	}
	if !inUnit(s.VenueLiquidityFraction) {
		return invalid("strategy.venue_liquidity_fraction", "must be in (0, 1]")
	}
	if s.ConfidenceFloor < 0 || s.ConfidenceFloor > 1 {
		return invalid("strategy.confidence_floor", "must be in [0, 1]")
	}
	if s.BaseConfidence < 0 || s.BaseConfidence > 1 {
		return invalid("strategy.base_confidence", "must be in [0, 1]")
	}
	if s.MaxSlippageBps < 0 || s.MinNotionalUSD < 0 {
		return invalid("strategy", "slippage and notional floors must not be negative")
	}

	if !inUnit(c.Capital.AllocationPct) {
		return invalid("capital.allocation_pct", "must be in (0, 1]")
	}
	if c.Capital.ReserveBase < 0 {
		return invalid("capital.reserve_base", "must not be negative")
	}
	switch c.Capital.Source {
	case "static":
	case "http":
		if c.Capital.SourceURL == "" {
			return invalid("capital.source_url", "required for http source")
		}
		if c.Capital.AccountID == "" {
			return invalid("capital.account_id", "missing account key")
		}
	default:
		return invalid("capital.source", "unknown source %q", c.Capital.Source)
	}

	if c.Run.Mode == ModeLive {
		if c.Capital.AccountID == "" {
			return invalid("capital.account_id", "missing account key")
		}
		if c.Capital.Source == "static" {
			return invalid("capital.source", "live mode requires a real account source")
		}
		if c.Execution.SettlementURL == "" {
			return invalid("execution.settlement_url", "required in live mode")
		}
		if c.Execution.AuthToken == "" {
			return invalid("execution.auth_token", "missing settlement credentials")
		}
	}

	if len(c.Symbols) == 0 {
		return invalid("symbols", "at least one symbol required")
	}
	if len(c.Venues) == 0 {
		return invalid("venues", "at least one venue required")
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		field := fmt.Sprintf("venues[%d]", i)
		if strings.TrimSpace(v.Name) == "" {
			return invalid(field+".name", "required")
		}
		if seen[v.Name] {
			return invalid(field+".name", "duplicate venue %q", v.Name)
		}
		seen[v.Name] = true
		switch v.Kind {
		case "simulated":
			if len(v.BasePrices) == 0 {
				return invalid(field+".base_prices", "required for simulated venue")
			}
		case "websocket":
			if v.URL == "" {
				return invalid(field+".url", "required for websocket venue")
			}
		default:
			return invalid(field+".kind", "unknown kind %q", v.Kind)
		}
	}
	return nil
}

func inUnit(f float64) bool {
	return f > 0 && f <= 1
}
