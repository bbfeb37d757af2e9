package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind names a structured event.
type Kind string

const (
	OpportunityFound     Kind = "opportunity_found"
	ExecutionSettled     Kind = "execution_settled"
	ExecutionFailed      Kind = "execution_failed"
	ExecutionPartialFill Kind = "execution_partial_fill"
	ExecutionDropped     Kind = "execution_dropped"
	VenueDegraded        Kind = "venue_degraded"
	VenueUnreachable     Kind = "venue_unreachable"
	VenueRecovered       Kind = "venue_recovered"
)

// Event is one structured record for external consumers.
type Event struct {
	Kind           Kind      `json:"kind"`
	At             time.Time `json:"at"`
	OpportunityID  string    `json:"opportunity_id,omitempty"`
	Strategy       string    `json:"strategy,omitempty"`
	Symbol         string    `json:"symbol,omitempty"`
	Venue          string    `json:"venue,omitempty"`
	BuyVenue       string    `json:"buy_venue,omitempty"`
	SellVenue      string    `json:"sell_venue,omitempty"`
	SpreadBps      float64   `json:"spread_bps,omitempty"`
	SizeUSD        float64   `json:"size_usd,omitempty"`
	NetProfitUSD   float64   `json:"net_profit_usd,omitempty"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd,omitempty"`
	SlippageBps    float64   `json:"slippage_bps,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	Health         string    `json:"health,omitempty"`
	Misses         int       `json:"misses,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// Publish emits e and logs a sink failure; events never fail the caller.
func Publish(ctx context.Context, sink Sink, logger *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, e); err != nil {
		logger.Warn("Failed to publish event", "kind", string(e.Kind), "error", err)
	}
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Kind {
	case ExecutionFailed, VenueDegraded, VenueUnreachable:
		level = slog.LevelWarn
	case ExecutionPartialFill:
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "event",
		slog.String("kind", string(e.Kind)),
		slog.Time("at", e.At),
		slog.String("opportunity_id", e.OpportunityID),
		slog.String("strategy", e.Strategy),
		slog.String("symbol", e.Symbol),
		slog.String("venue", e.Venue),
		slog.String("buy_venue", e.BuyVenue),
		slog.String("sell_venue", e.SellVenue),
		slog.Float64("spread_bps", e.SpreadBps),
		slog.Float64("size_usd", e.SizeUSD),
		slog.Float64("net_profit_usd", e.NetProfitUSD),
		slog.Float64("realized_pnl_usd", e.RealizedPnLUSD),
		slog.Float64("slippage_bps", e.SlippageBps),
		slog.Float64("cost_usd", e.CostUSD),
		slog.String("health", e.Health),
		slog.Int("misses", e.Misses),
		slog.String("reason", e.Reason),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in order; useful for inspection and tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Emit(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfKind returns the emitted events of kind k.
func (m *Memory) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
