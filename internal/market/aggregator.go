package market

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"arbiter/internal/events"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// MaxMisses is the number of consecutive missed cycles after which a venue is
// taken out of the fan-out until a recovery probe succeeds.
const MaxMisses = 3

// Config bounds one aggregation cycle.
type Config struct {
	Symbols       []string
	VenueTimeout  time.Duration
	CycleDeadline time.Duration
	Staleness     time.Duration
	ProbeInterval time.Duration
}

type venue struct {
	adapter exchange.VenueAdapter
	handle  model.VenueHandle
}

type call struct {
	venue  *venue
	symbol string
	probe  bool
}

type result struct {
	call
	quote model.Quote
	err   error
}

// Aggregator polls every venue for every symbol each cycle and publishes the
// results as one immutable Snapshot. It is the only writer of the quote cache
// and of venue health.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	sink   events.Sink
	now    func() time.Time

	cycle  sync.Mutex
	mu     sync.RWMutex
	venues []*venue
	snap   atomic.Pointer[Snapshot]
}

// NewAggregator creates an Aggregator over adapters.
func NewAggregator(cfg Config, adapters []exchange.VenueAdapter, sink events.Sink, logger *slog.Logger) *Aggregator {
	if cfg.CycleDeadline < cfg.VenueTimeout {
		cfg.CycleDeadline = cfg.VenueTimeout
	}
	a := &Aggregator{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		now:    time.Now,
	}
	for _, ad := range adapters {
		a.venues = append(a.venues, &venue{
			adapter: ad,
			handle:  model.VenueHandle{Name: ad.Name(), Timeout: cfg.VenueTimeout, Health: model.VenueOK},
		})
	}
	a.snap.Store(newSnapshot(time.Time{}, cfg.Staleness, map[string][]model.Quote{}))
	return a
}

// Refresh runs one fan-out/fan-in cycle and publishes its snapshot. Venues that
// miss the cycle deadline are simply absent from the result.
func (a *Aggregator) Refresh(ctx context.Context) *Snapshot {
	a.cycle.Lock()
	defer a.cycle.Unlock()

	start := a.now()
	calls := a.plan(start)

	cycleCtx, cancel := context.WithTimeout(ctx, a.cfg.CycleDeadline)
	defer cancel()

	// buffered so stragglers never block after the deadline
	results := make(chan result, len(calls))
	for _, c := range calls {
		go func(c call, timeout time.Duration) {
			callCtx, cancel := context.WithTimeout(cycleCtx, timeout)
			defer cancel()
			q, err := c.venue.adapter.Quote(callCtx, c.symbol)
			if err == nil {
				err = q.Validate()
			}
			results <- result{call: c, quote: q, err: err}
		}(c, c.venue.handle.Timeout)
	}

	received := make([]result, 0, len(calls))
collect:
	for len(received) < len(calls) {
		select {
		case r := <-results:
			received = append(received, r)
		case <-cycleCtx.Done():
			break collect
		}
	}

	quotes := make(map[string][]model.Quote, len(a.cfg.Symbols))
	misses := make(map[*venue]int)
	for _, r := range received {
		switch {
		case r.err == nil:
			quotes[r.symbol] = append(quotes[r.symbol], r.quote)
		case errors.Is(r.err, exchange.ErrUnsupportedSymbol):
			a.logger.Debug("Aggregator: symbol not listed", "venue", r.venue.handle.Name, "symbol", r.symbol)
		default:
			misses[r.venue]++
			a.logger.Warn("Aggregator: quote failed", "venue", r.venue.handle.Name, "symbol", r.symbol, "error", r.err)
		}
	}
	// calls still outstanding at the deadline are timeouts
	got := make(map[call]bool, len(received))
	for _, r := range received {
		got[r.call] = true
	}
	for _, c := range calls {
		if !got[c] {
			misses[c.venue]++
			a.logger.Warn("Aggregator: quote missed cycle deadline", "venue", c.venue.handle.Name, "symbol", c.symbol)
		}
	}

	for sym := range quotes {
		sort.Slice(quotes[sym], func(i, j int) bool { return quotes[sym][i].Venue < quotes[sym][j].Venue })
	}

	a.updateHealth(ctx, start, calls, misses)

	snap := newSnapshot(start, a.cfg.Staleness, quotes)
	a.snap.Store(snap)
	a.logger.Debug("Aggregator: cycle complete", "calls", len(calls), "received", len(received), "symbols", len(quotes), "duration", a.now().Sub(start))
	return snap
}

// plan lists the calls for this cycle: every symbol on live venues, and one
// probe on unreachable venues whose probe interval has elapsed.
func (a *Aggregator) plan(now time.Time) []call {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var calls []call
	for _, v := range a.venues {
		if v.handle.Health == model.VenueUnreachable {
			if len(a.cfg.Symbols) > 0 && now.Sub(v.handle.LastProbe) >= a.cfg.ProbeInterval {
				calls = append(calls, call{venue: v, symbol: a.cfg.Symbols[0], probe: true})
			}
			continue
		}
		for _, sym := range a.cfg.Symbols {
			calls = append(calls, call{venue: v, symbol: sym})
		}
	}
	return calls
}

func (a *Aggregator) updateHealth(ctx context.Context, now time.Time, calls []call, misses map[*venue]int) {
	polled := make(map[*venue]bool)
	for _, c := range calls {
		polled[c.venue] = c.probe || polled[c.venue]
	}

	var emitted []events.Event
	a.mu.Lock()
	for v, probe := range polled {
		h := &v.handle
		prev := h.Health
		switch {
		case probe && misses[v] > 0:
			h.LastProbe = now
			continue
		case misses[v] > 0:
			h.Misses++
			h.Health = model.VenueDegraded
			if h.Misses >= MaxMisses {
				h.Health = model.VenueUnreachable
				h.LastProbe = now
			}
		default:
			h.Misses = 0
			h.Health = model.VenueOK
		}
		if h.Health == prev {
			continue
		}
		kind := events.VenueRecovered
		switch h.Health {
		case model.VenueDegraded:
			kind = events.VenueDegraded
		case model.VenueUnreachable:
			kind = events.VenueUnreachable
		}
		a.logger.Warn("Aggregator: venue health changed", "venue", h.Name, "from", prev.String(), "to", h.Health.String(), "misses", h.Misses)
		emitted = append(emitted, events.Event{Kind: kind, At: now, Venue: h.Name, Health: h.Health.String(), Misses: h.Misses})
	}
	a.mu.Unlock()

	sort.Slice(emitted, func(i, j int) bool { return emitted[i].Venue < emitted[j].Venue })
	for _, e := range emitted {
		events.Publish(ctx, a.sink, a.logger, e)
	}
}

// Start refreshes once immediately and then every interval until ctx is done.
func (a *Aggregator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Snapshot returns the last completed cycle.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.snap.Load()
}

// BestBuy returns the cached quote with the lowest buy price for symbol.
func (a *Aggregator) BestBuy(symbol string) (model.Quote, bool) {
	return a.Snapshot().BestBuy(symbol, a.now())
}

// BestSell returns the cached quote with the highest sell price for symbol.
func (a *Aggregator) BestSell(symbol string) (model.Quote, bool) {
	return a.Snapshot().BestSell(symbol, a.now())
}

// ReferencePrice returns the freshest mid price for symbol.
func (a *Aggregator) ReferencePrice(symbol string) (float64, bool) {
	return a.Snapshot().ReferencePrice(symbol, a.now())
}

// Health returns a copy of every venue handle.
func (a *Aggregator) Health() []model.VenueHandle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.VenueHandle, 0, len(a.venues))
	for _, v := range a.venues {
		out = append(out, v.handle)
	}
	return out
}

// Close closes every adapter.
func (a *Aggregator) Close() error {
	var errs []error
	for _, v := range a.venues {
		if err := v.adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
