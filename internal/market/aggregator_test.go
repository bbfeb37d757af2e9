package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/events"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

var t0 = time.Unix(1700000000, 0)

type stubAdapter struct {
	name  string
	delay time.Duration
	calls atomic.Int32
	// stamp quotes with the wall clock at answer time
	realTime bool

	mu     sync.Mutex
	quotes map[string]model.Quote
	err    error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return model.Quote{}, &exchange.VenueError{Venue: s.name, Symbol: symbol, Kind: exchange.KindTimeout, Err: ctx.Err()}
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Quote{}, s.err
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return model.Quote{}, &exchange.VenueError{Venue: s.name, Symbol: symbol, Kind: exchange.KindUnsupported, Err: exchange.ErrUnsupportedSymbol}
	}
	if s.realTime {
		q.CapturedAt = time.Now()
	}
	return q, nil
}

func (s *stubAdapter) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubAdapter) Close() error { return nil }

func quote(venue, symbol string, buy, sell, liquidity float64) model.Quote {
	return model.Quote{Venue: venue, Symbol: symbol, BuyPrice: buy, SellPrice: sell, LiquidityUSD: liquidity, CapturedAt: t0}
}

func newTestAggregator(sink events.Sink, adapters ...exchange.VenueAdapter) *Aggregator {
	cfg := Config{
		Symbols:       []string{"SOL/USDC", "BTC/USDC"},
		VenueTimeout:  50 * time.Millisecond,
		CycleDeadline: 100 * time.Millisecond,
		Staleness:     time.Second,
		ProbeInterval: 10 * time.Second,
	}
	a := NewAggregator(cfg, adapters, sink, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	a.now = func() time.Time { return t0 }
	return a
}

func venueHealth(a *Aggregator, name string) model.VenueHandle {
	for _, h := range a.Health() {
		if h.Name == name {
			return h
		}
	}
	return model.VenueHandle{}
}

func TestAggregator_BestBuySell(t *testing.T) {
	venueA := &stubAdapter{name: "A", quotes: map[string]model.Quote{"SOL/USDC": quote("A", "SOL/USDC", 100.00, 100.02, 100000)}}
	venueB := &stubAdapter{name: "B", quotes: map[string]model.Quote{"SOL/USDC": quote("B", "SOL/USDC", 99.80, 99.85, 50000)}}
	a := newTestAggregator(nil, venueA, venueB)

	a.Refresh(context.Background())

	buy, ok := a.BestBuy("SOL/USDC")
	require.True(t, ok)
	assert.Equal(t, "B", buy.Venue)
	sell, ok := a.BestSell("SOL/USDC")
	require.True(t, ok)
	assert.Equal(t, "A", sell.Venue)

	// no venue lists BTC/USDC
	_, ok = a.BestBuy("BTC/USDC")
	assert.False(t, ok)
	assert.Equal(t, model.VenueOK, venueHealth(a, "A").Health)
}

func TestSnapshot_TieBreaksAndStaleness(t *testing.T) {
	snap := NewSnapshot(t0, time.Second,
		quote("b", "SOL/USDC", 100, 101, 5000),
		quote("a", "SOL/USDC", 100, 101, 5000),
		quote("c", "SOL/USDC", 100, 101, 9000),
		quote("d", "SOL/USDC", 100, 101, 5000),
	)
	buy, ok := snap.BestBuy("SOL/USDC", t0)
	require.True(t, ok)
	assert.Equal(t, "c", buy.Venue, "higher liquidity wins a price tie")

	snap = NewSnapshot(t0, time.Second,
		quote("b", "SOL/USDC", 100, 101, 5000),
		quote("a", "SOL/USDC", 100, 101, 5000),
	)
	sell, ok := snap.BestSell("SOL/USDC", t0)
	require.True(t, ok)
	assert.Equal(t, "a", sell.Venue, "lexicographic venue breaks a full tie")

	_, ok = snap.BestBuy("SOL/USDC", t0.Add(2*time.Second))
	assert.False(t, ok, "stale quotes are ignored")
	_, ok = snap.ReferencePrice("SOL/USDC", t0.Add(2*time.Second))
	assert.False(t, ok)

	ref, ok := snap.ReferencePrice("SOL/USDC", t0)
	require.True(t, ok)
	assert.Equal(t, 100.5, ref)
}

func TestAggregator_SlowVenueIsDegraded(t *testing.T) {
	sink := &events.Memory{}
	slow := &stubAdapter{name: "A", delay: time.Second, quotes: map[string]model.Quote{
		"SOL/USDC": quote("A", "SOL/USDC", 100.00, 100.02, 100000),
		"BTC/USDC": quote("A", "BTC/USDC", 95000, 95010, 100000),
	}}
	fast := &stubAdapter{name: "B", quotes: map[string]model.Quote{
		"SOL/USDC": quote("B", "SOL/USDC", 99.80, 99.85, 50000),
		"BTC/USDC": quote("B", "BTC/USDC", 95005, 95008, 100000),
	}}
	a := newTestAggregator(sink, slow, fast)

	start := time.Now()
	snap := a.Refresh(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a slow venue cannot stall the cycle")

	for _, sym := range []string{"SOL/USDC", "BTC/USDC"} {
		qs := snap.Quotes(sym, t0)
		require.Len(t, qs, 1)
		assert.Equal(t, "B", qs[0].Venue)
	}

	h := venueHealth(a, "A")
	assert.Equal(t, model.VenueDegraded, h.Health)
	assert.Equal(t, 1, h.Misses)
	assert.Equal(t, model.VenueOK, venueHealth(a, "B").Health)

	degraded := sink.OfKind(events.VenueDegraded)
	require.Len(t, degraded, 1)
	assert.Equal(t, "A", degraded[0].Venue)
}

func TestAggregator_UnreachableAndRecovery(t *testing.T) {
	sink := &events.Memory{}
	flaky := &stubAdapter{name: "A", quotes: map[string]model.Quote{"SOL/USDC": quote("A", "SOL/USDC", 100, 100.02, 100000)}}
	flaky.setErr(&exchange.VenueError{Venue: "A", Kind: exchange.KindTransport, Err: errors.New("connection reset")})
	a := newTestAggregator(sink, flaky)

	for i := 0; i < MaxMisses; i++ {
		a.Refresh(context.Background())
	}
	assert.Equal(t, model.VenueUnreachable, venueHealth(a, "A").Health)
	assert.Len(t, sink.OfKind(events.VenueUnreachable), 1)

	// excluded from fan-out until the probe interval elapses
	calls := flaky.calls.Load()
	a.Refresh(context.Background())
	assert.Equal(t, calls, flaky.calls.Load())

	// failed probe keeps it unreachable
	now := t0.Add(11 * time.Second)
	a.now = func() time.Time { return now }
	a.Refresh(context.Background())
	assert.Equal(t, calls+1, flaky.calls.Load())
	assert.Equal(t, model.VenueUnreachable, venueHealth(a, "A").Health)

	// successful probe restores it
	flaky.setErr(nil)
	now = now.Add(11 * time.Second)
	a.Refresh(context.Background())
	assert.Equal(t, model.VenueOK, venueHealth(a, "A").Health)
	assert.Equal(t, 0, venueHealth(a, "A").Misses)
	assert.Len(t, sink.OfKind(events.VenueRecovered), 1)
}

func TestAggregator_InvalidQuoteCountsAsMiss(t *testing.T) {
	bad := &stubAdapter{name: "A", quotes: map[string]model.Quote{
		"SOL/USDC": quote("A", "SOL/USDC", 0, 100, 1000),
	}}
	a := newTestAggregator(nil, bad)

	snap := a.Refresh(context.Background())
	assert.Empty(t, snap.Quotes("SOL/USDC", t0))
	assert.Equal(t, model.VenueDegraded, venueHealth(a, "A").Health)
}

func TestAggregator_ReadersSeeWholeSnapshots(t *testing.T) {
	venueA := &stubAdapter{name: "A", quotes: map[string]model.Quote{"SOL/USDC": quote("A", "SOL/USDC", 100, 100.02, 100000)}}
	a := newTestAggregator(nil, venueA)

	held := a.Snapshot()
	a.Refresh(context.Background())
	assert.Empty(t, held.Quotes("SOL/USDC", t0), "a held snapshot is never mutated")
	assert.Len(t, a.Snapshot().Quotes("SOL/USDC", t0), 1)
}

func TestAggregator_HungVenueLeavesSurvivorsFresh(t *testing.T) {
	fast := &stubAdapter{name: "fast", delay: 40 * time.Millisecond, realTime: true, quotes: map[string]model.Quote{
		"SOL/USDC": quote("fast", "SOL/USDC", 100, 100.1, 50000),
	}}
	hung := &stubAdapter{name: "hung", delay: time.Minute, quotes: map[string]model.Quote{
		"SOL/USDC": quote("hung", "SOL/USDC", 99, 99.1, 50000),
	}}
	// the shipped run defaults, on the wall clock
	a := NewAggregator(Config{
		Symbols:       []string{"SOL/USDC"},
		VenueTimeout:  400 * time.Millisecond,
		CycleDeadline: 500 * time.Millisecond,
		Staleness:     time.Second,
		ProbeInterval: 10 * time.Second,
	}, []exchange.VenueAdapter{fast, hung}, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	a.Refresh(context.Background())

	buy, ok := a.BestBuy("SOL/USDC")
	require.True(t, ok, "the responsive venue's quote must still be fresh after the cycle")
	assert.Equal(t, "fast", buy.Venue)
	_, ok = a.BestSell("SOL/USDC")
	assert.True(t, ok)
	assert.Equal(t, model.VenueDegraded, venueHealth(a, "hung").Health)
}

func TestAggregator_StartRefreshesUntilCancelled(t *testing.T) {
	venue := &stubAdapter{name: "A", quotes: map[string]model.Quote{
		"SOL/USDC": quote("A", "SOL/USDC", 100, 100.02, 100000),
		"BTC/USDC": quote("A", "BTC/USDC", 60000, 60010, 100000),
	}}
	a := newTestAggregator(nil, venue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Start(ctx, 10*time.Millisecond)
	}()

	// two symbols per cycle, so six calls means at least three cycles
	require.Eventually(t, func() bool { return venue.calls.Load() >= 6 }, time.Second, time.Millisecond)
	_, ok := a.BestBuy("SOL/USDC")
	assert.True(t, ok)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	settled := venue.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, venue.calls.Load(), "no refresh after Start returns")
}
