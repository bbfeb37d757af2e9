package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbiter/internal/events"
	"arbiter/internal/model"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) LogTrade(ctx context.Context, trade model.Trade) error {
	args := m.Called(ctx, trade)
	return args.Error(0)
}

func (m *MockRepository) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.Trade), args.Error(1)
}

type countingCapital struct {
	calls atomic.Int32
}

func (c *countingCapital) ForceRefresh(context.Context) (model.CapitalSnapshot, error) {
	c.calls.Add(1)
	return model.CapitalSnapshot{}, nil
}

// seqRand replays fixed draws.
type seqRand struct {
	vals []float64
	i    int
}

func (r *seqRand) Float64() float64 {
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testOpportunity(ttl time.Duration) model.Opportunity {
	now := time.Now()
	return model.Opportunity{
		ID:               model.NewOpportunityID(model.StrategySpotCrossVenue, "SOL/USDC", now),
		Strategy:         model.StrategySpotCrossVenue,
		Symbol:           "SOL/USDC",
		BuyVenue:         "B",
		SellVenue:        "A",
		BuyPrice:         99.80,
		SellPrice:        100.02,
		SpreadBps:        220.44,
		SizeUSD:          2500,
		GrossProfitUSD:   55.11,
		ExecutionCostUSD: 5.0036,
		NetProfitUSD:     50.1064,
		Confidence:       0.85,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
}

func TestBuildOperations(t *testing.T) {
	opp := testOpportunity(time.Second)
	ops := BuildOperations(opp, 20)
	require.Len(t, ops, 2)

	assert.Equal(t, SideBuy, ops[0].Side)
	assert.Equal(t, "B", ops[0].Venue)
	assert.InDelta(t, 99.80*1.002, ops[0].LimitPrice, 1e-9)
	assert.Equal(t, SideSell, ops[1].Side)
	assert.Equal(t, "A", ops[1].Venue)
	assert.InDelta(t, 100.02*0.998, ops[1].LimitPrice, 1e-9)
	for _, op := range ops {
		assert.Equal(t, opp.ID, op.OpportunityID)
		assert.Equal(t, opp.SizeUSD, op.SizeUSD)
	}
}

func TestCoordinator_PaperSuccess(t *testing.T) {
	repo := new(MockRepository)
	repo.On("LogTrade", mock.Anything, mock.MatchedBy(func(tr model.Trade) bool {
		return tr.Status == model.TradeSettled
	})).Return(nil).Once()
	capital := &countingCapital{}
	sink := &events.Memory{}
	paper := NewPaperSettlement(PaperConfig{SuccessRate: 0.9, SlippageMinBps: 5, SlippageMaxBps: 15}, &seqRand{vals: []float64{0.1, 0.5}})
	c := NewCoordinator(paper, repo, capital, sink, 20, discardLogger())

	opp := testOpportunity(time.Second)
	out := c.Execute(context.Background(), opp)

	require.Equal(t, Settled, out.State)
	require.NoError(t, out.Err)
	require.NotNil(t, out.Trade)
	assert.InDelta(t, 10, out.Trade.SlippageBps, 1e-9)
	assert.InDelta(t, opp.NetProfitUSD-2500*10/10000.0, out.Trade.RealizedPnL, 1e-9)
	assert.True(t, strings.HasPrefix(out.Trade.SettlementRef, "SIM_"))
	assert.Len(t, out.Trade.SettlementRef, 20)
	assert.Equal(t, "B-A", out.Trade.VenuePair)

	assert.Len(t, sink.OfKind(events.ExecutionSettled), 1)
	assert.Equal(t, int32(1), capital.calls.Load())
	repo.AssertExpectations(t)
}

func TestCoordinator_PaperFailureRecordsNoTrade(t *testing.T) {
	repo := new(MockRepository)
	capital := &countingCapital{}
	sink := &events.Memory{}
	paper := NewPaperSettlement(PaperConfig{SuccessRate: 0.9, SlippageMinBps: 5, SlippageMaxBps: 15}, &seqRand{vals: []float64{0.95}})
	c := NewCoordinator(paper, repo, capital, sink, 20, discardLogger())

	out := c.Execute(context.Background(), testOpportunity(time.Second))

	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, ErrExecutionFailed)
	assert.Nil(t, out.Trade)
	repo.AssertNotCalled(t, "LogTrade", mock.Anything, mock.Anything)
	require.Len(t, sink.OfKind(events.ExecutionFailed), 1)
	assert.Equal(t, int32(1), capital.calls.Load())
}

type settlementFunc func(ctx context.Context, opp model.Opportunity, ops []Operation) (model.Trade, error)

func (f settlementFunc) Settle(ctx context.Context, opp model.Opportunity, ops []Operation) (model.Trade, error) {
	return f(ctx, opp, ops)
}

func TestCoordinator_ExpiredOpportunityIsDropped(t *testing.T) {
	repo := new(MockRepository)
	capital := &countingCapital{}
	sink := &events.Memory{}
	called := false
	c := NewCoordinator(settlementFunc(func(context.Context, model.Opportunity, []Operation) (model.Trade, error) {
		called = true
		return model.Trade{}, nil
	}), repo, capital, sink, 20, discardLogger())

	opp := testOpportunity(time.Second)
	opp.ExpiresAt = time.Now().Add(-time.Millisecond)
	out := c.Execute(context.Background(), opp)

	assert.Equal(t, Dropped, out.State)
	assert.ErrorIs(t, out.Err, ErrStaleOpportunity)
	assert.False(t, called)
	assert.Zero(t, capital.calls.Load())
	repo.AssertNotCalled(t, "LogTrade", mock.Anything, mock.Anything)
	assert.Len(t, sink.OfKind(events.ExecutionDropped), 1)
}

func TestCoordinator_SingleExecutionAtATime(t *testing.T) {
	repo := new(MockRepository)
	repo.On("LogTrade", mock.Anything, mock.Anything).Return(nil)
	capital := &countingCapital{}

	var active, peak atomic.Int32
	c := NewCoordinator(settlementFunc(func(_ context.Context, opp model.Opportunity, _ []Operation) (model.Trade, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return model.Trade{ID: opp.ID, Status: model.TradeSettled}, nil
	}), repo, capital, &events.Memory{}, 20, discardLogger())

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.Execute(context.Background(), testOpportunity(5*time.Second))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	for _, out := range outcomes {
		assert.Equal(t, Settled, out.State)
	}
	assert.Equal(t, int32(4), capital.calls.Load())
}

func TestCoordinator_WaiterDroppedWhenOpportunityExpires(t *testing.T) {
	repo := new(MockRepository)
	repo.On("LogTrade", mock.Anything, mock.Anything).Return(nil).Once()
	capital := &countingCapital{}
	sink := &events.Memory{}

	started := make(chan struct{})
	release := make(chan struct{})
	c := NewCoordinator(settlementFunc(func(_ context.Context, opp model.Opportunity, _ []Operation) (model.Trade, error) {
		close(started)
		<-release
		return model.Trade{ID: opp.ID, Status: model.TradeSettled}, nil
	}), repo, capital, sink, 20, discardLogger())

	first := make(chan Outcome, 1)
	go func() { first <- c.Execute(context.Background(), testOpportunity(5*time.Second)) }()
	<-started

	second := c.Execute(context.Background(), testOpportunity(50*time.Millisecond))
	assert.Equal(t, Dropped, second.State)
	assert.ErrorIs(t, second.Err, ErrStaleOpportunity)

	close(release)
	assert.Equal(t, Settled, (<-first).State)
	assert.Equal(t, int32(1), capital.calls.Load())
	assert.Len(t, sink.OfKind(events.ExecutionDropped), 1)
	repo.AssertExpectations(t)
}

type scriptedLegs struct {
	mu    sync.Mutex
	ops   []Operation
	fails map[int]error
}

func (s *scriptedLegs) SubmitLeg(_ context.Context, op Operation) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	if err := s.fails[op.Leg]; err != nil {
		return Receipt{}, err
	}
	return Receipt{SettlementRef: op.Venue + "-" + string(op.Side), RealizedSlippageBps: 4}, nil
}

func TestCoordinator_LegwiseUnwound(t *testing.T) {
	repo := new(MockRepository)
	repo.On("LogTrade", mock.Anything, mock.MatchedBy(func(tr model.Trade) bool {
		return tr.Status == model.TradeUnwound
	})).Return(nil).Once()
	legs := &scriptedLegs{fails: map[int]error{2: errors.New("insufficient liquidity")}}
	sink := &events.Memory{}
	c := NewCoordinator(NewLegwiseSettlement(legs, discardLogger()), repo, &countingCapital{}, sink, 20, discardLogger())

	out := c.Execute(context.Background(), testOpportunity(time.Second))

	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, ErrUnwound)
	require.NotNil(t, out.Trade)
	assert.InDelta(t, -2500*8/10000.0, out.Trade.RealizedPnL, 1e-9)

	require.Len(t, legs.ops, 3)
	unwind := legs.ops[2]
	assert.True(t, unwind.Unwind)
	assert.Equal(t, SideSell, unwind.Side)
	assert.Equal(t, "B", unwind.Venue)
	assert.Len(t, sink.OfKind(events.ExecutionFailed), 1)
	repo.AssertExpectations(t)
}

func TestCoordinator_LegwisePartialFill(t *testing.T) {
	repo := new(MockRepository)
	repo.On("LogTrade", mock.Anything, mock.MatchedBy(func(tr model.Trade) bool {
		return tr.Status == model.TradePartialFill && tr.SettlementRef == "B-buy"
	})).Return(nil).Once()
	legs := &scriptedLegs{fails: map[int]error{2: errors.New("rejected"), 3: errors.New("venue down")}}
	sink := &events.Memory{}
	c := NewCoordinator(NewLegwiseSettlement(legs, discardLogger()), repo, &countingCapital{}, sink, 20, discardLogger())

	out := c.Execute(context.Background(), testOpportunity(time.Second))

	assert.Equal(t, PartialFill, out.State)
	var pf *PartialFillError
	require.ErrorAs(t, out.Err, &pf)
	assert.Equal(t, "B", pf.Settled.Venue)
	assert.ErrorContains(t, pf.UnwindErr, "venue down")
	assert.Len(t, sink.OfKind(events.ExecutionPartialFill), 1)
	repo.AssertExpectations(t)
}

func TestCoordinator_LegwiseFirstLegRejected(t *testing.T) {
	repo := new(MockRepository)
	legs := &scriptedLegs{fails: map[int]error{1: errors.New("rejected")}}
	c := NewCoordinator(NewLegwiseSettlement(legs, discardLogger()), repo, &countingCapital{}, &events.Memory{}, 20, discardLogger())

	out := c.Execute(context.Background(), testOpportunity(time.Second))

	assert.Equal(t, Failed, out.State)
	assert.Nil(t, out.Trade)
	assert.Len(t, legs.ops, 1)
	repo.AssertNotCalled(t, "LogTrade", mock.Anything, mock.Anything)
}
