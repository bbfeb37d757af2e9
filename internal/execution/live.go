package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arbiter/internal/model"
)

// BundleSubmitter accepts or rejects all operations as one unit.
type BundleSubmitter interface {
	SubmitAtomic(ctx context.Context, ops []Operation) (Receipt, error)
}

// LegSubmitter settles operations one at a time.
type LegSubmitter interface {
	SubmitLeg(ctx context.Context, op Operation) (Receipt, error)
}

// BundleSettlement submits both legs atomically.
type BundleSettlement struct {
	submitter BundleSubmitter
	now       func() time.Time
}

func NewBundleSettlement(s BundleSubmitter) *BundleSettlement {
	return &BundleSettlement{submitter: s, now: time.Now}
}

func (b *BundleSettlement) Settle(ctx context.Context, opp model.Opportunity, ops []Operation) (model.Trade, error) {
	r, err := b.submitter.SubmitAtomic(ctx, ops)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: bundle rejected: %v", ErrExecutionFailed, err)
	}
	return newTrade(opp, b.now(), r.SettlementRef, r.RealizedSlippageBps, realizedPnL(opp, r.RealizedSlippageBps), model.TradeSettled), nil
}

// LegwiseSettlement settles legs independently. When the second leg is
// rejected it reverses the first; a failed reversal is a partial fill.
type LegwiseSettlement struct {
	submitter LegSubmitter
	logger    *slog.Logger
	now       func() time.Time
}

func NewLegwiseSettlement(s LegSubmitter, logger *slog.Logger) *LegwiseSettlement {
	return &LegwiseSettlement{submitter: s, logger: logger, now: time.Now}
}

func (l *LegwiseSettlement) Settle(ctx context.Context, opp model.Opportunity, ops []Operation) (model.Trade, error) {
	if len(ops) != 2 {
		return model.Trade{}, fmt.Errorf("%w: expected 2 legs, got %d", ErrExecutionFailed, len(ops))
	}
	first, second := ops[0], ops[1]

	r1, err := l.submitter.SubmitLeg(ctx, first)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: first leg rejected: %v", ErrExecutionFailed, err)
	}

	r2, legErr := l.submitter.SubmitLeg(ctx, second)
	if legErr == nil {
		slip := r1.RealizedSlippageBps + r2.RealizedSlippageBps
		ref := r1.SettlementRef + "+" + r2.SettlementRef
		return newTrade(opp, l.now(), ref, slip, realizedPnL(opp, slip), model.TradeSettled), nil
	}

	l.logger.Warn("LegwiseSettlement: second leg rejected, unwinding first", "opportunity", opp.ID, "venue", first.Venue, "error", legErr)
	// the unwind must run even if the caller has given up
	r3, unwindErr := l.submitter.SubmitLeg(context.WithoutCancel(ctx), reverse(first))
	if unwindErr != nil {
		trade := newTrade(opp, l.now(), r1.SettlementRef, r1.RealizedSlippageBps, 0, model.TradePartialFill)
		return trade, &PartialFillError{OpportunityID: opp.ID, Settled: first, LegErr: legErr, UnwindErr: unwindErr}
	}

	slip := r1.RealizedSlippageBps + r3.RealizedSlippageBps
	trade := newTrade(opp, l.now(), r1.SettlementRef+"+"+r3.SettlementRef, slip, -opp.SizeUSD*slip/10000, model.TradeUnwound)
	return trade, fmt.Errorf("%w: %v", ErrUnwound, legErr)
}

func reverse(op Operation) Operation {
	out := op
	out.Leg = 3
	out.Unwind = true
	out.LimitPrice = 0
	if op.Side == SideBuy {
		out.Side = SideSell
	} else {
		out.Side = SideBuy
	}
	return out
}
