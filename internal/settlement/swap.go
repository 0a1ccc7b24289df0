package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/ledger"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/pkg/types"
)

// SwapSettlement is the outcome of a swap of pooled balances.
type SwapSettlement struct {
	ServiceID        types.ServiceID
	RecordID         types.RecordID
	CallTarget       common.Address
	SourceAsset      common.Address
	ToAsset          common.Address
	Amount           *uint256.Int
	FromReleaseable  *uint256.Int
	FromFees         *uint256.Int
	Received         *uint256.Int
	ReleaseableShare *uint256.Int
	FeesShare        *uint256.Int
	Swept            *SweepResult
}

// SplitProceeds divides received between the releaseable and fee buckets in
// proportion to how much of swapAmount came from the releaseable bucket.
// The fee share absorbs the flooring remainder, so the two shares always sum
// to received exactly.
func SplitProceeds(received, fromReleaseable, swapAmount *uint256.Int) (releaseableShare, feesShare *uint256.Int, err error) {
	if swapAmount == nil || swapAmount.IsZero() {
		return nil, nil, fmt.Errorf("%w: swap amount is zero", ErrInvalidSwapAmount)
	}
	received = orZero(received)
	fromReleaseable = orZero(fromReleaseable)
	if fromReleaseable.Gt(swapAmount) {
		return nil, nil, fmt.Errorf("%w: releaseable portion %s exceeds swap amount %s",
			ErrInvalidSwapAmount, types.FormatAmount(fromReleaseable), types.FormatAmount(swapAmount))
	}

	releaseableShare, overflow := new(uint256.Int).MulDivOverflow(received, fromReleaseable, swapAmount)
	if overflow {
		return nil, nil, &ledger.ArithmeticError{Bucket: ledger.BucketPools, Op: "muldiv", Key: "releaseable_share", Balance: received, Amount: fromReleaseable, Err: ledger.ErrOverflow}
	}
	feesShare = new(uint256.Int).Sub(received, releaseableShare)
	return releaseableShare, feesShare, nil
}

// SwapPoolsToStable exchanges pooled balances of a source asset for ToAsset
// through the aggregator at CallTarget and credits the proceeds back to the
// service's pool and fee buckets. With a record id the source asset and the
// drained portions come from that record; with id 0 the swap draws on both
// buckets proportionally. Manager only; requires the swap capability.
func (e *Engine) SwapPoolsToStable(ctx context.Context, caller common.Address, serviceID types.ServiceID, recordID types.RecordID, in types.SwapInstruction) (*SwapSettlement, error) {
	var out *SwapSettlement
	err := e.run(ctx, OpSwapPoolsToStable, caller, func(ctx context.Context) error {
		if err := e.requireManager(caller); err != nil {
			return err
		}
		if err := e.caps.requireSwap(); err != nil {
			return err
		}
		svc, err := e.service(serviceID)
		if err != nil {
			return err
		}
		out, err = e.swapPools(ctx, svc, recordID, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// swapPlan is a validated swap that has not touched any state.
type swapPlan struct {
	service         types.Service
	recordID        types.RecordID
	source          common.Address
	toAsset         common.Address
	target          common.Address
	payload         []byte
	amount          *uint256.Int
	fromReleaseable *uint256.Int
	fromFees        *uint256.Int
}

// committedSwap is a swap whose source balances have already been drained from
// the ledger. The exchange can only be invoked with a committedSwap, so the
// effects always precede the external call.
type committedSwap struct {
	plan swapPlan
}

// exchangedSwap is a committedSwap whose exchange call succeeded. settled is
// the journal mark past which a failure no longer unwinds the drain, or -1
// when custody is reversible.
type exchangedSwap struct {
	*committedSwap
	received *uint256.Int
	settled  int
}

func (e *Engine) swapPools(ctx context.Context, svc types.Service, recordID types.RecordID, in types.SwapInstruction) (*SwapSettlement, error) {
	plan, err := e.planSwap(ctx, svc, recordID, in)
	if err != nil {
		return nil, err
	}
	committed, err := e.commitSwapEffects(ctx, plan)
	if err != nil {
		return nil, err
	}
	exchanged, err := e.invokeExchange(ctx, committed)
	if err != nil {
		return nil, err
	}
	out, err := e.redistribute(ctx, exchanged)
	if err != nil {
		return nil, e.partial(ctx, exchanged.settled, OpSwapPoolsToStable,
			[]string{"exchange call"}, "credit proceeds", err)
	}

	if e.caps.Aggregation {
		swept, err := e.sweep(ctx, svc, plan.toAsset, true)
		if err != nil {
			return nil, e.partial(ctx, exchanged.settled, OpSwapPoolsToStable,
				[]string{"exchange call"}, "sweep proceeds", err)
		}
		out.Swept = swept
	}
	return out, nil
}

func (e *Engine) planSwap(ctx context.Context, svc types.Service, recordID types.RecordID, in types.SwapInstruction) (swapPlan, error) {
	if types.IsNullAsset(in.ToAsset) {
		return swapPlan{}, fmt.Errorf("%w: target asset is the zero address", ErrInvalidTokenAddress)
	}
	if in.Amount == nil || in.Amount.IsZero() {
		return swapPlan{}, fmt.Errorf("%w: amount must be positive", ErrInvalidSwapAmount)
	}
	if types.IsNullAsset(in.CallTarget) {
		return swapPlan{}, fmt.Errorf("%w: call target is the zero address", ErrInvalidRecipient)
	}

	plan := swapPlan{
		service:  svc,
		recordID: recordID,
		toAsset:  in.ToAsset,
		target:   in.CallTarget,
		payload:  append([]byte(nil), in.CallPayload...),
		amount:   new(uint256.Int).Set(in.Amount),
	}

	var rec *types.FulfillmentRecord
	if recordID != 0 {
		var err error
		rec, err = e.record(svc.ID, recordID)
		if err != nil {
			return swapPlan{}, err
		}
		if rec.Status != types.RecordStatusSuccess {
			return swapPlan{}, fmt.Errorf("%w: record %d is %s", ErrRecordNotSettled, rec.ID, rec.Status)
		}
		if rec.Swapped {
			return swapPlan{}, fmt.Errorf("%w: record %d", ErrRecordAlreadySwapped, rec.ID)
		}
		plan.source = rec.Asset
	} else {
		plan.source = normalizeAsset(in.FromAsset)
	}
	if plan.source == plan.toAsset {
		return swapPlan{}, fmt.Errorf("%w: source and target asset are both %s", ErrInvalidTokenAddress, plan.source.Hex())
	}

	key := ledger.ServiceKey{Service: svc.ID, Asset: plan.source}
	releaseable := e.ledger.Pools.Get(key)
	fees := e.ledger.Fees.Get(key)
	available, overflow := new(uint256.Int).AddOverflow(releaseable, fees)
	if overflow {
		return swapPlan{}, &ledger.ArithmeticError{Bucket: ledger.BucketPools, Op: "add", Key: key.String(), Balance: releaseable, Amount: fees, Err: ledger.ErrOverflow}
	}
	if available.Lt(plan.amount) {
		return swapPlan{}, &BalanceError{Err: ErrInsufficientCombinedBalance, Requested: plan.amount, Available: available}
	}

	if rec != nil {
		plan.fromReleaseable = minAmount(releaseable, rec.Principal)
		plan.fromFees = minAmount(fees, rec.Fee)
		if plan.fromReleaseable.Lt(rec.Principal) || plan.fromFees.Lt(rec.Fee) {
			// Buckets hold less than the record credited; the drain is clamped.
			logging.WarnContext(ctx, "swap drain clamped by ledger drift",
				logging.ServiceID(svc.ID),
				logging.RecordID(rec.ID),
				logging.Asset(plan.source),
				logging.Amount("pool", releaseable),
				logging.Amount("fees", fees),
				logging.Amount("principal", rec.Principal),
				logging.Amount("fee", rec.Fee))
		}
		drained := new(uint256.Int).Add(plan.fromReleaseable, plan.fromFees)
		if !drained.Eq(plan.amount) {
			return swapPlan{}, fmt.Errorf("%w: amount %s does not match the record's drainable portion %s",
				ErrInvalidSwapAmount, types.FormatAmount(plan.amount), types.FormatAmount(drained))
		}
		return plan, nil
	}

	fromReleaseable, overflow := new(uint256.Int).MulDivOverflow(plan.amount, releaseable, available)
	if overflow {
		return swapPlan{}, &ledger.ArithmeticError{Bucket: ledger.BucketPools, Op: "muldiv", Key: key.String(), Balance: releaseable, Amount: plan.amount, Err: ledger.ErrOverflow}
	}
	plan.fromReleaseable = fromReleaseable
	plan.fromFees = new(uint256.Int).Sub(plan.amount, fromReleaseable)
	return plan, nil
}

// commitSwapEffects drains the source buckets before control leaves the engine.
func (e *Engine) commitSwapEffects(ctx context.Context, plan swapPlan) (*committedSwap, error) {
	key := ledger.ServiceKey{Service: plan.service.ID, Asset: plan.source}
	if err := e.ledger.Pools.Sub(ctx, key, plan.fromReleaseable); err != nil {
		return nil, err
	}
	if err := e.ledger.Fees.Sub(ctx, key, plan.fromFees); err != nil {
		return nil, err
	}
	if plan.recordID != 0 {
		if err := e.records.MarkSwapped(ctx, plan.recordID); err != nil {
			return nil, err
		}
	}
	return &committedSwap{plan: plan}, nil
}

// invokeExchange forwards the source amount to the aggregator and measures
// the increase of the engine's ToAsset holdings across the call.
func (e *Engine) invokeExchange(ctx context.Context, c *committedSwap) (*exchangedSwap, error) {
	p := c.plan
	before, err := e.custody.BalanceOf(ctx, p.toAsset)
	if err != nil {
		return nil, fmt.Errorf("read %s balance: %w", p.toAsset.Hex(), err)
	}

	value := new(uint256.Int)
	if types.IsNative(p.source) {
		value.Set(p.amount)
	} else if err := e.custody.Approve(ctx, p.source, p.target, p.amount); err != nil {
		return nil, &AggregatorCallError{Target: p.target, Err: fmt.Errorf("approve: %w", err)}
	}

	if err := e.custody.Call(ctx, p.target, p.payload, value); err != nil {
		if !types.IsNative(p.source) {
			e.resetAllowance(ctx, p)
		}
		return nil, &AggregatorCallError{Target: p.target, Err: err}
	}
	settled := e.settleMark(ctx)
	if !types.IsNative(p.source) {
		e.resetAllowance(ctx, p)
	}

	after, err := e.custody.BalanceOf(ctx, p.toAsset)
	if err != nil {
		return nil, e.partial(ctx, settled, OpSwapPoolsToStable, []string{"exchange call"}, "read proceeds",
			fmt.Errorf("read %s balance: %w", p.toAsset.Hex(), err))
	}
	received, underflow := new(uint256.Int).SubOverflow(after, before)
	if underflow {
		return nil, e.partial(ctx, settled, OpSwapPoolsToStable, []string{"exchange call"}, "read proceeds",
			&AggregatorCallError{Target: p.target, Err: fmt.Errorf("%s holdings fell from %s to %s",
				p.toAsset.Hex(), types.FormatAmount(before), types.FormatAmount(after))})
	}
	return &exchangedSwap{committedSwap: c, received: received, settled: settled}, nil
}

// resetAllowance revokes what the aggregator did not pull. The swap outcome
// does not depend on it, so a failure is only logged.
func (e *Engine) resetAllowance(ctx context.Context, p swapPlan) {
	if err := e.custody.Approve(ctx, p.source, p.target, new(uint256.Int)); err != nil {
		logging.WarnContext(ctx, "failed to reset aggregator allowance",
			logging.ServiceID(p.service.ID),
			logging.Asset(p.source),
			logging.Address("call_target", p.target),
			logging.Err(err))
	}
}

func (e *Engine) redistribute(ctx context.Context, x *exchangedSwap) (*SwapSettlement, error) {
	p := x.plan
	received := x.received
	releaseableShare, feesShare, err := SplitProceeds(received, p.fromReleaseable, p.amount)
	if err != nil {
		return nil, err
	}

	key := ledger.ServiceKey{Service: p.service.ID, Asset: p.toAsset}
	if err := e.ledger.Pools.Add(ctx, key, releaseableShare); err != nil {
		return nil, err
	}
	if err := e.ledger.Fees.Add(ctx, key, feesShare); err != nil {
		return nil, err
	}

	if received.IsZero() {
		logging.WarnContext(ctx, "swap returned no proceeds",
			logging.ServiceID(p.service.ID),
			logging.Address("call_target", p.target),
			logging.Amount("amount", p.amount))
	}

	target := p.target
	toAsset := p.toAsset
	ev := types.NewEvent(types.EventPoolsSwappedToStable, p.service.ID, p.source).
		WithAmount(types.AmountReleaseable, p.fromReleaseable).
		WithAmount(types.AmountFees, p.fromFees).
		WithAmount(types.AmountReceived, received).
		WithAmount(types.AmountReleaseableShare, releaseableShare).
		WithAmount(types.AmountFeesShare, feesShare)
	ev.RecordID = p.recordID
	ev.ToAsset = &toAsset
	ev.Recipient = &target
	ev.Account = p.service.Fulfiller
	e.emit(ctx, ev)

	logging.InfoContext(ctx, "pools swapped",
		logging.ServiceID(p.service.ID),
		logging.Asset(p.source),
		"to_asset", p.toAsset.Hex(),
		logging.Amount("amount", p.amount),
		logging.Amount("received", received))

	return &SwapSettlement{
		ServiceID:        p.service.ID,
		RecordID:         p.recordID,
		CallTarget:       p.target,
		SourceAsset:      p.source,
		ToAsset:          p.toAsset,
		Amount:           p.amount,
		FromReleaseable:  p.fromReleaseable,
		FromFees:         p.fromFees,
		Received:         received,
		ReleaseableShare: releaseableShare,
		FeesShare:        feesShare,
	}, nil
}

func minAmount(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
