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

// SweepResult describes balances moved from a service to its fulfiller's
// aggregate ledger.
type SweepResult struct {
	ServiceID types.ServiceID
	Fulfiller common.Address
	Asset     common.Address
	Pool      *uint256.Int
	Fees      *uint256.Int
}

// SweepToFulfiller moves the service's pool and fee balances of asset into
// the aggregate ledger of the service's fulfiller. Manager only; requires
// the aggregation capability.
func (e *Engine) SweepToFulfiller(ctx context.Context, caller common.Address, serviceID types.ServiceID, asset common.Address) (*SweepResult, error) {
	var out *SweepResult
	err := e.run(ctx, OpSweepToFulfiller, caller, func(ctx context.Context) error {
		if err := e.requireManager(caller); err != nil {
			return err
		}
		if err := e.caps.requireAggregation(); err != nil {
			return err
		}
		svc, err := e.service(serviceID)
		if err != nil {
			return err
		}
		out, err = e.sweep(ctx, svc, normalizeAsset(asset), false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// sweep moves (service, asset) balances up to (fulfiller, asset). An empty
// service balance is an error unless the sweep follows a swap.
func (e *Engine) sweep(ctx context.Context, svc types.Service, asset common.Address, auto bool) (*SweepResult, error) {
	if types.IsNullAsset(svc.Fulfiller) {
		return nil, fmt.Errorf("%w: service %d has no fulfiller", ErrInvalidRecipient, svc.ID)
	}
	serviceKey := ledger.ServiceKey{Service: svc.ID, Asset: asset}
	pool, err := e.ledger.Pools.Drain(ctx, serviceKey)
	if err != nil {
		return nil, err
	}
	fees, err := e.ledger.Fees.Drain(ctx, serviceKey)
	if err != nil {
		return nil, err
	}
	result := &SweepResult{ServiceID: svc.ID, Fulfiller: svc.Fulfiller, Asset: asset, Pool: pool, Fees: fees}
	if pool.IsZero() && fees.IsZero() {
		if auto {
			return result, nil
		}
		return nil, fmt.Errorf("%w: service %d has nothing to sweep", ErrNoBalanceToRelease, svc.ID)
	}

	fulfillerKey := ledger.FulfillerKey{Fulfiller: svc.Fulfiller, Asset: asset}
	if err := e.ledger.FulfillerPools.Add(ctx, fulfillerKey, pool); err != nil {
		return nil, err
	}
	if err := e.ledger.FulfillerFees.Add(ctx, fulfillerKey, fees); err != nil {
		return nil, err
	}

	ev := types.NewEvent(types.EventSweptToFulfiller, svc.ID, asset).
		WithAmount(types.AmountPool, pool).
		WithAmount(types.AmountFees, fees)
	ev.Account = svc.Fulfiller
	e.emit(ctx, ev)

	logging.InfoContext(ctx, "swept to fulfiller",
		logging.ServiceID(svc.ID),
		logging.Address("fulfiller", svc.Fulfiller),
		logging.Asset(asset),
		logging.Amount("pool", pool),
		logging.Amount("fees", fees))
	return result, nil
}

// FulfillAndSwap registers a SUCCESS result, swaps the record's credited
// amounts into ToAsset and sweeps the proceeds to the fulfiller, all as one
// unit. A nil or zero instruction amount swaps the record's full total.
// Manager only; requires the aggregation capability.
func (e *Engine) FulfillAndSwap(ctx context.Context, caller common.Address, serviceID types.ServiceID, result types.FulfillmentResult, in types.SwapInstruction) (*SwapSettlement, error) {
	var out *SwapSettlement
	err := e.run(ctx, OpFulfillAndSwap, caller, func(ctx context.Context) error {
		if err := e.requireManager(caller); err != nil {
			return err
		}
		if err := e.caps.requireAggregation(); err != nil {
			return err
		}
		if result.Status != types.RecordStatusSuccess {
			return fmt.Errorf("%w: fulfill-and-swap requires %s, got %q", ErrUnsupportedStatus, types.RecordStatusSuccess, result.Status)
		}
		svc, err := e.service(serviceID)
		if err != nil {
			return err
		}
		rec, err := e.register(ctx, serviceID, result)
		if err != nil {
			return err
		}
		if in.Amount == nil || in.Amount.IsZero() {
			total, overflow := rec.Total()
			if overflow {
				return &ledger.ArithmeticError{Bucket: ledger.BucketPools, Op: "add", Key: "principal+fee", Balance: rec.Principal, Amount: rec.Fee, Err: ledger.ErrOverflow}
			}
			in.Amount = total
		}
		out, err = e.swapPools(ctx, svc, rec.ID, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FulfillerWithdrawal is the input to WithdrawFulfillerPoolAndFees.
type FulfillerWithdrawal struct {
	Asset           common.Address
	Amount          *uint256.Int
	Fees            *uint256.Int
	Beneficiary     common.Address
	FeesBeneficiary common.Address
}

// WithdrawFulfillerPoolAndFees pays out of the caller's aggregate ledger.
// The caller must be a registered fulfiller.
func (e *Engine) WithdrawFulfillerPoolAndFees(ctx context.Context, caller common.Address, req FulfillerWithdrawal) error {
	return e.run(ctx, OpWithdrawFulfillerBalance, caller, func(ctx context.Context) error {
		if err := e.caps.requireAggregation(); err != nil {
			return err
		}
		if err := e.requireFulfiller(caller); err != nil {
			return err
		}

		asset := normalizeAsset(req.Asset)
		amount := orZero(req.Amount)
		fees := orZero(req.Fees)
		if amount.IsZero() && fees.IsZero() {
			return fmt.Errorf("%w: nothing requested", ErrInvalidAmount)
		}
		if !amount.IsZero() && types.IsNullAsset(req.Beneficiary) {
			return fmt.Errorf("%w: beneficiary is the zero address", ErrInvalidRecipient)
		}
		if !fees.IsZero() && types.IsNullAsset(req.FeesBeneficiary) {
			return fmt.Errorf("%w: fees beneficiary is the zero address", ErrInvalidRecipient)
		}

		key := ledger.FulfillerKey{Fulfiller: caller, Asset: asset}
		if pool := e.ledger.FulfillerPools.Get(key); pool.Lt(amount) {
			return &BalanceError{Err: ErrInsufficientBalance, Component: "pool", Requested: amount, Available: pool}
		}
		if held := e.ledger.FulfillerFees.Get(key); held.Lt(fees) {
			return &BalanceError{Err: ErrInsufficientBalance, Component: "fees", Requested: fees, Available: held}
		}

		// Each leg debits the ledger right before its transfer. Once the pool
		// leg is final, a failed fees leg leaves the pool debit in place.
		settled := -1
		if !amount.IsZero() {
			if err := e.ledger.FulfillerPools.Sub(ctx, key, amount); err != nil {
				return err
			}
			if err := e.custody.Transfer(ctx, asset, req.Beneficiary, amount); err != nil {
				return fmt.Errorf("pool transfer: %w", err)
			}
			settled = e.settleMark(ctx)
		}
		if !fees.IsZero() {
			if err := e.ledger.FulfillerFees.Sub(ctx, key, fees); err != nil {
				return err
			}
			if err := e.custody.Transfer(ctx, asset, req.FeesBeneficiary, fees); err != nil {
				err = e.partial(ctx, settled, OpWithdrawFulfillerBalance, []string{"pool transfer"}, "fees transfer",
					fmt.Errorf("fees transfer: %w", err))
				if isPartial(err) {
					e.emitFulfillerWithdrawal(ctx, caller, asset, amount, new(uint256.Int), req)
				}
				return err
			}
		}

		e.emitFulfillerWithdrawal(ctx, caller, asset, amount, fees, req)
		return nil
	})
}

func (e *Engine) emitFulfillerWithdrawal(ctx context.Context, caller, asset common.Address, amount, fees *uint256.Int, req FulfillerWithdrawal) {
	beneficiary := req.Beneficiary
	ev := types.NewEvent(types.EventFulfillerPoolAndFeesWithdrawn, 0, asset).
		WithAmount(types.AmountPool, amount).
		WithAmount(types.AmountFees, fees)
	ev.Account = caller
	ev.Recipient = &beneficiary
	if !fees.IsZero() && req.FeesBeneficiary != req.Beneficiary {
		ev.Attrs = map[string]string{"fees_beneficiary": req.FeesBeneficiary.Hex()}
	}
	e.emit(ctx, ev)
}
