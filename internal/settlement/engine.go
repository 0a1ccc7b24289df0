// Package settlement implements the escrow settlement engine: deposits,
// fulfillment registration, refunds, withdrawals, swap settlement of pooled
// balances and the fulfiller aggregate ledger.
//
// Every public operation runs as one unit. Ledger, record and in-memory
// custody mutations are journaled; if the operation fails, including inside
// the external exchange call, everything it did is rolled back and none of
// its events are published. With custody that cannot be rolled back, legs
// that already moved value stay booked and the operation returns a
// *PartialSettlementError.
//
// Queries take the engine's read lock, so they never observe an operation
// that is still in progress.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/journal"
	"github.com/moltbunker/escrowd/internal/ledger"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/internal/records"
	"github.com/moltbunker/escrowd/pkg/types"
	"github.com/shopspring/decimal"
)

// Operation names used for metrics, logs and audit entries.
const (
	OpDeposit                  = "deposit"
	OpRegisterFulfillment      = "register_fulfillment"
	OpWithdrawRefund           = "withdraw_refund"
	OpBeneficiaryWithdraw      = "beneficiary_withdraw"
	OpWithdrawFees             = "withdraw_accumulated_fees"
	OpSwapPoolsToStable        = "swap_pools_to_stable"
	OpSweepToFulfiller         = "sweep_to_fulfiller"
	OpFulfillAndSwap           = "fulfill_and_swap"
	OpWithdrawFulfillerBalance = "withdraw_fulfiller_pool_and_fees"
)

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Ledger   *ledger.Store
	Records  *records.Store
	Registry Registry
	Roles    Roles
	Custody  Custodian
	Events   EventSink
	Observer Observer
}

// Engine is the single writer of the ledger and record stores.
type Engine struct {
	ledger   *ledger.Store
	records  *records.Store
	registry Registry
	roles    Roles
	custody  Custodian
	sink     EventSink
	observer Observer
	caps     Capabilities
	now      func() time.Time

	mu     sync.RWMutex
	active atomic.Pointer[journal.Journal]
}

// NewEngine creates an engine with the given capabilities.
func NewEngine(caps Capabilities, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Roles == nil || deps.Custody == nil {
		return nil, fmt.Errorf("settlement engine requires registry, roles and custody")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewStore()
	}
	if deps.Records == nil {
		deps.Records = records.NewStore()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Engine{
		ledger:   deps.Ledger,
		records:  deps.Records,
		registry: deps.Registry,
		roles:    deps.Roles,
		custody:  deps.Custody,
		sink:     deps.Events,
		observer: deps.Observer,
		caps:     caps,
		now:      time.Now,
	}, nil
}

// Capabilities returns the engine's feature set.
func (e *Engine) Capabilities() Capabilities {
	return e.caps
}

// Ledger exposes the ledger. Reads through it are not synchronized with
// operations in progress; use the query methods for consistent views.
func (e *Engine) Ledger() *ledger.Store {
	return e.ledger
}

// run executes fn as one atomic unit. A call made with a context that already
// carries this engine's active journal is a reentrant call from inside an
// operation in progress: it joins the outer unit under a nested snapshot
// instead of taking the lock.
func (e *Engine) run(ctx context.Context, op string, caller common.Address, fn func(ctx context.Context) error) error {
	if j := journal.FromContext(ctx); j != nil && j == e.active.Load() {
		snap := j.Snapshot()
		depth := j.Enter()
		defer j.Exit()

		logging.DebugContext(ctx, "reentrant settlement call",
			logging.Operation(op), "depth", depth, logging.Address("caller", caller))
		if err := fn(ctx); err != nil {
			if !isPartial(err) {
				j.RevertToSnapshot(snap)
			}
			return err
		}
		return nil
	}

	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	j := journal.New()
	j.Enter()
	e.active.Store(j)
	defer e.active.Store(nil)

	err := e.runFrame(journal.WithJournal(ctx, j), j, fn)
	j.Exit()

	class := Classify(err)
	e.observer.ObserveOperation(op, time.Since(start), string(class))
	if isPartial(err) {
		logging.ErrorContext(ctx, "settlement operation partially settled",
			logging.Operation(op),
			logging.Address("caller", caller),
			logging.Err(err))
		e.publish(ctx, op, caller, j.Commit())
		return err
	}
	if err != nil {
		logging.WarnContext(ctx, "settlement operation failed",
			logging.Operation(op),
			logging.Address("caller", caller),
			"class", string(class),
			logging.Err(err))
		return err
	}

	e.publish(ctx, op, caller, j.Commit())
	return nil
}

// runFrame reverts the journal when fn fails or panics. A partial settlement
// has already rolled back its own unsettled legs and is kept.
func (e *Engine) runFrame(ctx context.Context, j *journal.Journal, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			j.Revert()
			panic(r)
		}
		if err != nil && !isPartial(err) {
			j.Revert()
		}
	}()
	return fn(ctx)
}

// readLock takes the read lock for a query. A query made from inside an
// operation in progress, recognized by its journal, already runs under the
// write lock.
func (e *Engine) readLock(ctx context.Context) func() {
	if j := journal.FromContext(ctx); j != nil && j == e.active.Load() {
		return func() {}
	}
	e.mu.RLock()
	return e.mu.RUnlock
}

// settleMark returns the journal revision that marks custody effects made so
// far as final, or -1 when custody can still be rolled back.
func (e *Engine) settleMark(ctx context.Context) int {
	if e.custody.Reversible() {
		return -1
	}
	j := journal.FromContext(ctx)
	if j == nil {
		return -1
	}
	return j.Snapshot()
}

// partial turns err into a *PartialSettlementError when a settled mark exists:
// everything after the mark is rolled back and everything before it is kept.
// Without a mark err is returned unchanged and the whole operation reverts.
func (e *Engine) partial(ctx context.Context, mark int, op string, settled []string, failed string, err error) error {
	if mark < 0 {
		return err
	}
	journal.FromContext(ctx).RevertToSnapshot(mark)
	return &PartialSettlementError{Op: op, Settled: settled, Failed: failed, Err: err}
}

func (e *Engine) publish(ctx context.Context, op string, caller common.Address, events []types.Event) {
	for _, ev := range events {
		e.sink.Publish(ev)
		if ev.Kind == types.EventPoolsSwappedToStable && ev.ToAsset != nil {
			e.observer.ObserveSwap(*ev.ToAsset, ev.Amount(types.AmountReceived))
		}
		if isValueMoving(ev.Kind) {
			logging.AuditContext(ctx, logging.AuditEvent{
				Operation: string(ev.Kind),
				Actor:     caller.Hex(),
				Target:    auditTarget(ev),
				Result:    "success",
				Details:   auditDetails(op, ev),
			})
		}
	}
}

func isValueMoving(kind types.EventKind) bool {
	switch kind {
	case types.EventRefundWithdrawn, types.EventBeneficiaryPaid, types.EventFeesWithdrawn,
		types.EventPoolsSwappedToStable, types.EventSweptToFulfiller, types.EventFulfillerPoolAndFeesWithdrawn:
		return true
	default:
		return false
	}
}

func auditTarget(ev types.Event) string {
	if ev.ServiceID != 0 {
		return fmt.Sprintf("service:%d", ev.ServiceID)
	}
	return ev.Account.Hex()
}

func auditDetails(op string, ev types.Event) string {
	s := "op=" + op + " asset=" + ev.Asset.Hex()
	for _, k := range []string{types.AmountTotal, types.AmountPool, types.AmountFees, types.AmountReleaseable, types.AmountReceived} {
		if v, ok := ev.Amounts[k]; ok {
			s += " " + k + "=" + v.String()
		}
	}
	return s
}

func (e *Engine) emit(ctx context.Context, ev types.Event) {
	if j := journal.FromContext(ctx); j != nil {
		j.Emit(ev)
		return
	}
	e.sink.Publish(ev)
}

func (e *Engine) requireRouter(caller common.Address) error {
	if !e.roles.IsRouter(caller) {
		return &AuthorizationError{Role: "router", Caller: caller, Err: ErrNotRouter}
	}
	return nil
}

func (e *Engine) requireManager(caller common.Address) error {
	if !e.roles.IsManager(caller) {
		return &AuthorizationError{Role: "manager", Caller: caller, Err: ErrNotManager}
	}
	return nil
}

func (e *Engine) requireFulfiller(caller common.Address) error {
	if !e.registry.IsFulfiller(caller) {
		return &AuthorizationError{Role: "fulfiller", Caller: caller, Err: ErrNotFulfiller}
	}
	return nil
}

func (e *Engine) service(id types.ServiceID) (types.Service, error) {
	svc, err := e.registry.GetService(id)
	if err != nil {
		return types.Service{}, fmt.Errorf("%w: %d: %w", ErrServiceNotFound, id, err)
	}
	return svc, nil
}

func (e *Engine) record(serviceID types.ServiceID, id types.RecordID) (*types.FulfillmentRecord, error) {
	rec, err := e.records.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if rec.ServiceID != serviceID {
		return nil, fmt.Errorf("%w: record %d is registered to service %d", ErrServiceMismatch, id, rec.ServiceID)
	}
	return rec, nil
}

// normalizeAsset maps the zero address to the native asset for operations
// where the asset argument is optional.
func normalizeAsset(asset common.Address) common.Address {
	if types.IsNullAsset(asset) {
		return types.NativeAsset
	}
	return asset
}

// DepositRequest is the input to Deposit.
type DepositRequest struct {
	ServiceID  types.ServiceID
	Payer      common.Address
	Asset      common.Address
	Principal  *uint256.Int
	Fee        *uint256.Int
	FiatAmount decimal.Decimal
	ServiceRef string
}

// Deposit pulls principal+fee from the payer into custody, credits the
// payer's deposit entry and creates a PENDING record. Router only.
func (e *Engine) Deposit(ctx context.Context, caller common.Address, req DepositRequest) (*types.FulfillmentRecord, error) {
	var rec *types.FulfillmentRecord
	err := e.run(ctx, OpDeposit, caller, func(ctx context.Context) error {
		var err error
		rec, err = e.deposit(ctx, caller, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) deposit(ctx context.Context, caller common.Address, req DepositRequest) (*types.FulfillmentRecord, error) {
	if err := e.requireRouter(caller); err != nil {
		return nil, err
	}
	svc, err := e.service(req.ServiceID)
	if err != nil {
		return nil, err
	}
	if types.IsNullAsset(req.Asset) {
		return nil, fmt.Errorf("%w: asset is the zero address", ErrInvalidTokenAddress)
	}
	if !types.IsNative(req.Asset) && !e.registry.IsWhitelisted(req.Asset) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, req.Asset.Hex())
	}
	if types.IsNullAsset(req.Payer) {
		return nil, fmt.Errorf("%w: payer is the zero address", ErrInvalidRecipient)
	}
	if !e.registry.ValidReference(req.ServiceID, req.ServiceRef) {
		return nil, fmt.Errorf("%w: %q for service %d", ErrInvalidServiceRef, req.ServiceRef, req.ServiceID)
	}

	principal := orZero(req.Principal)
	fee := orZero(req.Fee)
	total, overflow := new(uint256.Int).AddOverflow(principal, fee)
	if overflow {
		return nil, &ledger.ArithmeticError{Bucket: ledger.BucketDeposits, Op: "add", Key: "principal+fee", Balance: principal, Amount: fee, Err: ledger.ErrOverflow}
	}
	if total.IsZero() {
		return nil, fmt.Errorf("%w: principal and fee are both zero", ErrInvalidAmount)
	}
	if req.FiatAmount.IsNegative() {
		return nil, fmt.Errorf("%w: negative fiat amount %s", ErrInvalidAmount, req.FiatAmount)
	}

	key := ledger.PayerKey{Service: req.ServiceID, Asset: req.Asset, Payer: req.Payer}
	if err := e.ledger.Deposits.Add(ctx, key, total); err != nil {
		return nil, err
	}

	rec := e.records.Create(ctx, types.FulfillmentRecord{
		ServiceID:  req.ServiceID,
		ServiceRef: req.ServiceRef,
		Fulfiller:  svc.Fulfiller,
		Payer:      req.Payer,
		Principal:  principal,
		Fee:        fee,
		FiatAmount: req.FiatAmount,
		EntryTime:  e.now().UTC(),
		Asset:      req.Asset,
	})

	// Custody is touched last so that every local check has passed before
	// value moves.
	if err := e.custody.Collect(ctx, req.Asset, req.Payer, total); err != nil {
		return nil, fmt.Errorf("collect deposit: %w", err)
	}

	ev := types.NewEvent(types.EventDepositReceived, req.ServiceID, req.Asset).
		WithAmount(types.AmountPrincipal, principal).
		WithAmount(types.AmountFee, fee).
		WithAmount(types.AmountTotal, total)
	ev.RecordID = rec.ID
	ev.Account = req.Payer
	ev.Status = types.RecordStatusPending
	e.emit(ctx, ev)

	logging.InfoContext(ctx, "deposit received",
		logging.ServiceID(req.ServiceID),
		logging.RecordID(rec.ID),
		logging.Asset(req.Asset),
		logging.Address("payer", req.Payer),
		logging.Amount("total", total))
	return rec, nil
}

// RegisterFulfillment resolves a PENDING record as SUCCESS or FAILED.
// Manager only.
func (e *Engine) RegisterFulfillment(ctx context.Context, caller common.Address, serviceID types.ServiceID, result types.FulfillmentResult) (*types.FulfillmentRecord, error) {
	var rec *types.FulfillmentRecord
	err := e.run(ctx, OpRegisterFulfillment, caller, func(ctx context.Context) error {
		if err := e.requireManager(caller); err != nil {
			return err
		}
		var err error
		rec, err = e.register(ctx, serviceID, result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) register(ctx context.Context, serviceID types.ServiceID, result types.FulfillmentResult) (*types.FulfillmentRecord, error) {
	rec, err := e.record(serviceID, result.RecordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.RecordStatusPending {
		return nil, fmt.Errorf("%w: record %d is %s", ErrAlreadyRegistered, rec.ID, rec.Status)
	}
	if result.Status != types.RecordStatusSuccess && result.Status != types.RecordStatusFailed {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStatus, result.Status)
	}

	total, overflow := rec.Total()
	if overflow {
		return nil, &ledger.ArithmeticError{Bucket: ledger.BucketDeposits, Op: "add", Key: "principal+fee", Balance: rec.Principal, Amount: rec.Fee, Err: ledger.ErrOverflow}
	}
	payerKey := ledger.PayerKey{Service: serviceID, Asset: rec.Asset, Payer: rec.Payer}

	switch result.Status {
	case types.RecordStatusFailed:
		deposited := e.ledger.Deposits.Get(payerKey)
		if deposited.Lt(total) {
			return nil, &BalanceError{Err: ErrRefundsTooBig, Component: "deposit", Requested: total, Available: deposited}
		}
		if err := e.ledger.Deposits.Sub(ctx, payerKey, total); err != nil {
			return nil, err
		}
		if err := e.ledger.Refunds.Add(ctx, payerKey, total); err != nil {
			return nil, err
		}
		rec, err = e.records.Transition(ctx, rec.ID, types.RecordStatusFailed, "", "")
		if err != nil {
			return nil, err
		}

		refundEv := types.NewEvent(types.EventRefundAuthorized, serviceID, rec.Asset).
			WithAmount(types.AmountTotal, total)
		refundEv.RecordID = rec.ID
		refundEv.Account = rec.Payer
		e.emit(ctx, refundEv)

	case types.RecordStatusSuccess:
		serviceKey := ledger.ServiceKey{Service: serviceID, Asset: rec.Asset}
		if err := e.ledger.Fees.Add(ctx, serviceKey, rec.Fee); err != nil {
			return nil, err
		}
		if err := e.ledger.Pools.Add(ctx, serviceKey, rec.Principal); err != nil {
			return nil, err
		}
		if err := e.ledger.Deposits.Sub(ctx, payerKey, total); err != nil {
			return nil, err
		}
		rec, err = e.records.Transition(ctx, rec.ID, types.RecordStatusSuccess, result.ExternalID, result.ReceiptURI)
		if err != nil {
			return nil, err
		}
	}

	ev := types.NewEvent(types.EventFulfillmentRegistered, serviceID, rec.Asset).
		WithAmount(types.AmountPrincipal, rec.Principal).
		WithAmount(types.AmountFee, rec.Fee)
	ev.RecordID = rec.ID
	ev.Account = rec.Payer
	ev.Status = rec.Status
	e.emit(ctx, ev)

	logging.InfoContext(ctx, "fulfillment registered",
		logging.ServiceID(serviceID),
		logging.RecordID(rec.ID),
		"status", string(rec.Status))
	return rec, nil
}

// WithdrawRefund pays the full amount of a FAILED record back to its payer
// and marks it REFUNDED. Router only.
func (e *Engine) WithdrawRefund(ctx context.Context, caller common.Address, serviceID types.ServiceID, recordID types.RecordID) (*uint256.Int, error) {
	var amount *uint256.Int
	err := e.run(ctx, OpWithdrawRefund, caller, func(ctx context.Context) error {
		var err error
		amount, err = e.withdrawRefund(ctx, caller, serviceID, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) withdrawRefund(ctx context.Context, caller common.Address, serviceID types.ServiceID, recordID types.RecordID) (*uint256.Int, error) {
	if err := e.requireRouter(caller); err != nil {
		return nil, err
	}
	rec, err := e.record(serviceID, recordID)
	if err != nil {
		return nil, err
	}

	key := ledger.PayerKey{Service: serviceID, Asset: rec.Asset, Payer: rec.Payer}
	authorized := e.ledger.Refunds.Get(key)
	if authorized.IsZero() || rec.Status == types.RecordStatusRefunded {
		return nil, fmt.Errorf("%w: record %d", ErrNoRefunds, rec.ID)
	}
	if rec.Status != types.RecordStatusFailed {
		return nil, fmt.Errorf("%w: record %d is %s", ErrRecordNotRefundable, rec.ID, rec.Status)
	}

	amount, overflow := rec.Total()
	if overflow || amount.Gt(authorized) {
		return nil, &BalanceError{Err: ErrRefundsTooBig, Component: "refund", Requested: amount, Available: authorized}
	}
	if err := e.ledger.Refunds.Sub(ctx, key, amount); err != nil {
		return nil, err
	}
	if _, err := e.records.Transition(ctx, rec.ID, types.RecordStatusRefunded, "", ""); err != nil {
		return nil, err
	}

	if err := e.custody.Transfer(ctx, rec.Asset, rec.Payer, amount); err != nil {
		return nil, fmt.Errorf("refund transfer: %w", err)
	}

	ev := types.NewEvent(types.EventRefundWithdrawn, serviceID, rec.Asset).
		WithAmount(types.AmountTotal, amount)
	ev.RecordID = rec.ID
	ev.Account = rec.Payer
	ev.Status = types.RecordStatusRefunded
	e.emit(ctx, ev)
	return amount, nil
}

// BeneficiaryWithdraw pays the whole releaseable pool of (service, asset) to
// the service beneficiary. The zero address selects the native asset.
// Manager only.
func (e *Engine) BeneficiaryWithdraw(ctx context.Context, caller common.Address, serviceID types.ServiceID, asset common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := e.run(ctx, OpBeneficiaryWithdraw, caller, func(ctx context.Context) error {
		if err := e.requireManager(caller); err != nil {
			return err
		}
		svc, err := e.service(serviceID)
		if err != nil {
			return err
		}
		asset = normalizeAsset(asset)

		// Zero before transfer so a reentrant withdrawal observes an empty pool.
		amount, err = e.ledger.Pools.Drain(ctx, ledger.ServiceKey{Service: serviceID, Asset: asset})
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: service %d", ErrNoBalanceToRelease, serviceID)
		}
		if err := e.custody.Transfer(ctx, asset, svc.Beneficiary, amount); err != nil {
			return fmt.Errorf("beneficiary transfer: %w", err)
		}

		ev := types.NewEvent(types.EventBeneficiaryPaid, serviceID, asset).
			WithAmount(types.AmountPool, amount)
		ev.Account = svc.Beneficiary
		e.emit(ctx, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// WithdrawAccumulatedFees pays the whole fee bucket of (service, asset) to the
// service fulfiller. The zero address selects the native asset. Manager only.
func (e *Engine) WithdrawAccumulatedFees(ctx context.Context, caller common.Address, serviceID types.ServiceID, asset common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := e.run(ctx, OpWithdrawFees, caller, func(ctx context.Context) error {
		if err := e.requireManager(caller); err != nil {
			return err
		}
		svc, err := e.service(serviceID)
		if err != nil {
			return err
		}
		asset = normalizeAsset(asset)

		amount, err = e.ledger.Fees.Drain(ctx, ledger.ServiceKey{Service: serviceID, Asset: asset})
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: service %d", ErrNoFeesToWithdraw, serviceID)
		}
		if err := e.custody.Transfer(ctx, asset, svc.Fulfiller, amount); err != nil {
			return fmt.Errorf("fee transfer: %w", err)
		}

		ev := types.NewEvent(types.EventFeesWithdrawn, serviceID, asset).
			WithAmount(types.AmountFees, amount)
		ev.Account = svc.Fulfiller
		e.emit(ctx, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// Record returns a copy of a fulfillment record.
func (e *Engine) Record(ctx context.Context, id types.RecordID) (*types.FulfillmentRecord, error) {
	defer e.readLock(ctx)()
	rec, err := e.records.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return rec, nil
}

// Records lists records matching the filter.
func (e *Engine) Records(ctx context.Context, f records.Filter) []*types.FulfillmentRecord {
	defer e.readLock(ctx)()
	return e.records.List(f)
}

// RecordCount returns the number of records created so far.
func (e *Engine) RecordCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records.Count()
}

// ServiceBalances returns the per-service pool and fee entries for an asset.
func (e *Engine) ServiceBalances(ctx context.Context, serviceID types.ServiceID, asset common.Address) ledger.ServiceBalances {
	defer e.readLock(ctx)()
	return e.ledger.ServiceBalances(serviceID, normalizeAsset(asset))
}

// PayerBalances returns a payer's deposit and refund entries.
func (e *Engine) PayerBalances(ctx context.Context, serviceID types.ServiceID, asset, payer common.Address) ledger.PayerBalances {
	defer e.readLock(ctx)()
	return e.ledger.PayerBalances(ledger.PayerKey{Service: serviceID, Asset: normalizeAsset(asset), Payer: payer})
}

// FulfillerBalances returns a fulfiller's aggregate entries for an asset.
func (e *Engine) FulfillerBalances(ctx context.Context, fulfiller, asset common.Address) ledger.FulfillerBalances {
	defer e.readLock(ctx)()
	return e.ledger.FulfillerBalances(fulfiller, normalizeAsset(asset))
}

// SolvencyReport compares ledger liabilities with custodied holdings.
type SolvencyReport struct {
	Asset       common.Address
	Totals      ledger.Totals
	Liabilities *uint256.Int
	Custodied   *uint256.Int
	Solvent     bool
}

// CheckSolvency verifies that the ledger owes no more of asset than custody holds.
func (e *Engine) CheckSolvency(ctx context.Context, asset common.Address) (*SolvencyReport, error) {
	defer e.readLock(ctx)()

	asset = normalizeAsset(asset)
	totals := e.ledger.Totals(asset)
	liabilities, overflow := totals.Sum()
	if overflow {
		return nil, fmt.Errorf("ledger totals for %s: %w", asset.Hex(), ledger.ErrOverflow)
	}
	held, err := e.custody.BalanceOf(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w", err)
	}
	return &SolvencyReport{
		Asset:       asset,
		Totals:      totals,
		Liabilities: liabilities,
		Custodied:   held,
		Solvent:     !liabilities.Gt(held),
	}, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
