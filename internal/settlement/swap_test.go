package settlement

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/custody"
	"github.com/moltbunker/escrowd/internal/ledger"
	"github.com/moltbunker/escrowd/pkg/types"
)

func TestSplitProceeds(t *testing.T) {
	tests := []struct {
		name            string
		received        uint64
		fromReleaseable uint64
		amount          uint64
		wantReleaseable uint64
		wantFees        uint64
	}{
		{"record 1000+11 at 2x", 2022, 1000, 1011, 2000, 22},
		{"all releaseable", 500, 700, 700, 500, 0},
		{"all fees", 500, 0, 700, 0, 500},
		{"floor goes to fees", 10, 1, 3, 3, 7},
		{"nothing received", 0, 5, 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, f, err := SplitProceeds(amt(tt.received), amt(tt.fromReleaseable), amt(tt.amount))
			if err != nil {
				t.Fatalf("SplitProceeds: %v", err)
			}
			if r.Uint64() != tt.wantReleaseable || f.Uint64() != tt.wantFees {
				t.Errorf("got %s/%s, want %d/%d", r, f, tt.wantReleaseable, tt.wantFees)
			}
		})
	}
}

func TestSplitProceeds_Rejects(t *testing.T) {
	if _, _, err := SplitProceeds(amt(1), amt(0), amt(0)); !errors.Is(err, ErrInvalidSwapAmount) {
		t.Errorf("zero amount: expected ErrInvalidSwapAmount, got %v", err)
	}
	if _, _, err := SplitProceeds(amt(1), amt(5), amt(4)); !errors.Is(err, ErrInvalidSwapAmount) {
		t.Errorf("portion above amount: expected ErrInvalidSwapAmount, got %v", err)
	}
}

func TestSplitProceeds_SharesSumToReceived(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		amount := uint256.NewInt(rng.Uint64()>>1 + 1)
		fromReleaseable := new(uint256.Int).Mod(uint256.NewInt(rng.Uint64()), new(uint256.Int).AddUint64(amount, 1))
		received := new(uint256.Int).Mul(uint256.NewInt(rng.Uint64()), uint256.NewInt(rng.Uint64()))

		r, f, err := SplitProceeds(received, fromReleaseable, amount)
		if err != nil {
			t.Fatalf("SplitProceeds(%s, %s, %s): %v", received, fromReleaseable, amount, err)
		}
		if sum := new(uint256.Int).Add(r, f); !sum.Eq(received) {
			t.Fatalf("shares %s+%s != received %s", r, f, received)
		}
		if r.Gt(received) {
			t.Fatalf("releaseable share %s exceeds received %s", r, received)
		}
	}
}

// Two settled records; the second one is swapped for a stable asset.
func TestScenario_SwapRecordToStable(t *testing.T) {
	h := newHarness(t, V1_1)

	first := h.deposit(payer, tokenA, 1000, 9)
	second := h.deposit(payer2, tokenA, 1000, 11)
	h.settle(first.ID, types.RecordStatusSuccess)
	h.settle(second.ID, types.RecordStatusSuccess)

	out, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, second.ID, h.swapInstruction(tokenA, tokenB, 1011, 2000))
	if err != nil {
		t.Fatalf("SwapPoolsToStable: %v", err)
	}

	if out.SourceAsset != tokenA || out.ToAsset != tokenB {
		t.Errorf("assets %s -> %s", out.SourceAsset.Hex(), out.ToAsset.Hex())
	}
	if out.FromReleaseable.Uint64() != 1000 || out.FromFees.Uint64() != 11 {
		t.Errorf("drained %s/%s, want 1000/11", out.FromReleaseable, out.FromFees)
	}
	if out.Received.Uint64() != 2022 {
		t.Errorf("received %s, want 2022", out.Received)
	}
	if out.ReleaseableShare.Uint64() != 2000 || out.FeesShare.Uint64() != 22 {
		t.Errorf("shares %s/%s, want 2000/22", out.ReleaseableShare, out.FeesShare)
	}
	if out.Swept != nil {
		t.Error("swap without aggregation must not sweep")
	}

	if pool, fees := h.service(tokenA); pool != 1000 || fees != 9 {
		t.Errorf("source buckets %d/%d, want 1000/9", pool, fees)
	}
	if pool, fees := h.service(tokenB); pool != 2000 || fees != 22 {
		t.Errorf("target buckets %d/%d, want 2000/22", pool, fees)
	}
	if got := h.vault.Allowance(tokenA, escrow, aggregator); !got.IsZero() {
		t.Errorf("aggregator allowance left at %s", got)
	}

	evs := h.log.Filter(types.EventPoolsSwappedToStable, 0, 0)
	if len(evs) != 1 {
		t.Fatalf("expected one swap event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.RecordID != second.ID || ev.Amount(types.AmountReceived).Uint64() != 2022 ||
		ev.Amount(types.AmountReleaseableShare).Uint64() != 2000 || ev.Amount(types.AmountFeesShare).Uint64() != 22 {
		t.Errorf("swap event %+v", ev)
	}
	if len(h.observer.swaps) != 1 || h.observer.swaps[0].Uint64() != 2022 {
		t.Errorf("observer swaps %v", h.observer.swaps)
	}
	h.assertConserved(tokenA, tokenB)
}

func TestSwap_NativeSource(t *testing.T) {
	h := newHarness(t, V1_1)
	rec := h.deposit(payer, types.NativeAsset, 500, 5)
	h.settle(rec.ID, types.RecordStatusSuccess)

	out, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, rec.ID, h.swapInstruction(types.NativeAsset, tokenB, 505, 0))
	if err != nil {
		t.Fatalf("SwapPoolsToStable: %v", err)
	}
	if out.Received.Uint64() != 1515 || out.ReleaseableShare.Uint64() != 1500 || out.FeesShare.Uint64() != 15 {
		t.Errorf("received %s split %s/%s, want 1515 = 1500+15", out.Received, out.ReleaseableShare, out.FeesShare)
	}
	if got := h.held(types.NativeAsset); got != 0 {
		t.Errorf("escrow still holds %d native", got)
	}
	if got := h.balance(types.NativeAsset, aggregator); got != 505 {
		t.Errorf("aggregator received %d native, want 505", got)
	}
	h.assertConserved(types.NativeAsset, tokenB)
}

func TestSwap_ProportionalWithoutRecord(t *testing.T) {
	h := newHarness(t, V1_1)
	for _, p := range []common.Address{payer, payer2} {
		rec := h.deposit(p, tokenA, 1000, 10)
		h.settle(rec.ID, types.RecordStatusSuccess)
	}

	out, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, 0, h.swapInstruction(tokenA, tokenB, 1010, 0))
	if err != nil {
		t.Fatalf("SwapPoolsToStable: %v", err)
	}
	if out.FromReleaseable.Uint64() != 1000 || out.FromFees.Uint64() != 10 {
		t.Errorf("drained %s/%s, want 1000/10", out.FromReleaseable, out.FromFees)
	}
	if out.ReleaseableShare.Uint64() != 2000 || out.FeesShare.Uint64() != 20 {
		t.Errorf("shares %s/%s, want 2000/20", out.ReleaseableShare, out.FeesShare)
	}
	if pool, fees := h.service(tokenA); pool != 1000 || fees != 10 {
		t.Errorf("source buckets %d/%d, want 1000/10", pool, fees)
	}
	h.assertConserved(tokenA, tokenB)
}

func TestSwap_Validation(t *testing.T) {
	h := newHarness(t, V1_1)
	settled := h.deposit(payer, tokenA, 1000, 10)
	h.settle(settled.ID, types.RecordStatusSuccess)
	pending := h.deposit(payer, tokenA, 50, 0)

	noTarget := h.swapInstruction(tokenA, tokenB, 1010, 0)
	noTarget.CallTarget = common.Address{}
	noAmount := h.swapInstruction(tokenA, tokenB, 1010, 0)
	noAmount.Amount = nil

	tests := []struct {
		name   string
		record types.RecordID
		in     types.SwapInstruction
		want   error
	}{
		{"zero target asset", settled.ID, h.swapInstruction(tokenA, common.Address{}, 1010, 0), ErrInvalidTokenAddress},
		{"zero amount", settled.ID, noAmount, ErrInvalidSwapAmount},
		{"zero call target", settled.ID, noTarget, ErrInvalidRecipient},
		{"unknown record", 77, h.swapInstruction(tokenA, tokenB, 1010, 0), ErrRecordNotFound},
		{"record not settled", pending.ID, h.swapInstruction(tokenA, tokenB, 50, 0), ErrRecordNotSettled},
		{"same asset", settled.ID, h.swapInstruction(tokenA, tokenA, 1010, 0), ErrInvalidTokenAddress},
		{"amount differs from record", settled.ID, h.swapInstruction(tokenA, tokenB, 1000, 0), ErrInvalidSwapAmount},
		{"more than available", 0, h.swapInstruction(tokenA, tokenB, 1011, 0), ErrInsufficientCombinedBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, tt.record, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	var balErr *BalanceError
	_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, 0, h.swapInstruction(tokenA, tokenB, 5000, 0))
	if !errors.As(err, &balErr) || balErr.Available.Uint64() != 1010 {
		t.Errorf("expected *BalanceError with 1010 available, got %v", err)
	}
	if pool, fees := h.service(tokenA); pool != 1000 || fees != 10 {
		t.Errorf("rejected swaps changed buckets: %d/%d", pool, fees)
	}
}

func TestSwap_RequiresCapability(t *testing.T) {
	h := newHarness(t, V1)
	rec := h.deposit(payer, tokenA, 1000, 10)
	h.settle(rec.ID, types.RecordStatusSuccess)

	_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, rec.ID, h.swapInstruction(tokenA, tokenB, 1010, 0))
	var capErr *CapabilityError
	if !errors.As(err, &capErr) || capErr.Version != V1 {
		t.Fatalf("expected *CapabilityError for v1, got %v", err)
	}
	if !errors.Is(err, ErrCapabilityDisabled) {
		t.Errorf("expected ErrCapabilityDisabled, got %v", err)
	}
}

func TestSwap_ExchangeFailureRevertsEverything(t *testing.T) {
	h := newHarness(t, V1_1)
	rec := h.deposit(payer, tokenA, 1000, 10)
	h.settle(rec.ID, types.RecordStatusSuccess)
	seq := h.log.LastSeq()
	aggHolds := h.balance(tokenB, aggregator)

	// The aggregator quotes 2020, below the requested minimum.
	_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, rec.ID, h.swapInstruction(tokenA, tokenB, 1010, 5000))
	if !errors.Is(err, ErrAggregatorCallFailed) {
		t.Fatalf("expected ErrAggregatorCallFailed, got %v", err)
	}
	if !errors.Is(err, custody.ErrSlippage) {
		t.Errorf("expected the exchange error to be preserved, got %v", err)
	}
	if Classify(err) != ClassExternalCall || !Classify(err).Retryable() {
		t.Errorf("class %s", Classify(err))
	}

	if pool, fees := h.service(tokenA); pool != 1000 || fees != 10 {
		t.Errorf("source buckets %d/%d, want 1000/10", pool, fees)
	}
	if pool, fees := h.service(tokenB); pool != 0 || fees != 0 {
		t.Errorf("target buckets %d/%d, want 0/0", pool, fees)
	}
	if h.held(tokenA) != 1010 || h.balance(tokenB, aggregator) != aggHolds {
		t.Errorf("custody moved: escrow tokenA %d, aggregator tokenB %d", h.held(tokenA), h.balance(tokenB, aggregator))
	}
	if got := h.vault.Allowance(tokenA, escrow, aggregator); !got.IsZero() {
		t.Errorf("allowance survived revert: %s", got)
	}
	if got := h.log.Since(seq, 0); len(got) != 0 {
		t.Errorf("failed swap published %d events", len(got))
	}
	if len(h.observer.swaps) != 0 {
		t.Error("failed swap reached the observer")
	}
	if h.observer.last() != (observedOp{OpSwapPoolsToStable, string(ClassExternalCall)}) {
		t.Errorf("observer saw %+v", h.observer.last())
	}
	h.assertConserved(tokenA, tokenB)
}

func TestSwap_UnknownCallTarget(t *testing.T) {
	h := newHarness(t, V1_1)
	rec := h.deposit(payer, tokenA, 1000, 10)
	h.settle(rec.ID, types.RecordStatusSuccess)

	in := h.swapInstruction(tokenA, tokenB, 1010, 0)
	in.CallTarget = stranger
	_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, rec.ID, in)
	if !errors.Is(err, ErrAggregatorCallFailed) || !errors.Is(err, custody.ErrUnknownTarget) {
		t.Fatalf("expected unknown target call failure, got %v", err)
	}
	h.assertConserved(tokenA, tokenB)
}

func TestSwap_DrainClampedByLedgerDrift(t *testing.T) {
	h := newHarness(t, V1_1)
	first := h.deposit(payer, tokenA, 1000, 10)
	second := h.deposit(payer2, tokenA, 1000, 10)
	h.settle(first.ID, types.RecordStatusSuccess)
	h.settle(second.ID, types.RecordStatusSuccess)

	// Shrink the fee bucket below what the record credited.
	key := ledger.ServiceKey{Service: svcID, Asset: tokenA}
	mustNoErr(t, h.engine.Ledger().Fees.Sub(context.Background(), key, amt(15)))

	_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, first.ID, h.swapInstruction(tokenA, tokenB, 1010, 0))
	if !errors.Is(err, ErrInvalidSwapAmount) {
		t.Fatalf("full record amount: expected ErrInvalidSwapAmount, got %v", err)
	}

	out, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, first.ID, h.swapInstruction(tokenA, tokenB, 1005, 0))
	if err != nil {
		t.Fatalf("clamped swap: %v", err)
	}
	if out.FromReleaseable.Uint64() != 1000 || out.FromFees.Uint64() != 5 {
		t.Errorf("drained %s/%s, want 1000/5", out.FromReleaseable, out.FromFees)
	}
	if out.ReleaseableShare.Uint64() != 2000 || out.FeesShare.Uint64() != 10 {
		t.Errorf("shares %s/%s, want 2000/10", out.ReleaseableShare, out.FeesShare)
	}
	if pool, fees := h.service(tokenA); pool != 1000 || fees != 0 {
		t.Errorf("source buckets %d/%d, want 1000/0", pool, fees)
	}
}

// hookExchange runs hook inside the exchange call, before delegating to inner.
type hookExchange struct {
	inner custody.Exchange
	hook  func(ctx context.Context) error
}

func (x *hookExchange) Execute(ctx context.Context, v *custody.Vault, caller common.Address, payload []byte, value *uint256.Int) error {
	if err := x.hook(ctx); err != nil {
		return err
	}
	return x.inner.Execute(ctx, v, caller, payload, value)
}

func TestSwap_ReentrantWithdrawSeesDrainedPool(t *testing.T) {
	h := newHarness(t, V1_1)
	rec := h.deposit(payer, tokenA, 1000, 10)
	h.settle(rec.ID, types.RecordStatusSuccess)

	var nested error
	h.vault.Register(aggregator, &hookExchange{
		inner: h.agg,
		hook: func(ctx context.Context) error {
			_, nested = h.engine.BeneficiaryWithdraw(ctx, manager, svcID, tokenA)
			return nil
		},
	})

	if _, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, rec.ID, h.swapInstruction(tokenA, tokenB, 1010, 0)); err != nil {
		t.Fatalf("SwapPoolsToStable: %v", err)
	}
	if !errors.Is(nested, ErrNoBalanceToRelease) {
		t.Errorf("nested withdraw: expected ErrNoBalanceToRelease, got %v", nested)
	}
	if got := h.balance(tokenA, beneficiary); got != 0 {
		t.Errorf("beneficiary was paid %d of the swapped pool", got)
	}
	h.assertConserved(tokenA, tokenB)
}

func TestSwap_ReentrantSuccessRevertedWithOuterFailure(t *testing.T) {
	h := newHarness(t, V1_1)
	rec := h.deposit(payer, tokenA, 1000, 10)
	h.settle(rec.ID, types.RecordStatusSuccess)
	seq := h.log.LastSeq()
	payer2Holds := h.balance(tokenA, payer2)

	errBoom := errors.New("exchange reverted")
	var nested error
	h.vault.Register(aggregator, &hookExchange{
		inner: h.agg,
		hook: func(ctx context.Context) error {
			_, nested = h.engine.Deposit(ctx, router, DepositRequest{
				ServiceID: svcID, Payer: payer2, Asset: tokenA, Principal: amt(70),
			})
			return errBoom
		},
	})

	_, err := h.engine.SwapPoolsToStable(h.ctx, manager, svcID, rec.ID, h.swapInstruction(tokenA, tokenB, 1010, 0))
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if nested != nil {
		t.Fatalf("nested deposit: %v", nested)
	}

	if _, err := h.engine.Record(h.ctx, rec.ID+1); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("nested record survived: %v", err)
	}
	if got := h.engine.PayerBalances(h.ctx, svcID, tokenA, payer2).Deposit; !got.IsZero() {
		t.Errorf("nested deposit entry survived: %s", got)
	}
	if got := h.balance(tokenA, payer2); got != payer2Holds {
		t.Errorf("payer2 holds %d, want %d", got, payer2Holds)
	}
	if pool, fees := h.service(tokenA); pool != 1000 || fees != 10 {
		t.Errorf("buckets %d/%d, want 1000/10", pool, fees)
	}
	if got := h.log.Since(seq, 0); len(got) != 0 {
		t.Errorf("reverted operation published %d events", len(got))
	}
	h.assertConserved(tokenA, tokenB)
}
