package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/journal"
	"github.com/moltbunker/escrowd/pkg/types"
)

var (
	testPayer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	maxUint256 = new(uint256.Int).SetAllOne()
)

func TestBucket_AddSub(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	k := PayerKey{Service: 1, Asset: types.NativeAsset, Payer: testPayer}

	if err := s.Deposits.Add(ctx, k, uint256.NewInt(1011)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := s.Deposits.Get(k); got.Uint64() != 1011 {
		t.Errorf("deposit: got %d, want 1011", got.Uint64())
	}
	if err := s.Deposits.Sub(ctx, k, uint256.NewInt(11)); err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if got := s.Deposits.Total(types.NativeAsset); got.Uint64() != 1000 {
		t.Errorf("total: got %d, want 1000", got.Uint64())
	}
}

func TestBucket_SubUnderflow(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	k := ServiceKey{Service: 1, Asset: testToken}

	_ = s.Pools.Add(ctx, k, uint256.NewInt(5))
	err := s.Pools.Sub(ctx, k, uint256.NewInt(6))
	if !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	var arith *ArithmeticError
	if !errors.As(err, &arith) {
		t.Fatalf("expected *ArithmeticError, got %T", err)
	}
	if arith.Balance.Uint64() != 5 || arith.Amount.Uint64() != 6 {
		t.Errorf("error amounts: balance %s amount %s", arith.Balance, arith.Amount)
	}
	if got := s.Pools.Get(k); got.Uint64() != 5 {
		t.Errorf("balance changed after failed sub: got %d", got.Uint64())
	}
}

func TestBucket_AddOverflow(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	k := ServiceKey{Service: 1, Asset: testToken}

	if err := s.Fees.Add(ctx, k, maxUint256); err != nil {
		t.Fatalf("Add max failed: %v", err)
	}
	if err := s.Fees.Add(ctx, k, uint256.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestBucket_Drain(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	k := ServiceKey{Service: 3, Asset: testToken}
	_ = s.Pools.Add(ctx, k, uint256.NewInt(2000))

	got, err := s.Pools.Drain(ctx, k)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if got.Uint64() != 2000 {
		t.Errorf("drained: got %d, want 2000", got.Uint64())
	}
	if !s.Pools.Get(k).IsZero() || !s.Pools.Total(testToken).IsZero() {
		t.Error("bucket not empty after drain")
	}

	again, err := s.Pools.Drain(ctx, k)
	if err != nil || !again.IsZero() {
		t.Errorf("second drain: got %s, %v", again, err)
	}
}

func TestBucket_JournalRevert(t *testing.T) {
	s := NewStore()
	base := context.Background()
	k := ServiceKey{Service: 1, Asset: testToken}
	_ = s.Pools.Add(base, k, uint256.NewInt(100))

	j := journal.New()
	ctx := journal.WithJournal(base, j)
	_ = s.Pools.Add(ctx, k, uint256.NewInt(50))
	_, _ = s.Pools.Drain(ctx, k)
	other := ServiceKey{Service: 2, Asset: testToken}
	_ = s.Pools.Add(ctx, other, uint256.NewInt(7))

	j.Revert()

	if got := s.Pools.Get(k); got.Uint64() != 100 {
		t.Errorf("pool after revert: got %d, want 100", got.Uint64())
	}
	if got := s.Pools.Get(other); !got.IsZero() {
		t.Errorf("new entry after revert: got %d, want 0", got.Uint64())
	}
	if got := s.Pools.Total(testToken); got.Uint64() != 100 {
		t.Errorf("total after revert: got %d, want 100", got.Uint64())
	}
}

func TestStore_Totals(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Deposits.Add(ctx, PayerKey{Service: 1, Asset: testToken, Payer: testPayer}, uint256.NewInt(10))
	_ = s.Refunds.Add(ctx, PayerKey{Service: 1, Asset: testToken, Payer: testPayer}, uint256.NewInt(20))
	_ = s.Pools.Add(ctx, ServiceKey{Service: 1, Asset: testToken}, uint256.NewInt(30))
	_ = s.Fees.Add(ctx, ServiceKey{Service: 2, Asset: testToken}, uint256.NewInt(40))
	_ = s.FulfillerPools.Add(ctx, FulfillerKey{Fulfiller: testPayer, Asset: testToken}, uint256.NewInt(50))
	_ = s.FulfillerFees.Add(ctx, FulfillerKey{Fulfiller: testPayer, Asset: testToken}, uint256.NewInt(60))
	_ = s.Pools.Add(ctx, ServiceKey{Service: 1, Asset: types.NativeAsset}, uint256.NewInt(999))

	sum, overflow := s.Totals(testToken).Sum()
	if overflow {
		t.Fatal("unexpected overflow")
	}
	if sum.Uint64() != 210 {
		t.Errorf("sum: got %d, want 210", sum.Uint64())
	}
}

func TestBucket_EntriesSorted(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Pools.Add(ctx, ServiceKey{Service: 2, Asset: testToken}, uint256.NewInt(2))
	_ = s.Pools.Add(ctx, ServiceKey{Service: 1, Asset: testToken}, uint256.NewInt(1))

	entries := s.Pools.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Key.Service != 1 {
		t.Errorf("entries not sorted: first service %d", entries[0].Key.Service)
	}
}
