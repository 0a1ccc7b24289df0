package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/journal"
	"github.com/moltbunker/escrowd/pkg/types"
)

var aggregatorAddr = common.HexToAddress("0x00000000000000000000000000000000000a66e0")

func newAggregatorVault(t *testing.T) (*Vault, *AggregatorExchange) {
	t.Helper()
	v := NewVault(escrowAddr)
	agg := NewAggregatorExchange(aggregatorAddr)
	v.Register(aggregatorAddr, agg)
	if err := v.Mint(tokenB, aggregatorAddr, uint256.NewInt(1_000_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return v, agg
}

func TestSwapCall_RoundTrip(t *testing.T) {
	payload, err := EncodeSwapCall(tokenA, tokenB, uint256.NewInt(1234), uint256.NewInt(99))
	if err != nil {
		t.Fatalf("EncodeSwapCall: %v", err)
	}
	if len(payload) != 4+4*32 {
		t.Fatalf("payload is %d bytes", len(payload))
	}

	call, err := DecodeSwapCall(payload)
	if err != nil {
		t.Fatalf("DecodeSwapCall: %v", err)
	}
	if call.FromToken != tokenA || call.ToToken != tokenB {
		t.Errorf("tokens decoded as %s -> %s", call.FromToken.Hex(), call.ToToken.Hex())
	}
	if call.AmountIn.Uint64() != 1234 || call.MinAmountOut.Uint64() != 99 {
		t.Errorf("amounts decoded as %s / %s", call.AmountIn, call.MinAmountOut)
	}
}

func TestDecodeSwapCall_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"short", []byte{0x01, 0x02}},
		{"unknown selector", []byte{0xde, 0xad, 0xbe, 0xef, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSwapCall(tt.payload); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestAggregator_TokenSwap(t *testing.T) {
	ctx := context.Background()
	v, agg := newAggregatorVault(t)
	_ = agg.SetRate(tokenA, tokenB, 3, 2)
	_ = v.Mint(tokenA, escrowAddr, uint256.NewInt(100))
	_ = v.Approve(ctx, tokenA, aggregatorAddr, uint256.NewInt(100))

	payload, _ := EncodeSwapCall(tokenA, tokenB, uint256.NewInt(100), uint256.NewInt(150))
	if err := v.Call(ctx, aggregatorAddr, payload, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if got := v.BalanceOfAccount(tokenB, escrowAddr).Uint64(); got != 150 {
		t.Errorf("escrow received %d, want 150", got)
	}
	if got := v.BalanceOfAccount(tokenA, escrowAddr).Uint64(); got != 0 {
		t.Errorf("escrow still holds %d of tokenA", got)
	}
	if got := v.Allowance(tokenA, escrowAddr, aggregatorAddr); !got.IsZero() {
		t.Errorf("allowance left %s", got)
	}
}

func TestAggregator_NativeSwap(t *testing.T) {
	ctx := context.Background()
	v, agg := newAggregatorVault(t)
	_ = agg.SetRate(types.NativeAsset, tokenB, 2000, 1)
	_ = v.Mint(types.NativeAsset, escrowAddr, uint256.NewInt(5))

	payload, _ := EncodeSwapCall(types.NativeAsset, tokenB, uint256.NewInt(5), uint256.NewInt(0))
	if err := v.Call(ctx, aggregatorAddr, payload, uint256.NewInt(5)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := v.BalanceOfAccount(tokenB, escrowAddr).Uint64(); got != 10000 {
		t.Errorf("escrow received %d, want 10000", got)
	}
}

func TestAggregator_NativeValueMismatch(t *testing.T) {
	ctx := context.Background()
	v, agg := newAggregatorVault(t)
	_ = agg.SetRate(types.NativeAsset, tokenB, 1, 1)
	_ = v.Mint(types.NativeAsset, escrowAddr, uint256.NewInt(5))

	payload, _ := EncodeSwapCall(types.NativeAsset, tokenB, uint256.NewInt(5), uint256.NewInt(0))
	err := v.Call(ctx, aggregatorAddr, payload, uint256.NewInt(4))
	if !errors.Is(err, ErrValueMismatch) {
		t.Fatalf("expected ErrValueMismatch, got %v", err)
	}
}

func TestAggregator_Slippage(t *testing.T) {
	ctx := context.Background()
	v, agg := newAggregatorVault(t)
	_ = agg.SetRate(tokenA, tokenB, 1, 2)
	_ = v.Mint(tokenA, escrowAddr, uint256.NewInt(100))
	_ = v.Approve(ctx, tokenA, aggregatorAddr, uint256.NewInt(100))

	payload, _ := EncodeSwapCall(tokenA, tokenB, uint256.NewInt(100), uint256.NewInt(51))
	if err := v.Call(ctx, aggregatorAddr, payload, nil); !errors.Is(err, ErrSlippage) {
		t.Fatalf("expected ErrSlippage, got %v", err)
	}
}

func TestAggregator_NoRate(t *testing.T) {
	v, _ := newAggregatorVault(t)
	payload, _ := EncodeSwapCall(tokenA, tokenB, uint256.NewInt(1), uint256.NewInt(0))
	if err := v.Call(context.Background(), aggregatorAddr, payload, nil); !errors.Is(err, ErrNoRate) {
		t.Fatalf("expected ErrNoRate, got %v", err)
	}
}

func TestAggregator_FailedSwapRevertsWithJournal(t *testing.T) {
	v, agg := newAggregatorVault(t)
	_ = agg.SetRate(types.NativeAsset, tokenB, 1, 1)
	_ = v.Mint(types.NativeAsset, escrowAddr, uint256.NewInt(5))

	j := journal.New()
	ctx := journal.WithJournal(context.Background(), j)

	// The value is attached before the exchange rejects the call.
	payload, _ := EncodeSwapCall(types.NativeAsset, tokenB, uint256.NewInt(5), uint256.NewInt(100))
	if err := v.Call(ctx, aggregatorAddr, payload, uint256.NewInt(5)); err == nil {
		t.Fatal("expected swap to fail")
	}
	if got := v.BalanceOfAccount(types.NativeAsset, aggregatorAddr).Uint64(); got != 5 {
		t.Fatalf("aggregator holds %d before revert, want 5", got)
	}

	j.Revert()
	if got := v.BalanceOfAccount(types.NativeAsset, escrowAddr).Uint64(); got != 5 {
		t.Errorf("escrow holds %d after revert, want 5", got)
	}
}

func TestAggregator_SetRateZeroDenominator(t *testing.T) {
	agg := NewAggregatorExchange(aggregatorAddr)
	if err := agg.SetRate(tokenA, tokenB, 1, 0); err == nil {
		t.Error("expected error for zero denominator")
	}
}
