package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/pkg/types"
)

// AggregatorABI is the calling convention of the swap aggregator.
const AggregatorABI = `[
	{
		"inputs": [
			{"name": "fromToken", "type": "address"},
			{"name": "toToken", "type": "address"},
			{"name": "amountIn", "type": "uint256"},
			{"name": "minAmountOut", "type": "uint256"}
		],
		"name": "swap",
		"outputs": [{"name": "amountOut", "type": "uint256"}],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var (
	ErrNoRate           = errors.New("no rate configured for pair")
	ErrSlippage         = errors.New("output below minimum")
	ErrMalformedPayload = errors.New("malformed swap payload")
	ErrValueMismatch    = errors.New("attached value does not match amount in")
)

var aggregatorABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(AggregatorABI))
})

// SwapCall is a decoded aggregator swap call.
type SwapCall struct {
	FromToken    common.Address
	ToToken      common.Address
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
}

// EncodeSwapCall builds the calldata for an aggregator swap.
func EncodeSwapCall(from, to common.Address, amountIn, minAmountOut *uint256.Int) ([]byte, error) {
	parsed, err := aggregatorABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	return parsed.Pack("swap", from, to, types.ToBig(amountIn), types.ToBig(minAmountOut))
}

// DecodeSwapCall parses calldata produced by EncodeSwapCall.
func DecodeSwapCall(payload []byte) (*SwapCall, error) {
	parsed, err := aggregatorABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(payload))
	}
	method, err := parsed.MethodById(payload[:4])
	if err != nil || method.Name != "swap" {
		return nil, fmt.Errorf("%w: unknown selector %x", ErrMalformedPayload, payload[:4])
	}
	args, err := method.Inputs.Unpack(payload[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(args) != 4 {
		return nil, fmt.Errorf("%w: %d arguments", ErrMalformedPayload, len(args))
	}

	from, ok1 := args[0].(common.Address)
	to, ok2 := args[1].(common.Address)
	in, ok3 := args[2].(*big.Int)
	minOut, ok4 := args[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: unexpected argument types", ErrMalformedPayload)
	}
	amountIn, overflow := uint256.FromBig(in)
	if overflow {
		return nil, fmt.Errorf("%w: amountIn overflows", ErrMalformedPayload)
	}
	minAmountOut, overflow := uint256.FromBig(minOut)
	if overflow {
		return nil, fmt.Errorf("%w: minAmountOut overflows", ErrMalformedPayload)
	}
	return &SwapCall{FromToken: from, ToToken: to, AmountIn: amountIn, MinAmountOut: minAmountOut}, nil
}

type pair struct {
	from common.Address
	to   common.Address
}

type rate struct {
	num *uint256.Int
	den *uint256.Int
}

// AggregatorExchange is an in-process swap aggregator that pays out of its own
// vault balance at fixed rates.
type AggregatorExchange struct {
	address common.Address

	mu    sync.RWMutex
	rates map[pair]rate
}

// NewAggregatorExchange creates an aggregator that holds liquidity at address.
func NewAggregatorExchange(address common.Address) *AggregatorExchange {
	return &AggregatorExchange{
		address: address,
		rates:   make(map[pair]rate),
	}
}

// Address returns the aggregator's address.
func (a *AggregatorExchange) Address() common.Address {
	return a.address
}

// SetRate quotes num/den units of `to` per unit of `from`.
func (a *AggregatorExchange) SetRate(from, to common.Address, num, den uint64) error {
	if den == 0 {
		return fmt.Errorf("rate denominator must be non-zero")
	}
	a.mu.Lock()
	a.rates[pair{from, to}] = rate{num: uint256.NewInt(num), den: uint256.NewInt(den)}
	a.mu.Unlock()
	return nil
}

// Quote returns the output for amountIn of from.
func (a *AggregatorExchange) Quote(from, to common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	a.mu.RLock()
	r, ok := a.rates[pair{from, to}]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRate, from.Hex(), to.Hex())
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amountIn, r.num, r.den)
	if overflow {
		return nil, fmt.Errorf("quote overflows for %s", types.FormatAmount(amountIn))
	}
	return out, nil
}

// Execute performs a swap for caller. Native input must arrive as the
// attached value; token input is pulled with caller's allowance.
func (a *AggregatorExchange) Execute(ctx context.Context, v *Vault, caller common.Address, payload []byte, value *uint256.Int) error {
	call, err := DecodeSwapCall(payload)
	if err != nil {
		return err
	}
	out, err := a.Quote(call.FromToken, call.ToToken, call.AmountIn)
	if err != nil {
		return err
	}
	if out.Lt(call.MinAmountOut) {
		return fmt.Errorf("%w: %s < %s", ErrSlippage, types.FormatAmount(out), types.FormatAmount(call.MinAmountOut))
	}

	if types.IsNative(call.FromToken) {
		if !value.Eq(call.AmountIn) {
			return fmt.Errorf("%w: value %s, amountIn %s", ErrValueMismatch, types.FormatAmount(value), types.FormatAmount(call.AmountIn))
		}
	} else if err := v.TransferFrom(ctx, call.FromToken, a.address, caller, a.address, call.AmountIn); err != nil {
		return fmt.Errorf("pull input: %w", err)
	}

	if err := v.Move(ctx, call.ToToken, a.address, caller, out); err != nil {
		return fmt.Errorf("pay output: %w", err)
	}

	logging.DebugContext(ctx, "aggregator swap executed",
		logging.Component("aggregator"),
		logging.Address("caller", caller),
		logging.Asset(call.FromToken),
		"to_asset", call.ToToken.Hex(),
		logging.Amount("amount_in", call.AmountIn),
		logging.Amount("amount_out", out))
	return nil
}
