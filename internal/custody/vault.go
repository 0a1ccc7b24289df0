// Package custody holds escrowed assets on behalf of the settlement engine.
//
// Vault keeps balances in memory and journals every mutation through the
// journal carried by the context, so a settlement that fails also unwinds the
// value it moved. ChainCustodian drives a real escrow wallet over JSON-RPC.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/journal"
	"github.com/moltbunker/escrowd/pkg/types"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownTarget         = errors.New("no exchange registered at call target")
	ErrBalanceOverflow       = errors.New("balance overflow")
)

// Exchange is a contract-like counterparty reachable through Vault.Call.
// Execute runs without any vault lock held and may call back into the vault
// or into whatever invoked the call.
type Exchange interface {
	Execute(ctx context.Context, v *Vault, caller common.Address, payload []byte, value *uint256.Int) error
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// Vault is an in-memory ledger of asset holdings. The escrow's own holdings
// are the balances of its self address.
type Vault struct {
	self common.Address

	mu         sync.RWMutex
	balances   map[common.Address]map[common.Address]*uint256.Int // asset -> holder
	allowances map[allowanceKey]*uint256.Int
	exchanges  map[common.Address]Exchange
}

// NewVault creates an empty vault owned by self.
func NewVault(self common.Address) *Vault {
	return &Vault{
		self:       self,
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		exchanges:  make(map[common.Address]Exchange),
	}
}

// Address returns the escrow's own address.
func (v *Vault) Address() common.Address {
	return v.self
}

// Reversible reports true: every vault mutation is journaled.
func (v *Vault) Reversible() bool { return true }

// Register makes ex reachable through Call at target.
func (v *Vault) Register(target common.Address, ex Exchange) {
	v.mu.Lock()
	v.exchanges[target] = ex
	v.mu.Unlock()
}

// Mint credits holder with amount of asset. It is used to fund external
// accounts and exchange liquidity and is never journaled.
func (v *Vault) Mint(asset, holder common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := v.balanceLocked(asset, holder)
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return fmt.Errorf("%w: %s of %s", ErrBalanceOverflow, holder.Hex(), asset.Hex())
	}
	v.setBalanceLocked(asset, holder, next)
	return nil
}

// BalanceOf returns the escrow's holdings of asset.
func (v *Vault) BalanceOf(_ context.Context, asset common.Address) (*uint256.Int, error) {
	return v.BalanceOfAccount(asset, v.self), nil
}

// BalanceOfAccount returns holder's balance of asset.
func (v *Vault) BalanceOfAccount(asset, holder common.Address) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(uint256.Int).Set(v.balanceLocked(asset, holder))
}

// Allowance returns how much of owner's asset spender may move.
func (v *Vault) Allowance(asset, owner, spender common.Address) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if a, ok := v.allowances[allowanceKey{asset, owner, spender}]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Move transfers amount of asset between two holders.
func (v *Vault) Move(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() || from == to {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	fromBal := v.balanceLocked(asset, from)
	toBal := v.balanceLocked(asset, to)
	nextFrom, underflow := new(uint256.Int).SubOverflow(fromBal, amount)
	if underflow {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientFunds,
			from.Hex(), types.FormatAmount(fromBal), asset.Hex(), types.FormatAmount(amount))
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return fmt.Errorf("%w: %s of %s", ErrBalanceOverflow, to.Hex(), asset.Hex())
	}

	prevFrom := new(uint256.Int).Set(fromBal)
	prevTo := new(uint256.Int).Set(toBal)
	v.setBalanceLocked(asset, from, nextFrom)
	v.setBalanceLocked(asset, to, nextTo)
	journal.Record(ctx, func() {
		v.mu.Lock()
		v.setBalanceLocked(asset, from, prevFrom)
		v.setBalanceLocked(asset, to, prevTo)
		v.mu.Unlock()
	})
	return nil
}

// SetAllowance sets how much of owner's asset spender may move.
func (v *Vault) SetAllowance(ctx context.Context, asset, owner, spender common.Address, amount *uint256.Int) {
	key := allowanceKey{asset, owner, spender}

	v.mu.Lock()
	prev, had := v.allowances[key]
	if amount == nil || amount.IsZero() {
		delete(v.allowances, key)
	} else {
		v.allowances[key] = new(uint256.Int).Set(amount)
	}
	v.mu.Unlock()

	journal.Record(ctx, func() {
		v.mu.Lock()
		if had {
			v.allowances[key] = prev
		} else {
			delete(v.allowances, key)
		}
		v.mu.Unlock()
	})
}

// TransferFrom moves amount of owner's asset to `to`, spending spender's allowance.
func (v *Vault) TransferFrom(ctx context.Context, asset, spender, owner, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	allowed := v.Allowance(asset, owner, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s may move %s of %s's %s, needs %s", ErrInsufficientAllowance,
			spender.Hex(), types.FormatAmount(allowed), owner.Hex(), asset.Hex(), types.FormatAmount(amount))
	}
	if err := v.Move(ctx, asset, owner, to, amount); err != nil {
		return err
	}
	v.SetAllowance(ctx, asset, owner, spender, new(uint256.Int).Sub(allowed, amount))
	return nil
}

// Collect pulls amount from a payer into the escrow. Tokens are pulled with
// the allowance the payer granted the escrow; native value is taken directly.
func (v *Vault) Collect(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if types.IsNative(asset) {
		return v.Move(ctx, asset, from, v.self, amount)
	}
	return v.TransferFrom(ctx, asset, v.self, from, v.self, amount)
}

// Transfer pays amount of the escrow's asset to `to`.
func (v *Vault) Transfer(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	return v.Move(ctx, asset, v.self, to, amount)
}

// Approve sets the escrow's allowance for spender.
func (v *Vault) Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error {
	if types.IsNative(asset) {
		return nil
	}
	v.SetAllowance(ctx, asset, v.self, spender, amount)
	return nil
}

// Call forwards value to target and runs the exchange registered there.
func (v *Vault) Call(ctx context.Context, target common.Address, payload []byte, value *uint256.Int) error {
	v.mu.RLock()
	ex, ok := v.exchanges[target]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target.Hex())
	}
	if value == nil {
		value = new(uint256.Int)
	}
	if err := v.Move(ctx, types.NativeAsset, v.self, target, value); err != nil {
		return fmt.Errorf("attach value: %w", err)
	}
	return ex.Execute(ctx, v, v.self, payload, value)
}

// Holdings returns every non-zero balance held by holder.
func (v *Vault) Holdings(holder common.Address) map[common.Address]*uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[common.Address]*uint256.Int)
	for asset, holders := range v.balances {
		if b, ok := holders[holder]; ok && !b.IsZero() {
			out[asset] = new(uint256.Int).Set(b)
		}
	}
	return out
}

func (v *Vault) balanceLocked(asset, holder common.Address) *uint256.Int {
	if holders, ok := v.balances[asset]; ok {
		if b, ok := holders[holder]; ok {
			return b
		}
	}
	return new(uint256.Int)
}

func (v *Vault) setBalanceLocked(asset, holder common.Address, amount *uint256.Int) {
	holders, ok := v.balances[asset]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		v.balances[asset] = holders
	}
	if amount.IsZero() {
		delete(holders, holder)
		return
	}
	holders[holder] = amount
}
