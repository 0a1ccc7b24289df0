package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/journal"
	"github.com/moltbunker/escrowd/pkg/types"
)

// Key identifies an entry in a bucket. Every key is scoped to one asset so
// that per-asset totals can be maintained alongside the entries.
type Key interface {
	comparable
	AssetID() common.Address
	String() string
}

// PayerKey addresses deposit and refund entries.
type PayerKey struct {
	Service types.ServiceID
	Asset   common.Address
	Payer   common.Address
}

func (k PayerKey) AssetID() common.Address { return k.Asset }

func (k PayerKey) String() string {
	return fmt.Sprintf("service=%d asset=%s payer=%s", k.Service, k.Asset.Hex(), k.Payer.Hex())
}

// ServiceKey addresses per-service pool and fee entries.
type ServiceKey struct {
	Service types.ServiceID
	Asset   common.Address
}

func (k ServiceKey) AssetID() common.Address { return k.Asset }

func (k ServiceKey) String() string {
	return fmt.Sprintf("service=%d asset=%s", k.Service, k.Asset.Hex())
}

// FulfillerKey addresses the cross-service fulfiller aggregate entries.
type FulfillerKey struct {
	Fulfiller common.Address
	Asset     common.Address
}

func (k FulfillerKey) AssetID() common.Address { return k.Asset }

func (k FulfillerKey) String() string {
	return fmt.Sprintf("fulfiller=%s asset=%s", k.Fulfiller.Hex(), k.Asset.Hex())
}

// Bucket is one keyed balance table with checked arithmetic. Mutations are
// recorded in the journal carried by the context, if any.
type Bucket[K Key] struct {
	name    string
	mu      sync.RWMutex
	entries map[K]*uint256.Int
	totals  map[common.Address]*uint256.Int
}

func newBucket[K Key](name string) *Bucket[K] {
	return &Bucket[K]{
		name:    name,
		entries: make(map[K]*uint256.Int),
		totals:  make(map[common.Address]*uint256.Int),
	}
}

// Name returns the bucket name used in errors and logs.
func (b *Bucket[K]) Name() string {
	return b.name
}

// Get returns a copy of the entry for k (zero when absent).
func (b *Bucket[K]) Get(k K) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.entries[k]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Total returns the sum of all entries for asset.
func (b *Bucket[K]) Total(asset common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.totals[asset]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Add credits amount to k.
func (b *Bucket[K]) Add(ctx context.Context, k K, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.current(k)
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return b.arithErr("add", k, cur, amount, ErrOverflow)
	}
	total := b.currentTotal(k.AssetID())
	nextTotal, overflow := new(uint256.Int).AddOverflow(total, amount)
	if overflow {
		return b.arithErr("add", k, total, amount, ErrOverflow)
	}
	b.write(ctx, k, next, nextTotal)
	return nil
}

// Sub debits amount from k, failing rather than wrapping on underflow.
func (b *Bucket[K]) Sub(ctx context.Context, k K, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.current(k)
	next, underflow := new(uint256.Int).SubOverflow(cur, amount)
	if underflow {
		return b.arithErr("sub", k, cur, amount, ErrUnderflow)
	}
	total := b.currentTotal(k.AssetID())
	nextTotal, underflow := new(uint256.Int).SubOverflow(total, amount)
	if underflow {
		return b.arithErr("sub", k, total, amount, ErrUnderflow)
	}
	b.write(ctx, k, next, nextTotal)
	return nil
}

// Drain zeroes k and returns the amount it held.
func (b *Bucket[K]) Drain(ctx context.Context, k K) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.current(k)
	if cur.IsZero() {
		return cur, nil
	}
	total := b.currentTotal(k.AssetID())
	nextTotal, underflow := new(uint256.Int).SubOverflow(total, cur)
	if underflow {
		return nil, b.arithErr("drain", k, total, cur, ErrUnderflow)
	}
	b.write(ctx, k, new(uint256.Int), nextTotal)
	return cur, nil
}

// Entries returns a copy of every non-zero entry, ordered by key string.
func (b *Bucket[K]) Entries() []Entry[K] {
	b.mu.RLock()
	out := make([]Entry[K], 0, len(b.entries))
	for k, v := range b.entries {
		out = append(out, Entry[K]{Key: k, Amount: new(uint256.Int).Set(v)})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Entry is a key and its balance.
type Entry[K Key] struct {
	Key    K
	Amount *uint256.Int
}

func (b *Bucket[K]) current(k K) *uint256.Int {
	if v, ok := b.entries[k]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (b *Bucket[K]) currentTotal(asset common.Address) *uint256.Int {
	if v, ok := b.totals[asset]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// write installs new values and journals the previous ones. Caller holds mu.
func (b *Bucket[K]) write(ctx context.Context, k K, value, total *uint256.Int) {
	asset := k.AssetID()
	prev, hadPrev := b.entries[k]
	prevTotal, hadTotal := b.totals[asset]

	b.set(k, value)
	b.setTotal(asset, total)

	journal.Record(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if hadPrev {
			b.entries[k] = prev
		} else {
			delete(b.entries, k)
		}
		if hadTotal {
			b.totals[asset] = prevTotal
		} else {
			delete(b.totals, asset)
		}
	})
}

func (b *Bucket[K]) set(k K, v *uint256.Int) {
	if v.IsZero() {
		delete(b.entries, k)
		return
	}
	b.entries[k] = v
}

func (b *Bucket[K]) setTotal(asset common.Address, v *uint256.Int) {
	if v.IsZero() {
		delete(b.totals, asset)
		return
	}
	b.totals[asset] = v
}

func (b *Bucket[K]) arithErr(op string, k K, balance, amount *uint256.Int, err error) error {
	return &ArithmeticError{
		Bucket:  b.name,
		Op:      op,
		Key:     k.String(),
		Balance: balance,
		Amount:  new(uint256.Int).Set(amount),
		Err:     err,
	}
}
