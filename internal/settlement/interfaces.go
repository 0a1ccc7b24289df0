package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/pkg/types"
)

// Registry is the read-only view of registered services and tokens.
type Registry interface {
	GetService(id types.ServiceID) (types.Service, error)
	IsWhitelisted(asset common.Address) bool
	IsFulfiller(addr common.Address) bool
	ValidReference(id types.ServiceID, ref string) bool
}

// Roles answers the router and manager identity checks.
type Roles interface {
	IsRouter(addr common.Address) bool
	IsManager(addr common.Address) bool
}

// Custodian holds the escrowed assets and moves them on the engine's behalf.
// Implementations that keep their own state in memory record undo actions in
// the journal carried by ctx so a failed operation also unwinds custody, and
// report Reversible. Effects of a non-reversible custodian are final once the
// call returns, so the engine keeps the ledger entries for the legs that
// settled.
type Custodian interface {
	Reversible() bool
	BalanceOf(ctx context.Context, asset common.Address) (*uint256.Int, error)
	Collect(ctx context.Context, asset, from common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error
	Call(ctx context.Context, target common.Address, payload []byte, value *uint256.Int) error
}

// EventSink receives committed events.
type EventSink interface {
	Publish(e types.Event)
}

// Observer receives per-operation measurements. class is empty on success.
type Observer interface {
	ObserveOperation(op string, duration time.Duration, class string)
	ObserveSwap(toAsset common.Address, received *big.Int)
}

// StaticRoles is a Roles backed by fixed router and manager addresses.
type StaticRoles struct {
	Router  common.Address
	Manager common.Address
}

func (r StaticRoles) IsRouter(addr common.Address) bool {
	return addr != (common.Address{}) && addr == r.Router
}

func (r StaticRoles) IsManager(addr common.Address) bool {
	return addr != (common.Address{}) && addr == r.Manager
}

type nopSink struct{}

func (nopSink) Publish(types.Event) {}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, time.Duration, string) {}
func (nopObserver) ObserveSwap(common.Address, *big.Int)           {}
