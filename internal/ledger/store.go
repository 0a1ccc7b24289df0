// Package ledger holds the escrow's balance buckets: payer deposits and
// authorized refunds, per-service releaseable pools and accumulated fees, and
// the per-fulfiller aggregate pool and fees. All arithmetic is checked.
package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/pkg/types"
)

// Bucket names.
const (
	BucketDeposits       = "deposits"
	BucketRefunds        = "refunds"
	BucketPools          = "releaseable_pools"
	BucketFees           = "accumulated_fees"
	BucketFulfillerPools = "fulfiller_pools"
	BucketFulfillerFees  = "fulfiller_fees"
)

// Store owns every ledger bucket. The settlement engine is its only writer.
type Store struct {
	Deposits       *Bucket[PayerKey]
	Refunds        *Bucket[PayerKey]
	Pools          *Bucket[ServiceKey]
	Fees           *Bucket[ServiceKey]
	FulfillerPools *Bucket[FulfillerKey]
	FulfillerFees  *Bucket[FulfillerKey]
}

// NewStore creates an empty ledger.
func NewStore() *Store {
	return &Store{
		Deposits:       newBucket[PayerKey](BucketDeposits),
		Refunds:        newBucket[PayerKey](BucketRefunds),
		Pools:          newBucket[ServiceKey](BucketPools),
		Fees:           newBucket[ServiceKey](BucketFees),
		FulfillerPools: newBucket[FulfillerKey](BucketFulfillerPools),
		FulfillerFees:  newBucket[FulfillerKey](BucketFulfillerFees),
	}
}

// Totals is the per-bucket sum of one asset across the ledger.
type Totals struct {
	Asset          common.Address
	Deposits       *uint256.Int
	Refunds        *uint256.Int
	Pools          *uint256.Int
	Fees           *uint256.Int
	FulfillerPools *uint256.Int
	FulfillerFees  *uint256.Int
}

// Sum returns the total liability for the asset. The bool is true on overflow,
// which would mean the ledger owes more than 2^256-1.
func (t Totals) Sum() (*uint256.Int, bool) {
	sum := new(uint256.Int)
	for _, v := range []*uint256.Int{t.Deposits, t.Refunds, t.Pools, t.Fees, t.FulfillerPools, t.FulfillerFees} {
		var overflow bool
		sum, overflow = new(uint256.Int).AddOverflow(sum, v)
		if overflow {
			return nil, true
		}
	}
	return sum, false
}

// Totals returns the per-bucket totals for asset.
func (s *Store) Totals(asset common.Address) Totals {
	return Totals{
		Asset:          asset,
		Deposits:       s.Deposits.Total(asset),
		Refunds:        s.Refunds.Total(asset),
		Pools:          s.Pools.Total(asset),
		Fees:           s.Fees.Total(asset),
		FulfillerPools: s.FulfillerPools.Total(asset),
		FulfillerFees:  s.FulfillerFees.Total(asset),
	}
}

// ServiceBalances is a read-only view of one service's entries for an asset.
type ServiceBalances struct {
	Service     types.ServiceID
	Asset       common.Address
	Releaseable *uint256.Int
	Fees        *uint256.Int
}

// ServiceBalances returns the pool and fee entries for (service, asset).
func (s *Store) ServiceBalances(service types.ServiceID, asset common.Address) ServiceBalances {
	k := ServiceKey{Service: service, Asset: asset}
	return ServiceBalances{
		Service:     service,
		Asset:       asset,
		Releaseable: s.Pools.Get(k),
		Fees:        s.Fees.Get(k),
	}
}

// PayerBalances is a read-only view of one payer's entries.
type PayerBalances struct {
	Deposit *uint256.Int
	Refund  *uint256.Int
}

// PayerBalances returns the deposit and refund entries for the key.
func (s *Store) PayerBalances(k PayerKey) PayerBalances {
	return PayerBalances{
		Deposit: s.Deposits.Get(k),
		Refund:  s.Refunds.Get(k),
	}
}

// FulfillerBalances is a read-only view of a fulfiller's aggregate entries.
type FulfillerBalances struct {
	Fulfiller common.Address
	Asset     common.Address
	Pool      *uint256.Int
	Fees      *uint256.Int
}

// FulfillerBalances returns the aggregate entries for (fulfiller, asset).
func (s *Store) FulfillerBalances(fulfiller, asset common.Address) FulfillerBalances {
	k := FulfillerKey{Fulfiller: fulfiller, Asset: asset}
	return FulfillerBalances{
		Fulfiller: fulfiller,
		Asset:     asset,
		Pool:      s.FulfillerPools.Get(k),
		Fees:      s.FulfillerFees.Get(k),
	}
}
