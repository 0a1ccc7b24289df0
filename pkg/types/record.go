package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// RecordStatus is the lifecycle state of a fulfillment record.
type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "pending"  // deposit held, awaiting report
	RecordStatusSuccess  RecordStatus = "success"  // credited to pool and fees
	RecordStatusFailed   RecordStatus = "failed"   // moved to authorized refund
	RecordStatusRefunded RecordStatus = "refunded" // refund paid out
)

// IsTerminal returns true if no further transition is possible.
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case RecordStatusSuccess, RecordStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	switch s {
	case RecordStatusPending:
		return next == RecordStatusSuccess || next == RecordStatusFailed
	case RecordStatusFailed:
		return next == RecordStatusRefunded
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordStatusPending, RecordStatusSuccess, RecordStatusFailed, RecordStatusRefunded:
		return true
	default:
		return false
	}
}

// FulfillmentRecord is one deposit's lifecycle entry.
type FulfillmentRecord struct {
	ID         RecordID
	ServiceID  ServiceID
	ServiceRef string
	ExternalID string // set on success
	Fulfiller  common.Address
	Payer      common.Address
	Principal  *uint256.Int
	Fee        *uint256.Int
	FiatAmount decimal.Decimal // informational only
	EntryTime  time.Time
	ReceiptURI string // set on success
	Asset      common.Address
	Status     RecordStatus
	Swapped    bool // its credited amounts were swapped out of Asset
}

// Total returns principal plus fee. The bool is true on overflow.
func (r *FulfillmentRecord) Total() (*uint256.Int, bool) {
	return new(uint256.Int).AddOverflow(r.Principal, r.Fee)
}

// Clone returns a deep copy so callers cannot mutate stored amounts.
func (r *FulfillmentRecord) Clone() *FulfillmentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Principal != nil {
		c.Principal = new(uint256.Int).Set(r.Principal)
	}
	if r.Fee != nil {
		c.Fee = new(uint256.Int).Set(r.Fee)
	}
	return &c
}

// FulfillmentResult is the manager's report on a pending record.
type FulfillmentResult struct {
	RecordID   RecordID
	Status     RecordStatus
	ExternalID string
	ReceiptURI string
}

// SwapInstruction describes an exchange of pooled balances through an aggregator.
// FromAsset is only consulted when no record is referenced; zero means native.
type SwapInstruction struct {
	FromAsset   common.Address
	ToAsset     common.Address
	Amount      *uint256.Int
	CallTarget  common.Address
	CallPayload []byte
}
