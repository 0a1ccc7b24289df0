package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind names a settlement event.
type EventKind string

const (
	EventDepositReceived               EventKind = "deposit_received"
	EventRefundAuthorized              EventKind = "refund_authorized"
	EventRefundWithdrawn               EventKind = "refund_withdrawn"
	EventFulfillmentRegistered         EventKind = "fulfillment_registered"
	EventFeesWithdrawn                 EventKind = "fees_withdrawn"
	EventBeneficiaryPaid               EventKind = "beneficiary_paid"
	EventPoolsSwappedToStable          EventKind = "pools_swapped_to_stable"
	EventSweptToFulfiller              EventKind = "swept_to_fulfiller"
	EventFulfillerPoolAndFeesWithdrawn EventKind = "fulfiller_pool_and_fees_withdrawn"
)

// Amount keys used in Event.Amounts.
const (
	AmountPrincipal   = "principal"
	AmountFee         = "fee"
	AmountTotal       = "total"
	AmountReleaseable = "releaseable"
	AmountFees        = "fees"
	AmountReceived    = "received"
	AmountPool        = "pool"

	AmountReleaseableShare = "releaseable_share"
	AmountFeesShare        = "fees_share"
)

// Event is emitted for every ledger-changing operation. It carries every
// amount involved so observers can rebuild ledger state from the stream.
type Event struct {
	ID        string              `json:"id,omitempty"`
	Seq       uint64              `json:"seq,omitempty"`
	Kind      EventKind           `json:"kind"`
	ServiceID ServiceID           `json:"service_id,omitempty"`
	RecordID  RecordID            `json:"record_id,omitempty"`
	Asset     common.Address      `json:"asset"`
	ToAsset   *common.Address     `json:"to_asset,omitempty"`
	Account   common.Address      `json:"account"`          // payer, beneficiary or fulfiller
	Recipient *common.Address     `json:"recipient,omitempty"` // second recipient or call target
	Status    RecordStatus        `json:"status,omitempty"`
	Amounts   map[string]*big.Int `json:"amounts"`
	Attrs     map[string]string   `json:"attrs,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// NewEvent creates an event of the given kind with an empty amount set.
func NewEvent(kind EventKind, serviceID ServiceID, asset common.Address) Event {
	return Event{
		Kind:      kind,
		ServiceID: serviceID,
		Asset:     asset,
		Amounts:   make(map[string]*big.Int),
		Timestamp: time.Now().UTC(),
	}
}

// WithAmount records a named amount on the event.
func (e Event) WithAmount(key string, v *uint256.Int) Event {
	if e.Amounts == nil {
		e.Amounts = make(map[string]*big.Int)
	}
	e.Amounts[key] = ToBig(v)
	return e
}

// Amount returns the named amount, or zero when absent.
func (e Event) Amount(key string) *big.Int {
	if v, ok := e.Amounts[key]; ok && v != nil {
		return v
	}
	return new(big.Int)
}
