package types

import (
	"time"
)

// HTTP API wire types. Amounts travel as decimal strings in base units;
// assets are hex addresses or "native".

// DepositRequest is the body of POST /v1/deposits.
type DepositRequest struct {
	ServiceID  ServiceID `json:"service_id" validate:"required"`
	Payer      string    `json:"payer" validate:"required,eth_addr"`
	Asset      string    `json:"asset" validate:"required"`
	Principal  string    `json:"principal" validate:"required,number"`
	Fee        string    `json:"fee,omitempty" validate:"omitempty,number"`
	FiatAmount string    `json:"fiat_amount,omitempty"`
	ServiceRef string    `json:"service_ref,omitempty" validate:"max=256"`
}

// FulfillmentRequest is the body of POST /v1/fulfillments.
type FulfillmentRequest struct {
	ServiceID  ServiceID    `json:"service_id" validate:"required"`
	RecordID   RecordID     `json:"record_id" validate:"required"`
	Status     RecordStatus `json:"status" validate:"required"`
	ExternalID string       `json:"external_id,omitempty" validate:"max=256"`
	ReceiptURI string       `json:"receipt_uri,omitempty" validate:"omitempty,uri"`
}

// RefundRequest is the body of POST /v1/refunds.
type RefundRequest struct {
	ServiceID ServiceID `json:"service_id" validate:"required"`
	RecordID  RecordID  `json:"record_id" validate:"required"`
}

// AssetRequest selects an asset. An empty asset means native.
type AssetRequest struct {
	Asset string `json:"asset,omitempty"`
}

// SweepRequest is the body of POST /v1/sweeps.
type SweepRequest struct {
	ServiceID ServiceID `json:"service_id" validate:"required"`
	Asset     string    `json:"asset,omitempty"`
}

// SwapRequest is the body of POST /v1/swaps. Without CallPayload the server
// encodes the standard aggregator swap call from the assets, Amount and
// MinAmountOut.
type SwapRequest struct {
	ServiceID    ServiceID `json:"service_id" validate:"required"`
	RecordID     RecordID  `json:"record_id,omitempty"`
	FromAsset    string    `json:"from_asset,omitempty"`
	ToAsset      string    `json:"to_asset" validate:"required"`
	Amount       string    `json:"amount" validate:"required,number"`
	CallTarget   string    `json:"call_target" validate:"required,eth_addr"`
	CallPayload  string    `json:"call_payload,omitempty" validate:"omitempty,hexadecimal"`
	MinAmountOut string    `json:"min_amount_out,omitempty" validate:"omitempty,number"`
}

// FulfillAndSwapRequest is the body of POST /v1/fulfill-and-swap. An empty
// Amount swaps the record's principal.
type FulfillAndSwapRequest struct {
	ServiceID    ServiceID `json:"service_id" validate:"required"`
	RecordID     RecordID  `json:"record_id" validate:"required"`
	ExternalID   string    `json:"external_id,omitempty" validate:"max=256"`
	ReceiptURI   string    `json:"receipt_uri,omitempty" validate:"omitempty,uri"`
	ToAsset      string    `json:"to_asset" validate:"required"`
	Amount       string    `json:"amount,omitempty" validate:"omitempty,number"`
	CallTarget   string    `json:"call_target" validate:"required,eth_addr"`
	CallPayload  string    `json:"call_payload,omitempty" validate:"omitempty,hexadecimal"`
	MinAmountOut string    `json:"min_amount_out,omitempty" validate:"omitempty,number"`
}

// FulfillerWithdrawRequest is the body of POST /v1/fulfillers/withdraw.
type FulfillerWithdrawRequest struct {
	Asset           string `json:"asset,omitempty"`
	Amount          string `json:"amount,omitempty" validate:"omitempty,number"`
	Fees            string `json:"fees,omitempty" validate:"omitempty,number"`
	Beneficiary     string `json:"beneficiary" validate:"required,eth_addr"`
	FeesBeneficiary string `json:"fees_beneficiary" validate:"required,eth_addr"`
}

// RecordResponse is the wire form of a FulfillmentRecord.
type RecordResponse struct {
	ID         RecordID     `json:"id"`
	ServiceID  ServiceID    `json:"service_id"`
	ServiceRef string       `json:"service_ref,omitempty"`
	ExternalID string       `json:"external_id,omitempty"`
	ReceiptURI string       `json:"receipt_uri,omitempty"`
	Fulfiller  string       `json:"fulfiller"`
	Payer      string       `json:"payer"`
	Asset      string       `json:"asset"`
	Principal  string       `json:"principal"`
	Fee        string       `json:"fee"`
	FiatAmount string       `json:"fiat_amount"`
	Status     RecordStatus `json:"status"`
	Swapped    bool         `json:"swapped,omitempty"`
	EntryTime  time.Time    `json:"entry_time"`
}

// NewRecordResponse converts a record for the wire.
func NewRecordResponse(r *FulfillmentRecord) RecordResponse {
	return RecordResponse{
		ID:         r.ID,
		ServiceID:  r.ServiceID,
		ServiceRef: r.ServiceRef,
		ExternalID: r.ExternalID,
		ReceiptURI: r.ReceiptURI,
		Fulfiller:  r.Fulfiller.Hex(),
		Payer:      r.Payer.Hex(),
		Asset:      r.Asset.Hex(),
		Principal:  FormatAmount(r.Principal),
		Fee:        FormatAmount(r.Fee),
		FiatAmount: r.FiatAmount.String(),
		Status:     r.Status,
		Swapped:    r.Swapped,
		EntryTime:  r.EntryTime,
	}
}

// AmountResponse reports a single paid-out amount.
type AmountResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// SweepResponse reports balances moved to a fulfiller's aggregate ledger.
type SweepResponse struct {
	ServiceID ServiceID `json:"service_id"`
	Fulfiller string    `json:"fulfiller"`
	Asset     string    `json:"asset"`
	Pool      string    `json:"pool"`
	Fees      string    `json:"fees"`
}

// SwapResponse reports a completed swap settlement.
type SwapResponse struct {
	ServiceID        ServiceID      `json:"service_id"`
	RecordID         RecordID       `json:"record_id,omitempty"`
	CallTarget       string         `json:"call_target"`
	SourceAsset      string         `json:"source_asset"`
	ToAsset          string         `json:"to_asset"`
	Amount           string         `json:"amount"`
	FromReleaseable  string         `json:"from_releaseable"`
	FromFees         string         `json:"from_fees"`
	Received         string         `json:"received"`
	ReleaseableShare string         `json:"releaseable_share"`
	FeesShare        string         `json:"fees_share"`
	Swept            *SweepResponse `json:"swept,omitempty"`
}

// ServiceBalancesResponse is the body of GET /v1/services/{id}/balances.
type ServiceBalancesResponse struct {
	ServiceID   ServiceID `json:"service_id"`
	Asset       string    `json:"asset"`
	Releaseable string    `json:"releaseable"`
	Fees        string    `json:"fees"`
}

// PayerBalancesResponse is the body of GET /v1/services/{id}/payers/{addr}/balances.
type PayerBalancesResponse struct {
	ServiceID ServiceID `json:"service_id"`
	Payer     string    `json:"payer"`
	Asset     string    `json:"asset"`
	Deposit   string    `json:"deposit"`
	Refund    string    `json:"refund"`
}

// FulfillerBalancesResponse is the body of GET /v1/fulfillers/{addr}/balances.
type FulfillerBalancesResponse struct {
	Fulfiller string `json:"fulfiller"`
	Asset     string `json:"asset"`
	Pool      string `json:"pool"`
	Fees      string `json:"fees"`
}

// SolvencyResponse is the body of GET /v1/solvency.
type SolvencyResponse struct {
	Asset          string `json:"asset"`
	Deposits       string `json:"deposits"`
	Refunds        string `json:"refunds"`
	Pools          string `json:"pools"`
	Fees           string `json:"fees"`
	FulfillerPools string `json:"fulfiller_pools"`
	FulfillerFees  string `json:"fulfiller_fees"`
	Liabilities    string `json:"liabilities"`
	Custodied      string `json:"custodied"`
	Solvent        bool   `json:"solvent"`
}

// EventsResponse is the body of GET /v1/events.
type EventsResponse struct {
	Events  []Event `json:"events"`
	LastSeq uint64  `json:"last_seq"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	Version           string `json:"version"`
	SettlementVersion string `json:"settlement_version"`
	Records           int    `json:"records"`
	Services          int    `json:"services"`
	Reason            string `json:"reason,omitempty"`
}

// AuthChallengeRequest is the body of POST /v1/auth/challenge.
type AuthChallengeRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

// AuthChallengeResponse carries the message to sign.
type AuthChallengeResponse struct {
	Message   string `json:"message"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// AuthVerifyRequest is the body of POST /v1/auth/verify.
type AuthVerifyRequest struct {
	Address   string `json:"address" validate:"required,eth_addr"`
	Message   string `json:"message" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// AuthVerifyResponse carries a session token.
type AuthVerifyResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"` // seconds
	Wallet      string `json:"wallet"`
	AuthType    string `json:"auth_type"`
}

// CreateAPIKeyRequest is the body of POST /v1/api-keys.
type CreateAPIKeyRequest struct {
	Name          string   `json:"name" validate:"required,max=64"`
	Address       string   `json:"address" validate:"required,eth_addr"`
	Permissions   []string `json:"permissions" validate:"required,min=1,dive,oneof=read write admin"`
	ExpiresInDays int      `json:"expires_in_days,omitempty" validate:"gte=0"`
}

// CreateAPIKeyResponse returns the plain key exactly once.
type CreateAPIKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// VaultMintRequest credits an account in in-memory custody.
type VaultMintRequest struct {
	Asset  string `json:"asset" validate:"required"`
	Holder string `json:"holder" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,number"`
}

// VaultApproveRequest lets the escrow pull Amount of Asset from the caller.
type VaultApproveRequest struct {
	Asset  string `json:"asset" validate:"required"`
	Amount string `json:"amount" validate:"required,number"`
}

// HoldingsResponse lists an account's in-memory custody balances by asset.
type HoldingsResponse struct {
	Holder   string            `json:"holder"`
	Balances map[string]string `json:"balances"`
}
