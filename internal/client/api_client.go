// Package client is a Go client for the escrowd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/pkg/types"
)

// Request headers understood by the server.
const (
	headerAPIKey          = "X-API-Key"
	headerWalletAddress   = "X-Wallet-Address"
	headerWalletSignature = "X-Wallet-Signature"
	headerWalletMessage   = "X-Wallet-Message"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Class      string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.StatusCode, e.Class, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures an APIClient.
type Option func(*APIClient)

// WithSigner signs every request with a wallet.
func WithSigner(s *WalletSigner) Option {
	return func(c *APIClient) { c.signer = s }
}

// WithAPIKey authenticates every request with an API key.
func WithAPIKey(key string) Option {
	return func(c *APIClient) { c.apiKey = key }
}

// WithBearerToken authenticates with a session token from VerifyChallenge.
func WithBearerToken(token string) Option {
	return func(c *APIClient) { c.token = token }
}

// WithAddress sends an unsigned wallet address. Only servers running with
// authentication disabled accept it.
func WithAddress(addr common.Address) Option {
	return func(c *APIClient) { c.address = addr.Hex() }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *APIClient) { c.httpClient = hc }
}

// APIClient talks to an escrowd server.
type APIClient struct {
	baseURL    string
	signer     *WalletSigner
	apiKey     string
	token      string
	address    string
	httpClient *http.Client
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL string, opts ...Option) *APIClient {
	c := &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs an authenticated request and decodes the JSON response into out.
func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authenticate(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp types.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Class = errResp.Class
			apiErr.Retryable = errResp.Retryable
		}
		// Health reports its reason in a normal body on 503.
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil {
			_ = json.Unmarshal(respBody, out)
		}
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *APIClient) authenticate(req *http.Request) error {
	switch {
	case c.apiKey != "":
		req.Header.Set(headerAPIKey, c.apiKey)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.signer != nil:
		addr, sig, msg, err := c.signer.SignAuth()
		if err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set(headerWalletAddress, addr)
		req.Header.Set(headerWalletSignature, sig)
		req.Header.Set(headerWalletMessage, msg)
	case c.address != "":
		req.Header.Set(headerWalletAddress, c.address)
	}
	return nil
}

// Health returns the server health. An unhealthy server answers 503 with a
// body, which is returned alongside the error.
func (c *APIClient) Health(ctx context.Context) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deposit escrows a payment for a service.
func (c *APIClient) Deposit(ctx context.Context, req *types.DepositRequest) (*types.RecordResponse, error) {
	var resp types.RecordResponse
	if err := c.do(ctx, http.MethodPost, "/v1/deposits", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterFulfillment records the outcome of a pending record.
func (c *APIClient) RegisterFulfillment(ctx context.Context, req *types.FulfillmentRequest) (*types.RecordResponse, error) {
	var resp types.RecordResponse
	if err := c.do(ctx, http.MethodPost, "/v1/fulfillments", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WithdrawRefund pays out a failed record's refund to its payer.
func (c *APIClient) WithdrawRefund(ctx context.Context, serviceID types.ServiceID, recordID types.RecordID) (*types.AmountResponse, error) {
	var resp types.AmountResponse
	req := types.RefundRequest{ServiceID: serviceID, RecordID: recordID}
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BeneficiaryWithdraw drains a service's releaseable pool to its beneficiary.
func (c *APIClient) BeneficiaryWithdraw(ctx context.Context, serviceID types.ServiceID, asset string) (*types.AmountResponse, error) {
	var resp types.AmountResponse
	path := "/v1/services/" + serviceID.String() + "/withdraw"
	if err := c.do(ctx, http.MethodPost, path, types.AssetRequest{Asset: asset}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WithdrawFees drains a service's accumulated fees to its fulfiller.
func (c *APIClient) WithdrawFees(ctx context.Context, serviceID types.ServiceID, asset string) (*types.AmountResponse, error) {
	var resp types.AmountResponse
	path := "/v1/services/" + serviceID.String() + "/fees/withdraw"
	if err := c.do(ctx, http.MethodPost, path, types.AssetRequest{Asset: asset}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Swap converts pooled balances through an aggregator.
func (c *APIClient) Swap(ctx context.Context, req *types.SwapRequest) (*types.SwapResponse, error) {
	var resp types.SwapResponse
	if err := c.do(ctx, http.MethodPost, "/v1/swaps", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FulfillAndSwap marks a record fulfilled and swaps its proceeds in one step.
func (c *APIClient) FulfillAndSwap(ctx context.Context, req *types.FulfillAndSwapRequest) (*types.SwapResponse, error) {
	var resp types.SwapResponse
	if err := c.do(ctx, http.MethodPost, "/v1/fulfill-and-swap", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sweep moves a service's pool and fees into its fulfiller's ledger.
func (c *APIClient) Sweep(ctx context.Context, serviceID types.ServiceID, asset string) (*types.SweepResponse, error) {
	var resp types.SweepResponse
	req := types.SweepRequest{ServiceID: serviceID, Asset: asset}
	if err := c.do(ctx, http.MethodPost, "/v1/sweeps", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FulfillerWithdraw pays out of the caller's fulfiller ledger and returns
// the balances left.
func (c *APIClient) FulfillerWithdraw(ctx context.Context, req *types.FulfillerWithdrawRequest) (*types.FulfillerBalancesResponse, error) {
	var resp types.FulfillerBalancesResponse
	if err := c.do(ctx, http.MethodPost, "/v1/fulfillers/withdraw", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Record fetches one record.
func (c *APIClient) Record(ctx context.Context, id types.RecordID) (*types.RecordResponse, error) {
	var resp types.RecordResponse
	if err := c.do(ctx, http.MethodGet, "/v1/records/"+id.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordQuery narrows ListRecords. Zero values are ignored.
type RecordQuery struct {
	ServiceID types.ServiceID
	Status    types.RecordStatus
	Limit     int
}

// ListRecords lists records matching q.
func (c *APIClient) ListRecords(ctx context.Context, q RecordQuery) ([]types.RecordResponse, error) {
	v := url.Values{}
	if q.ServiceID != 0 {
		v.Set("service_id", q.ServiceID.String())
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp []types.RecordResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/records", v), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Services lists the registered services.
func (c *APIClient) Services(ctx context.Context) ([]types.Service, error) {
	var resp []types.Service
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ServiceBalances returns a service's pool and fees for asset.
func (c *APIClient) ServiceBalances(ctx context.Context, serviceID types.ServiceID, asset string) (*types.ServiceBalancesResponse, error) {
	var resp types.ServiceBalancesResponse
	path := withQuery("/v1/services/"+serviceID.String()+"/balances", assetQuery(asset))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PayerBalances returns a payer's escrowed deposit and refund for asset.
func (c *APIClient) PayerBalances(ctx context.Context, serviceID types.ServiceID, payer common.Address, asset string) (*types.PayerBalancesResponse, error) {
	var resp types.PayerBalancesResponse
	path := withQuery("/v1/services/"+serviceID.String()+"/payers/"+payer.Hex()+"/balances", assetQuery(asset))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FulfillerBalances returns a fulfiller's aggregate pool and fees for asset.
func (c *APIClient) FulfillerBalances(ctx context.Context, fulfiller common.Address, asset string) (*types.FulfillerBalancesResponse, error) {
	var resp types.FulfillerBalancesResponse
	path := withQuery("/v1/fulfillers/"+fulfiller.Hex()+"/balances", assetQuery(asset))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Solvency compares liabilities with custodied funds for asset.
func (c *APIClient) Solvency(ctx context.Context, asset string) (*types.SolvencyResponse, error) {
	var resp types.SolvencyResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/solvency", assetQuery(asset)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EventsSince returns up to limit events after seq.
func (c *APIClient) EventsSince(ctx context.Context, seq uint64, limit int) (*types.EventsResponse, error) {
	v := url.Values{"since": {strconv.FormatUint(seq, 10)}}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp types.EventsResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/events", v), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns the newest events of kind for a service. Empty filters
// match everything.
func (c *APIClient) Events(ctx context.Context, kind types.EventKind, serviceID types.ServiceID, limit int) (*types.EventsResponse, error) {
	v := url.Values{}
	if kind != "" {
		v.Set("kind", string(kind))
	}
	if serviceID != 0 {
		v.Set("service_id", serviceID.String())
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp types.EventsResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/events", v), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestChallenge asks for a message to sign for a session.
func (c *APIClient) RequestChallenge(ctx context.Context, addr common.Address) (*types.AuthChallengeResponse, error) {
	var resp types.AuthChallengeResponse
	req := types.AuthChallengeRequest{Address: addr.Hex()}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/challenge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyChallenge exchanges a signed challenge for a session token.
func (c *APIClient) VerifyChallenge(ctx context.Context, req *types.AuthVerifyRequest) (*types.AuthVerifyResponse, error) {
	var resp types.AuthVerifyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// APIKeyInfo is a stored API key as listed by the server.
type APIKeyInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	KeyPrefix   string    `json:"key_prefix"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	Enabled     bool      `json:"enabled"`
}

// ListAPIKeys lists API keys. Requires admin.
func (c *APIClient) ListAPIKeys(ctx context.Context) ([]APIKeyInfo, error) {
	var resp []APIKeyInfo
	if err := c.do(ctx, http.MethodGet, "/v1/api-keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateAPIKey creates a key. The plain key is only ever returned here.
func (c *APIClient) CreateAPIKey(ctx context.Context, req *types.CreateAPIKeyRequest) (*types.CreateAPIKeyResponse, error) {
	var resp types.CreateAPIKeyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/api-keys", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeAPIKey disables a key.
func (c *APIClient) RevokeAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/api-keys/"+url.PathEscape(id)+"/revoke", nil, nil)
}

// DeleteAPIKey removes a key.
func (c *APIClient) DeleteAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/api-keys/"+url.PathEscape(id), nil, nil)
}

// VaultMint credits an account in in-memory custody. Requires admin.
func (c *APIClient) VaultMint(ctx context.Context, req *types.VaultMintRequest) (*types.HoldingsResponse, error) {
	var resp types.HoldingsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/vault/mint", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VaultApprove lets the escrow pull amount of asset from the caller.
func (c *APIClient) VaultApprove(ctx context.Context, req *types.VaultApproveRequest) (*types.AmountResponse, error) {
	var resp types.AmountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/vault/approve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VaultHoldings lists an account's in-memory custody balances.
func (c *APIClient) VaultHoldings(ctx context.Context, holder common.Address) (*types.HoldingsResponse, error) {
	var resp types.HoldingsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/vault/"+holder.Hex(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func assetQuery(asset string) url.Values {
	if asset == "" {
		return nil
	}
	return url.Values{"asset": {asset}}
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}
