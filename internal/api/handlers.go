package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/custody"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/internal/records"
	"github.com/moltbunker/escrowd/internal/settlement"
	"github.com/moltbunker/escrowd/pkg/types"
	"github.com/shopspring/decimal"
)

// Default and maximum page sizes for list endpoints.
const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ============================================================================
// Settlement operations
// ============================================================================

// handleDeposit handles POST /v1/deposits
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req types.DepositRequest
	if !s.decode(w, r, &req) {
		return
	}

	asset, err := types.ParseAsset(req.Asset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := types.ParseAmount(req.Principal)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "principal: "+err.Error())
		return
	}
	fee, err := parseOptionalAmount(req.Fee)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "fee: "+err.Error())
		return
	}
	fiat := decimal.Zero
	if req.FiatAmount != "" {
		fiat, err = decimal.NewFromString(req.FiatAmount)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "fiat_amount: "+err.Error())
			return
		}
	}

	rec, err := s.engine.Deposit(r.Context(), s.caller(r), settlement.DepositRequest{
		ServiceID:  req.ServiceID,
		Payer:      common.HexToAddress(req.Payer),
		Asset:      asset,
		Principal:  principal,
		Fee:        fee,
		FiatAmount: fiat,
		ServiceRef: req.ServiceRef,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, types.NewRecordResponse(rec))
}

// handleRegisterFulfillment handles POST /v1/fulfillments
func (s *Server) handleRegisterFulfillment(w http.ResponseWriter, r *http.Request) {
	var req types.FulfillmentRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.engine.RegisterFulfillment(r.Context(), s.caller(r), req.ServiceID, types.FulfillmentResult{
		RecordID:   req.RecordID,
		Status:     req.Status,
		ExternalID: req.ExternalID,
		ReceiptURI: req.ReceiptURI,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, types.NewRecordResponse(rec))
}

// handleWithdrawRefund handles POST /v1/refunds
func (s *Server) handleWithdrawRefund(w http.ResponseWriter, r *http.Request) {
	var req types.RefundRequest
	if !s.decode(w, r, &req) {
		return
	}

	amount, err := s.engine.WithdrawRefund(r.Context(), s.caller(r), req.ServiceID, req.RecordID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := types.AmountResponse{Amount: types.FormatAmount(amount)}
	if rec, err := s.engine.Record(r.Context(), req.RecordID); err == nil {
		resp.Asset = assetString(rec.Asset)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleBeneficiaryWithdraw handles POST /v1/services/{id}/withdraw
func (s *Server) handleBeneficiaryWithdraw(w http.ResponseWriter, r *http.Request) {
	serviceID, asset, ok := s.serviceAndAsset(w, r)
	if !ok {
		return
	}

	amount, err := s.engine.BeneficiaryWithdraw(r.Context(), s.caller(r), serviceID, asset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.AmountResponse{Asset: assetString(asset), Amount: types.FormatAmount(amount)})
}

// handleWithdrawFees handles POST /v1/services/{id}/fees/withdraw
func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	serviceID, asset, ok := s.serviceAndAsset(w, r)
	if !ok {
		return
	}

	amount, err := s.engine.WithdrawAccumulatedFees(r.Context(), s.caller(r), serviceID, asset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.AmountResponse{Asset: assetString(asset), Amount: types.FormatAmount(amount)})
}

// serviceAndAsset reads the {id} path value and an optional asset body.
func (s *Server) serviceAndAsset(w http.ResponseWriter, r *http.Request) (types.ServiceID, common.Address, bool) {
	serviceID, err := types.ParseServiceID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, common.Address{}, false
	}
	var req types.AssetRequest
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeBodyError(w, err)
		return 0, common.Address{}, false
	}
	asset, err := parseOptionalAsset(req.Asset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, common.Address{}, false
	}
	return serviceID, asset, true
}

// handleSwap handles POST /v1/swaps
func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req types.SwapRequest
	if !s.decode(w, r, &req) {
		return
	}

	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	from, err := parseOptionalAsset(req.FromAsset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "from_asset: "+err.Error())
		return
	}
	if req.RecordID != 0 {
		rec, err := s.engine.Record(r.Context(), req.RecordID)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		from = rec.Asset
	}
	in, ok := s.swapInstruction(w, from, req.ToAsset, amount, req.CallTarget, req.CallPayload, req.MinAmountOut)
	if !ok {
		return
	}

	res, err := s.engine.SwapPoolsToStable(r.Context(), s.caller(r), req.ServiceID, req.RecordID, in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, swapResponse(res))
}

// handleFulfillAndSwap handles POST /v1/fulfill-and-swap
func (s *Server) handleFulfillAndSwap(w http.ResponseWriter, r *http.Request) {
	var req types.FulfillAndSwapRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.engine.Record(r.Context(), req.RecordID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	// The payload must name the amount the engine will swap, which defaults
	// to the record's total.
	encoded := amount
	if encoded.IsZero() {
		total, overflow := rec.Total()
		if overflow {
			s.writeError(w, http.StatusBadRequest, "record total overflows")
			return
		}
		encoded = total
	}
	in, ok := s.swapInstruction(w, rec.Asset, req.ToAsset, encoded, req.CallTarget, req.CallPayload, req.MinAmountOut)
	if !ok {
		return
	}
	in.Amount = amount

	res, err := s.engine.FulfillAndSwap(r.Context(), s.caller(r), req.ServiceID, types.FulfillmentResult{
		RecordID:   req.RecordID,
		Status:     types.RecordStatusSuccess,
		ExternalID: req.ExternalID,
		ReceiptURI: req.ReceiptURI,
	}, in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, swapResponse(res))
}

// swapInstruction builds the engine instruction, encoding the aggregator
// call when the client did not supply raw calldata.
func (s *Server) swapInstruction(w http.ResponseWriter, from common.Address, toAsset string, amount *uint256.Int, target, payload, minOut string) (types.SwapInstruction, bool) {
	to, err := types.ParseAsset(toAsset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "to_asset: "+err.Error())
		return types.SwapInstruction{}, false
	}
	in := types.SwapInstruction{
		FromAsset:  from,
		ToAsset:    to,
		Amount:     amount,
		CallTarget: common.HexToAddress(target),
	}
	if payload != "" {
		in.CallPayload = common.FromHex(payload)
		return in, true
	}

	floor, err := parseOptionalAmount(minOut)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "min_amount_out: "+err.Error())
		return types.SwapInstruction{}, false
	}
	if types.IsNullAsset(from) {
		from = types.NativeAsset
	}
	in.CallPayload, err = custody.EncodeSwapCall(from, to, amount, floor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return types.SwapInstruction{}, false
	}
	return in, true
}

// handleSweep handles POST /v1/sweeps
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req types.SweepRequest
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := parseOptionalAsset(req.Asset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.SweepToFulfiller(r.Context(), s.caller(r), req.ServiceID, asset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sweepResponse(res))
}

// handleFulfillerWithdraw handles POST /v1/fulfillers/withdraw
func (s *Server) handleFulfillerWithdraw(w http.ResponseWriter, r *http.Request) {
	var req types.FulfillerWithdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := parseOptionalAsset(req.Asset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	fees, err := parseOptionalAmount(req.Fees)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "fees: "+err.Error())
		return
	}

	caller := s.caller(r)
	err = s.engine.WithdrawFulfillerPoolAndFees(r.Context(), caller, settlement.FulfillerWithdrawal{
		Asset:           asset,
		Amount:          amount,
		Fees:            fees,
		Beneficiary:     common.HexToAddress(req.Beneficiary),
		FeesBeneficiary: common.HexToAddress(req.FeesBeneficiary),
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	b := s.engine.FulfillerBalances(r.Context(), caller, asset)
	s.writeJSON(w, http.StatusOK, fulfillerBalances(b.Pool, b.Fees, caller, asset))
}

// ============================================================================
// Queries
// ============================================================================

// handleGetRecord handles GET /v1/records/{id}
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseRecordID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.engine.Record(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.NewRecordResponse(rec))
}

// handleListRecords handles GET /v1/records?service_id=&status=&limit=
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f records.Filter
	if v := q.Get("service_id"); v != "" {
		id, err := types.ParseServiceID(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.ServiceID = id
	}
	if v := q.Get("status"); v != "" {
		f.Status = types.RecordStatus(strings.ToLower(v))
		if !f.Status.Valid() {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
	}
	limit, ok := s.pageSize(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	recs := s.engine.Records(r.Context(), f)
	out := make([]types.RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, types.NewRecordResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleListServices handles GET /v1/services
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, []types.Service{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Services())
}

// handleServiceBalances handles GET /v1/services/{id}/balances?asset=
func (s *Server) handleServiceBalances(w http.ResponseWriter, r *http.Request) {
	serviceID, err := types.ParseServiceID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseOptionalAsset(r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := s.engine.ServiceBalances(r.Context(), serviceID, asset)
	s.writeJSON(w, http.StatusOK, types.ServiceBalancesResponse{
		ServiceID:   serviceID,
		Asset:       assetString(b.Asset),
		Releaseable: types.FormatAmount(b.Releaseable),
		Fees:        types.FormatAmount(b.Fees),
	})
}

// handlePayerBalances handles GET /v1/services/{id}/payers/{addr}/balances?asset=
func (s *Server) handlePayerBalances(w http.ResponseWriter, r *http.Request) {
	serviceID, err := types.ParseServiceID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payer, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	asset, err := parseOptionalAsset(r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := s.engine.PayerBalances(r.Context(), serviceID, asset, payer)
	s.writeJSON(w, http.StatusOK, types.PayerBalancesResponse{
		ServiceID: serviceID,
		Payer:     payer.Hex(),
		Asset:     assetString(asset),
		Deposit:   types.FormatAmount(b.Deposit),
		Refund:    types.FormatAmount(b.Refund),
	})
}

// handleFulfillerBalances handles GET /v1/fulfillers/{addr}/balances?asset=
func (s *Server) handleFulfillerBalances(w http.ResponseWriter, r *http.Request) {
	fulfiller, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	asset, err := parseOptionalAsset(r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := s.engine.FulfillerBalances(r.Context(), fulfiller, asset)
	s.writeJSON(w, http.StatusOK, fulfillerBalances(b.Pool, b.Fees, fulfiller, b.Asset))
}

// handleSolvency handles GET /v1/solvency?asset=
func (s *Server) handleSolvency(w http.ResponseWriter, r *http.Request) {
	asset, err := parseOptionalAsset(r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.engine.CheckSolvency(r.Context(), asset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.SolvencyResponse{
		Asset:          assetString(rep.Asset),
		Deposits:       types.FormatAmount(rep.Totals.Deposits),
		Refunds:        types.FormatAmount(rep.Totals.Refunds),
		Pools:          types.FormatAmount(rep.Totals.Pools),
		Fees:           types.FormatAmount(rep.Totals.Fees),
		FulfillerPools: types.FormatAmount(rep.Totals.FulfillerPools),
		FulfillerFees:  types.FormatAmount(rep.Totals.FulfillerFees),
		Liabilities:    types.FormatAmount(rep.Liabilities),
		Custodied:      types.FormatAmount(rep.Custodied),
		Solvent:        rep.Solvent,
	})
}

// handleEvents handles GET /v1/events?since=&kind=&service_id=&limit=
// With since the log is read forward from that sequence number; otherwise
// the newest matching events are returned.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := s.pageSize(w, q.Get("limit"))
	if !ok {
		return
	}

	var evs []types.Event
	if v := q.Get("since"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", v))
			return
		}
		evs = s.events.Since(since, limit)
	} else {
		var serviceID types.ServiceID
		if v := q.Get("service_id"); v != "" {
			id, err := types.ParseServiceID(v)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			serviceID = id
		}
		evs = s.events.Filter(types.EventKind(q.Get("kind")), serviceID, limit)
	}
	if evs == nil {
		evs = []types.Event{}
	}

	s.writeJSON(w, http.StatusOK, types.EventsResponse{Events: evs, LastSeq: s.events.LastSeq()})
}

// ============================================================================
// In-memory custody funding
// ============================================================================

// handleVaultMint handles POST /v1/vault/mint (admin)
func (s *Server) handleVaultMint(w http.ResponseWriter, r *http.Request) {
	var req types.VaultMintRequest
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := types.ParseAsset(req.Asset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holder := common.HexToAddress(req.Holder)
	if err := s.vault.Mint(asset, holder, amount); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	logging.InfoContext(r.Context(), "vault account funded",
		logging.Asset(asset),
		logging.Address("holder", holder),
		logging.Amount("amount", amount),
		logging.Component("api"))
	s.writeJSON(w, http.StatusOK, s.holdings(holder))
}

// handleVaultApprove handles POST /v1/vault/approve. The caller approves the
// escrow to pull from the caller's own vault balance.
func (s *Server) handleVaultApprove(w http.ResponseWriter, r *http.Request) {
	var req types.VaultApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := types.ParseAsset(req.Asset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := s.caller(r)
	s.vault.SetAllowance(r.Context(), asset, owner, s.vault.Address(), amount)
	s.writeJSON(w, http.StatusOK, types.AmountResponse{Asset: assetString(asset), Amount: types.FormatAmount(s.vault.Allowance(asset, owner, s.vault.Address()))})
}

// handleVaultHoldings handles GET /v1/vault/{addr}
func (s *Server) handleVaultHoldings(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.holdings(holder))
}

func (s *Server) holdings(holder common.Address) types.HoldingsResponse {
	resp := types.HoldingsResponse{Holder: holder.Hex(), Balances: make(map[string]string)}
	for asset, amount := range s.vault.Holdings(holder) {
		resp.Balances[assetString(asset)] = types.FormatAmount(amount)
	}
	return resp
}

// ============================================================================
// Wallet Authentication Handlers
// ============================================================================

// handleAuthChallenge handles POST /v1/auth/challenge
func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	var req types.AuthChallengeRequest
	if !s.decode(w, r, &req) {
		return
	}

	message, err := s.walletAuth.CreateChallenge(req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, types.AuthChallengeResponse{
		Message:   message,
		ExpiresIn: int(s.walletAuth.timeout.Seconds()),
	})
}

// handleAuthVerify handles POST /v1/auth/verify
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req types.AuthVerifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	verified, err := s.walletAuth.VerifyChallenge(req.Address, req.Message, req.Signature)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, expiresAt, err := s.walletAuth.CreateSession(verified)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.writeJSON(w, http.StatusOK, types.AuthVerifyResponse{
		AccessToken: token,
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
		Wallet:      verified.Hex(),
		AuthType:    AuthTypeWallet,
	})
}

// ============================================================================
// API key management (admin)
// ============================================================================

// handleListAPIKeys handles GET /v1/api-keys
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.apiKeys.ListKeys()
	for i := range keys {
		keys[i].KeyHash = ""
	}
	s.writeJSON(w, http.StatusOK, keys)
}

// handleCreateAPIKey handles POST /v1/api-keys
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req types.CreateAPIKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	key, plain, err := s.apiKeys.CreateKey(req.Name, common.HexToAddress(req.Address), req.Permissions, req.ExpiresInDays)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, types.CreateAPIKeyResponse{ID: key.ID, Key: plain})
}

// handleRevokeAPIKey handles POST /v1/api-keys/{id}/revoke
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	s.keyOp(w, r.PathValue("id"), s.apiKeys.RevokeKey)
}

// handleDeleteAPIKey handles DELETE /v1/api-keys/{id}
func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	s.keyOp(w, r.PathValue("id"), s.apiKeys.DeleteKey)
}

func (s *Server) keyOp(w http.ResponseWriter, id string, op func(string) error) {
	if err := op(id); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Helper methods
// ============================================================================

// caller returns the authenticated address the engine authorizes.
func (s *Server) caller(r *http.Request) common.Address {
	p, _ := PrincipalFromContext(r.Context())
	return p.Address
}

// readJSON decodes the request body, rejecting unknown fields.
func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decode reads and validates a request body, writing a 400 or 413 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := s.readJSON(r, v); err != nil {
		s.writeBodyError(w, err)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := r.PathValue("addr")
	if !common.IsHexAddress(v) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", v))
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func (s *Server) pageSize(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return defaultPageSize, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
		return 0, false
	}
	return min(n, maxPageSize), true
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: message})
}

// writeEngineError maps a settlement error to its HTTP status by class.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	class := settlement.Classify(err)
	status := statusForClass(class)
	if errors.Is(err, custody.ErrInsufficientFunds) || errors.Is(err, custody.ErrInsufficientAllowance) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorContext(r.Context(), "settlement request failed",
			"path", r.URL.Path,
			"class", string(class),
			logging.Err(err),
			logging.Component("api"))
	}
	s.writeJSON(w, status, types.ErrorResponse{
		Error:     err.Error(),
		Class:     string(class),
		Retryable: class.Retryable(),
	})
}

func statusForClass(class settlement.ErrorClass) int {
	switch class {
	case settlement.ClassAuthorization:
		return http.StatusForbidden
	case settlement.ClassNotFound:
		return http.StatusNotFound
	case settlement.ClassInvalidArgument:
		return http.StatusBadRequest
	case settlement.ClassStateConflict:
		return http.StatusConflict
	case settlement.ClassExternalCall, settlement.ClassPartial:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseOptionalAsset(s string) (common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return types.NativeAsset, nil
	}
	return types.ParseAsset(s)
}

func parseOptionalAmount(s string) (*uint256.Int, error) {
	if strings.TrimSpace(s) == "" {
		return types.Zero(), nil
	}
	return types.ParseAmount(s)
}

func assetString(asset common.Address) string {
	if types.IsNative(asset) {
		return "native"
	}
	return asset.Hex()
}

func fulfillerBalances(pool, fees *uint256.Int, fulfiller, asset common.Address) types.FulfillerBalancesResponse {
	return types.FulfillerBalancesResponse{
		Fulfiller: fulfiller.Hex(),
		Asset:     assetString(asset),
		Pool:      types.FormatAmount(pool),
		Fees:      types.FormatAmount(fees),
	}
}

func sweepResponse(res *settlement.SweepResult) *types.SweepResponse {
	if res == nil {
		return nil
	}
	return &types.SweepResponse{
		ServiceID: res.ServiceID,
		Fulfiller: res.Fulfiller.Hex(),
		Asset:     assetString(res.Asset),
		Pool:      types.FormatAmount(res.Pool),
		Fees:      types.FormatAmount(res.Fees),
	}
}

func swapResponse(res *settlement.SwapSettlement) types.SwapResponse {
	return types.SwapResponse{
		ServiceID:        res.ServiceID,
		RecordID:         res.RecordID,
		CallTarget:       res.CallTarget.Hex(),
		SourceAsset:      assetString(res.SourceAsset),
		ToAsset:          assetString(res.ToAsset),
		Amount:           types.FormatAmount(res.Amount),
		FromReleaseable:  types.FormatAmount(res.FromReleaseable),
		FromFees:         types.FormatAmount(res.FromFees),
		Received:         types.FormatAmount(res.Received),
		ReleaseableShare: types.FormatAmount(res.ReleaseableShare),
		FeesShare:        types.FormatAmount(res.FeesShare),
		Swept:            sweepResponse(res.Swept),
	}
}
