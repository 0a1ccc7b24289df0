package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/custody"
	"github.com/moltbunker/escrowd/internal/events"
	"github.com/moltbunker/escrowd/internal/registry"
	"github.com/moltbunker/escrowd/pkg/types"
)

var (
	router      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	manager     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	payer       = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	payer2      = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	fulfiller   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	stranger    = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	escrow      = common.HexToAddress("0x00000000000000000000000000000000000e5c00")
	aggregator  = common.HexToAddress("0x00000000000000000000000000000000000a66e0")
	tokenA      = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB      = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	unlisted    = common.HexToAddress("0x000000000000000000000000000000000000cccc")
)

const (
	svcID       types.ServiceID = 1
	restrictedS types.ServiceID = 2
)

type observedOp struct {
	op    string
	class string
}

type recordingObserver struct {
	mu    sync.Mutex
	ops   []observedOp
	swaps []*big.Int
}

func (o *recordingObserver) ObserveOperation(op string, _ time.Duration, class string) {
	o.mu.Lock()
	o.ops = append(o.ops, observedOp{op, class})
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveSwap(_ common.Address, received *big.Int) {
	o.mu.Lock()
	o.swaps = append(o.swaps, received)
	o.mu.Unlock()
}

func (o *recordingObserver) last() observedOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ops) == 0 {
		return observedOp{}
	}
	return o.ops[len(o.ops)-1]
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	vault    *custody.Vault
	agg      *custody.AggregatorExchange
	registry *registry.Registry
	log      *events.Log
	observer *recordingObserver
}

func newHarness(t *testing.T, version Version) *harness {
	t.Helper()

	reg := registry.New()
	if err := reg.Register(types.Service{ID: svcID, Fulfiller: fulfiller, Beneficiary: beneficiary, FeeBasisPoints: 100}); err != nil {
		t.Fatalf("register service: %v", err)
	}
	if err := reg.Register(types.Service{ID: restrictedS, Fulfiller: fulfiller, Beneficiary: beneficiary, FeeBasisPoints: 100}, "SKU-1"); err != nil {
		t.Fatalf("register service: %v", err)
	}
	reg.Whitelist(tokenA)
	reg.Whitelist(tokenB)

	vault := custody.NewVault(escrow)
	agg := custody.NewAggregatorExchange(aggregator)
	vault.Register(aggregator, agg)
	mustNoErr(t, vault.Mint(tokenB, aggregator, uint256.NewInt(1_000_000_000)))
	mustNoErr(t, agg.SetRate(tokenA, tokenB, 2, 1))
	mustNoErr(t, agg.SetRate(types.NativeAsset, tokenB, 3, 1))

	caps, err := CapabilitiesFor(version)
	if err != nil {
		t.Fatalf("CapabilitiesFor: %v", err)
	}
	log := events.NewLog(0)
	obs := &recordingObserver{}
	engine, err := NewEngine(caps, Deps{
		Registry: reg,
		Roles:    StaticRoles{Router: router, Manager: manager},
		Custody:  vault,
		Events:   log,
		Observer: obs,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		engine:   engine,
		vault:    vault,
		agg:      agg,
		registry: reg,
		log:      log,
		observer: obs,
	}
	h.fund(payer, tokenA, 1_000_000)
	h.fund(payer2, tokenA, 1_000_000)
	h.fund(payer, types.NativeAsset, 1_000_000)
	h.fund(payer2, types.NativeAsset, 1_000_000)
	return h
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func amt(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// fund gives who a balance of asset and lets the escrow pull it.
func (h *harness) fund(who, asset common.Address, v uint64) {
	h.t.Helper()
	mustNoErr(h.t, h.vault.Mint(asset, who, amt(v)))
	if !types.IsNative(asset) {
		h.vault.SetAllowance(h.ctx, asset, who, escrow, new(uint256.Int).SetAllOne())
	}
}

func (h *harness) deposit(from, asset common.Address, principal, fee uint64) *types.FulfillmentRecord {
	h.t.Helper()
	rec, err := h.engine.Deposit(h.ctx, router, DepositRequest{
		ServiceID: svcID,
		Payer:     from,
		Asset:     asset,
		Principal: amt(principal),
		Fee:       amt(fee),
	})
	if err != nil {
		h.t.Fatalf("Deposit: %v", err)
	}
	return rec
}

func (h *harness) settle(id types.RecordID, status types.RecordStatus) *types.FulfillmentRecord {
	h.t.Helper()
	rec, err := h.engine.RegisterFulfillment(h.ctx, manager, svcID, types.FulfillmentResult{
		RecordID:   id,
		Status:     status,
		ExternalID: "ext-" + id.String(),
	})
	if err != nil {
		h.t.Fatalf("RegisterFulfillment(%d, %s): %v", id, status, err)
	}
	return rec
}

func (h *harness) swapInstruction(from, to common.Address, amount, minOut uint64) types.SwapInstruction {
	h.t.Helper()
	payload, err := custody.EncodeSwapCall(from, to, amt(amount), amt(minOut))
	if err != nil {
		h.t.Fatalf("EncodeSwapCall: %v", err)
	}
	return types.SwapInstruction{
		FromAsset:   from,
		ToAsset:     to,
		Amount:      amt(amount),
		CallTarget:  aggregator,
		CallPayload: payload,
	}
}

func (h *harness) held(asset common.Address) uint64 {
	return h.vault.BalanceOfAccount(asset, escrow).Uint64()
}

func (h *harness) balance(asset, who common.Address) uint64 {
	return h.vault.BalanceOfAccount(asset, who).Uint64()
}

func (h *harness) service(asset common.Address) (pool, fees uint64) {
	b := h.engine.ServiceBalances(h.ctx, svcID, asset)
	return b.Releaseable.Uint64(), b.Fees.Uint64()
}

func (h *harness) kinds() []types.EventKind {
	var out []types.EventKind
	for _, e := range h.log.Since(0, 0) {
		out = append(out, e.Kind)
	}
	return out
}

// assertConserved checks that the ledger owes exactly what custody holds.
func (h *harness) assertConserved(assets ...common.Address) {
	h.t.Helper()
	for _, asset := range assets {
		report, err := h.engine.CheckSolvency(h.ctx, asset)
		if err != nil {
			h.t.Fatalf("CheckSolvency(%s): %v", asset.Hex(), err)
		}
		if !report.Liabilities.Eq(report.Custodied) {
			h.t.Fatalf("asset %s: ledger owes %s, custody holds %s",
				asset.Hex(), report.Liabilities, report.Custodied)
		}
	}
}
