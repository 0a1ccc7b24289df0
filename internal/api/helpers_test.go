package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/config"
	"github.com/moltbunker/escrowd/internal/custody"
	"github.com/moltbunker/escrowd/internal/events"
	"github.com/moltbunker/escrowd/internal/metrics"
	"github.com/moltbunker/escrowd/internal/registry"
	"github.com/moltbunker/escrowd/internal/settlement"
	"github.com/moltbunker/escrowd/pkg/types"
)

var (
	router      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	manager     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	payer       = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	fulfiller   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	escrow      = common.HexToAddress("0x00000000000000000000000000000000000e5c00")
	aggregator  = common.HexToAddress("0x00000000000000000000000000000000000a66e0")
	tokenA      = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB      = common.HexToAddress("0x000000000000000000000000000000000000bbbb")

	nobody common.Address
)

type testEnv struct {
	t        *testing.T
	server   *Server
	engine   *settlement.Engine
	vault    *custody.Vault
	log      *events.Log
	registry *registry.Registry
	metrics  *metrics.PrometheusCollector
}

// newTestEnv builds a server over an in-memory vault with one service. Auth
// is off unless mutate turns it on; requests then act as X-Wallet-Address.
func newTestEnv(t *testing.T, mutate func(*config.APIConfig)) *testEnv {
	t.Helper()

	reg := registry.New()
	if err := reg.Register(types.Service{ID: 1, Fulfiller: fulfiller, Beneficiary: beneficiary, FeeBasisPoints: 100}); err != nil {
		t.Fatalf("register service: %v", err)
	}
	reg.Whitelist(tokenA)
	reg.Whitelist(tokenB)

	vault := custody.NewVault(escrow)
	agg := custody.NewAggregatorExchange(aggregator)
	vault.Register(aggregator, agg)
	if err := vault.Mint(tokenB, aggregator, uint256.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := agg.SetRate(tokenA, tokenB, 2, 1); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := vault.Mint(tokenA, payer, uint256.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	vault.SetAllowance(context.Background(), tokenA, payer, escrow, new(uint256.Int).SetAllOne())

	m := metrics.NewPrometheusCollector(metrics.NewCollector())
	log := events.NewLog(0)
	caps, err := settlement.CapabilitiesFor(settlement.V1_2)
	if err != nil {
		t.Fatalf("CapabilitiesFor: %v", err)
	}
	engine, err := settlement.NewEngine(caps, settlement.Deps{
		Registry: reg,
		Roles:    settlement.StaticRoles{Router: router, Manager: manager},
		Custody:  vault,
		Events:   events.Fanout{log, m},
		Observer: m,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	cfg := config.DefaultAPIConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AuthEnabled = false
	cfg.APIKeyStorePath = ""
	cfg.RateLimitRequests = 0
	cfg.WebSocketEnabled = false
	cfg.CORSOrigins = nil
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg, Deps{
		Engine:   engine,
		Events:   log,
		Registry: reg,
		Metrics:  m,
		Vault:    vault,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	return &testEnv{t: t, server: s, engine: engine, vault: vault, log: log, registry: reg, metrics: m}
}

// do sends a request through the router as caller. A zero caller sends no
// wallet header.
func (e *testEnv) do(method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(HeaderWalletAddress, caller.Hex())
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (status %d)", err, rec.Code)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

// deposit creates a pending tokenA record of 1000 principal plus 10 fee.
func (e *testEnv) deposit() types.RecordResponse {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/deposits", router, types.DepositRequest{
		ServiceID:  1,
		Payer:      payer.Hex(),
		Asset:      tokenA.Hex(),
		Principal:  "1000",
		Fee:        "10",
		FiatAmount: "12.50",
	})
	expectStatus(e.t, rec, http.StatusCreated)
	return decodeBody[types.RecordResponse](e.t, rec)
}

func (e *testEnv) settle(id types.RecordID, status types.RecordStatus) {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/fulfillments", manager, types.FulfillmentRequest{
		ServiceID:  1,
		RecordID:   id,
		Status:     status,
		ExternalID: "ext-" + id.String(),
	})
	expectStatus(e.t, rec, http.StatusOK)
}
