// Package api serves the settlement engine over HTTP and streams committed
// events over WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/moltbunker/escrowd/internal/config"
	"github.com/moltbunker/escrowd/internal/custody"
	"github.com/moltbunker/escrowd/internal/events"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/internal/metrics"
	"github.com/moltbunker/escrowd/internal/registry"
	"github.com/moltbunker/escrowd/internal/settlement"
	"golang.org/x/time/rate"
)

// Version is reported by the health endpoint. Overridden at build time.
var Version = "dev"

// APIKeyHeader carries an API key as an alternative to a bearer token.
const APIKeyHeader = "X-API-Key"

// Inline wallet auth headers
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletMessage   = "X-Wallet-Message"
)

// ConnectionChecker reports whether an external dependency is reachable.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps are the components a Server exposes.
type Deps struct {
	Engine   *settlement.Engine
	Events   *events.Log
	Registry *registry.Registry
	Metrics  *metrics.PrometheusCollector
	Vault    *custody.Vault    // in-memory custody only; enables the funding endpoints
	Custody  ConnectionChecker // chain custody only; reported by /health
	APIKeys  *APIKeyManager    // defaults to the store at APIKeyStorePath
}

// Server is the HTTP API server
type Server struct {
	config     config.APIConfig
	engine     *settlement.Engine
	events     *events.Log
	registry   *registry.Registry
	metrics    *metrics.PrometheusCollector
	vault      *custody.Vault
	custody    ConnectionChecker
	apiKeys    *APIKeyManager
	walletAuth *WalletAuthManager
	wsHub      *WebSocketHub
	validate   *validator.Validate
	admins     []common.Address

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler

	rateLimiters sync.Map // ip -> *rateLimiterEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.RWMutex
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

// NewServer creates a new API server
func NewServer(cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("api server requires a settlement engine")
	}
	if deps.Events == nil {
		deps.Events = events.NewLog(events.DefaultCapacity)
	}

	apiKeys := deps.APIKeys
	if apiKeys == nil {
		if cfg.APIKeyStorePath != "" {
			var err error
			apiKeys, err = NewAPIKeyManager(cfg.APIKeyStorePath)
			if err != nil {
				return nil, err
			}
		} else {
			apiKeys = NewAPIKeyManagerInMemory()
		}
	}

	admins := make([]common.Address, 0, len(cfg.AdminWallets))
	for _, w := range cfg.AdminWallets {
		if !common.IsHexAddress(w) {
			return nil, fmt.Errorf("invalid admin wallet %q", w)
		}
		admins = append(admins, common.HexToAddress(w))
	}

	s := &Server{
		config:     cfg,
		engine:     deps.Engine,
		events:     deps.Events,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		vault:      deps.Vault,
		custody:    deps.Custody,
		apiKeys:    apiKeys,
		walletAuth: NewWalletAuthManager(5 * time.Minute),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		admins:     admins,
	}
	if cfg.WebSocketEnabled {
		s.wsHub = NewWebSocketHub(s.metrics)
		s.wsHub.upgrader.CheckOrigin = s.checkOrigin
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the server's routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// APIKeys returns the API key manager
func (s *Server) APIKeys() *APIKeyManager {
	return s.apiKeys
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.HTTPAddr, err)
	}

	s.listener = ln
	s.running = true
	s.startBackground(ctx)

	// ReadHeaderTimeout rather than ReadTimeout so WebSocket connections
	// outlive the request timeout.
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadTimeout(),
		IdleTimeout:       s.config.IdleTimeout(),
	}

	s.goRun(func() {
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server error",
				"error", err.Error(),
				logging.Component("api"))
		}
	})

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// startBackground starts limiter cleanup and the event stream. Stop ends them.
func (s *Server) startBackground(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.config.RateLimitRequests > 0 {
		s.goRun(func() { s.rateLimiterCleanup(ctx) })
	}
	if s.wsHub != nil {
		sub, unsubscribe := s.events.Subscribe()
		s.goRun(func() { s.wsHub.Run(ctx) })
		s.goRun(func() { s.streamEvents(ctx, sub, unsubscribe) })
	}
}

func (s *Server) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop shuts the server down and waits for its goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("HTTP server shutdown: %w", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.walletAuth.Close()
	s.wg.Wait()

	logging.Info("API server stopped", logging.Component("api"))
	return shutdownErr
}

func (s *Server) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Authentication (no auth required)
	mux.HandleFunc("POST /v1/auth/challenge", s.public(s.handleAuthChallenge))
	mux.HandleFunc("POST /v1/auth/verify", s.public(s.handleAuthVerify))

	// Settlement operations
	mux.HandleFunc("POST /v1/deposits", s.authed(PermWrite, s.handleDeposit))
	mux.HandleFunc("POST /v1/fulfillments", s.authed(PermWrite, s.handleRegisterFulfillment))
	mux.HandleFunc("POST /v1/refunds", s.authed(PermWrite, s.handleWithdrawRefund))
	mux.HandleFunc("POST /v1/services/{id}/withdraw", s.authed(PermWrite, s.handleBeneficiaryWithdraw))
	mux.HandleFunc("POST /v1/services/{id}/fees/withdraw", s.authed(PermWrite, s.handleWithdrawFees))
	mux.HandleFunc("POST /v1/swaps", s.authed(PermWrite, s.handleSwap))
	mux.HandleFunc("POST /v1/fulfill-and-swap", s.authed(PermWrite, s.handleFulfillAndSwap))
	mux.HandleFunc("POST /v1/sweeps", s.authed(PermWrite, s.handleSweep))
	mux.HandleFunc("POST /v1/fulfillers/withdraw", s.authed(PermWrite, s.handleFulfillerWithdraw))

	// Queries
	mux.HandleFunc("GET /v1/records", s.authed(PermRead, s.handleListRecords))
	mux.HandleFunc("GET /v1/records/{id}", s.authed(PermRead, s.handleGetRecord))
	mux.HandleFunc("GET /v1/services", s.authed(PermRead, s.handleListServices))
	mux.HandleFunc("GET /v1/services/{id}/balances", s.authed(PermRead, s.handleServiceBalances))
	mux.HandleFunc("GET /v1/services/{id}/payers/{addr}/balances", s.authed(PermRead, s.handlePayerBalances))
	mux.HandleFunc("GET /v1/fulfillers/{addr}/balances", s.authed(PermRead, s.handleFulfillerBalances))
	mux.HandleFunc("GET /v1/solvency", s.authed(PermRead, s.handleSolvency))
	mux.HandleFunc("GET /v1/events", s.authed(PermRead, s.handleEvents))
	if s.wsHub != nil {
		mux.HandleFunc("GET /v1/ws", s.authed(PermRead, s.handleWebSocket))
	}

	// Administration
	mux.HandleFunc("GET /v1/api-keys", s.admin(s.handleListAPIKeys))
	mux.HandleFunc("POST /v1/api-keys", s.admin(s.handleCreateAPIKey))
	mux.HandleFunc("DELETE /v1/api-keys/{id}", s.admin(s.handleDeleteAPIKey))
	mux.HandleFunc("POST /v1/api-keys/{id}/revoke", s.admin(s.handleRevokeAPIKey))
	if s.vault != nil {
		mux.HandleFunc("POST /v1/vault/mint", s.admin(s.handleVaultMint))
		mux.HandleFunc("POST /v1/vault/approve", s.authed(PermWrite, s.handleVaultApprove))
		mux.HandleFunc("GET /v1/vault/{addr}", s.authed(PermRead, s.handleVaultHoldings))
	}

	// Health and metrics (no auth)
	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Global CORS so preflight to unknown paths still carries CORS headers.
	if len(s.config.CORSOrigins) > 0 {
		return s.globalCORSMiddleware(mux)
	}
	return mux
}

func (s *Server) globalCORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// public wraps a handler with rate limiting, body limits and metrics only.
func (s *Server) public(handler http.HandlerFunc) http.HandlerFunc {
	return s.instrument(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		s.limitBody(w, r)
		handler(w, r)
	})
}

// authed wraps a handler with rate limiting before authentication, then
// requires a principal holding perm.
func (s *Server) authed(perm string, handler http.HandlerFunc) http.HandlerFunc {
	return s.instrument(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		p, ok := s.authenticate(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !p.can(perm) {
			s.writeError(w, http.StatusForbidden, "forbidden: "+perm+" permission required")
			return
		}
		s.limitBody(w, r)
		handler(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// admin requires an authenticated admin wallet or an API key with admin permission.
func (s *Server) admin(handler http.HandlerFunc) http.HandlerFunc {
	return s.instrument(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		p, ok := s.authenticate(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !s.isAdmin(p) {
			s.writeError(w, http.StatusForbidden, "forbidden: admin access required")
			return
		}
		s.limitBody(w, r)
		handler(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func (s *Server) instrument(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler(w, r)
		if s.metrics != nil {
			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			s.metrics.RecordRequest(route)
			s.metrics.RecordLatency(route, time.Since(start))
		}
	}
}

func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxRequestSize > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxRequestSize))
	}
}

// allow applies the per-IP limiter and writes 429 when exhausted.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.config.RateLimitRequests <= 0 {
		return true
	}
	ip := s.extractClientIP(r)
	if s.getRateLimiter(ip).Allow() {
		return true
	}
	logging.Warn("rate limit exceeded",
		"ip", ip,
		"path", r.URL.Path,
		"method", r.Method,
		logging.Component("api"))
	retry := s.config.RateLimitWindowSecs
	if retry <= 0 {
		retry = 60
	}
	w.Header().Set("Retry-After", fmt.Sprint(retry))
	s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": retry,
	})
	return false
}

// getRateLimiter returns the limiter for ip, creating it on first use.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.mu.Lock()
		entry.lastSeen = now
		entry.mu.Unlock()
		return entry.limiter
	}

	window := s.config.RateLimitWindowSecs
	if window <= 0 {
		window = 60
	}
	rps := rate.Limit(float64(s.config.RateLimitRequests) / float64(window))
	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	entry := &rateLimiterEntry{
		limiter:  rate.NewLimiter(rps, burst),
		lastSeen: now,
	}
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP uses the TCP peer address; proxy headers are not trusted.
func (s *Server) extractClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) rateLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
		}
	}
}

// cleanupRateLimiters removes limiters not used since staleBefore.
func (s *Server) cleanupRateLimiters(staleBefore time.Time) int {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(staleBefore)
		entry.mu.Unlock()
		if stale {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
	return cleaned
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, o := range s.config.CORSOrigins {
		if o == "*" || o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Wallet-Address, X-Wallet-Signature, X-Wallet-Message")
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}

// Auth types
const (
	AuthTypeAPIKey = "api_key"
	AuthTypeWallet = "wallet"
	AuthTypeNone   = "none"
)

// Principal is the authenticated identity behind a request. Its Address is
// the caller the settlement engine authorizes.
type Principal struct {
	Address     common.Address
	AuthType    string
	KeyID       string
	Permissions []string
}

func (p Principal) can(perm string) bool {
	if p.AuthType != AuthTypeAPIKey {
		return true
	}
	for _, have := range p.Permissions {
		if have == perm || have == PermAdmin {
			return true
		}
	}
	return false
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// authenticate resolves the request's principal from, in order: an API key
// header, a bearer API key or session token, or inline signed headers. With
// auth disabled the X-Wallet-Address header is taken at face value.
func (s *Server) authenticate(r *http.Request) (Principal, bool) {
	if !s.config.AuthEnabled {
		addr := r.Header.Get(HeaderWalletAddress)
		if addr != "" && !common.IsHexAddress(addr) {
			return Principal{}, false
		}
		return Principal{Address: common.HexToAddress(addr), AuthType: AuthTypeNone}, true
	}

	if key := r.Header.Get(APIKeyHeader); key != "" {
		return s.authenticateKey(key)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		switch {
		case strings.HasPrefix(token, apiKeyPrefix):
			return s.authenticateKey(token)
		case strings.HasPrefix(token, sessionTokenPrefix):
			addr, valid := s.walletAuth.ValidateSession(token)
			if !valid {
				return Principal{}, false
			}
			return Principal{Address: addr, AuthType: AuthTypeWallet}, true
		}
		return Principal{}, false
	}

	walletAddr := r.Header.Get(HeaderWalletAddress)
	walletSig := r.Header.Get(HeaderWalletSignature)
	walletMsg := r.Header.Get(HeaderWalletMessage)
	if walletAddr != "" && walletSig != "" && walletMsg != "" {
		addr, err := s.walletAuth.VerifyInlineAuth(walletAddr, walletSig, walletMsg)
		if err != nil {
			logging.Debug("wallet inline auth failed",
				"address", walletAddr,
				"error", err.Error(),
				logging.Component("api"))
			return Principal{}, false
		}
		return Principal{Address: addr, AuthType: AuthTypeWallet}, true
	}

	return Principal{}, false
}

func (s *Server) authenticateKey(plain string) (Principal, bool) {
	key, ok := s.apiKeys.ValidateKey(plain)
	if !ok {
		return Principal{}, false
	}
	return Principal{
		Address:     key.Address,
		AuthType:    AuthTypeAPIKey,
		KeyID:       key.ID,
		Permissions: key.Permissions,
	}, true
}

// isAdmin reports whether p may manage keys and custody funding. Wallets
// must be configured admins; API keys need the admin permission.
func (s *Server) isAdmin(p Principal) bool {
	switch p.AuthType {
	case AuthTypeNone:
		return true
	case AuthTypeAPIKey:
		return p.can(PermAdmin)
	default:
		return s.isAdminWallet(p.Address)
	}
}

// isAdminWallet compares against every admin entry in constant time.
func (s *Server) isAdminWallet(addr common.Address) bool {
	found := false
	for _, admin := range s.admins {
		if subtle.ConstantTimeCompare(addr.Bytes(), admin.Bytes()) == 1 {
			found = true
		}
	}
	return found && addr != (common.Address{})
}
