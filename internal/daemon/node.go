// Package daemon assembles the settlement engine, custody, registry and HTTP
// API into a running escrowd node.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/api"
	"github.com/moltbunker/escrowd/internal/config"
	"github.com/moltbunker/escrowd/internal/custody"
	"github.com/moltbunker/escrowd/internal/events"
	"github.com/moltbunker/escrowd/internal/identity"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/internal/metrics"
	"github.com/moltbunker/escrowd/internal/registry"
	"github.com/moltbunker/escrowd/internal/settlement"
	"github.com/moltbunker/escrowd/internal/util"
	"github.com/moltbunker/escrowd/pkg/types"
)

// metricsSyncInterval is how often gauges are refreshed from engine state.
const metricsSyncInterval = 15 * time.Second

// Options override parts of the configuration at startup.
type Options struct {
	// Password unlocks the chain custody wallet. Empty resolves it from the
	// password file, the environment or the OS keyring.
	Password string
}

// Node is a configured escrowd instance.
type Node struct {
	cfg      *config.Config
	registry *registry.Registry
	events   *events.Log
	metrics  *metrics.PrometheusCollector
	engine   *settlement.Engine
	vault    *custody.Vault
	chain    *custody.ChainCustodian
	server   *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewNode builds every component from cfg. Chain custody connects here so a
// bad RPC endpoint fails startup.
func NewNode(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	caps, err := settlement.CapabilitiesFor(settlement.Version(cfg.Settlement.Version))
	if err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.Settlement.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		registry: reg,
		events:   events.NewLog(cfg.Settlement.EventLogCapacity),
		metrics:  metrics.NewPrometheusCollector(metrics.NewCollector()),
	}

	var custodian settlement.Custodian
	var connCheck api.ConnectionChecker
	switch cfg.Custody.Mode {
	case config.CustodyChain:
		chain, err := connectChain(ctx, cfg, opts.Password)
		if err != nil {
			return nil, err
		}
		n.chain = chain
		custodian, connCheck = chain, chain
	default:
		vault, err := newVault(cfg.Custody)
		if err != nil {
			return nil, err
		}
		n.vault = vault
		custodian = vault
	}

	roles, err := resolveRoles(cfg)
	if err != nil {
		n.closeCustody()
		return nil, err
	}

	n.engine, err = settlement.NewEngine(caps, settlement.Deps{
		Registry: reg,
		Roles:    roles,
		Custody:  custodian,
		Events:   events.Fanout{n.events, n.metrics},
		Observer: n.metrics,
	})
	if err != nil {
		n.closeCustody()
		return nil, err
	}

	n.server, err = api.NewServer(cfg.API, api.Deps{
		Engine:   n.engine,
		Events:   n.events,
		Registry: reg,
		Metrics:  n.metrics,
		Vault:    n.vault,
		Custody:  connCheck,
	})
	if err != nil {
		n.closeCustody()
		return nil, err
	}

	logging.Info("node configured",
		"settlement_version", string(caps.Version),
		"custody", cfg.Custody.Mode,
		"services", len(reg.Services()),
		logging.Address("router", roles.Router),
		logging.Address("manager", roles.Manager),
		logging.Component("daemon"))
	return n, nil
}

// resolveRoles parses the router and manager addresses. Unset roles leave the
// engine refusing the operations that need them.
func resolveRoles(cfg *config.Config) (settlement.StaticRoles, error) {
	router, manager := cfg.RoleAddresses()
	var roles settlement.StaticRoles
	for _, r := range []struct {
		name string
		addr string
		dst  *common.Address
	}{
		{"router", router, &roles.Router},
		{"manager", manager, &roles.Manager},
	} {
		if r.addr == "" {
			logging.Warn("settlement role not configured",
				"role", r.name,
				logging.Component("daemon"))
			continue
		}
		if !common.IsHexAddress(r.addr) {
			return roles, fmt.Errorf("invalid %s address %q", r.name, r.addr)
		}
		*r.dst = common.HexToAddress(r.addr)
	}
	return roles, nil
}

// newVault builds in-memory custody with its configured aggregators.
func newVault(cc config.CustodyConfig) (*custody.Vault, error) {
	vault := custody.NewVault(common.HexToAddress(cc.EscrowAddress))

	for _, ac := range cc.Aggregators {
		addr := common.HexToAddress(ac.Address)
		ex := custody.NewAggregatorExchange(addr)
		for _, rc := range ac.Rates {
			from, err := types.ParseAsset(rc.From)
			if err != nil {
				return nil, err
			}
			to, err := types.ParseAsset(rc.To)
			if err != nil {
				return nil, err
			}
			if err := ex.SetRate(from, to, rc.Numerator, rc.Denominator); err != nil {
				return nil, fmt.Errorf("aggregator %s: %w", addr.Hex(), err)
			}
		}
		for _, lc := range ac.Liquidity {
			asset, err := types.ParseAsset(lc.Asset)
			if err != nil {
				return nil, err
			}
			amount, err := types.ParseAmount(lc.Amount)
			if err != nil {
				return nil, fmt.Errorf("aggregator %s liquidity: %w", addr.Hex(), err)
			}
			if err := vault.Mint(asset, addr, amount); err != nil {
				return nil, fmt.Errorf("aggregator %s liquidity: %w", addr.Hex(), err)
			}
		}
		vault.Register(addr, ex)

		logging.Info("aggregator registered",
			logging.Address("aggregator", addr),
			"rates", len(ac.Rates),
			logging.Component("daemon"))
	}
	return vault, nil
}

// connectChain unlocks the escrow wallet and connects to the first reachable
// RPC endpoint.
func connectChain(ctx context.Context, cfg *config.Config, password string) (*custody.ChainCustodian, error) {
	wallet, err := identity.LoadWallet(cfg.Daemon.KeystoreDir, cfg.Daemon.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow wallet: %w", err)
	}
	if password == "" {
		password, err = identity.ResolvePassword(cfg.Daemon.WalletPasswordFile, wallet.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to unlock escrow wallet: %w", err)
		}
	}
	key, err := wallet.PrivateKey(password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock escrow wallet: %w", err)
	}

	cc := custody.DefaultChainConfig()
	cc.ChainID = cfg.Chain.ChainID
	cc.BlockConfirmations = cfg.Chain.BlockConfirmations
	cc.CallGasLimit = cfg.Chain.CallGasLimit
	cc.RetryConfig = cfg.Chain.RetryConfig()
	if cfg.Chain.MaxGasPriceGwei > 0 {
		cc.MaxGasPrice = new(big.Int).Mul(big.NewInt(cfg.Chain.MaxGasPriceGwei), big.NewInt(1e9))
	}
	if cfg.Chain.ConfirmPollSecs > 0 {
		cc.ConfirmPoll = time.Duration(cfg.Chain.ConfirmPollSecs) * time.Second
	}

	var errs []error
	for _, url := range cfg.Chain.ResolvedRPCURLs() {
		cc.RPCURL = url
		chain, err := custody.NewChainCustodian(cc, key)
		if err != nil {
			return nil, err
		}
		if err := chain.Connect(ctx); err != nil {
			logging.Warn("RPC endpoint unavailable",
				"rpc_url", url,
				logging.Err(err),
				logging.Component("daemon"))
			errs = append(errs, err)
			continue
		}
		return chain, nil
	}
	return nil, fmt.Errorf("no RPC endpoint reachable: %w", errors.Join(errs...))
}

// Start serves the API and, if enabled, watches the registry file.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := n.server.Start(ctx); err != nil {
		cancel()
		return err
	}
	n.cancel = cancel
	n.running = true

	if n.cfg.Settlement.WatchRegistry {
		n.goRun("registry-watch", func() {
			if err := n.registry.Watch(ctx, n.syncMetrics); err != nil {
				logging.Error("registry watch stopped",
					logging.Err(err),
					logging.Component("daemon"))
			}
		})
	}
	n.goRun("metrics-sync", func() { n.metricsLoop(ctx) })

	logging.Info("escrowd started",
		"http_addr", n.server.Addr(),
		"auth_enabled", n.cfg.API.AuthEnabled,
		logging.Component("daemon"))
	return nil
}

func (n *Node) goRun(name string, fn func()) {
	n.wg.Add(1)
	util.SafeGoWithName(name, func() {
		defer n.wg.Done()
		fn()
	})
}

func (n *Node) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsSyncInterval)
	defer ticker.Stop()

	n.syncMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.syncMetrics()
		}
	}
}

func (n *Node) syncMetrics() {
	n.metrics.SetRecordCount(n.engine.RecordCount())
	n.metrics.SetServiceCount(len(n.registry.Services()))
	n.metrics.Sync()
}

// Shutdown stops the API server and background work, then releases custody.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		n.closeCustody()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	err := n.server.Stop(ctx)
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("shutdown timed out: %w", ctx.Err()))
	}

	n.closeCustody()
	logging.Info("escrowd stopped", logging.Component("daemon"))
	return err
}

func (n *Node) closeCustody() {
	if n.chain != nil {
		n.chain.Close()
	}
}

// IsRunning reports whether Start has succeeded and Shutdown not yet run.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Addr returns the API listen address once started.
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Engine returns the settlement engine.
func (n *Node) Engine() *settlement.Engine {
	return n.engine
}

// Registry returns the service registry.
func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// Vault returns in-memory custody, or nil in chain mode.
func (n *Node) Vault() *custody.Vault {
	return n.vault
}

// Events returns the event log.
func (n *Node) Events() *events.Log {
	return n.events
}

