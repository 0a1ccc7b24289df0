package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testRouter  = "0x00000000000000000000000000000000000000a1"
	testManager = "0x00000000000000000000000000000000000000a2"
	testToken   = "0x000000000000000000000000000000000000aaaa"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Daemon.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.LogFormat != "json" {
		t.Errorf("expected default log format 'json', got %s", cfg.Daemon.LogFormat)
	}
	if !strings.HasSuffix(cfg.Daemon.DataDir, ".escrowd") {
		t.Errorf("unexpected data dir %s", cfg.Daemon.DataDir)
	}
	if cfg.Settlement.Version != "v1.2" {
		t.Errorf("expected version v1.2, got %s", cfg.Settlement.Version)
	}
	if !cfg.Settlement.WatchRegistry {
		t.Error("expected registry watch enabled by default")
	}
	if cfg.Custody.Mode != CustodyMemory {
		t.Errorf("expected memory custody, got %s", cfg.Custody.Mode)
	}
	if cfg.Chain.ChainID != 8453 {
		t.Errorf("expected chain ID 8453 (Base mainnet), got %d", cfg.Chain.ChainID)
	}
	if !cfg.API.AuthEnabled || !cfg.API.WebSocketEnabled {
		t.Error("expected auth and websocket enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"default config is valid", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.Daemon.LogLevel = "loud" }, true},
		{"bad log format", func(c *Config) { c.Daemon.LogFormat = "xml" }, true},
		{"text log format", func(c *Config) { c.Daemon.LogFormat = "text" }, false},
		{"empty http addr", func(c *Config) { c.API.HTTPAddr = "" }, true},
		{"negative rate limit", func(c *Config) { c.API.RateLimitRequests = -1 }, true},
		{"zero window with limit", func(c *Config) { c.API.RateLimitWindowSecs = 0 }, true},
		{"bad admin wallet", func(c *Config) { c.API.AdminWallets = []string{"0x1234"} }, true},
		{"unknown version", func(c *Config) { c.Settlement.Version = "v2" }, true},
		{"v1.1 is valid", func(c *Config) { c.Settlement.Version = "v1.1" }, false},
		{"empty version is valid", func(c *Config) { c.Settlement.Version = "" }, false},
		{"router without prefix", func(c *Config) { c.Settlement.RouterAddress = strings.TrimPrefix(testRouter, "0x") }, true},
		{"zero manager", func(c *Config) { c.Settlement.ManagerAddress = "0x0000000000000000000000000000000000000000" }, true},
		{"valid roles", func(c *Config) {
			c.Settlement.RouterAddress = testRouter
			c.Settlement.ManagerAddress = testManager
		}, false},
		{"unknown custody mode", func(c *Config) { c.Custody.Mode = "paper" }, true},
		{"memory without escrow address", func(c *Config) { c.Custody.EscrowAddress = "" }, true},
		{"aggregator zero denominator", func(c *Config) {
			c.Custody.Aggregators = []AggregatorConfig{{
				Address: testManager,
				Rates:   []RateConfig{{From: "native", To: testToken, Numerator: 1}},
			}}
		}, true},
		{"aggregator with native rate", func(c *Config) {
			c.Custody.Aggregators = []AggregatorConfig{{
				Address:   testManager,
				Rates:     []RateConfig{{From: "native", To: testToken, Numerator: 3, Denominator: 1}},
				Liquidity: []LiquidityConfig{{Asset: testToken, Amount: "1000000"}},
			}}
		}, false},
		{"liquidity without amount", func(c *Config) {
			c.Custody.Aggregators = []AggregatorConfig{{
				Address:   testManager,
				Liquidity: []LiquidityConfig{{Asset: testToken}},
			}}
		}, true},
		{"chain without wallet", func(c *Config) { c.Custody.Mode = CustodyChain }, true},
		{"chain with wallet", func(c *Config) {
			c.Custody.Mode = CustodyChain
			c.Daemon.WalletAddress = testRouter
		}, false},
		{"chain without rpc", func(c *Config) {
			c.Custody.Mode = CustodyChain
			c.Daemon.WalletAddress = testRouter
			c.Chain.RPCURL = ""
		}, true},
		{"chain with failover rpc only", func(c *Config) {
			c.Custody.Mode = CustodyChain
			c.Daemon.WalletAddress = testRouter
			c.Chain.RPCURL = ""
			c.Chain.RPCURLs = []string{"https://rpc.example"}
		}, false},
		{"chain bad chain id", func(c *Config) {
			c.Custody.Mode = CustodyChain
			c.Daemon.WalletAddress = testRouter
			c.Chain.ChainID = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoleAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Daemon.WalletAddress = testRouter
	cfg.Settlement.ManagerAddress = testManager

	router, manager := cfg.RoleAddresses()
	if router != testRouter {
		t.Errorf("router should fall back to the wallet, got %q", router)
	}
	if manager != testManager {
		t.Errorf("manager %q, want %q", manager, testManager)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Settlement.Version != "v1.2" {
		t.Errorf("expected defaults, got version %s", cfg.Settlement.Version)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
daemon:
  log_level: debug
settlement:
  version: v1.1
  router_address: "` + testRouter + `"
  manager_address: "` + testManager + `"
  registry_file: /tmp/escrowd-registry.yaml
custody:
  mode: memory
  escrow_address: "0x00000000000000000000000000000000000e5c00"
  aggregators:
    - address: "0x00000000000000000000000000000000000a66e0"
      rates:
        - {from: native, to: "` + testToken + `", numerator: 3, denominator: 1}
      liquidity:
        - {asset: "` + testToken + `", amount: "1000000000"}
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("log level %s", cfg.Daemon.LogLevel)
	}
	if cfg.Settlement.Version != "v1.1" || cfg.Settlement.RouterAddress != testRouter {
		t.Errorf("settlement %+v", cfg.Settlement)
	}
	if len(cfg.Custody.Aggregators) != 1 || cfg.Custody.Aggregators[0].Rates[0].Numerator != 3 {
		t.Errorf("aggregators %+v", cfg.Custody.Aggregators)
	}
	// Unset sections keep their defaults.
	if cfg.API.RateLimitRequests != 100 {
		t.Errorf("expected default rate limit, got %d", cfg.API.RateLimitRequests)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("daemon: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("custody:\n  mode: paper\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Settlement.RouterAddress = testRouter
	cfg.API.CORSOrigins = []string{"https://app.example"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Settlement.RouterAddress != testRouter {
		t.Errorf("router %q", loaded.Settlement.RouterAddress)
	}
	if len(loaded.API.CORSOrigins) != 1 {
		t.Errorf("cors origins %v", loaded.API.CORSOrigins)
	}
}

func TestResolvedRPCURLs(t *testing.T) {
	cc := ChainConfig{
		RPCURL:  "https://a.example",
		RPCURLs: []string{"https://b.example", "https://a.example", "", "https://b.example"},
	}
	got := cc.ResolvedRPCURLs()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("unexpected urls %v", got)
	}
}

func TestChainRetryConfig(t *testing.T) {
	cc := ChainConfig{MaxRetries: 5, RetryBaseDelayMs: 250, RetryMaxDelayMs: 2000}
	rc := cc.RetryConfig()
	if rc.MaxRetries != 5 || rc.BaseDelay != 250*time.Millisecond || rc.MaxDelay != 2*time.Second {
		t.Errorf("unexpected retry config %+v", rc)
	}

	def := (&ChainConfig{}).RetryConfig()
	if def.MaxRetries != 3 {
		t.Errorf("expected default retries, got %d", def.MaxRetries)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("expandPath: %s", got)
	}
	if got := expandPath("/abs"); got != "/abs" {
		t.Errorf("absolute path changed: %s", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Daemon.DataDir = filepath.Join(dir, "data")
	cfg.Daemon.KeystoreDir = filepath.Join(dir, "data", "keystore")
	cfg.Settlement.RegistryFile = filepath.Join(dir, "etc", "registry.yaml")
	cfg.API.APIKeyStorePath = filepath.Join(dir, "data", "keys.json")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, d := range []string{cfg.Daemon.KeystoreDir, filepath.Join(dir, "etc")} {
		if _, err := os.Stat(d); err != nil {
			t.Errorf("missing %s: %v", d, err)
		}
	}
}

func TestAPITimeouts(t *testing.T) {
	api := DefaultAPIConfig()
	if api.ReadTimeout() != 30*time.Second || api.IdleTimeout() != 2*time.Minute {
		t.Errorf("timeouts %v/%v", api.ReadTimeout(), api.IdleTimeout())
	}
}
