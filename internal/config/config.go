package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moltbunker/escrowd/internal/util"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	API        APIConfig        `yaml:"api"`
	Settlement SettlementConfig `yaml:"settlement"`
	Custody    CustodyConfig    `yaml:"custody"`
	Chain      ChainConfig      `yaml:"chain"`
}

// DaemonConfig contains daemon settings
type DaemonConfig struct {
	DataDir            string `yaml:"data_dir"`
	KeystoreDir        string `yaml:"keystore_dir"`
	WalletAddress      string `yaml:"wallet_address"`       // Escrow signing wallet (chain mode)
	WalletPasswordFile string `yaml:"wallet_password_file"` // Falls back to the OS keyring when empty
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"` // "json" or "text"
}

// APIConfig contains API server settings
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Authentication
	AuthEnabled     bool     `yaml:"auth_enabled"`
	APIKeyStorePath string   `yaml:"api_key_store_path"`
	AdminWallets    []string `yaml:"admin_wallets"` // Ethereum addresses allowed to manage API keys

	// Rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // Max requests per window (default: 100)
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // Window duration in seconds (default: 60)
	RateLimitBurst      int `yaml:"rate_limit_burst"`       // Burst above the steady rate (default: 20)

	MaxRequestSize int `yaml:"max_request_size"` // Max request body size in bytes (default: 1MB)

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`

	WebSocketEnabled bool     `yaml:"websocket_enabled"`
	CORSOrigins      []string `yaml:"cors_origins"`
}

// DefaultAPIConfig returns the default API configuration
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		HTTPAddr:            "127.0.0.1:8545",
		AuthEnabled:         true,
		RateLimitRequests:   100,
		RateLimitWindowSecs: 60,
		RateLimitBurst:      20,
		MaxRequestSize:      1 << 20,
		ReadTimeoutSecs:     30,
		WriteTimeoutSecs:    30,
		IdleTimeoutSecs:     120,
		WebSocketEnabled:    true,
	}
}

// SettlementConfig selects the settlement feature set and its operators.
type SettlementConfig struct {
	Version          string `yaml:"version"`        // v1, v1.1 or v1.2
	RouterAddress    string `yaml:"router_address"`  // Empty defaults to the daemon wallet
	ManagerAddress   string `yaml:"manager_address"` // Empty defaults to the daemon wallet
	RegistryFile     string `yaml:"registry_file"`
	WatchRegistry    bool   `yaml:"watch_registry"`
	EventLogCapacity int    `yaml:"event_log_capacity"`
}

// CustodyConfig selects where escrowed assets are held.
type CustodyConfig struct {
	Mode          string             `yaml:"mode"`           // memory or chain
	EscrowAddress string             `yaml:"escrow_address"` // Vault identity in memory mode
	Aggregators   []AggregatorConfig `yaml:"aggregators"`    // In-process exchanges (memory mode)
}

// AggregatorConfig describes an in-process swap aggregator.
type AggregatorConfig struct {
	Address   string            `yaml:"address"`
	Rates     []RateConfig      `yaml:"rates"`
	Liquidity []LiquidityConfig `yaml:"liquidity"`
}

// RateConfig quotes Numerator/Denominator units of To per unit of From.
// Assets are hex addresses or "native".
type RateConfig struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Numerator   uint64 `yaml:"numerator"`
	Denominator uint64 `yaml:"denominator"`
}

// LiquidityConfig seeds an aggregator balance, in base units.
type LiquidityConfig struct {
	Asset  string `yaml:"asset"`
	Amount string `yaml:"amount"`
}

// ChainConfig contains chain settings for chain custody
type ChainConfig struct {
	ChainID            int64    `yaml:"chain_id"`
	RPCURL             string   `yaml:"rpc_url"`  // Primary RPC endpoint
	RPCURLs            []string `yaml:"rpc_urls"` // Additional RPC endpoints for failover
	BlockConfirmations int      `yaml:"block_confirmations"`
	MaxGasPriceGwei    int64    `yaml:"max_gas_price_gwei"`
	CallGasLimit       uint64   `yaml:"call_gas_limit"` // 0 estimates
	ConfirmPollSecs    int      `yaml:"confirm_poll_secs"`

	// Retry settings for RPC calls
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `yaml:"retry_max_delay_ms"`
}

// ResolvedRPCURLs merges the single RPCURL with the RPCURLs list, deduplicating.
// The single URL is placed first as the primary.
func (cc *ChainConfig) ResolvedRPCURLs() []string {
	return mergeURLs(cc.RPCURL, cc.RPCURLs)
}

// RetryConfig builds the backoff policy for RPC calls.
func (cc *ChainConfig) RetryConfig() *util.RetryConfig {
	rc := util.DefaultRetryConfig()
	if cc.MaxRetries != 0 {
		rc.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelayMs > 0 {
		rc.BaseDelay = time.Duration(cc.RetryBaseDelayMs) * time.Millisecond
	}
	if cc.RetryMaxDelayMs > 0 {
		rc.MaxDelay = time.Duration(cc.RetryMaxDelayMs) * time.Millisecond
	}
	return rc
}

// mergeURLs combines a primary URL with a list, deduplicating and preserving order.
func mergeURLs(primary string, extras []string) []string {
	seen := make(map[string]bool)
	var result []string

	if primary != "" {
		result = append(result, primary)
		seen[primary] = true
	}
	for _, u := range extras {
		if u != "" && !seen[u] {
			result = append(result, u)
			seen[u] = true
		}
	}
	return result
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".escrowd")

	return &Config{
		Daemon: DaemonConfig{
			DataDir:     dataDir,
			KeystoreDir: filepath.Join(dataDir, "keystore"),
			LogLevel:    "info",
			LogFormat:   "json",
		},
		API: func() APIConfig {
			api := DefaultAPIConfig()
			api.APIKeyStorePath = filepath.Join(dataDir, "api_keys.json")
			return api
		}(),
		Settlement: SettlementConfig{
			Version:          "v1.2",
			RegistryFile:     filepath.Join(dataDir, "registry.yaml"),
			WatchRegistry:    true,
			EventLogCapacity: 10000,
		},
		Custody: CustodyConfig{
			Mode:          CustodyMemory,
			EscrowAddress: "0x00000000000000000000000000000000000e5c00",
		},
		Chain: ChainConfig{
			ChainID:            8453,
			RPCURL:             "https://mainnet.base.org",
			BlockConfirmations: 2,
			MaxGasPriceGwei:    100,
			ConfirmPollSecs:    2,
			MaxRetries:         3,
			RetryBaseDelayMs:   100,
			RetryMaxDelayMs:    30000,
		},
	}
}

// RoleAddresses returns the router and manager addresses, falling back to
// the daemon wallet for any that is unset. Either may still be empty.
func (c *Config) RoleAddresses() (router, manager string) {
	router, manager = c.Settlement.RouterAddress, c.Settlement.ManagerAddress
	if router == "" {
		router = c.Daemon.WalletAddress
	}
	if manager == "" {
		manager = c.Daemon.WalletAddress
	}
	return router, manager
}

// Custody modes
const (
	CustodyMemory = "memory"
	CustodyChain  = "chain"
)

// Load loads configuration from file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Daemon.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.Daemon.LogLevel)
	}
	if c.Daemon.LogFormat != "json" && c.Daemon.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s", c.Daemon.LogFormat)
	}

	// API validation
	if c.API.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.API.RateLimitRequests < 0 || c.API.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.API.RateLimitRequests > 0 && c.API.RateLimitWindowSecs < 1 {
		return fmt.Errorf("rate_limit_window_secs must be at least 1")
	}
	for i, w := range c.API.AdminWallets {
		if err := validateEthAddress(fmt.Sprintf("admin_wallets[%d]", i), w); err != nil {
			return err
		}
	}

	// Settlement validation
	switch c.Settlement.Version {
	case "v1", "v1.1", "v1.2", "":
	default:
		return fmt.Errorf("invalid settlement version: %s", c.Settlement.Version)
	}
	if c.Settlement.EventLogCapacity < 0 {
		return fmt.Errorf("event_log_capacity must not be negative")
	}
	roles := map[string]string{
		"router_address":  c.Settlement.RouterAddress,
		"manager_address": c.Settlement.ManagerAddress,
		"wallet_address":  c.Daemon.WalletAddress,
	}
	for name, addr := range roles {
		if addr == "" {
			continue
		}
		if err := validateEthAddress(name, addr); err != nil {
			return err
		}
	}

	// Custody validation
	switch c.Custody.Mode {
	case CustodyMemory:
		if err := validateEthAddress("escrow_address", c.Custody.EscrowAddress); err != nil {
			return err
		}
		for i, agg := range c.Custody.Aggregators {
			if err := agg.validate(); err != nil {
				return fmt.Errorf("aggregators[%d]: %w", i, err)
			}
		}
	case CustodyChain:
		if c.Daemon.WalletAddress == "" {
			return fmt.Errorf("wallet_address is required for chain custody")
		}
		if len(c.Chain.ResolvedRPCURLs()) == 0 {
			return fmt.Errorf("rpc_url is required for chain custody")
		}
		if c.Chain.ChainID <= 0 {
			return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
		}
		if c.Chain.BlockConfirmations < 0 {
			return fmt.Errorf("block_confirmations must not be negative")
		}
	default:
		return fmt.Errorf("invalid custody mode: %s", c.Custody.Mode)
	}

	return nil
}

func (a AggregatorConfig) validate() error {
	if err := validateEthAddress("address", a.Address); err != nil {
		return err
	}
	for _, r := range a.Rates {
		if err := validateAsset("rate from", r.From); err != nil {
			return err
		}
		if err := validateAsset("rate to", r.To); err != nil {
			return err
		}
		if r.Denominator == 0 {
			return fmt.Errorf("rate %s -> %s has a zero denominator", r.From, r.To)
		}
	}
	for _, l := range a.Liquidity {
		if err := validateAsset("liquidity asset", l.Asset); err != nil {
			return err
		}
		if l.Amount == "" {
			return fmt.Errorf("liquidity for %s has no amount", l.Asset)
		}
	}
	return nil
}

func validateAsset(name, asset string) error {
	if strings.EqualFold(asset, "native") {
		return nil
	}
	return validateEthAddress(name, asset)
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	allZero := true
	for _, c := range hexPart {
		if c != '0' {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Daemon.DataDir = expandPath(c.Daemon.DataDir)
	c.Daemon.KeystoreDir = expandPath(c.Daemon.KeystoreDir)
	c.Daemon.WalletPasswordFile = expandPath(c.Daemon.WalletPasswordFile)
	c.API.APIKeyStorePath = expandPath(c.API.APIKeyStorePath)
	c.Settlement.RegistryFile = expandPath(c.Settlement.RegistryFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".escrowd", "config.yaml")
}

// EnsureDirectories creates all necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Daemon.DataDir,
		c.Daemon.KeystoreDir,
		filepath.Dir(c.Settlement.RegistryFile),
		filepath.Dir(c.API.APIKeyStorePath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ReadTimeout returns the API read timeout.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.ReadTimeoutSecs) * time.Second
}

// WriteTimeout returns the API write timeout.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.WriteTimeoutSecs) * time.Second
}

// IdleTimeout returns the API idle timeout.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSecs) * time.Second
}
