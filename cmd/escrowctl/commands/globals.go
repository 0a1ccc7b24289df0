package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/client"
	"github.com/moltbunker/escrowd/internal/config"
	"github.com/moltbunker/escrowd/internal/identity"
	"golang.org/x/term"
)

// Environment fallbacks for --api-key and --token.
const (
	APIKeyEnv = "ESCROWD_API_KEY"
	TokenEnv  = "ESCROWD_TOKEN"
)

// requestTimeout bounds a single CLI command's API calls.
const requestTimeout = 2 * time.Minute

// Global CLI flags
var (
	// APIEndpoint is the escrowd HTTP API base URL
	APIEndpoint string

	// ConfigPath is the daemon config file consulted for defaults
	ConfigPath string

	// APIKey authenticates with an API key instead of the wallet
	APIKey string

	// Token is a session token from 'escrowctl login'
	Token string

	// KeystoreDir overrides the keystore directory
	KeystoreDir string

	// WalletAddress selects a keystore account; empty uses the first
	WalletAddress string

	// PasswordFile holds the wallet password
	PasswordFile string

	// ActAs sends an unsigned caller address, for servers with auth disabled
	ActAs string

	// AssumeYes skips confirmation prompts
	AssumeYes bool

	// OutputFormat controls output format: "" (auto), "json"
	OutputFormat string

	// Decimals renders and parses amounts with this many decimals; 0 means base units
	Decimals int32
)

// GetAPIEndpoint returns the API endpoint from flag, config, or default.
func GetAPIEndpoint() string {
	if APIEndpoint != "" {
		return strings.TrimRight(APIEndpoint, "/")
	}
	if cfg := loadConfigQuiet(); cfg != nil && cfg.API.HTTPAddr != "" {
		return "http://" + localAddr(cfg.API.HTTPAddr)
	}
	return "http://127.0.0.1:8080"
}

// localAddr turns a wildcard listen address into one a client can dial.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	if strings.HasPrefix(listen, "0.0.0.0:") {
		return "127.0.0.1" + strings.TrimPrefix(listen, "0.0.0.0")
	}
	return listen
}

// GetKeystoreDir returns the keystore directory from flag, config, or default.
func GetKeystoreDir() string {
	if KeystoreDir != "" {
		return KeystoreDir
	}
	if cfg := loadConfigQuiet(); cfg != nil && cfg.Daemon.KeystoreDir != "" {
		return cfg.Daemon.KeystoreDir
	}
	return config.DefaultConfig().Daemon.KeystoreDir
}

// loadConfigQuiet loads the daemon config, returning nil on error.
func loadConfigQuiet() *config.Config {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil
	}
	return cfg
}

// newClient builds an API client. Credentials are taken in order from
// --api-key, --token, --as, then the keystore wallet.
func newClient() (*client.APIClient, error) {
	endpoint := GetAPIEndpoint()

	key := APIKey
	if key == "" {
		key = os.Getenv(APIKeyEnv)
	}
	if key != "" {
		return client.NewAPIClient(endpoint, client.WithAPIKey(key)), nil
	}

	token := Token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if token != "" {
		return client.NewAPIClient(endpoint, client.WithBearerToken(token)), nil
	}

	if ActAs != "" {
		if !common.IsHexAddress(ActAs) {
			return nil, fmt.Errorf("invalid --as address %q", ActAs)
		}
		return client.NewAPIClient(endpoint, client.WithAddress(common.HexToAddress(ActAs))), nil
	}

	signer, err := loadSigner()
	if err != nil {
		return nil, err
	}
	return client.NewAPIClient(endpoint, client.WithSigner(signer)), nil
}

// loadSigner unlocks the keystore wallet for request signing.
func loadSigner() (*client.WalletSigner, error) {
	wallet, password, err := unlockWallet()
	if err != nil {
		return nil, err
	}
	return client.NewWalletSigner(wallet, password), nil
}

// unlockWallet loads the keystore wallet and resolves its password,
// prompting when stdin is a terminal and no stored password exists.
func unlockWallet() (*identity.Wallet, string, error) {
	wallet, err := identity.LoadWallet(GetKeystoreDir(), WalletAddress)
	if err != nil {
		if errors.Is(err, identity.ErrNoWallet) {
			return nil, "", fmt.Errorf("%w (create one with 'escrowctl wallet create' or pass --api-key)", err)
		}
		return nil, "", err
	}

	password, err := identity.ResolvePassword(PasswordFile, wallet.Address())
	if errors.Is(err, identity.ErrNoPassword) && term.IsTerminal(int(os.Stdin.Fd())) {
		password, err = readPasswordNoEcho(fmt.Sprintf("Password for %s: ", wallet.Address().Hex()))
	}
	if err != nil {
		return nil, "", err
	}

	if _, err := wallet.PrivateKey(password); err != nil {
		return nil, "", err
	}
	return wallet, password, nil
}

// commandContext returns a context bounded by requestTimeout.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
