package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/internal/logging"
)

// PasswordEnv overrides every other password source when set.
const PasswordEnv = "ESCROWD_WALLET_PASSWORD"

// ErrNoPassword is returned when no source yields a keystore password.
var ErrNoPassword = errors.New("no wallet password available")

// ResolvePassword finds the keystore password for account. Sources are tried
// in order: the environment, passwordFile, then the password stores.
func ResolvePassword(passwordFile string, account common.Address) (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}

	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		pw := strings.TrimRight(string(data), "\r\n")
		if pw == "" {
			return "", fmt.Errorf("password file %s is empty", passwordFile)
		}
		return pw, nil
	}

	pw, store, err := LookupPassword(account)
	if pw != "" {
		logging.Debug("wallet password loaded",
			"store", store,
			logging.Address("account", account),
			logging.Component("identity"))
		return pw, nil
	}
	if err != nil {
		logging.Debug("password stores unavailable",
			logging.Err(err),
			logging.Component("identity"))
	}
	return "", ErrNoPassword
}
