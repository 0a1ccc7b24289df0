package identity

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/99designs/keyring"
	"github.com/ethereum/go-ethereum/common"
)

const keyringServiceName = "escrowd"

// osKeyring stores passwords in the platform keyring: the macOS Keychain or
// the Secret Service / KWallet on Linux desktops.
type osKeyring struct{}

func (osKeyring) Name() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	default:
		return "system keyring"
	}
}

func (k osKeyring) Get(account common.Address) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(secretName(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (k osKeyring) Set(account common.Address, password string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	return ring.Set(keyring.Item{
		Key:         secretName(account),
		Data:        []byte(password),
		Label:       "escrowd wallet " + account.Hex(),
		Description: "Keystore password for an escrowd settlement wallet",
	})
}

func (k osKeyring) Delete(account common.Address) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	err = ring.Remove(secretName(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (osKeyring) open() (keyring.Keyring, error) {
	var backends []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		backends = []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		backends = []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend}
	default:
		return nil, fmt.Errorf("%w on %s", ErrStoreUnavailable, runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    keyringServiceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, nil
}
