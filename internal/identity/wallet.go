// Package identity manages the escrow signing wallet: an encrypted go-ethereum
// keystore plus the OS keyring that holds its password.
package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoWallet is returned when the keystore holds no matching account.
var ErrNoWallet = errors.New("no wallet in keystore")

// Wallet is an account in an encrypted keystore directory.
type Wallet struct {
	keystore   *keystore.KeyStore
	keyPath    string
	account    accounts.Account
	privateKey *ecdsa.PrivateKey
}

func openKeystore(dir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP), nil
}

// LoadWallet opens the account for address in dir. An empty address selects
// the first account.
func LoadWallet(dir, address string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}

	accs := ks.Accounts()
	if len(accs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoWallet, dir)
	}
	if address == "" {
		return &Wallet{keystore: ks, keyPath: dir, account: accs[0]}, nil
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid wallet address %q", address)
	}
	want := common.HexToAddress(address)
	for _, acc := range accs {
		if acc.Address == want {
			return &Wallet{keystore: ks, keyPath: dir, account: acc}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not found in %s", ErrNoWallet, want.Hex(), dir)
}

// CreateWallet creates a new account in dir. It refuses to add a second one.
func CreateWallet(dir, password string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", dir)
	}

	acc, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &Wallet{keystore: ks, keyPath: dir, account: acc}, nil
}

// ImportWallet imports a hex private key into an empty keystore in dir.
func ImportWallet(dir, privKeyHex, password string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", dir)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	acc, err := ks.ImportECDSA(key, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	return &Wallet{keystore: ks, keyPath: dir, account: acc}, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return w.account.Address
}

// KeystoreDir returns the path to the keystore directory
func (w *Wallet) KeystoreDir() string {
	return w.keyPath
}

// PrivateKey decrypts and caches the signing key.
func (w *Wallet) PrivateKey(password string) (*ecdsa.PrivateKey, error) {
	if w.privateKey != nil {
		return w.privateKey, nil
	}

	keyJSON, err := os.ReadFile(w.account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	w.privateKey = key.PrivateKey
	return key.PrivateKey, nil
}

// ClearCachedKey zeros and drops the cached private key.
func (w *Wallet) ClearCachedKey() {
	if w.privateKey != nil {
		w.privateKey.D.SetUint64(0)
		w.privateKey = nil
	}
}

// SignHash signs a 32-byte hash with the wallet key. V is 0 or 1.
func (w *Wallet) SignHash(hash []byte, password string) ([]byte, error) {
	key, err := w.PrivateKey(password)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	return sig, nil
}

// SignMessage produces an EIP-191 personal_sign signature with V in {27, 28}.
func (w *Wallet) SignMessage(message, password string) ([]byte, error) {
	sig, err := w.SignHash(accounts.TextHash([]byte(message)), password)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
