package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrStoreUnavailable is returned by a password store that cannot run on
// this host.
var ErrStoreUnavailable = errors.New("password store unavailable")

// PasswordStore keeps keystore passwords outside the keystore, one entry per
// wallet account.
type PasswordStore interface {
	Name() string
	// Get returns ("", nil) when the account has no stored password.
	Get(account common.Address) (string, error)
	Set(account common.Address, password string) error
	Delete(account common.Address) error
}

// passwordStores lists the stores in lookup order. Tests replace it.
var passwordStores = func() []PasswordStore {
	return []PasswordStore{osKeyring{}, kernelKeyring{}}
}

// SavePassword stores the account's password in the first store that accepts
// it and returns that store's name.
func SavePassword(account common.Address, password string) (string, error) {
	var errs []error
	for _, s := range passwordStores() {
		if err := s.Set(account, password); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		return s.Name(), nil
	}
	return "", fmt.Errorf("no password store accepted the password: %w", errors.Join(errs...))
}

// LookupPassword returns the account's stored password and the store holding
// it. Unreachable stores are skipped.
func LookupPassword(account common.Address) (password, store string, err error) {
	var errs []error
	for _, s := range passwordStores() {
		pw, err := s.Get(account)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if pw != "" {
			return pw, s.Name(), nil
		}
	}
	return "", "", errors.Join(errs...)
}

// ForgetPassword removes the account's password from every store and returns
// the names of the stores that held one.
func ForgetPassword(account common.Address) []string {
	var removed []string
	for _, s := range passwordStores() {
		pw, err := s.Get(account)
		if err != nil || pw == "" {
			continue
		}
		if err := s.Delete(account); err == nil {
			removed = append(removed, s.Name())
		}
	}
	return removed
}

// secretName is the per-account entry name shared by every store.
func secretName(account common.Address) string {
	return "wallet-password:" + strings.ToLower(account.Hex())
}
