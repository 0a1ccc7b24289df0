//go:build linux

package identity

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// kernelKeyring keeps passwords in the Linux user keyring through keyctl(1),
// for headless hosts without a Secret Service. Entries are lost on reboot.
type kernelKeyring struct{}

func (kernelKeyring) Name() string { return "kernel keyring" }

func (kernelKeyring) Get(account common.Address) (string, error) {
	id, found, err := keyctlSearch(account)
	if err != nil || !found {
		return "", err
	}
	out, err := exec.Command("keyctl", "pipe", id).Output()
	if err != nil {
		return "", fmt.Errorf("keyctl pipe failed: %w", err)
	}
	return string(out), nil
}

func (kernelKeyring) Set(account common.Address, password string) error {
	cmd := exec.Command("keyctl", "padd", "user", "escrowd:"+secretName(account), "@u")
	cmd.Stdin = strings.NewReader(password)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("keyctl padd failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (kernelKeyring) Delete(account common.Address) error {
	id, found, err := keyctlSearch(account)
	if err != nil || !found {
		return err
	}
	if out, err := exec.Command("keyctl", "unlink", id, "@u").CombinedOutput(); err != nil {
		return fmt.Errorf("keyctl unlink failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// keyctlSearch finds the account's key id. A missing key is not an error; a
// missing keyctl binary is.
func keyctlSearch(account common.Address) (string, bool, error) {
	if _, err := exec.LookPath("keyctl"); err != nil {
		return "", false, fmt.Errorf("%w: keyctl not installed", ErrStoreUnavailable)
	}
	out, err := exec.Command("keyctl", "search", "@u", "user", "escrowd:"+secretName(account)).Output()
	if err != nil {
		return "", false, nil
	}
	return strings.TrimSpace(string(out)), true, nil
}
