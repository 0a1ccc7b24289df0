//go:build !linux

package identity

import "github.com/ethereum/go-ethereum/common"

// kernelKeyring exists only on Linux.
type kernelKeyring struct{}

func (kernelKeyring) Name() string { return "kernel keyring" }

func (kernelKeyring) Get(common.Address) (string, error) { return "", ErrStoreUnavailable }

func (kernelKeyring) Set(common.Address, string) error { return ErrStoreUnavailable }

func (kernelKeyring) Delete(common.Address) error { return ErrStoreUnavailable }
