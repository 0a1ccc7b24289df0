package client

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/moltbunker/escrowd/internal/identity"
)

// AuthPrefix starts every message signed for a stateless request.
const AuthPrefix = "escrowd-auth:"

// WalletSigner signs API requests with a keystore wallet. The server accepts
// the signature for five minutes after the embedded timestamp.
type WalletSigner struct {
	wallet   *identity.Wallet
	password string
	now      func() time.Time
}

// NewWalletSigner creates a signer from an unlocked-on-demand wallet.
func NewWalletSigner(wallet *identity.Wallet, password string) *WalletSigner {
	return &WalletSigner{wallet: wallet, password: password, now: time.Now}
}

// Address returns the checksummed wallet address.
func (s *WalletSigner) Address() string {
	return s.wallet.Address().Hex()
}

// SignAuth returns the inline-auth header values: address, 0x signature and
// the signed message.
func (s *WalletSigner) SignAuth() (address, signature, message string, err error) {
	message = AuthPrefix + strconv.FormatInt(s.now().Unix(), 10)
	sig, err := s.wallet.SignMessage(message, s.password)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to sign auth message: %w", err)
	}
	return s.Address(), hexutil.Encode(sig), message, nil
}
