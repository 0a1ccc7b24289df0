package client

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/moltbunker/escrowd/internal/api"
	"github.com/moltbunker/escrowd/internal/identity"
)

func newTestSigner(t *testing.T) *WalletSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	w, err := identity.ImportWallet(t.TempDir(), hexutil.Encode(crypto.FromECDSA(key)), "pw")
	if err != nil {
		t.Fatalf("ImportWallet: %v", err)
	}
	return NewWalletSigner(w, "pw")
}

func TestWalletSigner_MatchesServer(t *testing.T) {
	if AuthPrefix != api.InlineAuthPrefix {
		t.Fatalf("auth prefix %q differs from server %q", AuthPrefix, api.InlineAuthPrefix)
	}

	s := newTestSigner(t)
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	addr, sig, msg, err := s.SignAuth()
	if err != nil {
		t.Fatalf("SignAuth: %v", err)
	}
	if addr != s.Address() {
		t.Errorf("address = %s, want %s", addr, s.Address())
	}
	if msg != api.InlineAuthMessage(fixed) {
		t.Errorf("message = %q, want %q", msg, api.InlineAuthMessage(fixed))
	}
	if !strings.HasPrefix(sig, "0x") {
		t.Errorf("signature not 0x-prefixed: %s", sig)
	}

	got, err := api.VerifySignature(msg, sig, s.wallet.Address())
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if got != s.wallet.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), s.wallet.Address().Hex())
	}
}

func TestWalletSigner_AcceptedInline(t *testing.T) {
	s := newTestSigner(t)
	m := api.NewWalletAuthManager(time.Minute)
	defer m.Close()

	addr, sig, msg, err := s.SignAuth()
	if err != nil {
		t.Fatalf("SignAuth: %v", err)
	}
	got, err := m.VerifyInlineAuth(addr, sig, msg)
	if err != nil {
		t.Fatalf("VerifyInlineAuth: %v", err)
	}
	if got != s.wallet.Address() {
		t.Errorf("authenticated %s, want %s", got.Hex(), s.wallet.Address().Hex())
	}
}
