package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestLoadWallet_EmptyDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keystore")

	_, err := LoadWallet(dir, "")
	if !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("expected directory to be created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("expected keystore dir permissions 0700, got %04o", perm)
	}
}

func TestCreateWallet_ThenLoad(t *testing.T) {
	dir := t.TempDir()
	password := "test-password-123"

	created, err := CreateWallet(dir, password)
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if created.Address() == (common.Address{}) {
		t.Fatal("expected non-zero address")
	}
	if created.KeystoreDir() != dir {
		t.Errorf("expected KeystoreDir=%s, got %s", dir, created.KeystoreDir())
	}

	loaded, err := LoadWallet(dir, "")
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	if loaded.Address() != created.Address() {
		t.Errorf("address mismatch: created=%s loaded=%s", created.Address().Hex(), loaded.Address().Hex())
	}

	byAddr, err := LoadWallet(dir, created.Address().Hex())
	if err != nil {
		t.Fatalf("LoadWallet by address: %v", err)
	}
	if byAddr.Address() != created.Address() {
		t.Errorf("selected wrong account %s", byAddr.Address().Hex())
	}
}

func TestLoadWallet_UnknownAddress(t *testing.T) {
	dir := t.TempDir()
	if _, err := CreateWallet(dir, "password1234"); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}

	_, err := LoadWallet(dir, "0x00000000000000000000000000000000000000ff")
	if !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}

	if _, err := LoadWallet(dir, "not-an-address"); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestCreateWallet_AlreadyExists(t *testing.T) {
	dir := t.TempDir()

	if _, err := CreateWallet(dir, "password1234"); err != nil {
		t.Fatalf("first CreateWallet: %v", err)
	}
	if _, err := CreateWallet(dir, "password5678"); err == nil {
		t.Fatal("expected error when wallet already exists")
	}
}

func TestPrivateKey(t *testing.T) {
	dir := t.TempDir()
	password := "test-password-123"

	w, err := CreateWallet(dir, password)
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}

	if _, err := w.PrivateKey("wrong-password"); err == nil {
		t.Fatal("expected error with wrong password")
	}

	key, err := w.PrivateKey(password)
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if addr := crypto.PubkeyToAddress(key.PublicKey); addr != w.Address() {
		t.Errorf("derived address %s doesn't match wallet address %s", addr.Hex(), w.Address().Hex())
	}

	// Cached: the password is no longer consulted.
	cached, err := w.PrivateKey("")
	if err != nil {
		t.Fatalf("cached PrivateKey: %v", err)
	}
	if cached != key {
		t.Error("expected cached key")
	}

	w.ClearCachedKey()
	if _, err := w.PrivateKey(""); err == nil {
		t.Fatal("expected decrypt error after ClearCachedKey")
	}
}

func TestImportWallet(t *testing.T) {
	dir := t.TempDir()
	password := "import-password-123"

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	w, err := ImportWallet(dir, hexutil.Encode(crypto.FromECDSA(key)), password)
	if err != nil {
		t.Fatalf("ImportWallet: %v", err)
	}
	if w.Address() != want {
		t.Errorf("address mismatch: expected=%s got=%s", want.Hex(), w.Address().Hex())
	}

	got, err := w.PrivateKey(password)
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if got.D.Cmp(key.D) != 0 {
		t.Error("decrypted key doesn't match imported key")
	}

	if _, err := ImportWallet(dir, hexutil.Encode(crypto.FromECDSA(key)), password); err == nil {
		t.Fatal("expected error when wallet already exists")
	}
}

func TestImportWallet_InvalidHex(t *testing.T) {
	if _, err := ImportWallet(t.TempDir(), "not-valid-hex", "password1234"); err == nil {
		t.Fatal("expected error with invalid hex key")
	}
}

func TestSignMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	w, err := ImportWallet(t.TempDir(), hexutil.Encode(crypto.FromECDSA(key)), "pw")
	if err != nil {
		t.Fatalf("ImportWallet: %v", err)
	}

	msg := "escrowd-auth:1700000000"
	sig, err := w.SignMessage(msg, "pw")
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("unexpected recovery byte %d", sig[64])
	}

	// Recover as a verifier would.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(accountsTextHash(msg), raw)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != w.Address() {
		t.Error("recovered address doesn't match wallet")
	}
}

func TestResolvePassword(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		t.Setenv(PasswordEnv, "from-env")
		pw, err := ResolvePassword(filepath.Join(t.TempDir(), "missing"), common.Address{})
		if err != nil || pw != "from-env" {
			t.Fatalf("got %q, %v", pw, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		t.Setenv(PasswordEnv, "")
		path := filepath.Join(t.TempDir(), "pw")
		if err := os.WriteFile(path, []byte("secret\n"), 0600); err != nil {
			t.Fatal(err)
		}
		pw, err := ResolvePassword(path, common.Address{})
		if err != nil || pw != "secret" {
			t.Fatalf("got %q, %v", pw, err)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		t.Setenv(PasswordEnv, "")
		path := filepath.Join(t.TempDir(), "pw")
		if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := ResolvePassword(path, common.Address{}); err == nil {
			t.Fatal("expected error for empty password file")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(PasswordEnv, "")
		if _, err := ResolvePassword(filepath.Join(t.TempDir(), "missing"), common.Address{}); err == nil {
			t.Fatal("expected error for missing password file")
		}
	})
}
