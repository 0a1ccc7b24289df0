package identity

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// keystore.NewKeyStore starts an fsnotify watcher with no Close.
		goleak.IgnoreTopFunction("github.com/ethereum/go-ethereum/accounts/keystore.(*watcher).loop"),
		goleak.IgnoreAnyFunction("github.com/fsnotify/fsnotify.(*Watcher).readEvents"),
	)
}

func accountsTextHash(msg string) []byte {
	return accounts.TextHash([]byte(msg))
}
