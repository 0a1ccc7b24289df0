package util

import (
	"runtime/debug"

	"github.com/moltbunker/escrowd/internal/logging"
)

// SafeGoWithName runs fn on a new goroutine. A panic is logged with its
// stack under name instead of taking the daemon down.
//
//	util.SafeGoWithName("registry-watch", func() { ... })
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

func recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	logging.Error("goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(debug.Stack()),
		logging.Component("util"))
}
