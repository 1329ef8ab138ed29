// Package testutil provides helpers for tests that drive goja runtimes.
package testutil

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// RunLoop runs fn on a fresh event loop and blocks until the loop has no
// more queued jobs, timers, or promise reactions.
func RunLoop(t testing.TB, fn func(vm *goja.Runtime)) {
	t.Helper()
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Run(fn)
}
