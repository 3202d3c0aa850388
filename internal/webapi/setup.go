// Package webapi installs the script-visible globals every session gets:
// console, timers, scheduler, queueMicrotask, performance.now,
// structuredClone, atob/btoa and the promise plumbing behind asynchronous
// host functions.
package webapi

import (
	"fmt"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
)

// SetupFunc installs one group of globals on a runtime.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Install runs fns in order and stops at the first failure.
func Install(rt core.JSRuntime, el *eventloop.EventLoop, fns ...SetupFunc) error {
	for i, fn := range fns {
		if err := fn(rt, el); err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
	}
	return nil
}

// Defaults returns the setup steps every session runs. console is always
// installed; a nil sink discards its output.
func Defaults(sink ConsoleSink) []SetupFunc {
	if sink == nil {
		sink = DiscardConsole
	}
	return []SetupFunc{
		SetupGlobals, SetupEncoding, SetupTimers, SetupScheduler, SetupHostCalls,
		SetupConsole(sink),
	}
}
