package webapi

import (
	"time"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
)

// timersJS is the JavaScript side of setTimeout/setInterval/clearTimeout/clearInterval.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function schedule(fn, delay, rest, interval) {
		if (typeof fn !== 'function') {
			return 0;
		}
		var ms = Number(delay) || 0;
		var id = __timerRegister(ms < 0 ? 0 : Math.floor(ms), interval ? 1 : 0);
		globalThis.__timerCallbacks[id] = { fn: fn, args: rest, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') {
			return;
		}
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

// SetupTimers registers Go-backed setTimeout/setInterval/clearTimeout/clearInterval.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, interval int) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, interval != 0)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__timerClear", func(id int) int {
		el.ClearTimer(id)
		return 0
	}); err != nil {
		return err
	}

	return rt.Eval(timersJS)
}
