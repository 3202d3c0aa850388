package webapi

import (
	"fmt"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
)

// HostFunc is a host function with JSON transport: it receives the script
// arguments as a JSON array and returns its result as JSON text. An empty
// result is treated as undefined.
type HostFunc func(argsJSON string) (string, error)

// hostCallsJS keeps the promises handed out by async host functions until
// the event loop settles them.
const hostCallsJS = `
(function() {
	var pending = {};
	globalThis.__hostPromise = function(id) {
		return new Promise(function(resolve, reject) {
			pending[id] = { resolve: resolve, reject: reject };
		});
	};
	globalThis.__hostSettle = function(id, ok, payload) {
		var p = pending[id];
		if (!p) return;
		delete pending[id];
		if (ok) {
			p.resolve(payload === '' ? undefined : JSON.parse(payload));
		} else {
			p.reject(new Error(payload));
		}
	};
	globalThis.__hostDecode = function(payload) {
		return payload === '' ? undefined : JSON.parse(payload);
	};
	globalThis.__hostArgs = function(args) {
		return JSON.stringify(Array.prototype.slice.call(args));
	};
})();
`

// SetupHostCalls installs the promise registry used by RegisterAsync.
func SetupHostCalls(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(hostCallsJS)
}

// RegisterSync exposes fn as the global name. The call blocks the script
// until fn returns; an error is thrown as a TypeError.
func RegisterSync(rt core.JSRuntime, name string, fn HostFunc) error {
	native := "__host_" + name
	if err := rt.RegisterFunc(native, func(argsJSON string) (string, error) {
		return fn(argsJSON)
	}); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return rt.Eval(fmt.Sprintf(`globalThis[%[1]s] = function() {
	return __hostDecode(globalThis[%[2]s](__hostArgs(arguments)));
};`, core.JsEscape(name), core.JsEscape(native)))
}

// RegisterAsync exposes fn as the global name returning a Promise. fn runs
// on its own goroutine and the promise is settled by the event loop, so the
// script keeps running while the host works.
func RegisterAsync(rt core.JSRuntime, el *eventloop.EventLoop, name string, fn HostFunc) error {
	native := "__host_" + name
	if err := rt.RegisterFunc(native, func(argsJSON string) string {
		return el.Go(func() eventloop.AsyncResult {
			out, err := fn(argsJSON)
			return eventloop.AsyncResult{JSON: out, Err: err}
		})
	}); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return rt.Eval(fmt.Sprintf(`globalThis[%[1]s] = function() {
	return __hostPromise(globalThis[%[2]s](__hostArgs(arguments)));
};`, core.JsEscape(name), core.JsEscape(native)))
}
