package webapi

import (
	"fmt"
	"time"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
)

// globalsJS defines pure-JS polyfills for simple global APIs.
const globalsJS = `
globalThis.structuredClone = (function() {
	function dataCloneError(what) {
		var e = new Error(what + ' could not be cloned');
		e.name = 'DataCloneError';
		return e;
	}

	function clone(v, memo) {
		var t = typeof v;
		if (v === null || (t !== 'object' && t !== 'function' && t !== 'symbol')) return v;
		if (t !== 'object') throw dataCloneError(t);
		if (memo.has(v)) return memo.get(v);

		var out;
		if (v instanceof Date) {
			out = new Date(v.getTime());
		} else if (v instanceof RegExp) {
			out = new RegExp(v.source, v.flags);
		} else if (v instanceof ArrayBuffer) {
			out = v.slice(0);
		} else if (ArrayBuffer.isView(v)) {
			var buf = v.buffer.slice(v.byteOffset, v.byteOffset + v.byteLength);
			out = v instanceof DataView ? new DataView(buf) : new v.constructor(buf);
		} else if (v instanceof Error) {
			out = new Error(v.message);
			out.name = v.name;
			if (v.stack) out.stack = v.stack;
		} else if (v instanceof Map) {
			out = new Map();
			memo.set(v, out);
			v.forEach(function(val, key) { out.set(clone(key, memo), clone(val, memo)); });
			return out;
		} else if (v instanceof Set) {
			out = new Set();
			memo.set(v, out);
			v.forEach(function(val) { out.add(clone(val, memo)); });
			return out;
		} else if (v instanceof Promise || v instanceof WeakMap || v instanceof WeakSet) {
			throw dataCloneError(Object.prototype.toString.call(v));
		} else {
			out = Array.isArray(v) ? new Array(v.length) : {};
			memo.set(v, out);
			Object.keys(v).forEach(function(k) { out[k] = clone(v[k], memo); });
			return out;
		}
		memo.set(v, out);
		return out;
	}

	return function structuredClone(value) {
		if (arguments.length === 0) throw new TypeError('structuredClone: 1 argument required');
		return clone(value, new Map());
	};
})();

globalThis.queueMicrotask = function(fn) {
	if (typeof fn !== 'function') {
		throw new TypeError('queueMicrotask: argument is not a function');
	}
	Promise.resolve().then(fn);
};

globalThis.performance = {
	timeOrigin: __performanceOrigin,
	now: function() { return __performanceNow(); }
};
`

// SetupGlobals registers structuredClone, performance.now() and
// queueMicrotask.
func SetupGlobals(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	start := time.Now()
	if err := rt.RegisterFunc("__performanceNow", func() float64 {
		return float64(time.Since(start).Nanoseconds()) / 1e6
	}); err != nil {
		return err
	}
	if err := rt.SetGlobal("__performanceOrigin", float64(start.UnixMilli())); err != nil {
		return err
	}

	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating globals.js: %w", err)
	}
	return nil
}
