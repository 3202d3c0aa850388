package webapi

import (
	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
)

// ConsoleSink receives one formatted console line.
type ConsoleSink func(level, message string)

// consoleJS builds the console object on top of the __console native.
const consoleJS = `
(function() {
	function format(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.name + ': ' + arg.message;
		if (typeof arg === 'object' && arg !== null) {
			try {
				var s = JSON.stringify(arg);
				if (s !== undefined) return s;
			} catch (e) {}
			return Object.prototype.toString.call(arg);
		}
		return String(arg);
	}
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	levels.forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(format(arguments[j]));
			__console(lvl, parts.join(' '));
		};
	});
	globalThis.console = con;
})();
`

// consoleExtJS adds the less common console methods in terms of the basic ones.
const consoleExtJS = `
(function() {
var timers = {};
var counters = {};

console.trace = console.debug;
console.time = function(label) {
	timers[label || 'default'] = performance.now();
};
console.timeEnd = function(label) {
	var l = label || 'default';
	var start = timers[l];
	if (start === undefined) { console.warn('Timer "' + l + '" does not exist'); return; }
	delete timers[l];
	console.log(l + ': ' + (performance.now() - start).toFixed(3) + 'ms');
};
console.count = function(label) {
	var l = label || 'default';
	counters[l] = (counters[l] || 0) + 1;
	console.log(l + ': ' + counters[l]);
};
console.countReset = function(label) {
	counters[label || 'default'] = 0;
};
console.assert = function(cond) {
	if (cond) return;
	var args = Array.prototype.slice.call(arguments, 1);
	console.error.apply(null, ['Assertion failed'].concat(args));
};
console.table = console.dir = function(data) {
	console.log(JSON.stringify(data, null, 2));
};
})();
`

// DiscardConsole is a ConsoleSink that drops every line.
func DiscardConsole(level, message string) {}

// SetupConsole replaces globalThis.console with one that forwards every
// line to sink.
func SetupConsole(sink ConsoleSink) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(level, message string) int {
			sink(level, message)
			return 0
		}); err != nil {
			return err
		}
		if err := rt.Eval(consoleJS); err != nil {
			return err
		}
		return rt.Eval(consoleExtJS)
	}
}
