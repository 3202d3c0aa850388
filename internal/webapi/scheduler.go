package webapi

import (
	"fmt"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
)

// schedulerJS defines globalThis.scheduler on top of the event loop timers.
const schedulerJS = `
globalThis.scheduler = {
	wait: function(ms) {
		return new Promise(function(resolve) {
			setTimeout(resolve, ms || 0);
		});
	},
	postTask: function(callback, options) {
		var delay = (options && options.delay) || 0;
		return new Promise(function(resolve, reject) {
			setTimeout(function() {
				try { resolve(callback()); }
				catch (e) { reject(e); }
			}, delay);
		});
	},
};
`

// SetupScheduler registers scheduler.wait and scheduler.postTask. It needs
// SetupTimers.
func SetupScheduler(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(schedulerJS); err != nil {
		return fmt.Errorf("evaluating scheduler.js: %w", err)
	}
	return nil
}
