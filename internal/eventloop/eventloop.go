package eventloop

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/inoerp/js-sandbox/internal/core"
)

// minInterval is the smallest period a setInterval timer may use.
const minInterval = 10 * time.Millisecond

// AsyncResult holds the pre-serialized outcome of an async host call. The
// worker goroutine encodes the value as JSON before sending, so the event
// loop only passes strings to JS.
type AsyncResult struct {
	JSON string
	Err  error
}

// PendingCall represents host work running off the JS thread whose result
// will be delivered to JS via the event loop when it completes.
type PendingCall struct {
	ResultCh <-chan AsyncResult
	CallID   string
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop manages Go-backed timers for setTimeout/setInterval and
// pending async host calls that need to be resolved on the JS thread.
// Provides real wall-clock delays backed by Go timers.
type EventLoop struct {
	mu           sync.Mutex
	timers       map[int]*timerEntry
	nextID       int
	nextCallID   int
	pendingCalls []*PendingCall
	wake         chan struct{}
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// Go runs work on a new goroutine and registers its result for delivery
// to JS. It returns the call ID the JS side uses to find its promise.
func (el *EventLoop) Go(work func() AsyncResult) string {
	ch := make(chan AsyncResult, 1)

	el.mu.Lock()
	el.nextCallID++
	id := strconv.Itoa(el.nextCallID)
	el.pendingCalls = append(el.pendingCalls, &PendingCall{ResultCh: ch, CallID: id})
	el.mu.Unlock()

	go func() {
		ch <- work()
		el.notify()
	}()
	return id
}

func (el *EventLoop) notify() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// DrainPendingCalls does non-blocking reads on all pending call channels.
// For each completed call, it settles the JS promise and removes it from
// the list. Returns true if any call was completed.
func (el *EventLoop) DrainPendingCalls(rt core.JSRuntime) bool {
	el.mu.Lock()
	if len(el.pendingCalls) == 0 {
		el.mu.Unlock()
		return false
	}
	// Snapshot the current list; we'll rebuild it without completed entries.
	pending := el.pendingCalls
	el.pendingCalls = nil
	el.mu.Unlock()

	var remaining []*PendingCall
	didWork := false
	for _, pc := range pending {
		select {
		case result := <-pc.ResultCh:
			var js string
			if result.Err != nil {
				js = fmt.Sprintf(`globalThis.__hostSettle(%q, false, %s)`, pc.CallID, core.JsEscape(result.Err.Error()))
			} else {
				js = fmt.Sprintf(`globalThis.__hostSettle(%q, true, %s)`, pc.CallID, core.JsEscape(result.JSON))
			}
			_ = rt.Eval(js)
			// Microtask checkpoint after each settlement.
			rt.RunMicrotasks()
			didWork = true
		default:
			remaining = append(remaining, pc)
		}
	}

	el.mu.Lock()
	// Callbacks may have started new calls during settlement,
	// so keep those after the remaining ones.
	el.pendingCalls = append(remaining, el.pendingCalls...)
	el.mu.Unlock()
	return didWork
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = rt.Eval(js)
}

// nextTimer returns the earliest live timer, or nil.
func (el *EventLoop) nextTimer() *timerEntry {
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.id < next.id) {
			next = t
		}
	}
	return next
}

// Drain fires timers and settles async host calls until none remain
// (quiescence) or ctx is done. It returns ctx.Err() when it stopped early.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) Drain(ctx context.Context, rt core.JSRuntime) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Always try to settle finished host calls first.
		if el.DrainPendingCalls(rt) {
			continue
		}

		el.mu.Lock()
		next := el.nextTimer()
		hasCalls := len(el.pendingCalls) > 0
		el.mu.Unlock()

		if next == nil && !hasCalls {
			return nil
		}

		if next != nil {
			if wait := time.Until(next.deadline); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-el.wake:
					// A host call finished before the timer; settle it first.
					t.Stop()
					continue
				case <-t.C:
				}
			}
		} else {
			// No timers, but host calls are pending.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-el.wake:
			}
			continue
		}

		// Fire the callback.
		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		timerID := next.id
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		el.fireTimer(rt, timerID)
		rt.RunMicrotasks()
	}
}

// HasPending returns true if there are any active timers or pending calls.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.pendingCalls) > 0
}

// Reset clears all timers and pending calls. Results of calls still in
// flight are discarded when they arrive.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.pendingCalls = nil
}
