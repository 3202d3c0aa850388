// Package watchdog stops runaway script executions from a separate
// goroutine.
//
// A Capability wraps the one thread-safe termination primitive of an engine
// instance and can be granted to a single armed Watchdog at a time. Disarm
// stops the timer and waits for the watchdog goroutine to exit, so no
// termination request can leak into a later, unrelated execution.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inoerp/js-sandbox/internal/core"
)

var (
	// ErrAlreadyArmed is returned by Arm while another watchdog holds the
	// capability.
	ErrAlreadyArmed = errors.New("watchdog: capability already granted")

	// ErrExpired is the cause reported when the duration elapsed.
	ErrExpired = errors.New("watchdog: deadline exceeded")
)

// Capability is the right to terminate one engine instance.
type Capability struct {
	term    core.Terminator
	granted atomic.Bool
}

// NewCapability wraps t.
func NewCapability(t core.Terminator) *Capability {
	return &Capability{term: t}
}

// Granted reports whether an armed watchdog currently holds c.
func (c *Capability) Granted() bool {
	return c.granted.Load()
}

// Watchdog terminates the bound instance when its duration elapses or its
// context is done, whichever comes first.
type Watchdog struct {
	capability *Capability
	stop       chan struct{}
	done       chan struct{}

	disarmOnce sync.Once
	mu         sync.Mutex
	cause      error
}

// Arm grants c to a new watchdog. A non-positive d disables the timer, in
// which case only ctx can trigger termination.
func (c *Capability) Arm(ctx context.Context, d time.Duration) (*Watchdog, error) {
	if !c.granted.CompareAndSwap(false, true) {
		return nil, ErrAlreadyArmed
	}
	w := &Watchdog{
		capability: c,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	var timerC <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		timerC = timer.C
		go func() {
			<-w.done
			timer.Stop()
		}()
	}

	go w.run(ctx, timerC)
	return w, nil
}

func (w *Watchdog) run(ctx context.Context, timerC <-chan time.Time) {
	defer close(w.done)
	select {
	case <-w.stop:
		return
	case <-timerC:
		w.fire(ErrExpired)
	case <-ctx.Done():
		w.fire(ctx.Err())
	}
}

func (w *Watchdog) fire(cause error) {
	w.mu.Lock()
	w.cause = cause
	w.mu.Unlock()
	w.capability.term.Terminate()
}

// Disarm stops the watchdog, waits for its goroutine to exit and returns the
// capability. It returns the cause if the watchdog fired, nil otherwise.
// Calling Disarm more than once is safe.
func (w *Watchdog) Disarm() error {
	w.disarmOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.capability.granted.Store(false)
	})
	return w.Cause()
}

// Cause returns why the watchdog fired: ErrExpired, the context's error, or
// nil if it has not fired.
func (w *Watchdog) Cause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}
