package sandbox

import (
	"errors"

	"github.com/inoerp/js-sandbox/internal/bridge"
)

var (
	// ErrInit is returned when a session cannot be created or its initial
	// source fails to load.
	ErrInit = errors.New("sandbox: init failed")

	// ErrLoad is returned when a script or module cannot be loaded into an
	// existing session.
	ErrLoad = errors.New("sandbox: load failed")

	// ErrEncode is returned when a call argument cannot be encoded as JSON.
	ErrEncode = bridge.ErrEncode

	// ErrDecode is returned when a result does not fit the requested type.
	ErrDecode = bridge.ErrDecode

	// ErrCall is returned when a call fails. A script exception is available
	// through errors.As with *ScriptError.
	ErrCall = errors.New("sandbox: call failed")

	// ErrNoResult is returned when a call finished without delivering a
	// result, for example when it awaits a promise that never settles.
	ErrNoResult = bridge.ErrNoResult

	// ErrTimeout is returned when the watchdog terminated a call.
	ErrTimeout = errors.New("sandbox: call timed out")

	// ErrTerminated is returned by every operation on a session whose
	// execution was forcibly terminated.
	ErrTerminated = errors.New("sandbox: session terminated")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("sandbox: session closed")

	// ErrTimeoutSet is returned by SetTimeout when a timeout is already set.
	ErrTimeoutSet = errors.New("sandbox: timeout already set")

	// ErrInvalidTimeout is returned for non-positive timeouts.
	ErrInvalidTimeout = errors.New("sandbox: timeout must be positive")

	// ErrInvalidName is returned for function names that are not a dotted
	// JavaScript identifier path.
	ErrInvalidName = bridge.ErrInvalidName

	// ErrNativeExists is returned when a native function name is taken.
	ErrNativeExists = errors.New("sandbox: native function already registered")
)

// ScriptError is an exception thrown or a rejection raised by script code.
type ScriptError = bridge.ScriptError
