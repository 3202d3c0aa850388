package core

// JSRuntime abstracts the JavaScript engine (QuickJS, V8 or goja) behind a
// common interface used by the call bridge in internal/bridge, the setup
// functions in internal/webapi and the shared event loop in
// internal/eventloop.
//
// A JSRuntime is single-threaded: every method except TerminationHandle
// must be called from the goroutine that drives the session.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop,
	// goja: drained when a top-level run returns.
	RunMicrotasks()

	// TerminationHandle returns the capability used by a watchdog to stop
	// whatever script is currently executing on this instance.
	TerminationHandle() Terminator

	// Close releases the engine instance. The runtime must not be used
	// afterwards.
	Close()
}

// Terminator forcibly interrupts the script execution currently running on
// one engine instance. Terminate is the only engine operation that is safe
// to call from a goroutine other than the one driving the runtime. Calling
// it while nothing runs is harmless, but the instance may then refuse or
// abort the next evaluation, so a terminated instance should be discarded.
type Terminator interface {
	Terminate()
}

// TerminatorFunc adapts a plain function to the Terminator interface.
type TerminatorFunc func()

// Terminate calls f.
func (f TerminatorFunc) Terminate() { f() }

// BinaryTransferer is an optional interface that JSRuntime implementations
// can provide for efficient binary data transfer between Go and JS.
// V8 implements this using SharedArrayBuffer; QuickJS uses direct ArrayBuffer
// access via the libquickjs C API; goja exports ArrayBuffer bytes directly.
type BinaryTransferer interface {
	// ReadBinaryFromJS reads binary data from a JS buffer stored at the
	// given global variable name and returns it as Go bytes. The global is
	// deleted afterwards.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS writes Go bytes into a JS ArrayBuffer at the given
	// global variable name.
	WriteBinaryToJS(globalName string, data []byte) error

	// BinaryMode returns the JS buffer type to use for binary transfer:
	// "sab" for SharedArrayBuffer (V8), "ab" for ArrayBuffer (QuickJS, goja).
	BinaryMode() string
}
