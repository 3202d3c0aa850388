//go:build v8

package v8engine

import (
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/inoerp/js-sandbox/internal/core"
	jsoniter "github.com/json-iterator/go"
	v8 "github.com/tommie/v8go"
)

// Runtime is one V8 isolate with a single context. Everything except the
// Terminator returned by TerminationHandle must run on the goroutine that
// drives the session.
type Runtime struct {
	iso    *v8.Isolate
	ctx    *v8.Context
	origin string

	termMu sync.Mutex // orders TerminateExecution against Dispose
	closed bool
}

var _ core.JSRuntime = (*Runtime)(nil)
var _ core.BinaryTransferer = (*Runtime)(nil)

// New creates the isolate. A memory limit caps the heap at that size, with
// half of it reserved for the young generation.
func New(cfg core.EngineConfig) (*Runtime, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &Runtime{iso: iso, ctx: v8.NewContext(iso), origin: cfg.Name()}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, r.origin)
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, r.origin)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, r.origin)
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *Runtime) EvalInt(js string) (int, error) {
	val, err := r.ctx.RunScript(js, r.origin)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// RegisterFunc exposes fn as the global name. Parameters and results may be
// string, int, float64 or bool. Missing arguments throw a TypeError, and so
// does a non-nil error from a (T, error) result, with the message prefixed
// by name so the return channel and host calls can report which native
// failed.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()

	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()

		if len(args) < fnType.NumIn() {
			return r.throwTypeError(fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args)))
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)

		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return goToJSValue(r.iso, results[0])
		case 2:
			errVal := results[1]
			if !errVal.IsNil() {
				errMsg := errVal.Interface().(error).Error()
				return r.throwTypeError(fmt.Sprintf("%s: %s", name, errMsg))
			}
			return goToJSValue(r.iso, results[0])
		default:
			return nil
		}
	})

	fnObj := tmpl.GetFunction(r.ctx)

	return r.ctx.Global().Set(name, fnObj)
}

// throwTypeError raises a TypeError in the calling script. The callback
// must return right after.
func (r *Runtime) throwTypeError(msg string) *v8.Value {
	exc, err := r.ctx.RunScript("new TypeError("+core.JsEscape(msg)+")", "throw.js")
	if err != nil {
		exc, _ = v8.NewValue(r.iso, msg)
	}
	r.iso.ThrowException(exc)
	return nil
}

// SetGlobal assigns value to the global name. Values other than scalars
// are copied in as JSON.
func (r *Runtime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks runs a microtask checkpoint so settled promises continue.
func (r *Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// BinaryMode reports "sab": bytes cross through SharedArrayBuffers.
func (r *Runtime) BinaryMode() string { return "sab" }

// ReadBinaryFromJS copies out the bytes a result staged in
// globalThis[globalName] and deletes the global. v8go only exposes
// SharedArrayBuffer contents, so a plain ArrayBuffer is re-staged as one.
func (r *Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	if _, err := r.ctx.RunScript(fmt.Sprintf(`(function() {
		var b = globalThis[%q];
		if (b instanceof SharedArrayBuffer) return;
		var sab = new SharedArrayBuffer(b ? b.byteLength : 0);
		if (b) new Uint8Array(sab).set(new Uint8Array(b));
		globalThis[%q] = sab;
	})()`, globalName, globalName), "sab_stage.js"); err != nil {
		return nil, fmt.Errorf("staging %s: %w", globalName, err)
	}

	sabVal, err := r.ctx.Global().Get(globalName)
	if err != nil {
		return nil, fmt.Errorf("retrieving %s: %w", globalName, err)
	}

	data, release, err := sabVal.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("reading SharedArrayBuffer %s: %w", globalName, err)
	}
	result := make([]byte, len(data))
	copy(result, data)
	release()

	_, _ = r.ctx.RunScript(fmt.Sprintf("delete globalThis[%q];", globalName), "sab_read_cleanup.js")

	return result, nil
}

// WriteBinaryToJS stores a copy of data as an ArrayBuffer in
// globalThis[globalName].
func (r *Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	allocScript := fmt.Sprintf("globalThis.__tmp_write_sab = new SharedArrayBuffer(%d);", len(data))
	if _, err := r.ctx.RunScript(allocScript, "sab_alloc.js"); err != nil {
		return fmt.Errorf("allocating SharedArrayBuffer: %w", err)
	}

	if len(data) > 0 {
		sabVal, err := r.ctx.Global().Get("__tmp_write_sab")
		if err != nil {
			_, _ = r.ctx.RunScript("delete globalThis.__tmp_write_sab;", "sab_cleanup.js")
			return fmt.Errorf("retrieving SharedArrayBuffer: %w", err)
		}

		sabBytes, release, err := sabVal.SharedArrayBufferGetContents()
		if err != nil {
			_, _ = r.ctx.RunScript("delete globalThis.__tmp_write_sab;", "sab_cleanup.js")
			return fmt.Errorf("getting SharedArrayBuffer contents: %w", err)
		}
		copy(sabBytes, data)
		release()
	}

	copyScript := fmt.Sprintf(`(function() {
		var sab = globalThis.__tmp_write_sab;
		delete globalThis.__tmp_write_sab;
		var buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		globalThis[%q] = buf;
	})()`, globalName)
	if _, err := r.ctx.RunScript(copyScript, "sab_copy.js"); err != nil {
		return fmt.Errorf("copying SharedArrayBuffer to ArrayBuffer: %w", err)
	}

	return nil
}

// TerminationHandle returns the watchdog's capability. It may be called from
// any goroutine, also after Close, where it does nothing: termMu keeps it
// from touching a disposed isolate.
func (r *Runtime) TerminationHandle() core.Terminator {
	return core.TerminatorFunc(func() {
		r.termMu.Lock()
		defer r.termMu.Unlock()
		if !r.closed {
			r.iso.TerminateExecution()
		}
	})
}

// Close disposes the isolate. It is idempotent and waits for an in-flight
// Terminate to return.
func (r *Runtime) Close() {
	r.termMu.Lock()
	defer r.termMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.ctx.Close()
	r.iso.Dispose()
}

// jsToGoArg converts a script argument to the native's parameter type.
func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

// goToJSValue converts a native's result for the script.
func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.String:
		v, _ := v8.NewValue(iso, val.String())
		return v
	case reflect.Int, reflect.Int64, reflect.Int32:
		v, _ := intValue(iso, val.Int())
		return v
	case reflect.Float64, reflect.Float32:
		v, _ := v8.NewValue(iso, val.Float())
		return v
	case reflect.Bool:
		v, _ := v8.NewValue(iso, val.Bool())
		return v
	default:
		return nil
	}
}

// goAnyToJSValue converts a Go any value to a V8 value.
func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}

	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case int:
		return intValue(iso, int64(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return intValue(iso, v)
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	case *v8.Object:
		return v.Value, nil
	default:
		// Complex values travel as JSON.
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		script := "JSON.parse(" + core.JsEscape(string(data)) + ")"
		return ctx.RunScript(script, "set_global.js")
	}
}

// intValue keeps integers outside the int32 range as numbers instead of
// wrapping them.
func intValue(iso *v8.Isolate, n int64) (*v8.Value, error) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return v8.NewValue(iso, int32(n))
	}
	return v8.NewValue(iso, float64(n))
}
