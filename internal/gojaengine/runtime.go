//go:build goja && !v8

package gojaengine

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/inoerp/js-sandbox/internal/core"
)

// maxCallStackSize bounds recursion depth; goja has no heap limit, so this
// is the closest analogue to the other engines' memory limit.
const maxCallStackSize = 4096

// errInterrupted is the value passed to vm.Interrupt by the termination
// handle. It surfaces inside *goja.InterruptedError.
const errInterrupted = "execution terminated"

// Runtime implements core.JSRuntime on top of a goja VM.
type Runtime struct {
	vm     *goja.Runtime
	origin string
	closed atomic.Bool
}

var _ core.JSRuntime = (*Runtime)(nil)
var _ core.BinaryTransferer = (*Runtime)(nil)

// New creates a goja VM configured from cfg. MemoryLimitMB only switches on
// a call stack bound.
func New(cfg core.EngineConfig) (*Runtime, error) {
	vm := goja.New()
	if cfg.MemoryLimitMB > 0 {
		vm.SetMaxCallStackSize(maxCallStackSize)
	}
	return &Runtime{vm: vm, origin: cfg.Name()}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *Runtime) Eval(js string) error {
	_, err := r.vm.RunScript(r.origin, js)
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *Runtime) EvalString(js string) (string, error) {
	v, err := r.vm.RunScript(r.origin, js)
	if err != nil {
		return "", err
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	return v.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	v, err := r.vm.RunScript(r.origin, js)
	if err != nil {
		return false, err
	}
	b, ok := v.Export().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v.Export())
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *Runtime) EvalInt(js string) (int, error) {
	v, err := r.vm.RunScript(r.origin, js)
	if err != nil {
		return 0, err
	}
	switch n := v.Export().(type) {
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", n)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Arguments are converted with ExportTo; a non-nil error from a (T, error)
// function is thrown as a TypeError.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	wrapper := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < fnType.NumIn() {
			panic(r.vm.NewTypeError("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(call.Arguments)))
		}
		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := range goArgs {
			ptr := reflect.New(fnType.In(i))
			if err := r.vm.ExportTo(call.Arguments[i], ptr.Interface()); err != nil {
				panic(r.vm.NewTypeError("%s: argument %d: %s", name, i, err))
			}
			goArgs[i] = ptr.Elem()
		}

		results := fnVal.Call(goArgs)
		switch len(results) {
		case 0:
			return goja.Undefined()
		case 1:
			return r.vm.ToValue(results[0].Interface())
		default:
			if errVal := results[len(results)-1]; !errVal.IsNil() {
				panic(r.vm.NewTypeError("%s: %s", name, errVal.Interface().(error).Error()))
			}
			return r.vm.ToValue(results[0].Interface())
		}
	}
	return r.vm.Set(name, wrapper)
}

// SetGlobal sets a global variable on the VM.
func (r *Runtime) SetGlobal(name string, value any) error {
	return r.vm.Set(name, value)
}

// RunMicrotasks drains the job queue. goja runs pending jobs whenever an
// outermost script run returns, so an empty run is enough.
func (r *Runtime) RunMicrotasks() {
	_, _ = r.vm.RunString("undefined")
}

// TerminationHandle returns a Terminator backed by vm.Interrupt, which is
// safe to call from any goroutine.
func (r *Runtime) TerminationHandle() core.Terminator {
	return core.TerminatorFunc(func() {
		if !r.closed.Load() {
			r.vm.Interrupt(errInterrupted)
		}
	})
}

// Close marks the runtime closed. goja VMs are garbage collected.
func (r *Runtime) Close() {
	r.closed.Store(true)
}

// VM returns the underlying goja runtime for engine-specific operations.
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// BinaryMode returns "ab": goja exposes ArrayBuffer bytes directly.
func (r *Runtime) BinaryMode() string { return "ab" }

// ReadBinaryFromJS copies the ArrayBuffer stored in globalThis[globalName]
// and deletes the global.
func (r *Runtime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	v := r.vm.Get(globalName)
	defer func() { _ = r.vm.GlobalObject().Delete(globalName) }()
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	ab, ok := v.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, fmt.Errorf("global %q is %T, not an ArrayBuffer", globalName, v.Export())
	}
	src := ab.Bytes()
	if len(src) == 0 {
		return nil, nil
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// WriteBinaryToJS stores a copy of data as an ArrayBuffer in
// globalThis[globalName].
func (r *Runtime) WriteBinaryToJS(globalName string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return r.vm.Set(globalName, r.vm.NewArrayBuffer(buf))
}
