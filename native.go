package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/inoerp/js-sandbox/internal/bridge"
	"github.com/inoerp/js-sandbox/internal/webapi"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NativeFunction is a Go function exposed to scripts as a global.
//
// Invoke receives the script arguments as JSON and the context of the call
// in progress (context.Background outside of a call). The returned value is
// encoded as JSON for the script; a nil value is seen as undefined and an
// error is thrown as a TypeError carrying its message.
//
// Invoke must not call back into the Session that invoked it.
type NativeFunction interface {
	Name() string
	Invoke(ctx context.Context, args Args) (any, error)
}

// AsyncFunction is implemented by native functions that run off the script
// thread. Scripts receive a Promise that settles with the result, and the
// call that triggered it waits for the promise like any other pending work.
type AsyncFunction interface {
	NativeFunction
	Async() bool
}

// NativeFunc adapts a plain function to NativeFunction.
type NativeFunc func(ctx context.Context, args Args) (any, error)

type nativeFunc struct {
	name  string
	fn    NativeFunc
	async bool
}

func (f *nativeFunc) Name() string { return f.name }
func (f *nativeFunc) Async() bool  { return f.async }

func (f *nativeFunc) Invoke(ctx context.Context, args Args) (any, error) {
	return f.fn(ctx, args)
}

// NewNativeFunction returns a synchronous native function. The script
// blocks until fn returns.
func NewNativeFunction(name string, fn NativeFunc) NativeFunction {
	return &nativeFunc{name: name, fn: fn}
}

// NewAsyncFunction returns a native function that runs fn on its own
// goroutine and hands the script a Promise.
func NewAsyncFunction(name string, fn NativeFunc) NativeFunction {
	return &nativeFunc{name: name, fn: fn, async: true}
}

func isAsync(fn NativeFunction) bool {
	a, ok := fn.(AsyncFunction)
	return ok && a.Async()
}

// Args are the arguments of one native function invocation, one JSON value
// per argument. Missing arguments read as null.
type Args struct {
	raw []jsoniter.RawMessage
}

// ParseArgs parses a JSON array of arguments.
func ParseArgs(argsJSON string) (Args, error) {
	var a Args
	if strings.TrimSpace(argsJSON) == "" {
		return a, nil
	}
	if err := json.UnmarshalFromString(argsJSON, &a.raw); err != nil {
		return Args{}, fmt.Errorf("%w: arguments: %v", ErrDecode, err)
	}
	return a, nil
}

// Len returns the number of arguments the script passed.
func (a Args) Len() int {
	return len(a.raw)
}

// Raw returns the JSON of argument i.
func (a Args) Raw(i int) []byte {
	if i < 0 || i >= len(a.raw) {
		return []byte("null")
	}
	return bridge.Normalize(a.raw[i])
}

// Decode unmarshals argument i into target.
func (a Args) Decode(i int, target any) error {
	if err := bridge.Decode(a.Raw(i), target); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Scan decodes the leading arguments into targets, in order.
func (a Args) Scan(targets ...any) error {
	for i, t := range targets {
		if err := a.Decode(i, t); err != nil {
			return err
		}
	}
	return nil
}

// String returns argument i as a string. Non-string values are returned
// as their JSON text.
func (a Args) String(i int) string {
	raw := a.Raw(i)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// encodeNative turns a native return value into the JSON handed to the
// script. An empty string means undefined.
func encodeNative(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case Value:
		return r.String(), nil
	}
	out, err := json.MarshalToString(v)
	if err != nil {
		return "", fmt.Errorf("%w: result %T: %v", ErrEncode, v, err)
	}
	return out, nil
}

// addNative registers fn on the engine. Callers hold s.mu.
func (s *Session) addNative(fn NativeFunction) error {
	if fn == nil {
		return fmt.Errorf("%w: nil native function", ErrInvalidName)
	}
	name := fn.Name()
	if strings.Contains(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := bridge.ValidateName(name); err != nil {
		return err
	}
	if _, ok := s.natives[name]; ok {
		return fmt.Errorf("%w: %s", ErrNativeExists, name)
	}

	host := s.hostFunc(fn)
	var err error
	if isAsync(fn) {
		err = webapi.RegisterAsync(s.rt, s.el, name, host)
	} else {
		err = webapi.RegisterSync(s.rt, name, host)
	}
	if err != nil {
		return err
	}
	s.natives[name] = struct{}{}
	s.logger.Debug("native function registered", zap.String("name", name), zap.Bool("async", isAsync(fn)))
	return nil
}

func (s *Session) hostFunc(fn NativeFunction) webapi.HostFunc {
	name := fn.Name()
	return func(argsJSON string) (out string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
			s.metrics.ObserveNative(name, err)
			if err != nil {
				s.logger.Debug("native function failed", zap.String("name", name), zap.Error(err))
			}
		}()

		args, err := ParseArgs(argsJSON)
		if err != nil {
			return "", err
		}
		v, err := fn.Invoke(s.callContext(), args)
		if err != nil {
			return "", err
		}
		return encodeNative(v)
	}
}
