package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/inoerp/js-sandbox/internal/bridge"
	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
	"github.com/inoerp/js-sandbox/internal/metrics"
	"github.com/inoerp/js-sandbox/internal/watchdog"
	"github.com/inoerp/js-sandbox/internal/webapi"
	"go.uber.org/zap"
)

// LogEntry is one console message captured from a script.
type LogEntry = core.LogEntry

const globalFunctionsJS = `JSON.stringify(Object.getOwnPropertyNames(globalThis).filter(function (k) {
	if (k.indexOf('__') === 0) return false;
	try { return typeof globalThis[k] === 'function'; } catch (e) { return false; }
}).sort())`

// Session owns one engine instance. Its methods serialize on an internal
// lock, so a Session may be shared, but calls run one at a time.
type Session struct {
	id      string
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	rt         core.JSRuntime
	el         *eventloop.EventLoop
	channel    *bridge.Channel
	capability *watchdog.Capability
	logs       core.LogBuffer
	builtins   map[string]struct{}
	natives    map[string]struct{}
	callCtx    atomic.Pointer[context.Context]

	mu         sync.Mutex
	timeout    time.Duration
	timeoutSet bool
	terminated bool
	closed     bool
}

// New creates a session with no script loaded.
func New(opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newSession(o)
}

// FromString creates a session and evaluates source in it. Syntax errors
// and exceptions thrown while evaluating fail with ErrInit.
func FromString(source string, opts ...Option) (*Session, error) {
	s, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := s.evalLocked(source); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	return s, nil
}

// FromFile creates a session from the script at path. The file name is
// used in error stacks unless WithFilename is given.
func FromFile(path string, opts ...Option) (*Session, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading script: %w", ErrInit, err)
	}
	opts = append([]Option{WithFilename(filepath.Base(path))}, opts...)
	return FromString(string(source), opts...)
}

func newSession(o options) (*Session, error) {
	if o.config.Timeout < 0 {
		return nil, fmt.Errorf("%w: %w: %v", ErrInit, ErrInvalidTimeout, o.config.Timeout)
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		cfg:     o.config,
		logger:  o.logger.With(zap.String("session", id)),
		metrics: o.metrics,
		el:      eventloop.New(),
		natives: make(map[string]struct{}),
	}
	if o.config.Timeout > 0 {
		s.timeout = o.config.Timeout
		s.timeoutSet = true
	}

	rt, err := newRuntime(core.EngineConfig{
		MemoryLimitMB: o.config.MemoryLimitMB,
		ScriptName:    o.filename,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s runtime: %w", ErrInit, Backend, err)
	}
	s.rt = rt

	if err := s.setup(o.natives); err != nil {
		rt.Close()
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	s.metrics.SessionOpened()
	s.logger.Debug("session created",
		zap.String("backend", Backend),
		zap.Duration("timeout", s.timeout),
		zap.Int("memory_limit_mb", o.config.MemoryLimitMB),
	)
	return s, nil
}

func (s *Session) setup(natives []NativeFunction) error {
	var sink webapi.ConsoleSink
	if s.cfg.Console {
		sink = s.console
	}
	if err := webapi.Install(s.rt, s.el, webapi.Defaults(sink)...); err != nil {
		return fmt.Errorf("installing globals: %w", err)
	}

	ch, err := bridge.Install(s.rt)
	if err != nil {
		return err
	}
	s.channel = ch
	s.capability = watchdog.NewCapability(s.rt.TerminationHandle())

	builtins, err := s.globalFunctions()
	if err != nil {
		return fmt.Errorf("listing globals: %w", err)
	}
	s.builtins = make(map[string]struct{}, len(builtins))
	for _, name := range builtins {
		s.builtins[name] = struct{}{}
	}

	for _, fn := range natives {
		if err := s.addNative(fn); err != nil {
			return err
		}
	}
	return nil
}

// console receives script console output.
func (s *Session) console(level, message string) {
	s.logs.Add(level, message)
	logger := s.logger.Named("console")
	switch level {
	case "error":
		logger.Error(message)
	case "warn":
		logger.Warn(message)
	case "debug", "trace":
		logger.Debug(message)
	default:
		logger.Info(message)
	}
}

// ID returns the session's unique id, also attached to its log lines.
func (s *Session) ID() string {
	return s.id
}

// SetTimeout sets the call timeout. A session has at most one timeout:
// setting it again fails with ErrTimeoutSet.
func (s *Session) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTimeout, d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.timeoutSet {
		return fmt.Errorf("%w: %v", ErrTimeoutSet, s.timeout)
	}
	s.timeout = d
	s.timeoutSet = true
	return nil
}

// Timeout returns the call timeout, 0 when none is set.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// RunString evaluates source in the session's global scope and drives the
// event loop until it is idle.
func (s *Session) RunString(source string) error {
	if err := s.evalLocked(source); err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return nil
}

// RunFile evaluates the script at path like RunString.
func (s *Session) RunFile(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading script: %w", ErrLoad, err)
	}
	return s.RunString(string(source))
}

func (s *Session) evalLocked(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.exec(context.Background(), func() error {
		return s.rt.Eval(source)
	})
}

// LoadModule bundles the ES module at path (relative to the working
// directory) together with its imports, evaluates it, and publishes the
// module's exports as globals so they can be called with Call. It returns
// once the module's top-level work and everything it scheduled has run.
func (s *Session) LoadModule(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	code, err := webapi.BundleModule(abs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}

	slot := s.channel.Open()
	err = s.exec(context.Background(), func() error {
		return s.rt.Eval(bridge.CompileBody(code, webapi.PublishExportsJS(), slot))
	})
	res, takeErr := s.channel.Take(slot)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	case errors.Is(takeErr, bridge.ErrNoResult):
		return fmt.Errorf("%w: %s: %w", ErrLoad, path, ErrNoResult)
	case takeErr != nil:
		return fmt.Errorf("%w: %s: %w", ErrLoad, path, takeErr)
	case res.Err != nil:
		return fmt.Errorf("%w: %s: %w", ErrLoad, path, res.Err)
	}

	var exports int
	if err := bridge.Decode(res.JSON, &exports); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	s.logger.Debug("module loaded", zap.String("path", abs), zap.Int("exports", exports))
	return nil
}

// AddNativeFunction exposes fn to scripts under fn.Name(). Scripts that run
// after this returns can call it; names cannot be registered twice.
func (s *Session) AddNativeFunction(fn NativeFunction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.addNative(fn)
}

// Call invokes the global script function name with args and returns its
// result once the event loop is idle.
func (s *Session) Call(name string, args ...any) (Value, error) {
	return s.CallContext(context.Background(), name, args...)
}

// CallContext is Call with a context. Cancelling ctx terminates the
// execution like a timeout does.
func (s *Session) CallContext(ctx context.Context, name string, args ...any) (Value, error) {
	encoded, err := bridge.EncodeArgs(args...)
	if err != nil {
		return Value{}, err
	}
	return s.call(ctx, name, encoded)
}

// CallJSON calls name with the arguments in the JSON array argsJSON and
// returns the result as JSON.
func (s *Session) CallJSON(name, argsJSON string) (string, error) {
	encoded, err := bridge.EncodeArgsJSON(argsJSON)
	if err != nil {
		return "", err
	}
	v, err := s.call(context.Background(), name, encoded)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// CallAs calls name and decodes the result into T.
func CallAs[T any](s *Session, name string, args ...any) (T, error) {
	return CallAsContext[T](context.Background(), s, name, args...)
}

// CallAsContext is CallAs with a context.
func CallAsContext[T any](ctx context.Context, s *Session, name string, args ...any) (T, error) {
	var out T
	v, err := s.CallContext(ctx, name, args...)
	if err != nil {
		return out, err
	}
	if err := v.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Session) call(ctx context.Context, name, args string) (Value, error) {
	if err := bridge.ValidateName(name); err != nil {
		return Value{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		s.metrics.ObserveCall(metrics.OutcomeRejected, 0)
		return Value{}, err
	}

	start := time.Now()
	outcome := metrics.OutcomeOK
	defer func() {
		s.metrics.ObserveCall(outcome, time.Since(start))
	}()

	slot := s.channel.Open()
	snippet, err := bridge.Compile(name, args, slot)
	if err != nil {
		_, _ = s.channel.Take(slot)
		outcome = metrics.OutcomeError
		return Value{}, err
	}

	runErr := s.exec(ctx, func() error {
		return s.rt.Eval(snippet)
	})
	res, takeErr := s.channel.Take(slot)

	switch {
	case runErr != nil:
		outcome = metrics.OutcomeError
		if errors.Is(runErr, ErrTimeout) {
			outcome = metrics.OutcomeTimeout
		}
		return Value{}, fmt.Errorf("%w: %s: %w", ErrCall, name, runErr)
	case errors.Is(takeErr, bridge.ErrNoResult):
		outcome = metrics.OutcomeNoResult
		return Value{}, fmt.Errorf("%w: %s: %w", ErrCall, name, ErrNoResult)
	case takeErr != nil:
		outcome = metrics.OutcomeError
		return Value{}, fmt.Errorf("%w: %s: %w", ErrCall, name, takeErr)
	case res.Err != nil:
		outcome = metrics.OutcomeThrown
		return Value{}, fmt.Errorf("%w: %s: %w", ErrCall, name, res.Err)
	}
	return newValue(res), nil
}

// exec runs fn on the engine and drives the event loop until it is idle,
// under the watchdog when a timeout is set or ctx can be cancelled. A fired
// watchdog or engine panic marks the session terminated. Callers hold s.mu.
func (s *Session) exec(ctx context.Context, fn func() error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	drainCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.callCtx.Store(&drainCtx)
	defer s.callCtx.Store(nil)

	var wd *watchdog.Watchdog
	if s.timeout > 0 || ctx.Done() != nil {
		wd, err = s.capability.Arm(ctx, s.timeout)
		if err != nil {
			return err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.terminated = true
			err = fmt.Errorf("engine panic: %v", r)
			s.logger.Error("engine panic", zap.Any("panic", r))
		}
		if wd == nil {
			return
		}
		if cause := wd.Disarm(); cause != nil {
			err = s.interrupted(cause)
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	s.rt.RunMicrotasks()
	if err := s.el.Drain(drainCtx, s.rt); err != nil {
		return s.interrupted(err)
	}
	return nil
}

// interrupted marks the session terminated and describes why.
func (s *Session) interrupted(cause error) error {
	if !s.terminated {
		s.terminated = true
		s.el.Reset()
		s.logger.Warn("execution terminated", zap.Error(cause), zap.Duration("timeout", s.timeout))
	}
	if errors.Is(cause, watchdog.ErrExpired) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	}
	return fmt.Errorf("%w: %w", ErrTerminated, cause)
}

func (s *Session) callContext() context.Context {
	if p := s.callCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

func (s *Session) usable() error {
	if s.closed {
		return ErrClosed
	}
	if s.terminated {
		return ErrTerminated
	}
	return nil
}

// Functions lists the global functions defined by scripts and native
// functions, sorted by name. Built-in globals are left out.
func (s *Session) Functions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	all, err := s.globalFunctions()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, name := range all {
		if _, ok := s.builtins[name]; !ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Session) globalFunctions() ([]string, error) {
	raw, err := s.rt.EvalString(globalFunctionsJS)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.UnmarshalFromString(raw, &names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return names, nil
}

// Logs returns the console messages captured so far.
func (s *Session) Logs() []LogEntry {
	return s.logs.Entries()
}

// DrainLogs returns the captured console messages and clears the buffer.
func (s *Session) DrainLogs() []LogEntry {
	return s.logs.Drain()
}

// Terminated reports whether a call was forcibly terminated. A terminated
// session only accepts Close.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Close releases the engine instance. It waits for a call in progress and
// is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.el.Reset()
	s.rt.Close()
	s.metrics.SessionClosed()
	s.logger.Debug("session closed")
	return nil
}
