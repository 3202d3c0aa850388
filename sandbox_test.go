package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	sandbox "github.com/inoerp/js-sandbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const fixture = `
function triple(a) { return 3 * a; }
function add(a, b) { return a + b; }
async function addLater(a, b) { await null; return a + b; }
function addThen(a, b) { return Promise.resolve(a + b); }
function nothing() {}
function echo(v) { return v; }
function fail(msg) { throw new Error(msg); }
async function rejectLater() { await null; throw new TypeError('nope'); }
function hang() { return new Promise(function () {}); }
function spin() { for (;;) {} }
function sleep(ms) { return new Promise(function (r) { setTimeout(function () { r(ms); }, ms); }); }
function busy(ms) { var end = Date.now() + ms; while (Date.now() < end) {} return ms; }
function bytes() { return new Uint8Array([104, 105]); }
var math = { base: 10, plus: function (n) { return this.base + n; } };
`

func newSession(t *testing.T, opts ...sandbox.Option) *sandbox.Session {
	t.Helper()
	s, err := sandbox.FromString(fixture, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCallTriple(t *testing.T) {
	s := newSession(t)

	v, err := s.Call("triple", 5)
	require.NoError(t, err)
	assert.Equal(t, "15", v.String())

	var n int
	require.NoError(t, v.Decode(&n))
	assert.Equal(t, 15, n)

	n, err = sandbox.CallAs[int](s, "triple", 7)
	require.NoError(t, err)
	assert.Equal(t, 21, n)
}

func TestCallMatchesDirectEvaluation(t *testing.T) {
	s := newSession(t)

	tests := []struct {
		name string
		args []any
		want any
	}{
		{"add", []any{2, 3}, 5.0},
		{"add", []any{"a", "b"}, "ab"},
		{"echo", []any{map[string]any{"k": []any{1.0, "x", nil}}}, map[string]any{"k": []any{1.0, "x", nil}}},
		{"echo", []any{true}, true},
		{"math.plus", []any{5}, 15.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sandbox.CallAs[any](s, tt.name, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAsyncCallsLikeSync(t *testing.T) {
	s := newSession(t)

	for _, name := range []string{"add", "addLater", "addThen"} {
		n, err := sandbox.CallAs[int](s, name, 20, 22)
		require.NoError(t, err, name)
		assert.Equal(t, 42, n, name)
	}

	n, err := sandbox.CallAs[int](s, "sleep", 15)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestUndefinedDecodesAsEmpty(t *testing.T) {
	s := newSession(t)

	v, err := s.Call("nothing")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	type point struct{ X, Y int }
	p, err := sandbox.CallAs[point](s, "nothing")
	require.NoError(t, err)
	assert.Equal(t, point{}, p)

	ptr, err := sandbox.CallAs[*point](s, "nothing")
	require.NoError(t, err)
	assert.Nil(t, ptr)

	str, err := sandbox.CallAs[string](s, "echo")
	require.NoError(t, err)
	assert.Empty(t, str)
}

func TestStatePersistsAcrossCalls(t *testing.T) {
	s, err := sandbox.FromFile("testdata/save_load.js")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Call("save", "secret")
	require.NoError(t, err)

	got, err := sandbox.CallAs[string](s, "load")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestFromFile(t *testing.T) {
	s, err := sandbox.FromFile("testdata/triple.js")
	require.NoError(t, err)
	defer s.Close()

	n, err := sandbox.CallAs[int](s, "triple", 5)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestInitErrors(t *testing.T) {
	_, err := sandbox.FromFile("testdata/does-not-exist.js")
	assert.ErrorIs(t, err, sandbox.ErrInit)

	_, err = sandbox.FromString("function (")
	assert.ErrorIs(t, err, sandbox.ErrInit)

	_, err = sandbox.FromString("throw new Error('at load');")
	require.ErrorIs(t, err, sandbox.ErrInit)
	assert.Contains(t, err.Error(), "at load")

	_, err = sandbox.New(sandbox.WithTimeout(-time.Second))
	assert.ErrorIs(t, err, sandbox.ErrInvalidTimeout)
}

func TestScriptErrors(t *testing.T) {
	s := newSession(t)

	_, err := s.Call("fail", "bad input")
	require.ErrorIs(t, err, sandbox.ErrCall)
	var se *sandbox.ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Error", se.Name)
	assert.Equal(t, "bad input", se.Message)

	_, err = s.Call("rejectLater")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "TypeError", se.Name)

	_, err = s.Call("notDefined")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "ReferenceError", se.Name)

	n, err := sandbox.CallAs[int](s, "triple", 2)
	require.NoError(t, err, "a throw fails only that call")
	assert.Equal(t, 6, n)
}

func TestNoResult(t *testing.T) {
	s := newSession(t)

	_, err := s.Call("hang")
	assert.ErrorIs(t, err, sandbox.ErrCall)
	assert.ErrorIs(t, err, sandbox.ErrNoResult)

	_, err = s.Call("triple", 1)
	assert.NoError(t, err)
}

func TestInvalidNames(t *testing.T) {
	s := newSession(t)

	for _, name := range []string{"", "a-b", "f()", "x;y", "1abc", "a..b"} {
		_, err := s.Call(name)
		assert.ErrorIs(t, err, sandbox.ErrInvalidName, name)
	}
}

func TestEncodeAndDecodeErrors(t *testing.T) {
	s := newSession(t)

	_, err := s.Call("echo", make(chan int))
	assert.ErrorIs(t, err, sandbox.ErrEncode)

	_, err = sandbox.CallAs[int](s, "echo", "text")
	assert.ErrorIs(t, err, sandbox.ErrDecode)
}

func TestArgumentsCannotCarryCode(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.RunString(`function injected() { return typeof globalThis.hijacked !== 'undefined'; }`))

	_, err := s.Call("echo", json.RawMessage(`1]); globalThis.hijacked = true; ([2`))
	assert.ErrorIs(t, err, sandbox.ErrEncode)

	_, err = s.CallJSON("echo", `[1]); globalThis.hijacked = true; ([2]`)
	assert.ErrorIs(t, err, sandbox.ErrEncode)

	hijacked, err := sandbox.CallAs[bool](s, "injected")
	require.NoError(t, err)
	assert.False(t, hijacked)

	got, err := sandbox.CallAs[map[string]int](s, "echo", json.RawMessage(`{"a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, got)
}

func TestCallJSON(t *testing.T) {
	s := newSession(t)

	out, err := s.CallJSON("add", "[1, 2]")
	require.NoError(t, err)
	assert.Equal(t, "3", out)

	out, err = s.CallJSON("nothing", "")
	require.NoError(t, err)
	assert.Equal(t, "null", out)

	_, err = s.CallJSON("add", `{"a": 1}`)
	assert.ErrorIs(t, err, sandbox.ErrEncode)
}

func TestBinaryResult(t *testing.T) {
	s := newSession(t)

	v, err := s.Call("bytes")
	require.NoError(t, err)
	assert.True(t, v.IsBinary())
	assert.Equal(t, []byte("hi"), v.Bytes())

	var b []byte
	require.NoError(t, v.Decode(&b))
	assert.Equal(t, []byte("hi"), b)

	var nums []int
	require.NoError(t, v.Decode(&nums))
	assert.Equal(t, []int{104, 105}, nums)
}

func TestTimeoutTerminatesRunawayCall(t *testing.T) {
	s := newSession(t, sandbox.WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := s.Call("spin")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.ErrorIs(t, err, sandbox.ErrCall)
	assert.Less(t, elapsed, 5*time.Second)
	assert.True(t, s.Terminated())

	_, err = s.Call("triple", 1)
	assert.ErrorIs(t, err, sandbox.ErrTerminated)
}

func TestTimeoutWhileWaitingOnTimers(t *testing.T) {
	s := newSession(t)
	require.NoError(t, s.SetTimeout(50*time.Millisecond))

	_, err := s.Call("sleep", 10000)
	assert.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.True(t, s.Terminated())
}

func TestWatchdogDoesNotOutliveItsCall(t *testing.T) {
	s := newSession(t, sandbox.WithTimeout(300*time.Millisecond))

	_, err := s.Call("triple", 1)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	// Runs past the first call's deadline but within its own.
	n, err := sandbox.CallAs[int](s, "busy", 200)
	require.NoError(t, err)
	assert.Equal(t, 200, n)
	assert.False(t, s.Terminated())
}

func TestCallContextCancel(t *testing.T) {
	s := newSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.CallContext(ctx, "spin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrTimeout) || errors.Is(err, sandbox.ErrTerminated), err)
	assert.True(t, s.Terminated())

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	other := newSession(t)
	_, err = other.CallContext(cancelled, "triple", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, other.Terminated(), "a call that never started does not poison the session")
}

func TestSetTimeout(t *testing.T) {
	s := newSession(t)

	assert.ErrorIs(t, s.SetTimeout(0), sandbox.ErrInvalidTimeout)
	assert.ErrorIs(t, s.SetTimeout(-time.Second), sandbox.ErrInvalidTimeout)
	require.NoError(t, s.SetTimeout(time.Second))
	assert.Equal(t, time.Second, s.Timeout())
	assert.ErrorIs(t, s.SetTimeout(2*time.Second), sandbox.ErrTimeoutSet)

	withOpt := newSession(t, sandbox.WithTimeout(time.Second))
	assert.ErrorIs(t, withOpt.SetTimeout(time.Second), sandbox.ErrTimeoutSet)
}

func TestNativeFunction(t *testing.T) {
	var calls atomic.Int32
	defaultFunc := sandbox.NewNativeFunction("default_func", func(_ context.Context, args sandbox.Args) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	double := sandbox.NewNativeFunction("double", func(_ context.Context, args sandbox.Args) (any, error) {
		var n int
		if err := args.Scan(&n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New("negative input")
		}
		return n * 2, nil
	})

	s, err := sandbox.FromString(`
		function useDefault() { return typeof default_func(); }
		function useDouble(n) { return double(n) + 1; }
		function catchDouble(n) { try { double(n); return ''; } catch (e) { return e.message; } }
	`, sandbox.WithNativeFunction(defaultFunc))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.AddNativeFunction(double))

	got, err := sandbox.CallAs[string](s, "useDefault")
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)
	assert.Equal(t, int32(1), calls.Load())

	n, err := sandbox.CallAs[int](s, "useDouble", 4)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	msg, err := sandbox.CallAs[string](s, "catchDouble", -1)
	require.NoError(t, err)
	assert.Contains(t, msg, "negative input")

	assert.ErrorIs(t, s.AddNativeFunction(double), sandbox.ErrNativeExists)
	assert.ErrorIs(t, s.AddNativeFunction(sandbox.NewNativeFunction("a.b", nil)), sandbox.ErrInvalidName)
}

func TestAsyncNativeFunction(t *testing.T) {
	lookup := sandbox.NewAsyncFunction("lookup", func(ctx context.Context, args sandbox.Args) (any, error) {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		key := args.String(0)
		if key == "missing" {
			return nil, errors.New("not found")
		}
		return map[string]string{"key": key}, nil
	})

	s, err := sandbox.FromString(`
		async function find(k) { var r = await lookup(k); return r.key; }
		async function findOr(k, d) { try { return await find(k); } catch (e) { return d + ': ' + e.message; } }
	`, sandbox.WithNativeFunction(lookup))
	require.NoError(t, err)
	defer s.Close()

	got, err := sandbox.CallAs[string](s, "find", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)

	got, err = sandbox.CallAs[string](s, "findOr", "missing", "fallback")
	require.NoError(t, err)
	assert.Contains(t, got, "fallback: ")
	assert.Contains(t, got, "not found")
}

func TestLoadModule(t *testing.T) {
	s, err := sandbox.New()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LoadModule("testdata/module/main.js"))

	got, err := sandbox.CallAs[string](s, "hello", "ada")
	require.NoError(t, err)
	assert.Equal(t, "hello, ada", got)

	ready, err := sandbox.CallAs[bool](s, "isReady")
	require.NoError(t, err)
	assert.True(t, ready, "timers scheduled by the module ran before LoadModule returned")

	for want := 1; want <= 2; want++ {
		n, err := sandbox.CallAs[int](s, "next")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	assert.ErrorIs(t, s.LoadModule("testdata/module/broken.js"), sandbox.ErrLoad)
	assert.ErrorIs(t, s.LoadModule("testdata/module/nope.js"), sandbox.ErrLoad)

	t.Run("top-level await", func(t *testing.T) {
		s, err := sandbox.New()
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.LoadModule("testdata/module/awaiting.js"))

		n, err := sandbox.CallAs[int](s, "answer")
		require.NoError(t, err)
		assert.Equal(t, 42, n)

		by, err := sandbox.CallAs[string](s, "settledBy")
		require.NoError(t, err)
		assert.Equal(t, "timer", by)

		hi, err := sandbox.CallAs[string](s, "welcome", "tla")
		require.NoError(t, err)
		assert.Equal(t, "hello, tla", hi)
	})

	t.Run("evaluation error", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "throws.js")
		require.NoError(t, os.WriteFile(path, []byte("await null;\nthrow new RangeError('not today');\n"), 0o600))

		s, err := sandbox.New()
		require.NoError(t, err)
		defer s.Close()

		err = s.LoadModule(path)
		assert.ErrorIs(t, err, sandbox.ErrLoad)
		var se *sandbox.ScriptError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "RangeError", se.Name)
		assert.False(t, s.Terminated())
	})
}

func TestRunStringAndRunFile(t *testing.T) {
	s, err := sandbox.New()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RunFile("testdata/triple.js"))
	require.NoError(t, s.RunString(`var later = 0; setTimeout(function () { later = triple(2); }, 1);
		function getLater() { return later; }`))

	n, err := sandbox.CallAs[int](s, "getLater")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.ErrorIs(t, s.RunString("syntax error here"), sandbox.ErrLoad)
	assert.ErrorIs(t, s.RunFile("testdata/nope.js"), sandbox.ErrLoad)
}

func TestFunctions(t *testing.T) {
	s, err := sandbox.FromFile("testdata/save_load.js",
		sandbox.WithNativeFunction(sandbox.NewNativeFunction("default_func", func(context.Context, sandbox.Args) (any, error) {
			return nil, nil
		})))
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Functions()
	require.NoError(t, err)
	assert.Equal(t, []string{"default_func", "load", "save"}, names)
}

func TestConsoleCapture(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	s := newSession(t, sandbox.WithLogger(zap.New(core)))

	require.NoError(t, s.RunString(`console.log('one', 1); console.error('two');`))

	logs := s.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "log", logs[0].Level)
	assert.Equal(t, "one 1", logs[0].Message)
	assert.Equal(t, "error", logs[1].Level)

	consoleLines := recorded.FilterLoggerName("console").All()
	require.Len(t, consoleLines, 2)
	assert.Equal(t, zapcore.ErrorLevel, consoleLines[1].Level)
	assert.Equal(t, s.ID(), consoleLines[0].ContextMap()["session"])

	assert.Len(t, s.DrainLogs(), 2)
	assert.Empty(t, s.Logs())
}

func TestConsoleDisabled(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.Console = false
	s := newSession(t, sandbox.WithConfig(cfg))

	require.NoError(t, s.RunString(`console.log('dropped'); function noisy(x) { console.warn('x is', x); return x + 1; }`))

	n, err := sandbox.CallAs[int](s, "noisy", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.Logs())
}

func TestClose(t *testing.T) {
	s, err := sandbox.FromString(fixture)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Call("triple", 1)
	assert.ErrorIs(t, err, sandbox.ErrClosed)
	assert.ErrorIs(t, s.RunString("1"), sandbox.ErrClosed)
	assert.ErrorIs(t, s.SetTimeout(time.Second), sandbox.ErrClosed)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := sandbox.NewMetrics(reg)

	s := newSession(t, sandbox.WithMetrics(m), sandbox.WithTimeout(100*time.Millisecond))

	_, err := s.Call("triple", 1)
	require.NoError(t, err)
	_, err = s.Call("fail", "x")
	require.Error(t, err)
	_, err = s.Call("spin")
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "jsbox_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one series per outcome")

	n, err = testutil.GatherAndCount(reg, "jsbox_watchdog_timeouts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Close())
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := newSession(t)
	b := newSession(t)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
