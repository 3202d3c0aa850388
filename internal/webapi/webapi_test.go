package webapi_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/eventloop"
	"github.com/inoerp/js-sandbox/internal/webapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) sink(level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, level+" "+message)
}

func (l *lines) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.all...)
}

func setup(t *testing.T) (core.JSRuntime, *eventloop.EventLoop, *lines) {
	t.Helper()
	rt := newRuntime(t)
	el := eventloop.New()
	out := &lines{}
	require.NoError(t, webapi.Install(rt, el, webapi.Defaults(out.sink)...))
	return rt, el, out
}

func drain(t *testing.T, rt core.JSRuntime, el *eventloop.EventLoop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.RunMicrotasks()
	require.NoError(t, el.Drain(ctx, rt))
}

func TestConsoleForwardsToSink(t *testing.T) {
	rt, _, out := setup(t)

	require.NoError(t, rt.Eval(`
		console.log('hello', 1, {a: [1, 2]});
		console.warn('careful');
		console.error(new TypeError('bad'));
		console.assert(1 === 2, 'math');
		console.count(); console.count();
	`))

	got := out.get()
	require.Len(t, got, 6)
	assert.Equal(t, `log hello 1 {"a":[1,2]}`, got[0])
	assert.Equal(t, "warn careful", got[1])
	assert.True(t, strings.HasPrefix(got[2], "error "), got[2])
	assert.Contains(t, got[2], "bad")
	assert.Equal(t, "error Assertion failed math", got[3])
	assert.Equal(t, "log default: 1", got[4])
	assert.Equal(t, "log default: 2", got[5])
}

func TestDefaultsWithoutSinkStillHaveConsole(t *testing.T) {
	rt := newRuntime(t)
	require.NoError(t, webapi.Install(rt, eventloop.New(), webapi.Defaults(nil)...))

	ok, err := rt.EvalBool(`(function () {
		console.log('dropped'); console.error(new Error('x')); console.table([1]);
		return typeof console.warn === 'function';
	})()`)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTimersRunThroughEventLoop(t *testing.T) {
	rt, el, _ := setup(t)

	require.NoError(t, rt.Eval(`
		globalThis.order = [];
		setTimeout(function (x) { order.push('b' + x); }, 80, 1);
		setTimeout(function () { order.push('a'); }, 0);
		var cancelled = setTimeout(function () { order.push('never'); }, 5);
		clearTimeout(cancelled);
		var n = 0;
		var iv = setInterval(function () { if (++n === 3) { clearInterval(iv); order.push('i'); } }, 1);
	`))
	drain(t, rt, el)

	got, err := rt.EvalString("order.join(',')")
	require.NoError(t, err)
	assert.Equal(t, "a,i,b1", got)
	assert.False(t, el.HasPending())
}

func TestGlobals(t *testing.T) {
	rt, el, _ := setup(t)

	ok, err := rt.EvalBool(`(function () {
		var src = { a: [1, { b: 2 }], d: new Date(5) };
		var c = structuredClone(src);
		return c !== src && c.a[1].b === 2 && c.a[1] !== src.a[1] && c.d.getTime() === 5;
	})()`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rt.EvalBool("typeof performance.now() === 'number' && performance.now() >= 0")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rt.Eval("globalThis.mt = 0; queueMicrotask(function () { mt = 1; });"))
	drain(t, rt, el)
	n, err := rt.EvalInt("mt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegisterSync(t *testing.T) {
	rt, _, _ := setup(t)

	require.NoError(t, webapi.RegisterSync(rt, "sum", func(args string) (string, error) {
		if args == "[]" {
			return "", errors.New("nothing to add")
		}
		assert.Equal(t, "[1,2,3]", args)
		return "6", nil
	}))

	n, err := rt.EvalInt("sum(1, 2, 3)")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	msg, err := rt.EvalString("(function () { try { sum(); return ''; } catch (e) { return e.message; } })()")
	require.NoError(t, err)
	assert.Contains(t, msg, "nothing to add")
}

func TestRegisterAsync(t *testing.T) {
	rt, el, _ := setup(t)

	require.NoError(t, webapi.RegisterAsync(rt, el, "fetchName", func(args string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		if args == `["missing"]` {
			return "", errors.New("not found")
		}
		return `{"name":"ada"}`, nil
	}))

	require.NoError(t, rt.Eval(`
		globalThis.got = [];
		fetchName('x').then(function (v) { got.push(v.name); });
		fetchName('missing').catch(function (e) { got.push('err:' + e.message); });
	`))
	drain(t, rt, el)

	got, err := rt.EvalString("got.slice().sort().join(',')")
	require.NoError(t, err)
	assert.Equal(t, "ada,err:not found", got)
}

// runModule evaluates a bundled module body and publishes its exports.
func runModule(t *testing.T, rt core.JSRuntime, el *eventloop.EventLoop, path string) int {
	t.Helper()
	code, err := webapi.BundleModule(path)
	require.NoError(t, err)
	require.NoError(t, rt.Eval("globalThis.__loaded = (async function () {\n"+code+"\n})();"))
	drain(t, rt, el)

	n, err := rt.EvalInt(webapi.PublishExportsJS())
	require.NoError(t, err)
	return n
}

func TestBundleModule(t *testing.T) {
	rt, el, _ := setup(t)

	assert.Equal(t, 3, runModule(t, rt, el, "testdata/mod/main.js"))

	q, err := rt.EvalInt("quadruple(3)")
	require.NoError(t, err)
	assert.Equal(t, 12, q)

	ok, err := rt.EvalBool("version === 2 && loadedAt === 'main' && typeof double === 'undefined'")
	require.NoError(t, err)
	assert.True(t, ok, "only entry exports are published")
}

func TestBundleModuleTopLevelAwait(t *testing.T) {
	rt, el, _ := setup(t)

	assert.Equal(t, 1, runModule(t, rt, el, "testdata/mod/awaiting.js"))

	n, err := rt.EvalInt("answer")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestBundleModuleErrors(t *testing.T) {
	_, err := webapi.BundleModule("testdata/nope.js")
	assert.Error(t, err)

	_, err = webapi.BundleModule("testdata/broken.js")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestAtobBtoaInScript(t *testing.T) {
	rt, _, _ := setup(t)

	got, err := rt.EvalString("btoa('hi') + ' ' + atob(btoa('round trip'))")
	require.NoError(t, err)
	assert.Equal(t, "aGk= round trip", got)

	for _, src := range []string{"btoa('€')", "atob('!!!')", "btoa()"} {
		ok, err := rt.EvalBool("(function () { try { " + src + "; return false; } catch (e) { return true; } })()")
		require.NoError(t, err)
		assert.True(t, ok, src)
	}
}

func TestSchedulerWait(t *testing.T) {
	rt, el, _ := setup(t)

	require.NoError(t, rt.Eval(`
		globalThis.steps = [];
		scheduler.wait(20).then(function () { steps.push('waited'); });
		scheduler.postTask(function () { return 'task'; }, { delay: 5 }).then(function (v) { steps.push(v); });
	`))
	drain(t, rt, el)

	got, err := rt.EvalString("steps.join(',')")
	require.NoError(t, err)
	assert.Equal(t, "task,waited", got)
}

func TestStructuredCloneKeepsReferences(t *testing.T) {
	rt, _, _ := setup(t)

	ok, err := rt.EvalBool(`(function () {
		var shared = { n: 1 };
		var src = { a: shared, b: shared, m: new Map([['k', shared]]) };
		src.self = src;
		var c = structuredClone(src);
		return c.self === c && c.a === c.b && c.a !== shared && c.m.get('k') === c.a;
	})()`)
	require.NoError(t, err)
	assert.True(t, ok)

	name, err := rt.EvalString("(function () { try { structuredClone(function () {}); return ''; } catch (e) { return e.name; } })()")
	require.NoError(t, err)
	assert.Equal(t, "DataCloneError", name)
}
