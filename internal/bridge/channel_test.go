package bridge_test

import (
	"strconv"
	"testing"

	"github.com/inoerp/js-sandbox/internal/bridge"
	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `
function triple(a) { return 3 * a; }
async function later(v) { await null; return v; }
function thenable() { return Promise.resolve('resolved'); }
function nothing() {}
function boom() { throw new RangeError('too big'); }
async function reject() { throw 'plain string'; }
function bytes() { return new Uint8Array([1, 2, 255]); }
function sub() { return new Uint8Array([9, 8, 7, 6]).subarray(1, 3); }
function hang() { return new Promise(function () {}); }
var counter = { n: 0, inc: function (by) { this.n += by; return this.n; } };
`

func setup(t *testing.T) (core.JSRuntime, *bridge.Channel) {
	t.Helper()
	rt := newRuntime(t)
	ch, err := bridge.Install(rt)
	require.NoError(t, err)
	require.NoError(t, rt.Eval(fixture))
	return rt, ch
}

func call(t *testing.T, rt core.JSRuntime, ch *bridge.Channel, name string, args ...any) (bridge.Result, error) {
	t.Helper()
	encoded, err := bridge.EncodeArgs(args...)
	require.NoError(t, err)
	slot := ch.Open()
	js, err := bridge.Compile(name, encoded, slot)
	require.NoError(t, err)
	require.NoError(t, rt.Eval(js))
	for i := 0; i < 4; i++ {
		rt.RunMicrotasks()
	}
	return ch.Take(slot)
}

func TestChannelSyncAndAsync(t *testing.T) {
	rt, ch := setup(t)

	res, err := call(t, rt, ch, "triple", 5)
	require.NoError(t, err)
	assert.JSONEq(t, "15", string(res.JSON))
	assert.Nil(t, res.Err)

	res, err = call(t, rt, ch, "later", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res.JSON))

	res, err = call(t, rt, ch, "thenable")
	require.NoError(t, err)
	assert.JSONEq(t, `"resolved"`, string(res.JSON))

	assert.Zero(t, ch.Pending())
}

func TestChannelUndefinedBecomesNull(t *testing.T) {
	rt, ch := setup(t)

	res, err := call(t, rt, ch, "nothing")
	require.NoError(t, err)
	assert.Equal(t, "null", string(res.JSON))
}

func TestChannelReportsThrows(t *testing.T) {
	rt, ch := setup(t)

	res, err := call(t, rt, ch, "boom")
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, "RangeError", res.Err.Name)
	assert.Equal(t, "too big", res.Err.Message)
	assert.Equal(t, "RangeError: too big", res.Err.Error())

	res, err = call(t, rt, ch, "reject")
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, "plain string", res.Err.Message)

	res, err = call(t, rt, ch, "missing")
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, "ReferenceError", res.Err.Name)
}

func TestChannelMethodCallKeepsThis(t *testing.T) {
	rt, ch := setup(t)

	_, err := call(t, rt, ch, "counter.inc", 2)
	require.NoError(t, err)
	res, err := call(t, rt, ch, "counter.inc", 3)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(res.JSON))
}

func TestChannelByteResults(t *testing.T) {
	rt, ch := setup(t)

	res, err := call(t, rt, ch, "bytes")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 255}, res.Bytes)
	assert.JSONEq(t, "[1,2,255]", string(res.JSON))

	res, err = call(t, rt, ch, "sub")
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 7}, res.Bytes)
}

func TestChannelMissingResult(t *testing.T) {
	rt, ch := setup(t)

	_, err := call(t, rt, ch, "hang")
	assert.ErrorIs(t, err, bridge.ErrNoResult)
	assert.Zero(t, ch.Pending())
}

func TestChannelTakeTwice(t *testing.T) {
	rt, ch := setup(t)

	slot := ch.Open()
	js, err := bridge.Compile("triple", "1", slot)
	require.NoError(t, err)
	require.NoError(t, rt.Eval(js))
	rt.RunMicrotasks()

	_, err = ch.Take(slot)
	require.NoError(t, err)
	_, err = ch.Take(slot)
	assert.ErrorIs(t, err, bridge.ErrUnknownSlot)
}

func TestChannelRejectsSecondWrite(t *testing.T) {
	rt, ch := setup(t)

	slot := ch.Open()
	msg, err := rt.EvalString(`(function () {
		__sandbox_send(` + strconv.FormatUint(slot, 10) + `, 1);
		try { __sandbox_send(` + strconv.FormatUint(slot, 10) + `, 2); return 'accepted'; }
		catch (e) { return String(e.message || e); }
	})()`)
	require.NoError(t, err)
	assert.Contains(t, msg, "written twice")

	res, err := ch.Take(slot)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(res.JSON), "first write wins")
}

func TestChannelRejectsUnknownSlot(t *testing.T) {
	rt, _ := setup(t)

	msg, err := rt.EvalString(`(function () {
		try { __sandbox_send(424242, 1); return 'accepted'; }
		catch (e) { return String(e.message || e); }
	})()`)
	require.NoError(t, err)
	assert.Contains(t, msg, "unknown result slot")
}

func runBody(t *testing.T, rt core.JSRuntime, ch *bridge.Channel, body, after string) (bridge.Result, error) {
	t.Helper()
	slot := ch.Open()
	require.NoError(t, rt.Eval(bridge.CompileBody(body, after, slot)))
	for i := 0; i < 8; i++ {
		rt.RunMicrotasks()
	}
	return ch.Take(slot)
}

func TestCompileBodyAwaitsTopLevel(t *testing.T) {
	rt, ch := setup(t)

	res, err := runBody(t, rt, ch, `
		const base = await Promise.resolve(41);
		globalThis.loaded = await later(base + 1);
	`, "globalThis.loaded")
	require.NoError(t, err)
	require.Nil(t, res.Err)
	assert.JSONEq(t, "42", string(res.JSON))

	res, err = runBody(t, rt, ch, `await null; throw new TypeError('bad module');`, "1")
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, "TypeError", res.Err.Name)
	assert.Equal(t, "bad module", res.Err.Message)

	res, err = runBody(t, rt, ch, ``, "undefined")
	require.NoError(t, err)
	assert.Equal(t, "null", string(res.JSON))
}
