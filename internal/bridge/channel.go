package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/inoerp/js-sandbox/internal/core"
)

var (
	// ErrNoResult means the call finished without writing its slot.
	ErrNoResult = errors.New("no result")

	// ErrUnknownSlot is returned by Take for ids that were never opened or
	// were already taken.
	ErrUnknownSlot = errors.New("unknown result slot")
)

// Slot payload encodings reported by the script side.
const (
	payloadJSON   = 0 // json holds the value
	payloadBuffer = 1 // bytes staged in bufferGlobal(slot)
	payloadHex    = 2 // json holds a hex string of the bytes
)

// ScriptError is an exception thrown by script code during a call.
type ScriptError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Result is what a call delivered through its slot.
type Result struct {
	JSON  []byte       // the value, "null" for undefined
	Bytes []byte       // set when the value was an ArrayBuffer or typed array
	Err   *ScriptError // set when the call threw or rejected
}

type slotState struct {
	written bool
	kind    int
	json    string
	err     *ScriptError
}

// Channel is the native return path from script to host. Each call opens
// a slot, the generated snippet writes it exactly once and the host takes
// it after the event loop is quiescent.
type Channel struct {
	rt    core.JSRuntime
	bt    core.BinaryTransferer
	slots *core.Table[slotState]
}

const channelJS = `(function() {
  var binary = %t;
  function toBuffer(v) {
    if (v instanceof ArrayBuffer) return v.slice(0);
    if (ArrayBuffer.isView(v)) return v.buffer.slice(v.byteOffset, v.byteOffset + v.byteLength);
    return null;
  }
  function hex(buf) {
    var u8 = new Uint8Array(buf), out = [];
    for (var i = 0; i < u8.length; i++) out.push((u8[i] < 16 ? '0' : '') + u8[i].toString(16));
    return out.join('');
  }
  globalThis.__sandbox_send = function(slot, value) {
    var buf = (value !== null && typeof value === 'object') ? toBuffer(value) : null;
    if (buf !== null) {
      if (binary) {
        globalThis['__sandbox_buf_' + slot] = buf;
        __sandbox_return(slot, 'null', 1);
      } else {
        __sandbox_return(slot, JSON.stringify(hex(buf)), 2);
      }
      return null;
    }
    var json = JSON.stringify(value);
    __sandbox_return(slot, json === undefined ? 'null' : json, 0);
    return null;
  };
  globalThis.__sandbox_fail = function(slot, e) {
    var info = { name: '', message: '', stack: '' };
    if (e !== null && typeof e === 'object') {
      info.name = e.name ? String(e.name) : 'Error';
      info.message = e.message !== undefined ? String(e.message) : String(e);
      info.stack = e.stack ? String(e.stack) : '';
    } else {
      info.message = String(e);
    }
    __sandbox_throw(slot, JSON.stringify(info));
    return null;
  };
})();`

// Install registers the return natives and their script shims on rt.
func Install(rt core.JSRuntime) (*Channel, error) {
	c := &Channel{rt: rt, slots: core.NewTable[slotState]()}
	c.bt, _ = rt.(core.BinaryTransferer)

	if err := rt.RegisterFunc("__sandbox_return", c.write); err != nil {
		return nil, fmt.Errorf("registering __sandbox_return: %w", err)
	}
	if err := rt.RegisterFunc("__sandbox_throw", c.fail); err != nil {
		return nil, fmt.Errorf("registering __sandbox_throw: %w", err)
	}
	if err := rt.Eval(fmt.Sprintf(channelJS, c.bt != nil)); err != nil {
		return nil, fmt.Errorf("installing return channel: %w", err)
	}
	return c, nil
}

// Open creates an empty slot for one call and returns its id.
func (c *Channel) Open() uint64 {
	return c.slots.Add(slotState{})
}

// Pending reports how many slots are open.
func (c *Channel) Pending() int {
	return c.slots.Len()
}

// write is the __sandbox_return native.
func (c *Channel) write(slot int, payload string, kind int) (int, error) {
	return 0, c.store(slot, func(s slotState) slotState {
		s.kind = kind
		s.json = payload
		return s
	})
}

// fail is the __sandbox_throw native.
func (c *Channel) fail(slot int, payload string) (int, error) {
	se := &ScriptError{}
	if err := json.UnmarshalFromString(payload, se); err != nil {
		se = &ScriptError{Name: "Error", Message: payload}
	}
	return 0, c.store(slot, func(s slotState) slotState {
		s.err = se
		return s
	})
}

func (c *Channel) store(slot int, set func(slotState) slotState) error {
	if slot <= 0 {
		return fmt.Errorf("%w %d", ErrUnknownSlot, slot)
	}
	found, err := c.slots.Update(uint64(slot), func(s slotState) (slotState, error) {
		if s.written {
			return s, fmt.Errorf("result slot %d written twice", slot)
		}
		s = set(s)
		s.written = true
		return s, nil
	})
	if !found {
		return fmt.Errorf("%w %d", ErrUnknownSlot, slot)
	}
	return err
}

// Take removes the slot and returns what the call delivered. It returns
// ErrNoResult when the slot was never written.
func (c *Channel) Take(id uint64) (Result, error) {
	s, ok := c.slots.Take(id)
	if !ok {
		return Result{}, fmt.Errorf("%w %d", ErrUnknownSlot, id)
	}
	bufName := bufferGlobal(id)
	if !s.written {
		_ = c.rt.Eval("delete globalThis[" + core.JsEscape(bufName) + "];")
		return Result{}, ErrNoResult
	}
	if s.err != nil {
		return Result{JSON: []byte("null"), Err: s.err}, nil
	}

	switch s.kind {
	case payloadBuffer:
		if c.bt == nil {
			return Result{}, fmt.Errorf("%w: buffer result without binary transfer", ErrDecode)
		}
		data, err := c.bt.ReadBinaryFromJS(bufName)
		if err != nil {
			return Result{}, fmt.Errorf("%w: reading buffer result: %v", ErrDecode, err)
		}
		return bytesResult(data)
	case payloadHex:
		var h string
		if err := json.UnmarshalFromString(s.json, &h); err != nil {
			return Result{}, fmt.Errorf("%w: buffer result: %v", ErrDecode, err)
		}
		data, err := hex.DecodeString(h)
		if err != nil {
			return Result{}, fmt.Errorf("%w: buffer result: %v", ErrDecode, err)
		}
		return bytesResult(data)
	default:
		return Result{JSON: Normalize([]byte(s.json))}, nil
	}
}

// bytesResult pairs the raw bytes with a JSON array of their values.
func bytesResult(data []byte) (Result, error) {
	if data == nil {
		data = []byte{}
	}
	nums := make([]int, len(data))
	for i, b := range data {
		nums[i] = int(b)
	}
	raw, err := json.Marshal(nums)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return Result{JSON: raw, Bytes: data}, nil
}

func bufferGlobal(slot uint64) string {
	return "__sandbox_buf_" + strconv.FormatUint(slot, 10)
}
