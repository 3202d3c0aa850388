package sandbox

import (
	"github.com/inoerp/js-sandbox/internal/bridge"
)

// Value is the result of a call: the JSON encoding of what the script
// function returned, plus the raw bytes when it returned an ArrayBuffer or
// a typed array. undefined is reported as null.
type Value struct {
	raw   []byte
	bytes []byte
}

func newValue(res bridge.Result) Value {
	return Value{raw: bridge.Normalize(res.JSON), bytes: res.Bytes}
}

// JSON returns the JSON encoding of the value.
func (v Value) JSON() []byte {
	if len(v.raw) == 0 {
		return []byte("null")
	}
	return v.raw
}

// String returns the JSON encoding as a string.
func (v Value) String() string {
	return string(v.JSON())
}

// Bytes returns the binary payload, or nil when the script did not return
// binary data.
func (v Value) Bytes() []byte {
	return v.bytes
}

// IsBinary reports whether the script returned an ArrayBuffer or typed array.
func (v Value) IsBinary() bool {
	return v.bytes != nil
}

// IsNull reports whether the script returned null or undefined.
func (v Value) IsNull() bool {
	return string(v.JSON()) == "null"
}

// Decode unmarshals the value into target. Binary results decode directly
// into *[]byte; everything else goes through JSON.
func (v Value) Decode(target any) error {
	if b, ok := target.(*[]byte); ok && v.bytes != nil {
		out := make([]byte, len(v.bytes))
		copy(out, v.bytes)
		*b = out
		return nil
	}
	return bridge.Decode(v.JSON(), target)
}

// MarshalJSON returns the JSON encoding so a Value can be embedded in other
// documents unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.JSON(), nil
}
