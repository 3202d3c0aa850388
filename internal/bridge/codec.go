// Package bridge turns script functions into blocking host calls: argument
// encoding, call snippet generation and the per-call result slots the
// snippet writes to.
package bridge

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrEncode is returned when a host value cannot be encoded as JSON.
	ErrEncode = errors.New("encode error")

	// ErrDecode is returned when a script result does not fit the target.
	ErrDecode = errors.New("decode error")
)

// Raw is pre-encoded JSON that is spliced into a call unchanged. It must be
// a single valid JSON value.
type Raw []byte

// MarshalJSON validates r and returns it as is.
func (r Raw) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(r)) == 0 {
		return []byte("null"), nil
	}
	if !validJSON(r) {
		return nil, fmt.Errorf("invalid raw JSON %q", truncate(string(r), 64))
	}
	return r, nil
}

// EncodeArgs encodes each argument as JSON and joins the fragments with
// commas so they can be spliced as positional arguments.
func EncodeArgs(args ...any) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("%w: argument %d (%T): %v", ErrEncode, i, a, err)
		}
		if !validJSON(b) {
			return "", fmt.Errorf("%w: argument %d (%T): not a single JSON value: %q", ErrEncode, i, a, truncate(string(b), 64))
		}
		parts[i] = string(b)
	}
	return strings.Join(parts, ","), nil
}

// EncodeArgsJSON converts a JSON array into the comma-joined fragment form.
// An empty string or "null" means no arguments.
func EncodeArgsJSON(array string) (string, error) {
	trimmed := strings.TrimSpace(array)
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	var items []jsoniter.RawMessage
	if err := json.UnmarshalFromString(trimmed, &items); err != nil {
		return "", fmt.Errorf("%w: arguments must be a JSON array: %v", ErrEncode, err)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if !validJSON(item) {
			return "", fmt.Errorf("%w: argument %d: not a single JSON value: %q", ErrEncode, i, truncate(string(item), 64))
		}
		parts[i] = string(item)
	}
	return strings.Join(parts, ","), nil
}

// Normalize maps an empty or undefined payload to null.
func Normalize(raw []byte) []byte {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("undefined")) {
		return []byte("null")
	}
	return t
}

// Decode unmarshals raw into target. A nil target discards the value.
func Decode(raw []byte, target any) error {
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(Normalize(raw), target); err != nil {
		return fmt.Errorf("%w: into %T: %v", ErrDecode, target, err)
	}
	return nil
}

// validJSON reports whether b is exactly one JSON value. json.Marshaler
// output, json.RawMessage included, is written by jsoniter without this
// check, and jsoniter's own Valid ignores trailing text.
func validJSON(b []byte) bool {
	return stdjson.Valid(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
