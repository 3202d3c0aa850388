package bridge

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/inoerp/js-sandbox/internal/core"
)

// ErrInvalidName is returned for function names that are not a dotted
// JavaScript identifier path.
var ErrInvalidName = errors.New("invalid function name")

var identPath = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// ValidateName checks that name can be spliced into source as is.
func ValidateName(name string) error {
	if !identPath.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Compile builds the snippet that calls name with the comma-joined argument
// fragments in args and reports the outcome to slot. Async functions and
// returned thenables are awaited, undefined becomes null, and a throw or
// rejection is reported to the same slot.
func Compile(name, args string, slot uint64) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	recv := "undefined"
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		recv = name[:i]
	}

	return fmt.Sprintf(`(async function () {
  try {
    var __recv = %s;
    var __fn = %s;
    if (typeof __fn !== 'function') {
      throw new TypeError(%s + ' is not a function');
    }
    var __r;
    if (__fn.constructor && __fn.constructor.name === 'AsyncFunction') {
      __r = await __fn.apply(__recv, [%s]);
    } else {
      __r = __fn.apply(__recv, [%s]);
      if (__r !== null && typeof __r === 'object' && typeof __r.then === 'function') {
        __r = await __r;
      }
    }
    if (__r === undefined) {
      __r = null;
    }
    __sandbox_send(%d, __r);
  } catch (e) {
    __sandbox_fail(%d, e);
  }
})();`, recv, name, core.JsEscape(name), args, args, slot, slot), nil
}

// CompileBody wraps body, the text of an async function body, so that it
// runs and the value of the expression after, evaluated once the body has
// settled, is reported to slot. A throw or rejection from either is
// reported to the same slot.
func CompileBody(body, after string, slot uint64) string {
	return fmt.Sprintf(`(async function () {
  try {
    await (async function () {
%s
    })();
    var __r = (%s);
    __sandbox_send(%d, __r === undefined ? null : __r);
  } catch (e) {
    __sandbox_fail(%d, e);
  }
})();`, body, after, slot, slot)
}
