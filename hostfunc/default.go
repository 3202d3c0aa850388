package hostfunc

import (
	"context"
	"fmt"
	"io"
	"strings"

	sandbox "github.com/inoerp/js-sandbox"
)

// DefaultName is the global name Default is registered under.
const DefaultName = "default_func"

// Default returns default_func, which writes one line naming itself and its
// arguments to w and returns undefined.
func Default(w io.Writer) sandbox.NativeFunction {
	if w == nil {
		w = io.Discard
	}
	return sandbox.NewNativeFunction(DefaultName, func(_ context.Context, args sandbox.Args) (any, error) {
		parts := make([]string, args.Len())
		for i := range parts {
			parts[i] = args.String(i)
		}
		_, err := fmt.Fprintf(w, "%s called(%s)\n", DefaultName, strings.Join(parts, ", "))
		return nil, err
	})
}
