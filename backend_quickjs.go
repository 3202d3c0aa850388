//go:build !v8 && !goja

package sandbox

import (
	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/quickjs"
)

// Backend names the engine compiled into this binary.
const Backend = "quickjs"

func newRuntime(cfg core.EngineConfig) (core.JSRuntime, error) {
	rt, err := quickjs.New(cfg)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
