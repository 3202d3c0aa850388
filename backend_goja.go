//go:build goja && !v8

package sandbox

import (
	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/gojaengine"
)

// Backend names the engine compiled into this binary.
const Backend = "goja"

func newRuntime(cfg core.EngineConfig) (core.JSRuntime, error) {
	rt, err := gojaengine.New(cfg)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
