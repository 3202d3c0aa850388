//go:build v8

package sandbox

import (
	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/v8engine"
)

// Backend names the engine compiled into this binary.
const Backend = "v8"

func newRuntime(cfg core.EngineConfig) (core.JSRuntime, error) {
	rt, err := v8engine.New(cfg)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
