//go:build goja && !v8

package webapi_test

import (
	"testing"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/gojaengine"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) core.JSRuntime {
	t.Helper()
	rt, err := gojaengine.New(core.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}
