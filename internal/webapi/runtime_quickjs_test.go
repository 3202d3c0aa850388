//go:build !v8 && !goja

package webapi_test

import (
	"testing"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/quickjs"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) core.JSRuntime {
	t.Helper()
	rt, err := quickjs.New(core.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}
