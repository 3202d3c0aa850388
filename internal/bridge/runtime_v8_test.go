//go:build v8

package bridge_test

import (
	"testing"

	"github.com/inoerp/js-sandbox/internal/core"
	"github.com/inoerp/js-sandbox/internal/v8engine"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) core.JSRuntime {
	t.Helper()
	rt, err := v8engine.New(core.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}
