package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/worker/dispatch"
	"github.com/flowmesh/core/worker/runner"
)

func noop(_ context.Context, _ *dispatch.ExecutionContext) (map[string]any, error) {
	return map[string]any{"status": "succeeded"}, nil
}

func TestRegistryResolveUnknownHandlerErrors(t *testing.T) {
	reg := runner.NewRegistry()
	_, err := reg.Resolve("demo", "1.0.0", "missing")
	assert.Error(t, err)
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("demo", "1.0.0", "echo", noop, map[string]any{"x": 1})

	d, err := reg.Resolve("demo", "1.0.0", "echo")
	require.NoError(t, err)
	assert.Equal(t, "demo", d.Package)
	assert.Equal(t, "1.0.0", d.Version)
	assert.Equal(t, "echo", d.Handler)
}

func TestRegistryUnregisterDropsOnlyThatVersion(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("demo", "1.0.0", "echo", noop, nil)
	reg.Register("demo", "2.0.0", "echo", noop, nil)

	reg.Unregister("demo", "1.0.0")

	_, err := reg.Resolve("demo", "1.0.0", "echo")
	assert.Error(t, err)
	_, err = reg.Resolve("demo", "2.0.0", "echo")
	assert.NoError(t, err)
}

func TestRegistryListHandlersIsSorted(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("zeta", "1.0.0", "h", noop, nil)
	reg.Register("alpha", "2.0.0", "h", noop, nil)
	reg.Register("alpha", "1.0.0", "h", noop, nil)

	list := reg.ListHandlers()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Package)
	assert.Equal(t, "1.0.0", list[0].Version)
	assert.Equal(t, "alpha", list[1].Package)
	assert.Equal(t, "2.0.0", list[1].Version)
	assert.Equal(t, "zeta", list[2].Package)
}
