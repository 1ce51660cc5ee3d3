package runner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/worker/dispatch"
	"github.com/flowmesh/core/worker/runner"
)

func TestExecuteResolvesAndNormalizesResult(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("demo", "1.0.0", "greet", func(_ context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
		return map[string]any{"greeting": "hi " + execCtx.NodeID}, nil
	}, nil)

	r := runner.New(reg)
	result, err := r.Execute(context.Background(), &dispatch.ExecutionContext{
		PackageName: "demo", PackageVersion: "1.0.0", NodeID: "node-1",
	}, "greet")

	require.NoError(t, err)
	assert.Equal(t, string(dispatch.StatusSucceeded), result.Status)
	outputs, ok := result.Outputs.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi node-1", outputs["greeting"])
}

func TestExecuteUnregisteredHandlerErrors(t *testing.T) {
	r := runner.New(runner.NewRegistry())
	_, err := r.Execute(context.Background(), &dispatch.ExecutionContext{
		PackageName: "demo", PackageVersion: "1.0.0",
	}, "missing")
	assert.Error(t, err)
}

func TestExecutePropagatesHandlerError(t *testing.T) {
	reg := runner.NewRegistry()
	boom := errors.New("boom")
	reg.Register("demo", "1.0.0", "fail", func(_ context.Context, _ *dispatch.ExecutionContext) (map[string]any, error) {
		return nil, boom
	}, nil)

	r := runner.New(reg)
	_, err := r.Execute(context.Background(), &dispatch.ExecutionContext{
		PackageName: "demo", PackageVersion: "1.0.0",
	}, "fail")
	assert.ErrorIs(t, err, boom)
}

func TestExecuteDefaultsStatusAndUsesExplicitOutputs(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("demo", "1.0.0", "explicit", func(_ context.Context, _ *dispatch.ExecutionContext) (map[string]any, error) {
		return map[string]any{
			"outputs":   map[string]any{"a": 1},
			"metadata":  map[string]any{"b": 2},
			"artifacts": []any{"res-1"},
		}, nil
	}, nil)

	r := runner.New(reg)
	result, err := r.Execute(context.Background(), &dispatch.ExecutionContext{
		PackageName: "demo", PackageVersion: "1.0.0",
	}, "explicit")

	require.NoError(t, err)
	assert.Equal(t, string(dispatch.StatusSucceeded), result.Status)
	assert.Equal(t, map[string]any{"a": 1}, result.Outputs)
	assert.Equal(t, map[string]any{"b": 2}, result.Metadata)
	assert.Equal(t, []string{"res-1"}, result.Artifacts)
}
