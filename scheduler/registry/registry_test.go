package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/valuetree"
	"github.com/flowmesh/core/scheduler/registry"
)

func demoPkg() registry.PackageRef {
	return registry.PackageRef{Name: "demo", Version: "1"}
}

func linearWorkflow() registry.Workflow {
	return registry.Workflow{
		ID: "wf-1",
		Nodes: []registry.Node{
			{ID: "A", Type: "demo.task", Package: demoPkg(), Parameters: valuetree.NewMap(nil)},
			{ID: "B", Type: "demo.task", Package: demoPkg(), Parameters: valuetree.NewMap(nil)},
			{ID: "C", Type: "demo.task", Package: demoPkg(), Parameters: valuetree.NewMap(nil)},
		},
		Edges: []registry.Edge{
			{Source: registry.PortRef{Node: "A"}, Target: registry.PortRef{Node: "B"}},
			{Source: registry.PortRef{Node: "B"}, Target: registry.PortRef{Node: "C"}},
		},
	}
}

func TestLinearThreeNodeRun(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("client-1", "tenant-a", linearWorkflow())
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].NodeID)

	ready, err := reg.RecordResult(record.RunID, "A", registry.RecordResultInput{Status: "succeeded"})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "B", ready[0].NodeID)

	ready, err = reg.RecordResult(record.RunID, "B", registry.RecordResultInput{Status: "succeeded"})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "C", ready[0].NodeID)

	ready, err = reg.RecordResult(record.RunID, "C", registry.RecordResultInput{Status: "succeeded"})
	require.NoError(t, err)
	assert.Empty(t, ready)

	got, err := reg.GetRun(record.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSucceeded, got.Nodes["C"].Status)
}

func TestAckTimeoutRequeuesNode(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("client-1", "tenant-a", linearWorkflow())
	require.Len(t, ready, 1)

	require.NoError(t, reg.MarkDispatched(record.RunID, "A", "worker-1", ready[0].DispatchID, record.CreatedAt))

	got, err := reg.GetRun(record.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, got.Nodes["A"].Status)

	retryReady, err := reg.ResetAfterAckTimeout(record.RunID, "A")
	require.NoError(t, err)
	require.Len(t, retryReady, 1)
	assert.Equal(t, "A", retryReady[0].NodeID)
}

func TestCancelRunCancelsNonTerminalNodes(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("client-1", "tenant-a", linearWorkflow())
	require.Len(t, ready, 1)

	require.NoError(t, reg.CancelRun(record.RunID))

	got, err := reg.GetRun(record.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.RunCancelled, got.Status)
	assert.Equal(t, registry.StatusCancelled, got.Nodes["A"].Status)
	assert.Equal(t, registry.StatusCancelled, got.Nodes["B"].Status)
	assert.Equal(t, registry.StatusCancelled, got.Nodes["C"].Status)
}

func middlewareWorkflow() registry.Workflow {
	return registry.Workflow{
		ID: "wf-mw",
		Nodes: []registry.Node{
			{
				ID: "H", Type: "demo.host", Package: demoPkg(), Parameters: valuetree.NewMap(nil),
				Middlewares: []registry.MiddlewareDef{
					{ID: "M0", Type: "demo.mw", Package: demoPkg(), Parameters: valuetree.NewMap(nil)},
					{ID: "M1", Type: "demo.mw", Package: demoPkg(), Parameters: valuetree.NewMap(nil)},
				},
			},
		},
	}
}

func TestMiddlewareUShapeReleasesOnlyFirstMiddleware(t *testing.T) {
	reg := registry.New()
	_, ready := reg.CreateRun("client-1", "tenant-a", middlewareWorkflow())
	require.Len(t, ready, 1, "only the first middleware is auto-dispatched")
	assert.Equal(t, "M0", ready[0].NodeID)
}

func TestDefinitionHashIsDeterministic(t *testing.T) {
	wf := linearWorkflow()
	h1 := registry.DefinitionHash(wf)
	h2 := registry.DefinitionHash(wf)
	assert.Equal(t, h1, h2)

	wf2 := linearWorkflow()
	wf2.Nodes[0].ID = "Z"
	assert.NotEqual(t, h1, registry.DefinitionHash(wf2))
}
