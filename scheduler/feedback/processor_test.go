package feedback_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/valuetree"
	"github.com/flowmesh/core/scheduler/feedback"
	"github.com/flowmesh/core/scheduler/registry"
)

func TestProcessorHandleFeedbackMergesAndPublishes(t *testing.T) {
	reg := registry.New()
	record, ready := reg.CreateRun("c1", "tenant-a", registry.Workflow{
		ID: "wf-proc",
		Nodes: []registry.Node{
			{ID: "A", Type: "demo.task", Package: registry.PackageRef{Name: "demo", Version: "1"}, Parameters: valuetree.NewMap(nil)},
		},
	})
	require.Len(t, ready, 1)
	taskID := ready[0].TaskID

	sink := feedback.NewMemorySink()
	sub := sink.Subscribe(8)
	proc := feedback.NewProcessor(reg, sink)

	env, err := envelope.Build(envelope.TypeExecFeedback, "tenant-a",
		envelope.Sender{Role: envelope.RoleWorker, ID: "worker-1"},
		envelope.ExecFeedbackPayload{RunID: record.RunID, TaskID: taskID, Stage: "running", Message: "go"})
	require.NoError(t, err)

	require.NoError(t, proc.HandleFeedback(context.Background(), env))

	got := <-sub
	assert.Equal(t, registry.EventNodeState, got.Kind)
	assert.Equal(t, "running", got.Stage)
}

func TestProcessorHandleFeedbackUnknownRunErrors(t *testing.T) {
	reg := registry.New()
	sink := feedback.NewMemorySink()
	proc := feedback.NewProcessor(reg, sink)

	env, err := envelope.Build(envelope.TypeExecFeedback, "tenant-a",
		envelope.Sender{Role: envelope.RoleWorker, ID: "worker-1"},
		envelope.ExecFeedbackPayload{RunID: "missing-run", TaskID: "t1", Stage: "running"})
	require.NoError(t, err)

	err = proc.HandleFeedback(context.Background(), env)
	assert.ErrorIs(t, err, registry.ErrRunNotFound)
}
