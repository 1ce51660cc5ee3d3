package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/envelope"
)

func TestBuildAndValidate(t *testing.T) {
	e, err := envelope.Build(
		envelope.TypeExecDispatch,
		"tenant-a",
		envelope.Sender{Role: envelope.RoleScheduler, ID: "sched-1"},
		envelope.ExecDispatchPayload{RunID: "run-1", TaskID: "task-1", NodeType: "demo"},
		envelope.WithSessionSeq(7),
		envelope.WithAckRequest(),
	)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeExecDispatch, e.Type)
	assert.NotEmpty(t, e.ID)
	assert.EqualValues(t, 7, *e.SessionSeq)
	assert.True(t, e.Ack.Request)

	var payload envelope.ExecDispatchPayload
	require.NoError(t, envelope.DecodePayload(e, &payload))
	assert.Equal(t, "run-1", payload.RunID)
}

func TestControlFrameRejectsSessionSeq(t *testing.T) {
	_, err := envelope.Build(
		envelope.TypeHeartbeat,
		"tenant-a",
		envelope.Sender{Role: envelope.RoleWorker, ID: "worker-1"},
		envelope.HeartbeatPayload{Healthy: true},
		envelope.WithSessionSeq(1),
	)
	assert.Error(t, err)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	err := envelope.Validate(envelope.Envelope{})
	assert.Error(t, err)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	e, err := envelope.Build(
		envelope.TypeExecFeedback,
		"tenant-a",
		envelope.Sender{Role: envelope.RoleWorker, ID: "worker-1"},
		envelope.ExecFeedbackPayload{RunID: "run-1", TaskID: "task-1", Message: "working"},
	)
	require.NoError(t, err)

	data, err := envelope.Marshal(e)
	require.NoError(t, err)

	got, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Type, got.Type)
}
