package feedback_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/scheduler/feedback"
	"github.com/flowmesh/core/scheduler/feedback/pulseclient"
	"github.com/flowmesh/core/scheduler/registry"
	streamopts "goa.design/pulse/streaming/options"
)

type fakeStream struct {
	adds []fakeAdd
}

type fakeAdd struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	s.adds = append(s.adds, fakeAdd{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeClient struct {
	streamErr error
	streams   map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: map[string]*fakeStream{}}
}

func (c *fakeClient) Stream(name string, opts ...streamopts.Stream) (pulseclient.Stream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error { return nil }

func TestPulseSinkPublishesToRunStream(t *testing.T) {
	cli := newFakeClient()
	sink, err := feedback.NewPulseSink(feedback.PulseOptions{Client: cli})
	require.NoError(t, err)

	progress := 0.5
	event := feedback.Event{FeedbackEvent: registry.FeedbackEvent{
		Kind: registry.EventNodeState, RunID: "run-123", TaskID: "task-1",
		Stage: "running", Progress: &progress,
	}}
	require.NoError(t, sink.Send(context.Background(), event))

	str, ok := cli.streams["run/run-123"]
	require.True(t, ok, "sink should publish to run/<run_id>")
	require.Len(t, str.adds, 1)
	assert.Equal(t, "node_state", str.adds[0].event)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(str.adds[0].payload, &decoded))
	assert.Equal(t, "run-123", decoded["run_id"])
	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", payload["stage"])
}

func TestPulseSinkRequiresRunID(t *testing.T) {
	sink, err := feedback.NewPulseSink(feedback.PulseOptions{Client: newFakeClient()})
	require.NoError(t, err)
	err = sink.Send(context.Background(), feedback.Event{FeedbackEvent: registry.FeedbackEvent{Kind: registry.EventNodeState}})
	assert.EqualError(t, err, "feedback event missing run id")
}

func TestPulseSinkStreamCreationError(t *testing.T) {
	cli := newFakeClient()
	cli.streamErr = errors.New("boom")
	sink, err := feedback.NewPulseSink(feedback.PulseOptions{Client: cli})
	require.NoError(t, err)
	err = sink.Send(context.Background(), feedback.Event{FeedbackEvent: registry.FeedbackEvent{Kind: registry.EventNodeState, RunID: "run-1"}})
	assert.EqualError(t, err, "boom")
}
