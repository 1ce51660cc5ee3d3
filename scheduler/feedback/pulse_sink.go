package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowmesh/core/scheduler/feedback/pulseclient"
	"github.com/flowmesh/core/scheduler/registry"
)

type (
	// PulseOptions configures a PulseSink.
	PulseOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulseclient.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `run/<RunID>`.
		StreamID func(Event) (string, error)
		// MarshalEnvelope overrides envelope serialization (primarily for tests).
		MarshalEnvelope func(pulseEnvelope) ([]byte, error)
	}

	// PulseSink publishes feedback events into Pulse streams, one stream per
	// run, letting an out-of-core SSE layer subscribe without the core
	// depending on any HTTP framework. Thread-safe for concurrent Send calls.
	PulseSink struct {
		client          pulseclient.Client
		streamID        func(Event) (string, error)
		marshalEnvelope func(pulseEnvelope) ([]byte, error)
	}

	// pulseEnvelope wraps a feedback event for transmission over a Pulse
	// stream, adding the run/task identity and serializing the event-specific
	// body as JSON.
	pulseEnvelope struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		TaskID    string `json:"task_id"`
		Timestamp string `json:"timestamp"`
		Payload   any    `json:"payload,omitempty"`
	}
)

// NewPulseSink constructs a Pulse-backed feedback sink. opts.Client is
// required; StreamID and MarshalEnvelope default to the built-ins.
func NewPulseSink(opts PulseOptions) (*PulseSink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &PulseSink{
		client:          opts.Client,
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshalEnvelope,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		s.marshalEnvelope = opts.MarshalEnvelope
	}
	return s, nil
}

// Send publishes event to the derived Pulse stream.
func (s *PulseSink) Send(ctx context.Context, event Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := pulseEnvelope{
		Type:      event.Kind,
		RunID:     event.RunID,
		TaskID:    event.TaskID,
		Timestamp: event.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:   eventPayload(event.FeedbackEvent),
	}
	payload, err := s.marshalEnvelope(env)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, env.Type, payload)
	return err
}

// Close releases resources owned by the sink, delegating to the underlying
// Pulse client.
func (s *PulseSink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func eventPayload(e registry.FeedbackEvent) any {
	switch e.Kind {
	case registry.EventNodeState:
		return map[string]any{"stage": e.Stage, "progress": e.Progress, "message": e.Message}
	case registry.EventNodeResultSnapshot:
		return map[string]any{"result": e.Result.ToAny()}
	case registry.EventNodeResultDelta:
		if e.Delta == nil {
			return nil
		}
		return map[string]any{
			"operation": string(e.Delta.Operation),
			"path":      e.Delta.Path,
			"value":     e.Delta.Value,
			"sequence":  e.Delta.Sequence,
			"revision":  e.Delta.Revision,
		}
	default:
		return nil
	}
}

func defaultStreamID(event Event) (string, error) {
	if event.RunID == "" {
		return "", errors.New("feedback event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID), nil
}

func defaultMarshalEnvelope(env pulseEnvelope) ([]byte, error) {
	return json.Marshal(env)
}
