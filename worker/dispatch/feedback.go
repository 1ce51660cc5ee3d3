package dispatch

import (
	"context"

	"github.com/flowmesh/core/pkg/envelope"
)

// FeedbackPublisher streams incremental task feedback over the worker's
// session connection, obtained via ExecutionContext.Feedback. Grounded on
// `worker.execution.runtime.feedback.FeedbackPublisher`.
type FeedbackPublisher struct {
	sender     Sender
	tenant     string
	instanceID string
	runID      string
	taskID     string
}

func newFeedbackPublisher(sender Sender, tenant, instanceID, runID, taskID string) *FeedbackPublisher {
	return &FeedbackPublisher{sender: sender, tenant: tenant, instanceID: instanceID, runID: runID, taskID: taskID}
}

// FeedbackInput mirrors ExecFeedbackPayload's optional fields.
type FeedbackInput struct {
	Stage    string
	Progress *float64
	Message  string
	Chunks   []envelope.FeedbackChunk
	Metrics  map[string]any
	Metadata map[string]any
}

// Send publishes one feedback frame for the task this publisher was built
// for.
func (f *FeedbackPublisher) Send(ctx context.Context, in FeedbackInput) error {
	env, err := envelope.Build(envelope.TypeExecFeedback, f.tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: f.instanceID},
		envelope.ExecFeedbackPayload{
			RunID: f.runID, TaskID: f.taskID,
			Stage: in.Stage, Progress: in.Progress, Message: in.Message,
			Chunks: in.Chunks, Metrics: in.Metrics, Metadata: in.Metadata,
		}, envelope.WithCorr(f.taskID))
	if err != nil {
		return err
	}
	return f.sender.Send(ctx, env)
}

// EmitText is a shortcut for streaming a single textual chunk on channel.
func (f *FeedbackPublisher) EmitText(ctx context.Context, channel, text string) error {
	return f.Send(ctx, FeedbackInput{Chunks: []envelope.FeedbackChunk{{Channel: channel, Text: text}}})
}
