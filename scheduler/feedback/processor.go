package feedback

import (
	"context"
	"time"

	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/scheduler/registry"
)

// Processor decodes biz.exec.feedback envelopes, merges them into the
// registry, and publishes the resulting events to a Sink. Bound to
// *session.Conn.OnFeedback at wiring time.
type Processor struct {
	reg  *registry.Registry
	sink Sink
	log  telemetry.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger attaches a telemetry logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// NewProcessor constructs a Processor publishing through sink.
func NewProcessor(reg *registry.Registry, sink Sink, opts ...Option) *Processor {
	p := &Processor{reg: reg, sink: sink, log: telemetry.NoopLogger{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleFeedback decodes env as biz.exec.feedback, merges it into the
// registry, and publishes every resulting event.
func (p *Processor) HandleFeedback(ctx context.Context, env envelope.Envelope) error {
	var fb envelope.ExecFeedbackPayload
	if err := envelope.DecodePayload(env, &fb); err != nil {
		return err
	}
	events, err := p.reg.RecordFeedback(fb.RunID, fb.TaskID, toFeedbackInput(fb))
	if err != nil {
		return err
	}
	now := time.Now()
	for _, e := range events {
		if sendErr := p.sink.Send(ctx, Event{FeedbackEvent: e, Timestamp: now}); sendErr != nil {
			p.log.Error(ctx, "feedback: publish failed", "error", sendErr, "run_id", fb.RunID, "task_id", fb.TaskID, "kind", e.Kind)
		}
	}
	return nil
}

func toFeedbackInput(fb envelope.ExecFeedbackPayload) registry.FeedbackInput {
	chunks := make([]registry.FeedbackChunk, len(fb.Chunks))
	for i, c := range fb.Chunks {
		chunks[i] = registry.FeedbackChunk{
			Channel:    c.Channel,
			Text:       c.Text,
			DataBase64: c.DataBase64,
			MimeType:   c.MimeType,
			Metadata:   c.Metadata,
		}
	}
	return registry.FeedbackInput{
		Stage:    fb.Stage,
		Progress: fb.Progress,
		Message:  fb.Message,
		Chunks:   chunks,
		Metrics:  fb.Metrics,
		Metadata: fb.Metadata,
	}
}
