package session

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/window"
)

// Send assigns a windowed session sequence to env, writes it to the current
// transport, and arms an ack-retry timer that resends the frame on c's
// AckRetryPolicy schedule until the scheduler's ack covers it, the session
// resets, or the policy is exhausted (spec.md §4.2 "send path", §4.6 "reused
// by the ack-retry loop"). Used for every biz.exec.* frame the worker
// originates: result, feedback, error, and next.request.
func (c *Client) Send(ctx context.Context, env envelope.Envelope) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return fmt.Errorf("worker session: not connected")
	}

	seq, epoch, err := send.Acquire(ctx, env)
	if err != nil {
		return err
	}
	env.SessionSeq = &seq

	if err := c.writeFrame(env); err != nil {
		send.ReleaseFailed(seq)
		return err
	}
	go c.ackRetryLoop(ctx, send, epoch, seq, env)
	return nil
}

func (c *Client) writeFrame(env envelope.Envelope) error {
	tr := c.Transport()
	if tr == nil {
		return fmt.Errorf("worker session: not connected")
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

// ackRetryLoop resends env on the AckRetryPolicy schedule while it remains
// in flight under epoch, giving up (dropping the send credit without an ack)
// once the policy's attempt budget is exhausted. A session reset or a fresh
// handshake replaces the client's send window, which this loop treats as
// "no longer my concern"; a resumed session keeps the same window, so the
// loop goes on resending over the new connection.
func (c *Client) ackRetryLoop(ctx context.Context, send *window.Send[envelope.Envelope], epoch uint64, seq int64, env envelope.Envelope) {
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(c.cfg.AckRetryPolicy.Wait(attempt)):
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
		current := c.send
		c.mu.Unlock()
		if current != send || send.Epoch() != epoch || !send.InFlight(seq) {
			return
		}
		if c.cfg.AckRetryPolicy.Exhausted(attempt) {
			send.ReleaseFailed(seq)
			c.log.Error(ctx, "session: ack retry exhausted, dropping frame", "type", env.Type, "seq", seq)
			return
		}
		if err := c.writeFrame(env); err != nil {
			c.log.Warn(ctx, "session: ack retry resend failed", "error", err, "seq", seq)
		}
	}
}
