package session

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
)

// serve runs the heartbeat ticker and receive loop over tr until either
// fails, then closes tr and returns the first error observed.
func (c *Client) serve(ctx context.Context) error {
	tr := c.Transport()
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.heartbeatLoop(serveCtx, tr) }()
	go func() { errCh <- c.receiveLoop(serveCtx, tr) }()

	err := <-errCh
	cancel()
	_ = tr.Close()
	<-errCh

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) heartbeatLoop(ctx context.Context, tr transport.Transport) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.sendHeartbeat(tr); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendHeartbeat(tr transport.Transport) error {
	env, err := envelope.Build(envelope.TypeHeartbeat, c.cfg.Tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: c.cfg.InstanceID},
		envelope.HeartbeatPayload{Healthy: true, Metrics: c.metrics()})
	if err != nil {
		return err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

func (c *Client) receiveLoop(ctx context.Context, tr transport.Transport) error {
	for {
		data, err := tr.Recv()
		if err != nil {
			return err
		}
		env, err := envelope.Unmarshal(data)
		if err != nil {
			c.log.Warn(ctx, "session: dropping malformed frame", "error", err)
			continue
		}
		if err := c.handleFrame(ctx, tr, env); err != nil {
			return err
		}
	}
}

// handleFrame dispatches one inbound frame. Returning a non-nil error ends
// the serve loop (forcing Run's reconnect path); only control.session.reset
// does this deliberately, since it invalidates the session entirely.
func (c *Client) handleFrame(ctx context.Context, tr transport.Transport, env envelope.Envelope) error {
	switch env.Type {
	case envelope.TypeAck:
		var ack envelope.AckPayload
		if err := envelope.DecodePayload(env, &ack); err != nil {
			c.log.Warn(ctx, "session: malformed ack", "error", err)
			return nil
		}
		c.applyAck(ack)
		return nil
	case envelope.TypeSessionReset:
		var rs envelope.SessionResetPayload
		if err := envelope.DecodePayload(env, &rs); err != nil {
			return nil
		}
		c.mu.Lock()
		c.sessionID, c.sessionToken = "", ""
		c.recv, c.send = nil, nil
		c.mu.Unlock()
		if c.OnReset != nil {
			c.OnReset(ctx, rs.Code, rs.Reason)
		}
		return fmt.Errorf("worker session: reset by scheduler: %s", rs.Reason)
	case envelope.TypeSessionDrain:
		c.log.Info(ctx, "session: scheduler draining")
		return nil
	default:
		return c.handleBusinessFrame(ctx, tr, env)
	}
}

func (c *Client) handleBusinessFrame(ctx context.Context, tr transport.Transport, env envelope.Envelope) error {
	if env.SessionSeq == nil {
		c.log.Warn(ctx, "session: business frame missing session_seq", "type", env.Type)
		return nil
	}
	c.mu.Lock()
	recv := c.recv
	c.mu.Unlock()
	if recv == nil {
		c.log.Warn(ctx, "session: business frame before session established", "type", env.Type)
		return nil
	}
	ready, accepted := recv.Record(*env.SessionSeq, env)
	if !accepted {
		return nil
	}
	for _, e := range ready {
		c.dispatchBusinessFrame(ctx, e)
	}
	return c.sendAck(tr, env.ID)
}

func (c *Client) dispatchBusinessFrame(ctx context.Context, env envelope.Envelope) {
	switch env.Type {
	case envelope.TypeExecDispatch:
		if c.OnDispatch != nil {
			c.OnDispatch(ctx, env)
		}
	case envelope.TypeExecNextResponse:
		if c.OnNextResponse != nil {
			c.OnNextResponse(env)
		}
	default:
		c.log.Warn(ctx, "session: unhandled business frame type", "type", env.Type)
	}
}

func (c *Client) sendAck(tr transport.Transport, forID string) error {
	c.mu.Lock()
	recv := c.recv
	c.mu.Unlock()
	if recv == nil {
		return nil
	}
	baseSeq, bitmap, size := recv.AckState()
	env, err := envelope.Build(envelope.TypeAck, c.cfg.Tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: c.cfg.InstanceID},
		envelope.AckPayload{OK: true, For: forID, AckSeq: &baseSeq, AckBitmap: &bitmap, RecvWindow: &size})
	if err != nil {
		return err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

func (c *Client) applyAck(ack envelope.AckPayload) {
	if ack.AckSeq == nil || ack.AckBitmap == nil {
		return
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	send.ApplyAck(*ack.AckSeq, *ack.AckBitmap)
}
