package session

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/pkg/window"
)

// Run dials, establishes (handshake or resume), and serves the session
// until ctx is cancelled, reconnecting with backoff across transport
// failures (spec.md §4.6). It only returns once ctx is done or the
// reconnect policy's attempt budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.connectOnce(ctx); err != nil {
			attempt++
			if c.cfg.ReconnectPolicy.Exhausted(attempt) {
				return fmt.Errorf("worker session: reconnect attempts exhausted: %w", err)
			}
			c.log.Warn(ctx, "session: connect failed, retrying", "error", err, "attempt", attempt)
			if !sleepOrDone(ctx, c.cfg.ReconnectPolicy.Wait(attempt)) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		c.log.Warn(ctx, "session: connection lost, reconnecting", "error", err, "attempt", attempt)
		if c.cfg.ReconnectPolicy.Exhausted(attempt) {
			return fmt.Errorf("worker session: reconnect attempts exhausted: %w", err)
		}
		if !sleepOrDone(ctx, c.cfg.ReconnectPolicy.Wait(attempt)) {
			return ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	tr, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("worker session: dial: %w", err)
	}
	if err := c.establish(ctx, tr); err != nil {
		_ = tr.Close()
		return err
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	return nil
}

// establish performs control.session.resume when a prior session is known,
// falling back to a full control.handshake when resume fails or no prior
// session exists (mirrors Session._establish_session in the original
// worker).
func (c *Client) establish(ctx context.Context, tr transport.Transport) error {
	c.mu.Lock()
	sessionID, token := c.sessionID, c.sessionToken
	c.mu.Unlock()

	if sessionID != "" && token != "" {
		if err := c.resume(tr, sessionID, token); err == nil {
			return nil
		} else {
			c.log.Warn(ctx, "session: resume failed, falling back to handshake", "error", err)
		}
	}
	return c.handshake(tr)
}

func (c *Client) handshake(tr transport.Transport) error {
	env, err := envelope.Build(envelope.TypeHandshake, c.cfg.Tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: c.cfg.InstanceID},
		envelope.HandshakePayload{
			Protocol: protocolVersion,
			Auth:     envelope.HandshakeAuth{Mode: envelope.AuthModeToken, Token: c.cfg.AuthToken},
			Worker: envelope.WorkerIdentity{
				Name:       c.cfg.WorkerName,
				InstanceID: c.cfg.InstanceID,
				Version:    c.cfg.Version,
				Hostname:   c.cfg.Hostname,
			},
		})
	if err != nil {
		return err
	}
	accept, err := sendAndAwaitAccept(tr, env)
	if err != nil {
		return err
	}
	c.applyAccept(accept, false)
	return c.sendRegister(tr)
}

func (c *Client) resume(tr transport.Transport, sessionID, token string) error {
	var lastSeen *int64
	c.mu.Lock()
	if c.recv != nil {
		base, _, _ := c.recv.AckState()
		lastSeen = &base
	}
	c.mu.Unlock()

	env, err := envelope.Build(envelope.TypeSessionResume, c.cfg.Tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: c.cfg.InstanceID},
		envelope.SessionResumePayload{SessionID: sessionID, SessionToken: token, LastSeenSeq: lastSeen})
	if err != nil {
		return err
	}
	accept, err := sendAndAwaitAccept(tr, env)
	if err != nil {
		return err
	}
	c.applyAccept(accept, true)
	return nil
}

func sendAndAwaitAccept(tr transport.Transport, env envelope.Envelope) (envelope.SessionAcceptPayload, error) {
	data, err := envelope.Marshal(env)
	if err != nil {
		return envelope.SessionAcceptPayload{}, err
	}
	if err := tr.Send(data); err != nil {
		return envelope.SessionAcceptPayload{}, fmt.Errorf("worker session: send %s: %w", env.Type, err)
	}
	raw, err := tr.Recv()
	if err != nil {
		return envelope.SessionAcceptPayload{}, fmt.Errorf("worker session: awaiting accept: %w", err)
	}
	resp, err := envelope.Unmarshal(raw)
	if err != nil {
		return envelope.SessionAcceptPayload{}, err
	}
	if resp.Type != envelope.TypeSessionAccept {
		return envelope.SessionAcceptPayload{}, fmt.Errorf("worker session: expected %s, got %q", envelope.TypeSessionAccept, resp.Type)
	}
	var accept envelope.SessionAcceptPayload
	if err := envelope.DecodePayload(resp, &accept); err != nil {
		return envelope.SessionAcceptPayload{}, err
	}
	return accept, nil
}

// applyAccept records the scheduler's accept. A fresh (non-resumed) accept
// always starts new windows; a resumed accept keeps the existing windows so
// in-flight sequence state survives the reconnect (spec.md §4.2 "resume
// does not reset window state").
func (c *Client) applyAccept(accept envelope.SessionAcceptPayload, resumed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = accept.SessionID
	c.sessionToken = accept.SessionToken
	c.expiresAt = accept.ExpiresAt
	if !resumed || c.recv == nil || c.send == nil {
		c.recv = window.NewReceive[envelope.Envelope](c.cfg.WindowSize)
		c.send = window.NewSend[envelope.Envelope](c.cfg.WindowSize)
	}
}

func (c *Client) sendRegister(tr transport.Transport) error {
	env, err := envelope.Build(envelope.TypeRegister, c.cfg.Tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: c.cfg.InstanceID},
		envelope.RegisterPayload{
			Capabilities: c.cfg.Capabilities,
			PayloadTypes: c.cfg.PayloadTypes,
			Packages:     c.cfg.Packages,
			Manifests:    c.cfg.Manifests,
			Channels:     c.cfg.Channels,
		})
	if err != nil {
		return err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

// Refresh re-sends control.register without waiting for an accept, used
// when the worker's installed-package set changes mid-session (spec.md
// §4.3 "package drift").
func (c *Client) Refresh() error {
	tr := c.Transport()
	if tr == nil {
		return fmt.Errorf("worker session: not connected")
	}
	return c.sendRegister(tr)
}
