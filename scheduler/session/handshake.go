package session

import (
	"context"
	"fmt"

	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/pkg/transport"
	"github.com/flowmesh/core/pkg/valuetree"
	"github.com/flowmesh/core/scheduler/registry"
)

// Enqueuer accepts newly-ready dispatch requests; satisfied by
// *dispatch.Orchestrator. Kept as a narrow interface here so this package
// does not need to import scheduler/dispatch.
type Enqueuer interface {
	Enqueue(reqs ...registry.DispatchRequest)
}

// Conn runs the scheduler side of one worker connection: handshake or
// resume, then the control/business frame loop, until the transport closes
// or ctx is cancelled (spec.md §4.2).
type Conn struct {
	srv        *Server
	reg        *registry.Registry
	dispatcher Enqueuer
	log        telemetry.Logger

	// OnFeedback, OnNextRequest, and OnNextResponse forward biz.exec.feedback
	// and biz.exec.next.* frames to the feedback and middleware subsystems.
	// OnTaskFinished notifies the middleware bridge whenever a task reaches a
	// terminal outcome (success or failure), so it can resolve any next()
	// waiter parked on that task id (spec.md §4.5). All four are left
	// nil-safe so tests can exercise the session loop without any wired in.
	OnFeedback     func(ctx context.Context, env envelope.Envelope)
	OnNextRequest  func(ctx context.Context, callerSessionID string, env envelope.Envelope)
	OnNextResponse func(envelope.Envelope)
	OnTaskFinished func(ctx context.Context, taskID, status string, result any)
}

// NewConn builds a Conn bound to reg and dispatcher.
func NewConn(srv *Server, reg *registry.Registry, dispatcher Enqueuer) *Conn {
	return &Conn{srv: srv, reg: reg, dispatcher: dispatcher, log: telemetry.NoopLogger{}}
}

// WithLogger attaches a telemetry logger to c and returns c.
func (c *Conn) WithLogger(l telemetry.Logger) *Conn {
	c.log = l
	return c
}

// Serve reads frames from tr until it errs or ctx is cancelled. The first
// frame must be control.handshake or control.session.resume; every
// subsequent frame is either a control.* frame handled inline or a biz.*
// frame routed to the registry/dispatcher.
func (c *Conn) Serve(ctx context.Context, tr transport.Transport) error {
	s, err := c.onOpen(ctx, tr)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer func() {
		if s != nil {
			c.srv.MarkDisconnected(s.ID)
		}
	}()

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
		if err := c.handleFrame(ctx, s, env); err != nil {
			c.log.Error(ctx, "session: frame handling failed", "error", err, "type", env.Type)
		}
	}
}

func (c *Conn) onOpen(ctx context.Context, tr transport.Transport) (*Session, error) {
	data, err := tr.Recv()
	if err != nil {
		return nil, fmt.Errorf("session: read opening frame: %w", err)
	}
	env, err := envelope.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case envelope.TypeHandshake:
		return c.handshake(ctx, tr, env)
	case envelope.TypeSessionResume:
		return c.resume(ctx, tr, env)
	default:
		return nil, fmt.Errorf("session: expected handshake or resume, got %q", env.Type)
	}
}

func (c *Conn) handshake(ctx context.Context, tr transport.Transport, env envelope.Envelope) (*Session, error) {
	var hs envelope.HandshakePayload
	if err := envelope.DecodePayload(env, &hs); err != nil {
		return nil, err
	}
	s, resumed := c.srv.Upsert(hs.Worker.Name, hs.Worker.InstanceID, env.Tenant, hs.Worker.Version, hs.Worker.Hostname, tr)
	token, expiresAt, err := c.srv.Rekey(s)
	if err != nil {
		return nil, err
	}
	accept := envelope.SessionAcceptPayload{
		SessionID:        s.ID,
		SessionToken:     token,
		ExpiresAt:        expiresAt,
		Resumed:          false,
		WorkerInstanceID: s.WorkerInstanceID,
	}
	_ = resumed // a handshake always resets window state even if the worker identity was seen before
	return s, c.sendAccept(ctx, s, env.Tenant, accept)
}

func (c *Conn) resume(ctx context.Context, tr transport.Transport, env envelope.Envelope) (*Session, error) {
	var rs envelope.SessionResumePayload
	if err := envelope.DecodePayload(env, &rs); err != nil {
		return nil, err
	}
	s, ok := c.srv.Get(rs.SessionID)
	if !ok {
		return nil, fmt.Errorf("session: resume target %q not found", rs.SessionID)
	}
	if err := c.srv.ValidateToken(s, rs.SessionToken); err != nil {
		return nil, err
	}
	s.setTransport(tr)
	token, expiresAt, err := c.srv.Rekey(s)
	if err != nil {
		return nil, err
	}
	accept := envelope.SessionAcceptPayload{
		SessionID:        s.ID,
		SessionToken:     token,
		ExpiresAt:        expiresAt,
		Resumed:          true,
		WorkerInstanceID: s.WorkerInstanceID,
	}
	return s, c.sendAccept(ctx, s, env.Tenant, accept)
}

func (c *Conn) sendAccept(ctx context.Context, s *Session, tenant string, accept envelope.SessionAcceptPayload) error {
	env, err := envelope.Build(envelope.TypeSessionAccept, tenant,
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"}, accept)
	if err != nil {
		return err
	}
	return c.srv.Send(ctx, s, env)
}

func (c *Conn) handleFrame(ctx context.Context, s *Session, env envelope.Envelope) error {
	switch env.Type {
	case envelope.TypeRegister:
		var reg envelope.RegisterPayload
		if err := envelope.DecodePayload(env, &reg); err != nil {
			return err
		}
		c.srv.UpdateRegistration(s, reg)
		return nil
	case envelope.TypeHeartbeat:
		var hb envelope.HeartbeatPayload
		if err := envelope.DecodePayload(env, &hb); err != nil {
			return err
		}
		c.srv.MarkHeartbeat(s, hb)
		return nil
	case envelope.TypeAck:
		var ack envelope.AckPayload
		if err := envelope.DecodePayload(env, &ack); err != nil {
			return err
		}
		c.srv.ApplyAck(s, ack)
		return nil
	case envelope.TypeSessionDrain:
		s.mu.Lock()
		s.Draining = true
		s.mu.Unlock()
		return nil
	default:
		return c.handleBusinessFrame(ctx, s, env)
	}
}

// handleBusinessFrame runs env through s's receive window, then processes
// every frame the window newly releases in seq order (spec.md §4.1), and
// acknowledges the receiver's current window state.
func (c *Conn) handleBusinessFrame(ctx context.Context, s *Session, env envelope.Envelope) error {
	if env.SessionSeq == nil {
		return fmt.Errorf("session: business frame %q missing session_seq", env.Type)
	}
	ready, accepted := s.Recv.Record(*env.SessionSeq, env)
	if !accepted {
		return nil // stale or duplicate: silently dropped per spec.md §4.1
	}
	for _, e := range ready {
		if err := c.dispatchBusinessFrame(ctx, s, e); err != nil {
			c.log.Error(ctx, "session: business frame dispatch failed", "error", err, "type", e.Type)
		}
	}
	return c.sendAck(ctx, s, env.ID)
}

func (c *Conn) dispatchBusinessFrame(ctx context.Context, s *Session, env envelope.Envelope) error {
	switch env.Type {
	case envelope.TypeExecResult:
		var res envelope.ExecResultPayload
		if err := envelope.DecodePayload(env, &res); err != nil {
			return err
		}
		ready, err := c.reg.RecordResult(res.RunID, res.TaskID, registry.RecordResultInput{
			Status:    res.Status,
			Result:    valuetree.FromAny(res.Result),
			Metadata:  res.Metadata,
			Artifacts: res.Artifacts,
		})
		if err != nil {
			return err
		}
		c.dispatcher.Enqueue(ready...)
		if c.OnTaskFinished != nil {
			c.OnTaskFinished(ctx, res.TaskID, res.Status, res.Result)
		}
		return nil
	case envelope.TypeExecError:
		var ee envelope.ExecErrorPayload
		if err := envelope.DecodePayload(env, &ee); err != nil {
			return err
		}
		runID, _ := ee.Context.Details["run_id"].(string)
		taskID, _ := ee.Context.Details["task_id"].(string)
		if runID == "" || taskID == "" {
			return fmt.Errorf("session: biz.exec.error missing run_id/task_id context")
		}
		if err := c.reg.RecordCommandError(runID, taskID, ee.Code, ee.Message); err != nil {
			return err
		}
		if c.OnTaskFinished != nil {
			c.OnTaskFinished(ctx, taskID, string(registry.StatusFailed), nil)
		}
		return nil
	case envelope.TypeExecFeedback:
		if c.OnFeedback != nil {
			c.OnFeedback(ctx, env)
		}
		return nil
	case envelope.TypeExecNextRequest:
		if c.OnNextRequest != nil {
			c.OnNextRequest(ctx, s.ID, env)
		}
		return nil
	case envelope.TypeExecNextResponse:
		if c.OnNextResponse != nil {
			c.OnNextResponse(env)
		}
		return nil
	default:
		return fmt.Errorf("session: unhandled business frame type %q", env.Type)
	}
}

func (c *Conn) sendAck(ctx context.Context, s *Session, forID string) error {
	baseSeq, bitmap, size := s.Recv.AckState()
	env, err := envelope.Build(envelope.TypeAck, s.Tenant,
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"},
		envelope.AckPayload{OK: true, For: forID, AckSeq: &baseSeq, AckBitmap: &bitmap, RecvWindow: &size})
	if err != nil {
		return err
	}
	return c.srv.Send(ctx, s, env)
}
