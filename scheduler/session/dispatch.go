package session

import (
	"context"
	"fmt"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/scheduler/registry"
)

// SelectWorker implements dispatch.WorkerSelector: it picks a registered,
// non-draining, connected session for tenant that reports the requested
// package, preferring preferredWorkerID (the node's sticky worker from a
// prior dispatch) when it is still eligible, per spec.md §4.3 "Worker
// selection".
func (srv *Server) SelectWorker(tenant string, pkg registry.PackageRef, preferredWorkerID string) (string, bool) {
	srv.mu.Lock()
	candidates := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		candidates = append(candidates, s)
	}
	srv.mu.Unlock()

	if preferredWorkerID != "" {
		for _, s := range candidates {
			if s.ID == preferredWorkerID && s.snapshotEligible(tenant) && s.HasPackage(pkg.Name, pkg.Version) {
				return s.ID, true
			}
		}
	}
	for _, s := range candidates {
		if s.snapshotEligible(tenant) && s.HasPackage(pkg.Name, pkg.Version) {
			return s.ID, true
		}
	}
	return "", false
}

// SendDispatch implements dispatch.Sender: it builds a biz.exec.dispatch
// envelope for req and sends it over workerID's session (spec.md §4.4).
func (srv *Server) SendDispatch(ctx context.Context, workerID string, req registry.DispatchRequest) error {
	s, ok := srv.Get(workerID)
	if !ok {
		return fmt.Errorf("session: dispatch target %q not found", workerID)
	}

	payload := envelope.ExecDispatchPayload{
		RunID:           req.RunID,
		TaskID:          req.TaskID,
		NodeID:          req.NodeID,
		NodeType:        req.NodeType,
		PackageName:     req.Package.Name,
		PackageVersion:  req.Package.Version,
		Parameters:      req.Parameters,
		ConcurrencyKey:  req.ConcurrencyKey,
		ResourceRefs:    req.ResourceRefs,
		Affinity:        req.Affinity,
		HostNodeID:      req.HostNodeID,
		MiddlewareChain: req.MiddlewareChain,
		ChainIndex:      req.ChainIndex,
	}

	env, err := envelope.Build(envelope.TypeExecDispatch, req.Tenant,
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"},
		payload, envelope.WithCorr(req.TaskID), envelope.WithSeq(req.Seq))
	if err != nil {
		return err
	}
	return srv.Send(ctx, s, env)
}

// Send assigns a windowed session sequence to env (unless env is a control
// frame, which bypasses the window per spec.md §4.2) and writes it to s's
// transport.
func (srv *Server) Send(ctx context.Context, s *Session, env envelope.Envelope) error {
	tr := s.Transport()
	if tr == nil {
		return fmt.Errorf("session: %s has no live transport", s.ID)
	}
	if !env.IsControl() {
		seq, _, err := s.Send.Acquire(ctx, env)
		if err != nil {
			return err
		}
		env.SessionSeq = &seq
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

// ApplyAck releases every in-flight envelope s's send window that the
// worker's control.ack now covers, per spec.md §4.1.
func (srv *Server) ApplyAck(s *Session, ack envelope.AckPayload) []envelope.Envelope {
	if ack.AckSeq == nil || ack.AckBitmap == nil {
		return nil
	}
	return s.Send.ApplyAck(*ack.AckSeq, *ack.AckBitmap)
}

// SendNextResponse implements middleware.NextSender: it delivers a
// biz.exec.next.response to the worker hosting the waiting middleware
// coroutine, per spec.md §4.5.
func (srv *Server) SendNextResponse(ctx context.Context, workerID string, resp envelope.ExecNextResponsePayload) error {
	s, ok := srv.Get(workerID)
	if !ok {
		return fmt.Errorf("session: next.response target %q not found", workerID)
	}
	env, err := envelope.Build(envelope.TypeExecNextResponse, s.Tenant,
		envelope.Sender{Role: envelope.RoleScheduler, ID: "scheduler"}, resp, envelope.WithCorr(resp.RequestID))
	if err != nil {
		return err
	}
	return srv.Send(ctx, s, env)
}
