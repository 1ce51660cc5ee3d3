// Package middleware implements the scheduler side of the middleware
// `next()` bridge described in spec.md §4.5: it correlates a worker's
// biz.exec.next.request with the task it resolves to, tracks the request
// until that task's result or failure arrives (or it times out or the run
// is cancelled), and delivers a biz.exec.next.response back to the
// requesting worker. The original_source kept files have no direct
// analogue for this bridge (the Python source's middleware chain support
// predates the files retained for this pack); it is grounded on the
// teacher's request/response correlation style in `runtime/a2a/server.go`
// (the `TaskState` pending-map pattern), generalized from one outstanding
// task per request id to this bridge's pending-next table.
package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/scheduler/registry"
)

// Enqueuer accepts newly-ready dispatch requests; satisfied by
// *dispatch.Orchestrator. Declared locally, mirroring scheduler/session's
// Enqueuer, so this package does not need to import scheduler/dispatch.
type Enqueuer interface {
	Enqueue(reqs ...registry.DispatchRequest)
}

// NextSender delivers a biz.exec.next.response to the worker that issued the
// matching request. Satisfied by *session.Server.
type NextSender interface {
	SendNextResponse(ctx context.Context, workerID string, resp envelope.ExecNextResponsePayload) error
}

// pendingNext is one in-flight next() call awaiting its target's outcome.
type pendingNext struct {
	requestID      string
	runID          string
	callerWorkerID string
	callerNodeID   string
	callerMWID     string
	targetTaskID   string
	deadline       time.Time
}

// Bridge tracks outstanding next() calls across the scheduler, the Go
// analogue of the Python pending-next table described in spec.md §4.5.
type Bridge struct {
	reg        *registry.Registry
	dispatcher Enqueuer
	sender     NextSender
	log        telemetry.Logger

	mu      sync.Mutex
	pending map[string]pendingNext // request id -> pending
	byTask  map[string]string      // target task id -> request id
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger attaches a telemetry logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New constructs a Bridge.
func New(reg *registry.Registry, dispatcher Enqueuer, sender NextSender, opts ...Option) *Bridge {
	b := &Bridge{
		reg:        reg,
		dispatcher: dispatcher,
		sender:     sender,
		log:        telemetry.NoopLogger{},
		pending:    make(map[string]pendingNext),
		byTask:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleRequest resolves a biz.exec.next.request to its target node,
// records it in the pending-next table, and enqueues the target's
// DispatchRequest(s), per spec.md §4.5 "Scheduler side". req.NodeID is the
// host node id and req.MiddlewareID is the calling middleware's node id;
// the registry scans for the running middleware instance matching that
// pair before resolving the chain. callerWorkerID is the worker session
// that sent the request, used to route the eventual response.
func (b *Bridge) HandleRequest(req envelope.ExecNextRequestPayload, callerWorkerID string) error {
	timeout := 30 * time.Second
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	reqs, targetTaskID, err := b.reg.NextTarget(req.RunID, req.NodeID, req.MiddlewareID)
	if err != nil {
		return fmt.Errorf("middleware: resolve next target: %w", err)
	}

	b.mu.Lock()
	b.pending[req.RequestID] = pendingNext{
		requestID:      req.RequestID,
		runID:          req.RunID,
		callerWorkerID: callerWorkerID,
		callerNodeID:   req.NodeID,
		callerMWID:     req.MiddlewareID,
		targetTaskID:   targetTaskID,
		deadline:       time.Now().Add(timeout),
	}
	b.byTask[targetTaskID] = req.RequestID
	b.mu.Unlock()

	b.dispatcher.Enqueue(reqs...)
	return nil
}

// ResolveResult delivers taskID's biz.exec.result to the middleware waiting
// on it, if any, per spec.md §4.5 "When the target completes or fails, its
// result is delivered to the waiting middleware via biz.exec.next.response".
// A non-succeeded status resolves the waiter with an error coded
// `next_<status>`.
func (b *Bridge) ResolveResult(ctx context.Context, taskID, status string, result any) error {
	p, ok := b.takePending(taskID)
	if !ok {
		return nil
	}
	resp := envelope.ExecNextResponsePayload{
		RequestID:    p.requestID,
		RunID:        p.runID,
		NodeID:       p.callerNodeID,
		MiddlewareID: p.callerMWID,
	}
	if status == string(registry.StatusSucceeded) {
		resp.Result = result
	} else {
		resp.Error = &envelope.ExecError{Code: "next_" + status, Message: fmt.Sprintf("next target %q finished with status %q", taskID, status)}
	}
	return b.sender.SendNextResponse(ctx, p.callerWorkerID, resp)
}

// Sweep resolves every pending next() request whose deadline has passed with
// a `next_timeout` error, per spec.md §4.5 "Expired requests are swept
// periodically".
func (b *Bridge) Sweep(ctx context.Context, now time.Time) {
	b.mu.Lock()
	var expired []pendingNext
	for id, p := range b.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(b.pending, id)
			delete(b.byTask, p.targetTaskID)
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		resp := envelope.ExecNextResponsePayload{
			RequestID:    p.requestID,
			RunID:        p.runID,
			NodeID:       p.callerNodeID,
			MiddlewareID: p.callerMWID,
			Error:        &envelope.ExecError{Code: "next_timeout", Message: "next() request timed out"},
		}
		if err := b.sender.SendNextResponse(ctx, p.callerWorkerID, resp); err != nil {
			b.log.Error(ctx, "middleware: failed to deliver next_timeout", "error", err, "request_id", p.requestID)
		}
	}
}

// RunSweeper runs Sweep on interval until ctx is cancelled.
func (b *Bridge) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(ctx, now)
		}
	}
}

// CancelRun resolves every pending next() request for runID with
// `next_cancelled`, per spec.md §4.5/§9 "cancel_run ... fails pending
// middleware next() waiters for that run with code next_cancelled".
func (b *Bridge) CancelRun(ctx context.Context, runID string) {
	b.mu.Lock()
	var cancelled []pendingNext
	for id, p := range b.pending {
		if p.runID != runID {
			continue
		}
		cancelled = append(cancelled, p)
		delete(b.pending, id)
		delete(b.byTask, p.targetTaskID)
	}
	b.mu.Unlock()

	for _, p := range cancelled {
		resp := envelope.ExecNextResponsePayload{
			RequestID:    p.requestID,
			RunID:        p.runID,
			NodeID:       p.callerNodeID,
			MiddlewareID: p.callerMWID,
			Error:        &envelope.ExecError{Code: "next_cancelled", Message: "run cancelled"},
		}
		if err := b.sender.SendNextResponse(ctx, p.callerWorkerID, resp); err != nil {
			b.log.Error(ctx, "middleware: failed to deliver next_cancelled", "error", err, "request_id", p.requestID)
		}
	}
}

func (b *Bridge) takePending(taskID string) (pendingNext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reqID, ok := b.byTask[taskID]
	if !ok {
		return pendingNext{}, false
	}
	p := b.pending[reqID]
	delete(b.pending, reqID)
	delete(b.byTask, taskID)
	return p, true
}
