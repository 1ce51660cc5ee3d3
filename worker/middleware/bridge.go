// Package middleware implements the worker side of the middleware `next()`
// bridge described in spec.md §4.5: it turns a middleware node's Next call
// into a biz.exec.next.request sent to the scheduler, parks the caller on a
// per-request waiter until the matching biz.exec.next.response arrives (or
// a local timeout, an interrupt, or the owning task finishes first), and
// lets the dispatch pipeline interrupt or clean up any waiter still pending
// when its task is cancelled or completes. Grounded on
// `original_source/worker/handlers/next_handler.py`'s `NextHandler`.
package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/worker/dispatch"
)

// abortedNextMax bounds the late-response ignore list, mirroring
// `_ABORTED_NEXT_MAX`.
const abortedNextMax = 512

// Sender is the narrow outbound surface the bridge needs; worker/session's
// Client satisfies it.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) error
}

// NextError is the error a waiter resolves with when next() fails locally
// (timeout) or is rejected by the scheduler, the Go analogue of
// `MiddlewareNextError`.
type NextError struct {
	Code    string
	Message string
	Trace   []string
}

func (e *NextError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("middleware next: %s (%s)", e.Message, e.Code)
	}
	return "middleware next: " + e.Message
}

type waiter struct {
	resultCh chan waiterResult
	runID    string
	taskID   string
	done     bool
}

type waiterResult struct {
	result any
	err    error
}

// Bridge is the worker-side next() client: one Bridge is shared by every
// middleware node's ExecutionContext.Next closure.
type Bridge struct {
	sender Sender
	tenant string
	log    telemetry.Logger

	mu      sync.Mutex
	pending map[string]*waiter // request id -> waiter
	byTask  map[string][]string // "run_id:task_id" -> request ids

	abortedOrder []string
	aborted      map[string]struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger attaches a telemetry logger.
func WithLogger(l telemetry.Logger) Option { return func(b *Bridge) { b.log = l } }

// New constructs a Bridge that sends biz.exec.next.request frames with the
// given tenant.
func New(tenant string, sender Sender, opts ...Option) *Bridge {
	b := &Bridge{
		sender:  sender,
		tenant:  tenant,
		log:     telemetry.NoopLogger{},
		pending: make(map[string]*waiter),
		byTask:  make(map[string][]string),
		aborted: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call implements dispatch.NextCaller: it sends the middleware's next()
// request and blocks until the scheduler's response arrives, the request
// times out, or ctx is cancelled first.
func (b *Bridge) Call(ctx context.Context, req dispatch.NextCallRequest) (any, error) {
	requestID := uuid.NewString()
	w := &waiter{resultCh: make(chan waiterResult, 1), runID: req.RunID, taskID: req.TaskID}

	taskKey := pendingKey(req.RunID, req.TaskID)
	b.mu.Lock()
	b.pending[requestID] = w
	b.byTask[taskKey] = append(b.byTask[taskKey], requestID)
	b.mu.Unlock()

	chainIndex := req.ChainIndex
	env, err := envelope.Build(envelope.TypeExecNextRequest, b.tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: req.MiddlewareID},
		envelope.ExecNextRequestPayload{
			RequestID:     requestID,
			RunID:         req.RunID,
			NodeID:        req.HostNodeID,
			MiddlewareID:  req.MiddlewareID,
			ChainIndex:    &chainIndex,
			HostCtx:       req.HostCtx,
			MiddlewareCtx: req.MiddlewareCtx,
			Payload:       req.Payload,
		}, envelope.WithCorr(req.TaskID))
	if err != nil {
		b.drop(requestID, taskKey)
		return nil, fmt.Errorf("middleware: build next request: %w", err)
	}

	if err := b.sender.Send(ctx, env); err != nil {
		b.drop(requestID, taskKey)
		return nil, fmt.Errorf("middleware: send next request: %w", err)
	}

	select {
	case res := <-w.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		b.dropAsAborted(requestID, taskKey)
		return nil, ctx.Err()
	}
}

// HandleResponse resolves the waiter matching env's biz.exec.next.response
// payload, the Go analogue of `handle_next_response`.
func (b *Bridge) HandleResponse(ctx context.Context, env envelope.Envelope) error {
	var resp envelope.ExecNextResponsePayload
	if err := envelope.DecodePayload(env, &resp); err != nil {
		return fmt.Errorf("middleware: decode next response: %w", err)
	}

	b.mu.Lock()
	w, ok := b.pending[resp.RequestID]
	if ok {
		delete(b.pending, resp.RequestID)
		b.removeFromTask(pendingKey(w.runID, w.taskID), resp.RequestID)
	}
	wasAborted := false
	if !ok {
		_, wasAborted = b.aborted[resp.RequestID]
		delete(b.aborted, resp.RequestID)
	}
	b.mu.Unlock()

	if !ok {
		if wasAborted {
			b.log.Debug(ctx, "middleware: ignored late next response for aborted waiter", "request_id", resp.RequestID)
		} else {
			b.log.Warn(ctx, "middleware: next response with no pending waiter", "request_id", resp.RequestID)
		}
		return nil
	}
	if w.done {
		return nil
	}
	w.done = true

	if resp.Error != nil {
		w.resultCh <- waiterResult{err: &NextError{Code: resp.Error.Code, Message: resp.Error.Message, Trace: resp.Trace}}
		return nil
	}
	w.resultCh <- waiterResult{result: resp.Result}
	return nil
}

// InterruptPending implements dispatch.NextCaller: it fails every waiter
// for runID/taskID in place with the given code/message, the Go analogue
// of `interrupt_pending_next`.
func (b *Bridge) InterruptPending(runID, taskID, code, message string) {
	taskKey := pendingKey(runID, taskID)
	b.mu.Lock()
	ids := b.byTask[taskKey]
	delete(b.byTask, taskKey)
	var targets []*waiter
	for _, id := range ids {
		if w, ok := b.pending[id]; ok {
			delete(b.pending, id)
			targets = append(targets, w)
			b.trackAbortedLocked(id)
		}
	}
	b.mu.Unlock()

	for _, w := range targets {
		if w.done {
			continue
		}
		w.done = true
		w.resultCh <- waiterResult{err: &NextError{Code: code, Message: message}}
	}
}

// CancelPendingForTask implements dispatch.NextCaller: it drops every
// waiter for runID/taskID, resolving any still unresolved with a
// next_cancelled "task finished" error, the Go analogue of `cancel_pending_next_for_task` (called unconditionally
// from the dispatch pipeline's cleanup path, so InterruptPending will
// usually have already resolved anything worth resolving).
func (b *Bridge) CancelPendingForTask(runID, taskID string) {
	taskKey := pendingKey(runID, taskID)
	b.mu.Lock()
	ids := b.byTask[taskKey]
	delete(b.byTask, taskKey)
	var targets []*waiter
	for _, id := range ids {
		if w, ok := b.pending[id]; ok {
			delete(b.pending, id)
			targets = append(targets, w)
			b.trackAbortedLocked(id)
		}
	}
	b.mu.Unlock()

	for _, w := range targets {
		if w.done {
			continue
		}
		w.done = true
		w.resultCh <- waiterResult{err: &NextError{Code: "next_cancelled", Message: "task finished"}}
	}
}

// CancelAll drops every pending waiter, the Go analogue of
// `cancel_pending_next` (called when the worker session itself resets).
func (b *Bridge) CancelAll() {
	b.mu.Lock()
	targets := make([]*waiter, 0, len(b.pending))
	for id, w := range b.pending {
		targets = append(targets, w)
		b.trackAbortedLocked(id)
	}
	b.pending = make(map[string]*waiter)
	b.byTask = make(map[string][]string)
	b.mu.Unlock()

	for _, w := range targets {
		if w.done {
			continue
		}
		w.done = true
		w.resultCh <- waiterResult{err: &NextError{Code: "next_cancelled", Message: "session reset"}}
	}
}

func (b *Bridge) drop(requestID, taskKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	b.removeFromTask(taskKey, requestID)
}

func (b *Bridge) dropAsAborted(requestID, taskKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	b.removeFromTask(taskKey, requestID)
	b.trackAbortedLocked(requestID)
}

func (b *Bridge) removeFromTask(taskKey, requestID string) {
	ids := b.byTask[taskKey]
	for i, id := range ids {
		if id == requestID {
			b.byTask[taskKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.byTask[taskKey]) == 0 {
		delete(b.byTask, taskKey)
	}
}

// trackAbortedLocked must be called with b.mu held.
func (b *Bridge) trackAbortedLocked(requestID string) {
	if _, ok := b.aborted[requestID]; ok {
		return
	}
	b.aborted[requestID] = struct{}{}
	b.abortedOrder = append(b.abortedOrder, requestID)
	if len(b.abortedOrder) > abortedNextMax {
		oldest := b.abortedOrder[0]
		b.abortedOrder = b.abortedOrder[1:]
		delete(b.aborted, oldest)
	}
}

func pendingKey(runID, taskID string) string { return runID + ":" + taskID }
