// Package dispatch implements the scheduler's dispatch orchestrator: a
// single consumer of queued DispatchRequests that selects a worker session,
// sends the envelope, and tracks an ack-deadline timer with bounded
// exponential-backoff retry, per spec.md §4.6. Grounded on the swarm
// orchestrator's DAGEngine retry/metrics wiring
// (anhnv24810310060-source-SWARM-INTELLIGENCE-NETWORK/services/orchestrator/dag_engine.go)
// adapted from a single-process task executor into a queue-driven loop.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/flowmesh/core/internal/retry"
	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/scheduler/registry"
)

// WorkerSelector resolves a worker session eligible to run req, per
// spec.md §4.3 "Worker selection".
type WorkerSelector interface {
	SelectWorker(tenant string, pkg registry.PackageRef, preferredWorkerID string) (workerID string, ok bool)
}

// Sender delivers a dispatch envelope to a specific worker session.
type Sender interface {
	SendDispatch(ctx context.Context, workerID string, req registry.DispatchRequest) error
}

// Orchestrator is the scheduler's single dispatch consumer.
type Orchestrator struct {
	registry *registry.Registry
	selector WorkerSelector
	sender   Sender
	policy   retry.Policy
	ackWait  time.Duration
	log      telemetry.Logger

	queue chan registry.DispatchRequest

	mu      sync.Mutex
	timers  map[string]*time.Timer // dispatch id -> ack-deadline timer
	metrics orchestratorMetrics
}

type orchestratorMetrics struct {
	dispatched  metric.Int64Counter
	retried     metric.Int64Counter
	unavailable metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the default exponential backoff policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithAckWait overrides the default ack-deadline (spec.md §5, default 5s).
func WithAckWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.ackWait = d }
}

// WithLogger attaches a telemetry logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMeter registers the orchestrator's counters against meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *Orchestrator) {
		o.metrics.dispatched, _ = meter.Int64Counter("flowmesh_scheduler_dispatch_total")
		o.metrics.retried, _ = meter.Int64Counter("flowmesh_scheduler_dispatch_retries_total")
		o.metrics.unavailable, _ = meter.Int64Counter("flowmesh_scheduler_dispatch_unavailable_total")
	}
}

// New constructs an Orchestrator. queueSize bounds the pending dispatch
// backlog (spec.md §4.6 "a bounded queue of DispatchRequests").
func New(reg *registry.Registry, selector WorkerSelector, sender Sender, queueSize int, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		selector: selector,
		sender:   sender,
		policy:   retry.DefaultPolicy(),
		ackWait:  5 * time.Second,
		log:      telemetry.NoopLogger{},
		queue:    make(chan registry.DispatchRequest, queueSize),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue places one or more ready DispatchRequests on the orchestrator's
// queue. It blocks if the queue is full, applying backpressure to callers
// (the run registry's mutex is not held across this call).
func (o *Orchestrator) Enqueue(reqs ...registry.DispatchRequest) {
	for _, r := range reqs {
		o.queue <- r
	}
}

// Run consumes the queue until ctx is cancelled. Intended to be run in its
// own goroutine as the orchestrator's single coroutine (spec.md §4.6).
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.queue:
			o.process(ctx, req)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, req registry.DispatchRequest) {
	workerID, ok := o.selector.SelectWorker(req.Tenant, req.Package, req.PreferredWorkerID)
	if !ok {
		o.retryOrFail(ctx, req, "no eligible worker")
		return
	}

	if err := o.sender.SendDispatch(ctx, workerID, req); err != nil {
		o.retryOrFail(ctx, req, err.Error())
		return
	}

	if o.metrics.dispatched != nil {
		o.metrics.dispatched.Add(ctx, 1)
	}

	ackDeadline := time.Now().Add(o.ackWait)
	if err := o.registry.MarkDispatched(req.RunID, req.TaskID, workerID, req.DispatchID, ackDeadline); err != nil {
		o.log.Error(ctx, "mark dispatched failed", "error", err, "task_id", req.TaskID)
		return
	}
	o.startAckTimer(ctx, req)
}

func (o *Orchestrator) startAckTimer(ctx context.Context, req registry.DispatchRequest) {
	timer := time.AfterFunc(o.ackWait, func() {
		o.onAckTimeout(ctx, req)
	})
	o.mu.Lock()
	o.timers[req.DispatchID] = timer
	o.mu.Unlock()
}

// RegisterAck cancels the ack-deadline timer for dispatchID; called by the
// session layer when `control.ack` arrives for it.
func (o *Orchestrator) RegisterAck(runID, taskID, dispatchID string) {
	o.mu.Lock()
	timer, ok := o.timers[dispatchID]
	if ok {
		delete(o.timers, dispatchID)
	}
	o.mu.Unlock()
	if ok {
		timer.Stop()
	}
	_ = o.registry.MarkAcknowledged(runID, taskID)
}

func (o *Orchestrator) onAckTimeout(ctx context.Context, req registry.DispatchRequest) {
	o.mu.Lock()
	delete(o.timers, req.DispatchID)
	o.mu.Unlock()

	ready, err := o.registry.ResetAfterAckTimeout(req.RunID, req.TaskID)
	if err != nil {
		return
	}
	o.Enqueue(ready...)
}

func (o *Orchestrator) retryOrFail(ctx context.Context, req registry.DispatchRequest, reason string) {
	req.Attempts++
	if o.policy.Exhausted(req.Attempts) {
		if o.metrics.unavailable != nil {
			o.metrics.unavailable.Add(ctx, 1)
		}
		_ = o.registry.RecordCommandError(req.RunID, req.TaskID, "E.DISPATCH.UNAVAILABLE", reason)
		return
	}
	if o.metrics.retried != nil {
		o.metrics.retried.Add(ctx, 1)
	}
	wait := o.policy.Wait(req.Attempts)
	time.AfterFunc(wait, func() {
		o.Enqueue(req)
	})
}
