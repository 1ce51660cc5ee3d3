package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/core/internal/telemetry"
	"github.com/flowmesh/core/pkg/envelope"
)

// Sender is the narrow outbound surface the pipeline needs from a session
// client: worker/session.Client satisfies it directly.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) error
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

func WithResourceLeaser(r ResourceLeaser) Option { return func(p *Pipeline) { p.resources = r } }
func WithNextCaller(n NextCaller) Option         { return func(p *Pipeline) { p.next = n } }
func WithLogger(l telemetry.Logger) Option       { return func(p *Pipeline) { p.log = l } }

// Pipeline is the worker's dispatch-handling half: one HandleDispatch call
// per incoming biz.exec.dispatch frame, routed onto a per-node-type queue
// and run through concurrency guarding, resource leasing, and the
// configured Runner. Grounded on `biz_handlers.DispatchHandler`.
type Pipeline struct {
	cfg Config

	tenant      string
	instanceID  string
	dataDirRoot string

	runner    Runner
	sender    Sender
	resources ResourceLeaser
	next      NextCaller
	guard     *ConcurrencyGuard
	log       telemetry.Logger

	inflightSem chan struct{}
	baseCtx     context.Context
	cancelBase  context.CancelFunc

	mu     sync.Mutex
	queues map[string]*typeQueue
}

// NewPipeline builds a Pipeline. dataDirRoot is the worker-local root
// directory a dispatch's per-task scratch directory is created under.
func NewPipeline(tenant, instanceID, dataDirRoot string, runner Runner, sender Sender, cfg Config, opts ...Option) *Pipeline {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:         cfg,
		tenant:      tenant,
		instanceID:  instanceID,
		dataDirRoot: dataDirRoot,
		runner:      runner,
		sender:      sender,
		guard:       NewConcurrencyGuard(),
		log:         telemetry.NoopLogger{},
		inflightSem: make(chan struct{}, cfg.MaxInflight),
		baseCtx:     ctx,
		cancelBase:  cancel,
		queues:      make(map[string]*typeQueue),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close cancels every in-flight and queued dispatch's execution context,
// the Go analogue of `cancel_dispatch_tasks`. It does not wait for queue
// goroutines to exit.
func (p *Pipeline) Close() {
	p.cancelBase()
}

// HandleDispatch decodes a biz.exec.dispatch envelope and enqueues it on
// its node type's queue, returning once enqueued (or rejected by the
// overflow policy) rather than once it has run.
func (p *Pipeline) HandleDispatch(ctx context.Context, env envelope.Envelope) error {
	var d envelope.ExecDispatchPayload
	if err := envelope.DecodePayload(env, &d); err != nil {
		return fmt.Errorf("dispatch: decode exec dispatch payload: %w", err)
	}
	return p.enqueue(job{dispatch: d, corrID: env.ID})
}

func (p *Pipeline) enqueue(j job) error {
	p.mu.Lock()
	q, ok := p.queues[j.dispatch.NodeType]
	if !ok || q.stopped {
		q = newTypeQueue(p, j.dispatch.NodeType)
		p.queues[j.dispatch.NodeType] = q
		go q.run()
	}
	err := q.submitLocked(j)
	p.mu.Unlock()
	return err
}

// processDispatch runs one dispatch to completion: concurrency guard,
// resource lease, runner invocation, result or error emission. Mirrors
// `_default_command_handler`.
func (p *Pipeline) processDispatch(ctx context.Context, d envelope.ExecDispatchPayload, corrID string) error {
	if p.runner == nil {
		p.log.Debug(ctx, "dispatch: runner not configured, dropping dispatch", "node_type", d.NodeType)
		return nil
	}

	release, acquired := p.guard.Acquire(d.ConcurrencyKey)
	if !acquired {
		p.log.Warn(ctx, "dispatch: concurrency key already in flight, rejecting", "concurrency_key", d.ConcurrencyKey)
		p.sendCommandError(ctx, d, corrID, "E.CMD.CONCURRENCY_VIOLATION",
			fmt.Sprintf("concurrency key %s already running", d.ConcurrencyKey), "worker.concurrency")
		return nil
	}
	defer release()
	defer p.cancelPendingNext(d)

	leased, err := p.leaseResources(d)
	if err != nil {
		p.log.Warn(ctx, "dispatch: resource lease failed", "error", err)
		p.sendCommandError(ctx, d, corrID, "E.RESOURCE.MISSING", err.Error(), "worker.resources")
		return nil
	}
	defer p.releaseResources(leased)

	execCtx := p.buildExecutionContext(d, leased)

	start := time.Now()
	result, runErr := p.runner.Execute(ctx, execCtx, d.NodeType)
	duration := time.Since(start)

	if ctx.Err() != nil {
		p.log.Warn(ctx, "dispatch: task cancelled", "run_id", d.RunID, "task_id", d.TaskID)
		p.interruptPendingNext(d)
		p.sendCommandError(ctx, d, corrID, "E.RUNNER.CANCELLED", "task cancelled", "worker.runner")
		return ctx.Err()
	}
	if runErr != nil {
		p.log.Error(ctx, "dispatch: runner execution failed", "error", runErr)
		p.sendCommandError(ctx, d, corrID, "E.RUNNER.FAILURE", runErr.Error(), "worker.runner")
		return runErr
	}

	return p.sendResult(ctx, d, result, duration, execCtx.Metadata, corrID)
}

func (p *Pipeline) cancelPendingNext(d envelope.ExecDispatchPayload) {
	if p.next != nil {
		p.next.CancelPendingForTask(d.RunID, d.TaskID)
	}
}

func (p *Pipeline) interruptPendingNext(d envelope.ExecDispatchPayload) {
	if p.next != nil {
		p.next.InterruptPending(d.RunID, d.TaskID, "next_cancelled", "task cancelled")
	}
}

func (p *Pipeline) leaseResources(d envelope.ExecDispatchPayload) (map[string]any, error) {
	leased := map[string]any{}
	if p.resources == nil || len(d.ResourceRefs) == 0 {
		return leased, nil
	}
	for _, ref := range d.ResourceRefs {
		h, err := p.resources.Lease(ref)
		if err != nil {
			for id := range leased {
				p.resources.Release(id)
			}
			return nil, fmt.Errorf("resource %s missing on worker: %w", ref, err)
		}
		leased[ref] = h
	}
	return leased, nil
}

func (p *Pipeline) releaseResources(leased map[string]any) {
	if p.resources == nil {
		return
	}
	for id := range leased {
		p.resources.Release(id)
	}
}

func (p *Pipeline) buildExecutionContext(d envelope.ExecDispatchPayload, leased map[string]any) *ExecutionContext {
	metadata := map[string]any{}
	if d.ConcurrencyKey != "" {
		metadata["concurrency_key"] = d.ConcurrencyKey
	}
	if d.Constraints != nil {
		metadata["constraints"] = d.Constraints
	}
	if d.HostNodeID != "" {
		metadata["host_node_id"] = d.HostNodeID
	}
	if len(d.MiddlewareChain) > 0 {
		metadata["middleware_chain"] = d.MiddlewareChain
	}
	if d.ChainIndex != nil {
		metadata["chain_index"] = *d.ChainIndex
	}
	if len(d.Affinity) > 0 {
		metadata["affinity"] = d.Affinity
	}

	execCtx := &ExecutionContext{
		RunID:           d.RunID,
		TaskID:          d.TaskID,
		NodeID:          d.NodeID,
		PackageName:     d.PackageName,
		PackageVersion:  d.PackageVersion,
		Tenant:          p.tenant,
		Params:          d.Parameters,
		DataDir:         filepath.Join(p.dataDirRoot, d.RunID, sanitizePathSegment(d.TaskID)),
		HostNodeID:      d.HostNodeID,
		MiddlewareChain: d.MiddlewareChain,
		ChainIndex:      d.ChainIndex,
		Metadata:        metadata,
		ResourceRefs:    d.ResourceRefs,
		LeasedResources: leased,
		Feedback:        newFeedbackPublisher(p.sender, p.tenant, p.instanceID, d.RunID, d.TaskID),
	}
	if p.next != nil && d.HostNodeID != "" {
		chainIndex := 0
		if d.ChainIndex != nil {
			chainIndex = *d.ChainIndex
		}
		execCtx.Next = func(ctx context.Context, payload any) (any, error) {
			return p.next.Call(ctx, NextCallRequest{
				RunID:        d.RunID,
				TaskID:       d.TaskID,
				HostNodeID:   d.HostNodeID,
				MiddlewareID: d.NodeID,
				ChainIndex:   chainIndex,
				Payload:      payload,
			})
		}
	}
	return execCtx
}

// sanitizePathSegment strips characters unsafe in a filesystem path
// segment, the Go analogue of `_sanitize_path_segment`.
func sanitizePathSegment(segment string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, segment)
	cleaned = strings.Trim(cleaned, ". ")
	if cleaned == "" {
		return "task"
	}
	return cleaned
}

func (p *Pipeline) sendResult(ctx context.Context, d envelope.ExecDispatchPayload, result RunnerResult, duration time.Duration, ctxMetadata map[string]any, corrID string) error {
	metadata := map[string]any{}
	for k, v := range ctxMetadata {
		metadata[k] = v
	}
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	env, err := envelope.Build(envelope.TypeExecResult, p.tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: p.instanceID},
		envelope.ExecResultPayload{
			RunID:      d.RunID,
			TaskID:     d.TaskID,
			Status:     string(NormalizeStatus(result.Status)),
			Result:     result.Outputs,
			DurationMs: duration.Milliseconds(),
			Metadata:   metadata,
			Artifacts:  result.Artifacts,
		}, envelope.WithCorr(corrID))
	if err != nil {
		return fmt.Errorf("dispatch: build exec result envelope: %w", err)
	}
	return p.sender.Send(ctx, env)
}

func (p *Pipeline) sendCommandError(ctx context.Context, d envelope.ExecDispatchPayload, corrID, code, message, where string) {
	env, err := envelope.Build(envelope.TypeExecError, p.tenant,
		envelope.Sender{Role: envelope.RoleWorker, ID: p.instanceID},
		envelope.ExecErrorPayload{
			Code:    code,
			Message: message,
			Context: envelope.ErrorContext{
				Where: where,
				Details: map[string]any{
					"run_id": d.RunID, "task_id": d.TaskID, "node_id": d.NodeID,
				},
			},
		}, envelope.WithCorr(corrID))
	if err != nil {
		p.log.Error(ctx, "dispatch: build command error envelope failed", "error", err)
		return
	}
	if err := p.sender.Send(ctx, env); err != nil {
		p.log.Error(ctx, "dispatch: send command error failed", "error", err)
	}
}
