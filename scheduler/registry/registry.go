package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the scheduler's single authoritative in-memory run table,
// guarded by one mutex per spec.md §5 ("Run registry: one mutex guarding the
// entire runs table"). Replaces the original's module-level singleton with
// an explicit struct per SPEC_FULL.md §9's resolved "global manager
// singletons" design note.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*RunRecord
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{runs: make(map[string]*RunRecord)}
}

// CreateRun compiles workflow into a fresh RunRecord, registers it, and
// returns its initial ready set.
func (r *Registry) CreateRun(clientID, tenant string, workflow Workflow) (*RunRecord, []DispatchRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, byNodeID, frameDefs := compile(workflow, compileOptions{})
	record := &RunRecord{
		RunID:          uuid.NewString(),
		DefinitionHash: DefinitionHash(workflow),
		ClientID:       clientID,
		Tenant:         tenant,
		Status:         RunRunning,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
		Workflow:       workflow,
		Nodes:          nodes,
		NodeByID:       byNodeID,
		FrameDefs:      frameDefs,
		EdgeBindings:   buildEdgeBindings(workflow),
	}
	r.runs[record.RunID] = record
	ready := CollectReady(record)
	return record, ready
}

// GetRun returns the RunRecord for runID.
func (r *Registry) GetRun(runID string) (*RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return rec, nil
}

// WithRun runs fn under the registry lock with runID's RunRecord, the only
// way callers may mutate a run's node/frame state (spec.md §5 "All state
// transitions take this lock").
func (r *Registry) WithRun(runID string, fn func(*RunRecord) ([]DispatchRequest, error)) ([]DispatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	ready, err := fn(rec)
	rec.UpdatedAt = time.Now()
	return ready, err
}

// MarkDispatched records dispatch under the registry lock.
func (r *Registry) MarkDispatched(runID, taskID, workerID, dispatchID string, ackDeadline time.Time) error {
	_, err := r.WithRun(runID, func(rec *RunRecord) ([]DispatchRequest, error) {
		node := findNode(rec, taskID)
		if node == nil {
			return nil, ErrNodeNotFound
		}
		MarkDispatched(node, workerID, dispatchID, ackDeadline)
		return nil, nil
	})
	return err
}

// MarkAcknowledged clears pending-ack state under the registry lock.
func (r *Registry) MarkAcknowledged(runID, taskID string) error {
	_, err := r.WithRun(runID, func(rec *RunRecord) ([]DispatchRequest, error) {
		node := findNode(rec, taskID)
		if node == nil {
			return nil, ErrNodeNotFound
		}
		MarkAcknowledged(node)
		return nil, nil
	})
	return err
}

// ResetAfterAckTimeout returns a node to queued under the registry lock and
// returns a fresh dispatch request for that node alone, per spec.md §4.6.
func (r *Registry) ResetAfterAckTimeout(runID, taskID string) ([]DispatchRequest, error) {
	return r.WithRun(runID, func(rec *RunRecord) ([]DispatchRequest, error) {
		node := findNode(rec, taskID)
		if node == nil {
			return nil, ErrNodeNotFound
		}
		ResetAfterAckTimeout(node)
		return buildDispatchRequests(rec, []*NodeState{node}), nil
	})
}

// RecordResult applies a worker result under the registry lock.
func (r *Registry) RecordResult(runID, taskID string, in RecordResultInput) ([]DispatchRequest, error) {
	return r.WithRun(runID, func(rec *RunRecord) ([]DispatchRequest, error) {
		return RecordResult(rec, taskID, in)
	})
}

// RecordCommandError marks a node (and its run/frame) failed under the
// registry lock.
func (r *Registry) RecordCommandError(runID, taskID, code, message string) error {
	_, err := r.WithRun(runID, func(rec *RunRecord) ([]DispatchRequest, error) {
		RecordCommandError(rec, taskID, code, message)
		return nil, nil
	})
	return err
}

// CancelRun cancels an entire run under the registry lock.
func (r *Registry) CancelRun(runID string) error {
	_, err := r.WithRun(runID, func(rec *RunRecord) ([]DispatchRequest, error) {
		CancelRun(rec)
		return nil, nil
	})
	return err
}
