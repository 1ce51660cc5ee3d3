package registry

import (
	"time"

	"github.com/flowmesh/core/pkg/valuetree"
)

// scopeNodes returns the node map a task id's dependents/bindings resolve
// against: the run's root graph, or the frame it belongs to.
func scopeNodes(record *RunRecord, frameID string) map[string]*NodeState {
	if frameID == "" {
		return record.Nodes
	}
	for _, frame := range record.FrameStack {
		if frame.ID == frameID {
			return frame.Nodes
		}
	}
	return nil
}

// MarkDispatched records that node has been sent to worker under dispatchID,
// per spec.md §4.4.
func MarkDispatched(node *NodeState, workerID, dispatchID string, ackDeadline time.Time) {
	node.Status = StatusRunning
	node.WorkerID = workerID
	node.DispatchID = dispatchID
	node.PendingAck = true
	node.AckDeadline = ackDeadline
	node.Enqueued = true
}

// MarkAcknowledged clears the pending-ack state once the worker has
// confirmed receipt.
func MarkAcknowledged(node *NodeState) {
	node.PendingAck = false
	node.AckDeadline = time.Time{}
}

// ResetAfterAckTimeout returns node to queued so the orchestrator can retry,
// per spec.md §4.4 and §4.6.
func ResetAfterAckTimeout(node *NodeState) {
	node.Status = StatusQueued
	node.Enqueued = false
	node.PendingAck = false
	node.AckDeadline = time.Time{}
	node.WorkerID = ""
	node.DispatchID = ""
}

// normaliseStatus maps a wire status string onto the canonical vocabulary.
func normaliseStatus(s string) NodeStatus {
	switch NodeStatus(s) {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped, StatusRunning, StatusQueued:
		return NodeStatus(s)
	default:
		return StatusFailed
	}
}

// RecordResultInput is the decoded payload of a biz.exec.result envelope.
type RecordResultInput struct {
	Status     string
	Result     valuetree.Node
	Metadata   map[string]any
	Artifacts  []string
}

// RecordResult applies a worker's result to the node identified by taskID,
// merges its edge bindings, and releases newly-ready dependents, per
// spec.md §4.4. It returns the freshly dispatchable DispatchRequests.
func RecordResult(record *RunRecord, taskID string, in RecordResultInput) ([]DispatchRequest, error) {
	node := findNode(record, taskID)
	if node == nil {
		return nil, ErrNodeNotFound
	}

	status := normaliseStatus(in.Status)
	node.Status = status
	node.Enqueued = false
	node.PendingAck = false
	if in.Result.Kind() != valuetree.Null {
		node.Result = in.Result
	}
	for k, v := range in.Metadata {
		node.Metadata[k] = v
	}
	node.Artifacts = append(node.Artifacts, in.Artifacts...)

	if status != StatusSucceeded {
		return handleNonSuccess(record, node, status)
	}

	bindings := record.EdgeBindings[node.NodeID]
	if node.FrameID != "" {
		if frame := frameByID(record, node.FrameID); frame != nil {
			bindings = frame.EdgeBindings[node.NodeID]
		}
	}
	applyEdgeBindings(bindings, node, func(id string) *NodeState {
		return scopeNodes(record, node.FrameID)[idToTaskID(node.FrameID, id)]
	})

	var ready []*NodeState
	if node.IsMiddleware() {
		ready = append(ready, resumeMiddlewareHost(record, node)...)
	} else if len(node.Middlewares) == 0 {
		// A host with a middleware chain leaves its dependents to the
		// outermost middleware's completion (resumeMiddlewareHost).
		ready = append(ready, releaseDependents(record, node)...)
	}

	if node.FrameID != "" {
		if frame := frameByID(record, node.FrameID); frame != nil {
			completeFrameIfNeeded(record, frame)
		}
	}

	return buildDispatchRequests(record, ready), nil
}

func handleNonSuccess(record *RunRecord, node *NodeState, status NodeStatus) ([]DispatchRequest, error) {
	if node.FrameID != "" {
		if frame := frameByID(record, node.FrameID); frame != nil {
			completeFrameIfNeeded(record, frame)
		}
		return nil, nil
	}
	record.Status = RunFailed
	record.Error = &RunError{Code: "E.RUNNER.FAILURE", Message: "node " + node.NodeID + " ended " + string(status)}
	return nil, nil
}

// RecordCommandError marks a node failed from a biz.exec.error and fails the
// owning run (or frame), per spec.md §4.4 record_command_error.
func RecordCommandError(record *RunRecord, taskID, code, message string) {
	node := findNode(record, taskID)
	if node == nil {
		return
	}
	node.Status = StatusFailed
	node.Enqueued = false
	node.Metadata["error_code"] = code
	node.Metadata["error_message"] = message

	if node.FrameID != "" {
		if frame := frameByID(record, node.FrameID); frame != nil {
			completeFrameIfNeeded(record, frame)
		}
		return
	}
	record.Status = RunFailed
	record.Error = &RunError{Code: code, Message: message}
}

// CancelRun cancels every non-terminal node in the run and in every active
// frame, per spec.md §5 "Cancellation".
func CancelRun(record *RunRecord) {
	if record.Status != RunFailed {
		record.Status = RunCancelled
	}
	for _, n := range record.Nodes {
		cancelIfNonTerminal(n)
	}
	for _, frame := range record.FrameStack {
		for _, n := range frame.Nodes {
			cancelIfNonTerminal(n)
		}
	}
}

func cancelIfNonTerminal(n *NodeState) {
	if !n.Status.IsTerminal() {
		n.Status = StatusCancelled
		n.PendingDependencies = 0
		n.Enqueued = false
	}
}

// releaseDependents decrements pending_dependencies on every dependent of
// node and collects those that become dispatchable, per spec.md §4.4
// record_result.
func releaseDependents(record *RunRecord, node *NodeState) []*NodeState {
	scope := scopeNodes(record, node.FrameID)
	var ready []*NodeState
	for _, depTaskID := range node.Dependents {
		dep, ok := scope[depTaskID]
		if !ok {
			continue
		}
		if dep.PendingDependencies > 0 {
			dep.PendingDependencies--
		}
		if dep.ChainBlocked {
			continue
		}
		if dep.PendingDependencies == 0 && !dep.Enqueued && dep.Status == StatusQueued {
			// Only a first-chain-index middleware (or a plain node) becomes
			// auto-dispatchable this way; a middleware at chain_index > 0
			// is released explicitly via resumeMiddlewareHost/next(), not
			// by upstream dependency release.
			if dep.IsMiddleware() && dep.ChainIndex > 0 {
				continue
			}
			ready = append(ready, dep)
		}
	}
	return ready
}

// resumeMiddlewareHost handles a completed middleware: it flips back to
// queued (reusable) and, if outermost, finalizes the host and releases its
// dependents, per spec.md §4.4.
func resumeMiddlewareHost(record *RunRecord, mw *NodeState) []*NodeState {
	mw.Status = StatusQueued
	if !mw.IsOutermostMiddleware() {
		return nil
	}
	host := findHostNode(record, mw)
	if host == nil {
		return nil
	}
	host.Status = StatusSucceeded
	host.ChainBlocked = false
	bindings := record.EdgeBindings[host.NodeID]
	if host.FrameID != "" {
		if frame := frameByID(record, host.FrameID); frame != nil {
			bindings = frame.EdgeBindings[host.NodeID]
		}
	}
	applyEdgeBindings(bindings, host, func(id string) *NodeState {
		return scopeNodes(record, host.FrameID)[idToTaskID(host.FrameID, id)]
	})
	return releaseDependents(record, host)
}

func findHostNode(record *RunRecord, mw *NodeState) *NodeState {
	scope := scopeNodes(record, mw.FrameID)
	for _, n := range scope {
		if n.NodeID == mw.HostNodeID && !n.IsMiddleware() {
			return n
		}
	}
	return nil
}

func findNode(record *RunRecord, taskID string) *NodeState {
	if n, ok := record.Nodes[taskID]; ok {
		return n
	}
	for _, frame := range record.FrameStack {
		if n, ok := frame.Nodes[taskID]; ok {
			return n
		}
	}
	return nil
}

func frameByID(record *RunRecord, frameID string) *FrameRuntimeState {
	for _, frame := range record.FrameStack {
		if frame.ID == frameID {
			return frame
		}
	}
	return nil
}

// idToTaskID resolves a bare node id to its scoped task id.
func idToTaskID(frameID, nodeID string) string {
	if frameID == "" {
		return nodeID
	}
	return frameID + "::" + nodeID
}
