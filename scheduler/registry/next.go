package registry

import "fmt"

// findRunningMiddleware scans every node scope (root graph and every active
// frame) for the middleware instance of hostNodeID/middlewareNodeID. It
// matches on those two ids only and does not check the instance's status,
// per spec.md §4.5 "handle_next_request resolves the
// host and chain by scanning for a node whose middlewares contain the
// requesting middleware".
func findRunningMiddleware(record *RunRecord, hostNodeID, middlewareNodeID string) *NodeState {
	scan := func(scope map[string]*NodeState) *NodeState {
		for _, n := range scope {
			if n.IsMiddleware() && n.HostNodeID == hostNodeID && n.NodeID == middlewareNodeID {
				return n
			}
		}
		return nil
	}
	if n := scan(record.Nodes); n != nil {
		return n
	}
	for _, frame := range record.FrameStack {
		if n := scan(frame.Nodes); n != nil {
			return n
		}
	}
	return nil
}

// ResolveNextTarget finds the next node a biz.exec.next.request should run,
// per spec.md §4.5: middleware `chain_index+1` if it exists in the calling
// middleware's host chain, else the host itself. hostNodeID and
// middlewareNodeID are the bare node ids carried on the wire
// (biz.exec.next.request's `node_id`/`middleware_id`).
func ResolveNextTarget(record *RunRecord, hostNodeID, middlewareNodeID string) (*NodeState, error) {
	mw := findRunningMiddleware(record, hostNodeID, middlewareNodeID)
	if mw == nil {
		return nil, fmt.Errorf("registry: no running middleware %q for host %q", middlewareNodeID, hostNodeID)
	}
	host := findHostNode(record, mw)
	if host == nil {
		return nil, fmt.Errorf("registry: no host found for middleware %q", mw.NodeID)
	}
	nextIdx := mw.ChainIndex + 1
	if nextIdx < len(host.Middlewares) {
		scope := scopeNodes(record, mw.FrameID)
		next, ok := scope[host.Middlewares[nextIdx]]
		if !ok {
			return nil, fmt.Errorf("registry: chain member %q not found", host.Middlewares[nextIdx])
		}
		return next, nil
	}
	return host, nil
}

// PrepareNextDispatch resets target to queued if it was terminal so it can
// re-run within the chain (spec.md §4.5 "if the target is already terminal,
// its state is reset to queued"), then builds its DispatchRequest. A
// container target activates its frame instead of dispatching directly,
// mirroring buildDispatchRequests' container handling in ready.go.
func PrepareNextDispatch(record *RunRecord, target *NodeState) []DispatchRequest {
	if target.Status.IsTerminal() {
		target.Status = StatusQueued
		target.Enqueued = false
	}
	if target.Type == "workflow.container" && len(target.MiddlewareDefs) == 0 {
		def, ok := record.FrameDefs[FrameKey{ParentFrameID: target.FrameID, ContainerNodeID: target.NodeID}]
		if !ok {
			return nil
		}
		target.Status = StatusRunning
		target.Enqueued = true
		frame := activateFrame(record, def)
		ready := CollectReady(record)
		if len(frame.Nodes) == 0 {
			completeFrameIfNeeded(record, frame)
		}
		return ready
	}
	return []DispatchRequest{buildDispatchRequest(record, target)}
}

// NextTarget resolves and prepares the next dispatch for a
// biz.exec.next.request arriving for the middleware middlewareNodeID hosted
// on hostNodeID within runID, returning the freshly ready DispatchRequests
// and the target's task id (for the middleware bridge's pending-request
// table).
func (r *Registry) NextTarget(runID, hostNodeID, middlewareNodeID string) ([]DispatchRequest, string, error) {
	var targetTaskID string
	reqs, err := r.WithRun(runID, func(record *RunRecord) ([]DispatchRequest, error) {
		target, err := ResolveNextTarget(record, hostNodeID, middlewareNodeID)
		if err != nil {
			return nil, err
		}
		targetTaskID = target.TaskID
		return PrepareNextDispatch(record, target), nil
	})
	return reqs, targetTaskID, err
}
