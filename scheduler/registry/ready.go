package registry

// CollectReady gathers every currently dispatchable node in the topmost
// active frame (or the root graph if none), per spec.md §4.4
// "Ready-set collection".
func CollectReady(record *RunRecord) []DispatchRequest {
	scope := record.Nodes
	frameID := ""
	if frame := currentFrame(record); frame != nil {
		scope = frame.Nodes
		frameID = frame.ID
	}
	var candidates []*NodeState
	for _, n := range scope {
		if n.FrameID != frameID {
			continue
		}
		if n.Dispatchable() {
			candidates = append(candidates, n)
		}
	}
	return buildDispatchRequests(record, candidates)
}

// buildDispatchRequests turns newly-dispatchable nodes into DispatchRequests,
// except container nodes, which activate their frame instead of being
// dispatched (spec.md §4.4).
func buildDispatchRequests(record *RunRecord, nodes []*NodeState) []DispatchRequest {
	var out []DispatchRequest
	for _, n := range nodes {
		if n.Type == "workflow.container" && len(n.MiddlewareDefs) == 0 {
			n.Status = StatusRunning
			n.Enqueued = true
			def, ok := record.FrameDefs[FrameKey{ParentFrameID: n.FrameID, ContainerNodeID: n.NodeID}]
			if !ok {
				continue
			}
			frame := activateFrame(record, def)
			out = append(out, CollectReady(record)...)
			if len(frame.Nodes) == 0 {
				completeFrameIfNeeded(record, frame)
			}
			continue
		}
		out = append(out, buildDispatchRequest(record, n))
	}
	return out
}

// buildDispatchRequest materializes a DispatchRequest for node, assigning a
// fresh scheduler-side seq from the run's counter.
func buildDispatchRequest(record *RunRecord, n *NodeState) DispatchRequest {
	record.NextSeq++
	n.Enqueued = true
	req := DispatchRequest{
		RunID:      record.RunID,
		Tenant:     record.Tenant,
		NodeID:     n.NodeID,
		TaskID:     n.TaskID,
		NodeType:   n.Type,
		Package:    n.Package,
		Parameters: n.Parameters,
		Seq:        record.NextSeq,
		DispatchID: newTaskID(),
	}
	if n.IsMiddleware() {
		host := findHostNode(record, n)
		if host != nil {
			req.HostNodeID = host.NodeID
			req.MiddlewareChain = host.Middlewares
		}
		idx := n.ChainIndex
		req.ChainIndex = &idx
	}
	return req
}
