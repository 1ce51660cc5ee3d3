package registry

import "github.com/flowmesh/core/pkg/valuetree"

// activateFrame instantiates def as a live FrameRuntimeState, clones its
// nested workflow into namespaced NodeStates, and pushes it on the run's
// frame stack (spec.md §4.4 "Container frames").
func activateFrame(record *RunRecord, def FrameDefinition) *FrameRuntimeState {
	frameID := newTaskID()
	nodes, _, nestedFrames := compile(def.Subgraph, compileOptions{frameID: frameID})
	for key, nested := range nestedFrames {
		record.FrameDefs[FrameKey{ParentFrameID: frameID, ContainerNodeID: key.ContainerNodeID}] = nested
	}
	frame := &FrameRuntimeState{
		ID:              frameID,
		ContainerNodeID: def.ContainerNodeID,
		ParentFrameID:   def.ParentFrameID,
		Nodes:           nodes,
		EdgeBindings:    buildEdgeBindings(def.Subgraph),
	}
	record.FrameStack = append(record.FrameStack, frame)
	return frame
}

// currentFrame returns the topmost active frame, or nil if the run is
// executing its root graph.
func currentFrame(record *RunRecord) *FrameRuntimeState {
	if len(record.FrameStack) == 0 {
		return nil
	}
	return record.FrameStack[len(record.FrameStack)-1]
}

// popFrame removes the topmost frame from the stack. Caller must have
// already finalized its container node.
func popFrame(record *RunRecord) {
	if len(record.FrameStack) == 0 {
		return
	}
	record.FrameStack = record.FrameStack[:len(record.FrameStack)-1]
}

// frameIsTerminal reports whether every node in frame has reached a
// terminal status.
func frameIsTerminal(frame *FrameRuntimeState) bool {
	for _, n := range frame.Nodes {
		if !n.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// frameFailed reports whether any node in frame ended failed or cancelled.
func frameFailed(frame *FrameRuntimeState) bool {
	for _, n := range frame.Nodes {
		if n.Status == StatusFailed || n.Status == StatusCancelled {
			return true
		}
	}
	return false
}

// completeFrameIfNeeded checks whether the topmost frame has finished (every
// node terminal) or has a failed or cancelled node and, if so, finalizes its
// container node and pops the frame; on failure the frame's remaining
// non-terminal nodes are cancelled.
func completeFrameIfNeeded(record *RunRecord, frame *FrameRuntimeState) {
	if !frameIsTerminal(frame) && !frameFailed(frame) {
		return
	}
	container := findContainerNode(record, frame.ContainerNodeID, frame.ParentFrameID)
	if container == nil {
		popFrame(record)
		return
	}
	if frameFailed(frame) {
		container.Status = StatusFailed
		cancelQueuedFrameNodes(frame)
	} else {
		container.Status = StatusSucceeded
		container.Result = frameSurfaceResult(frame)
		releaseDependents(record, container)
	}
	popFrame(record)
}

// findContainerNode resolves the NodeState for a container node, looking in
// the run's root graph or the parent frame that owns it.
func findContainerNode(record *RunRecord, containerNodeID, parentFrameID string) *NodeState {
	if parentFrameID == "" {
		return record.NodeByID[containerNodeID]
	}
	for _, frame := range record.FrameStack {
		if frame.ID == parentFrameID {
			for _, n := range frame.Nodes {
				if n.NodeID == containerNodeID {
					return n
				}
			}
		}
	}
	return nil
}

// frameSurfaceResult mirrors a completed frame's observable result: the
// result trees of its terminal nodes with no outstanding dependents,
// i.e. the frame's "leaf" outputs.
func frameSurfaceResult(frame *FrameRuntimeState) valuetree.Node {
	fields := make(map[string]valuetree.Node, len(frame.Nodes))
	for _, n := range frame.Nodes {
		if len(n.Dependents) == 0 {
			fields[n.NodeID] = n.Result
		}
	}
	return valuetree.NewMap(fields)
}

func cancelQueuedFrameNodes(frame *FrameRuntimeState) {
	for _, n := range frame.Nodes {
		if !n.Status.IsTerminal() {
			n.Status = StatusCancelled
			n.PendingDependencies = 0
		}
	}
}
