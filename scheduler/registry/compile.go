package registry

import (
	"github.com/google/uuid"

	"github.com/flowmesh/core/pkg/valuetree"
)

// compileOptions parameterizes compile so it can build both the root graph
// and a frame's nested graph with the same logic, namespacing task ids by
// frameID when non-empty.
type compileOptions struct {
	frameID string
}

// compile builds NodeStates for workflow and wires dependency counts,
// middleware chain blocking, and container frame definitions, per spec.md
// §4.4 "Compilation".
func compile(workflow Workflow, opts compileOptions) (nodes map[string]*NodeState, byNodeID map[string]*NodeState, frames map[FrameKey]FrameDefinition) {
	nodes = make(map[string]*NodeState, len(workflow.Nodes))
	byNodeID = make(map[string]*NodeState, len(workflow.Nodes))
	frames = make(map[FrameKey]FrameDefinition)

	taskID := func(nodeID string) string {
		if opts.frameID == "" {
			return nodeID
		}
		return opts.frameID + "::" + nodeID
	}

	for _, n := range workflow.Nodes {
		state := &NodeState{
			NodeID:     n.ID,
			TaskID:     taskID(n.ID),
			Type:       n.Type,
			Package:    n.Package,
			Status:     StatusQueued,
			Parameters: n.Parameters,
			Result:     valuetree.NewMap(nil),
			Metadata:   map[string]any{},
			FrameID:    opts.frameID,
		}
		if len(n.Middlewares) > 0 {
			state.MiddlewareDefs = n.Middlewares
			state.ChainBlocked = true
		}
		nodes[state.TaskID] = state
		byNodeID[n.ID] = state

		if isContainerNode(n) {
			subgraphID, _ := containerSubgraphID(n)
			for _, sg := range workflow.Subgraphs {
				if sg.ID == subgraphID {
					frames[FrameKey{ParentFrameID: opts.frameID, ContainerNodeID: n.ID}] = FrameDefinition{
						ParentFrameID:   opts.frameID,
						ContainerNodeID: n.ID,
						Subgraph:        sg.Workflow,
					}
					break
				}
			}
		}

		if len(n.Middlewares) == 0 {
			continue
		}
		chainTaskIDs := make([]string, 0, len(n.Middlewares))
		for i, mw := range n.Middlewares {
			mwTaskID := taskID(n.ID) + "#mw#" + mw.ID
			mwState := &NodeState{
				NodeID:       mw.ID,
				TaskID:       mwTaskID,
				Type:         mw.Type,
				Package:      mw.Package,
				Status:       StatusQueued,
				Parameters:   mw.Parameters,
				Result:       valuetree.NewMap(nil),
				Metadata:     map[string]any{"role": "middleware", "host_node_id": n.ID, "chain_index": i},
				FrameID:      opts.frameID,
				HostNodeID:   n.ID,
				ChainIndex:   i,
				ChainBlocked: i > 0,
			}
			nodes[mwTaskID] = mwState
			chainTaskIDs = append(chainTaskIDs, mwTaskID)
		}
		state.Middlewares = chainTaskIDs
	}

	// Wire dependencies from edges.
	for _, e := range workflow.Edges {
		sourceState := resolvePort(byNodeID, nodes, e.Source)
		targetState := resolvePort(byNodeID, nodes, e.Target)
		if sourceState == nil || targetState == nil {
			continue
		}
		addDependency(sourceState, targetState)
	}

	// The chain's first middleware inherits the host's upstream
	// dependencies; each middleware after the first stays chain-blocked
	// until its predecessor runs (set above).
	for _, n := range workflow.Nodes {
		if len(n.Middlewares) == 0 {
			continue
		}
		host := byNodeID[n.ID]
		firstMW := nodes[host.Middlewares[0]]
		if firstMW != nil {
			// The first middleware inherits the host's upstream dependency
			// count; the host's own dependents are preserved for later
			// release by the outermost middleware, not the host itself.
			for _, depTaskID := range host.Dependencies {
				if dep, ok := nodes[depTaskID]; ok {
					addDependency(dep, firstMW)
				}
			}
		}
	}

	return nodes, byNodeID, frames
}

func addDependency(source, target *NodeState) {
	target.Dependencies = append(target.Dependencies, source.TaskID)
	source.Dependents = append(source.Dependents, target.TaskID)
	target.PendingDependencies++
}

func resolvePort(byNodeID map[string]*NodeState, byTaskID map[string]*NodeState, ref PortRef) *NodeState {
	if mwNodeID, _, ok := parseMiddlewarePort(ref.Node); ok {
		// mw:{id}:{dir}:{port} — resolve by scanning for the host carrying
		// this middleware id; done by the caller post-chain-wiring in the
		// common case, but dependency wiring to a bare middleware node id
		// resolves directly once middleware NodeStates exist.
		for _, st := range byTaskID {
			if st.IsMiddleware() && st.NodeID == mwNodeID {
				return st
			}
		}
		return nil
	}
	return byNodeID[ref.Node]
}

// parseMiddlewarePort recognizes the `mw:{id}:{dir}:{port}` port encoding.
func parseMiddlewarePort(node string) (mwID, rest string, ok bool) {
	const prefix = "mw:"
	if len(node) <= len(prefix) || node[:len(prefix)] != prefix {
		return "", "", false
	}
	body := node[len(prefix):]
	for i := 0; i < len(body); i++ {
		if body[i] == ':' {
			return body[:i], body[i+1:], true
		}
	}
	return body, "", true
}

func isContainerNode(n Node) bool {
	return n.Type == "workflow.container"
}

func containerSubgraphID(n Node) (string, bool) {
	v, found := valuetree.Get(n.Parameters, "/__container/subgraphId")
	if !found {
		return "", false
	}
	s, ok := v.ToAny().(string)
	return s, ok
}

// newTaskID mints a fresh id for a synthesized node (frame ids, etc).
func newTaskID() string {
	return uuid.NewString()
}
