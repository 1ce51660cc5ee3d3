// Package registry holds the scheduler's authoritative in-memory model of
// runs, node states, container frames, and edge bindings, modeled after the
// run_registry component of the original control plane
// (original_source/scheduler/src/scheduler_api/control_plane/run_registry.py)
// but expressed as an explicit Go struct rather than a module of free
// functions over global singletons, per SPEC_FULL.md §9.
package registry

import (
	"time"

	"github.com/flowmesh/core/pkg/valuetree"
)

// NodeStatus is the canonical node lifecycle vocabulary.
type NodeStatus string

const (
	StatusQueued    NodeStatus = "queued"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusCancelled NodeStatus = "cancelled"
	StatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether a node in this status can no longer transition
// (middleware hosts are the one exception, handled explicitly in the
// transition logic rather than here).
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// RunStatus is the top-level run lifecycle.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// PackageRef identifies a package name+version pair a node or middleware is
// bound to.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PortRef addresses a node or middleware port: `node` for a plain node port,
// `mw:{id}:{dir}:{port}` for a middleware port, matching spec.md §4.4.
type PortRef struct {
	Node string
	Port string
}

// Edge is one dependency/data-flow arrow in a Workflow. SourceBinding and
// TargetBinding are JSON-Pointer-style paths rooted at "/parameters" or
// "/results" (e.g. "/results/output"); an edge with either binding empty
// carries dependency ordering only, no data propagation.
type Edge struct {
	Source        PortRef
	Target        PortRef
	SourceBinding string
	TargetBinding string
}

// MiddlewareDef is one entry of a host node's ordered middlewares[].
type MiddlewareDef struct {
	ID         string
	Type       string
	Package    PackageRef
	Parameters valuetree.Node
}

// Node is one entry of a Workflow's nodes[], the immutable input definition.
type Node struct {
	ID          string
	Type        string
	Package     PackageRef
	Parameters  valuetree.Node
	Role        string // "", "middleware", "container", "host"
	Middlewares []MiddlewareDef
}

// Subgraph is a nested workflow referenced by a container node.
type Subgraph struct {
	ID       string
	Workflow Workflow
}

// Workflow is the immutable, per-run input snapshot (spec.md §3).
type Workflow struct {
	ID         string
	Version    string
	Nodes      []Node
	Edges      []Edge
	Subgraphs  []Subgraph
	Metadata   map[string]any
}

// NodeState is the runtime state of one node instance within a run or frame.
type NodeState struct {
	NodeID              string
	TaskID              string
	Type                string
	Package             PackageRef
	Status              NodeStatus
	Parameters          valuetree.Node
	Result              valuetree.Node
	Metadata            map[string]any
	Artifacts           []string
	Dependencies        []string
	Dependents          []string
	PendingDependencies int
	Enqueued            bool
	WorkerID            string
	Seq                 int64
	DispatchID          string
	PendingAck          bool
	AckDeadline         time.Time
	FrameID             string
	Middlewares         []string // task ids of this host's middleware chain, in order
	MiddlewareDefs      []MiddlewareDef
	ChainBlocked        bool

	// Set only on middleware-role NodeStates.
	HostNodeID string
	ChainIndex int

	// ResultSeq and ChunkSeq are the per-node monotonic counters feedback
	// merging assigns to result deltas and streamed chunks (spec.md §4.8).
	ResultSeq int64
	ChunkSeq  int64
}

// IsMiddleware reports whether this NodeState plays the middleware role.
func (n *NodeState) IsMiddleware() bool {
	return n.HostNodeID != ""
}

// IsOutermostMiddleware reports whether this middleware is chain index 0,
// the only one that finalizes its host on completion.
func (n *NodeState) IsOutermostMiddleware() bool {
	return n.IsMiddleware() && n.ChainIndex == 0
}

// Dispatchable reports whether the node is currently eligible for dispatch
// (spec.md §3 NodeState invariant).
func (n *NodeState) Dispatchable() bool {
	return n.Status == StatusQueued && n.PendingDependencies == 0 && !n.Enqueued && !n.ChainBlocked
}

// FrameDefinition is a compiled, not-yet-activated container frame.
type FrameDefinition struct {
	ParentFrameID   string
	ContainerNodeID string
	Subgraph        Workflow
}

// Key identifies a FrameDefinition within a run.
func (d FrameDefinition) Key() FrameKey {
	return FrameKey{ParentFrameID: d.ParentFrameID, ContainerNodeID: d.ContainerNodeID}
}

// FrameKey is the compound key a FrameDefinition is registered under.
type FrameKey struct {
	ParentFrameID   string
	ContainerNodeID string
}

// FrameRuntimeState is an activated frame: a live instantiation of a nested
// workflow, pushed on the run's frame stack.
type FrameRuntimeState struct {
	ID              string
	ContainerNodeID string
	ParentFrameID   string
	Nodes           map[string]*NodeState
	EdgeBindings    map[string][]EdgeBinding // keyed by source node id
}

// EdgeBinding is a compiled source-to-target data propagation rule (spec.md
// §3).
type EdgeBinding struct {
	SourceRoot string // "parameters" | "results"
	SourcePath []string
	TargetNode string
	TargetRoot string
	TargetPath []string
}

// DispatchRequest is a value object queued to the dispatch orchestrator.
type DispatchRequest struct {
	RunID             string
	Tenant            string
	NodeID            string
	TaskID            string
	NodeType          string
	Package           PackageRef
	Parameters        valuetree.Node
	ResourceRefs      []string
	Affinity          map[string]string
	ConcurrencyKey    string
	Seq               int64
	PreferredWorkerID string
	Attempts          int
	DispatchID        string
	AckDeadline       time.Time
	HostNodeID        string
	MiddlewareChain   []string
	ChainIndex        *int
}

// RunRecord is the authoritative record for one run.
type RunRecord struct {
	RunID          string
	DefinitionHash string
	ClientID       string
	Tenant         string
	Status         RunStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Error          *RunError

	Workflow Workflow
	Nodes    map[string]*NodeState // keyed by task id, root graph only
	NodeByID map[string]*NodeState // keyed by node id, root graph only (non-frame)

	FrameDefs  map[FrameKey]FrameDefinition
	FrameStack []*FrameRuntimeState

	EdgeBindings map[string][]EdgeBinding // keyed by source node id

	NextSeq int64
}

// RunError is the run's terminal error, if any.
type RunError struct {
	Code    string
	Message string
}
