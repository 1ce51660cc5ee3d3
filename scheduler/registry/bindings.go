package registry

import (
	"strings"

	"github.com/flowmesh/core/pkg/valuetree"
)

// buildEdgeBindings resolves each workflow edge whose source and target
// ports carry bindings into an EdgeBinding record, per spec.md §4.4. Edges
// without bindings on both ends contribute dependency wiring only and are
// skipped here.
func buildEdgeBindings(workflow Workflow) map[string][]EdgeBinding {
	out := make(map[string][]EdgeBinding)
	for _, e := range workflow.Edges {
		if e.SourceBinding == "" || e.TargetBinding == "" {
			continue
		}
		sourceRoot, sourcePath, ok := splitBindingPath(e.SourceBinding)
		if !ok {
			continue
		}
		targetRoot, targetPath, ok := splitBindingPath(e.TargetBinding)
		if !ok {
			continue
		}
		binding := EdgeBinding{
			SourceRoot: sourceRoot,
			SourcePath: sourcePath,
			TargetNode: e.Target.Node,
			TargetRoot: targetRoot,
			TargetPath: targetPath,
		}
		out[e.Source.Node] = append(out[e.Source.Node], binding)
	}
	return out
}

// splitBindingPath decomposes "/parameters/a/b" into ("parameters", ["a","b"]).
func splitBindingPath(path string) (root string, segments []string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, false
	}
	root = parts[0]
	if root != "parameters" && root != "results" {
		return "", nil, false
	}
	return root, parts[1:], true
}

// applyEdgeBindings copies values out of source's result/parameters tree
// into every dependent bound to it, per spec.md §4.4 record_result. Applying
// the same binding twice with the same source value is idempotent (spec.md
// §8 round-trip law): Set on an unchanged value produces an unchanged tree.
func applyEdgeBindings(bindings []EdgeBinding, source *NodeState, resolveTarget func(nodeID string) *NodeState) {
	for _, b := range bindings {
		target := resolveTarget(b.TargetNode)
		if target == nil {
			continue
		}
		root := source.Result
		if b.SourceRoot == "parameters" {
			root = source.Parameters
		}
		val, found := valuetree.Get(root, joinPointer(b.SourcePath))
		if !found {
			continue
		}
		if b.TargetRoot == "parameters" {
			if updated, err := valuetree.Set(target.Parameters, joinPointer(b.TargetPath), val); err == nil {
				target.Parameters = updated
			}
		} else {
			if updated, err := valuetree.Set(target.Result, joinPointer(b.TargetPath), val); err == nil {
				target.Result = updated
			}
		}
	}
}

func joinPointer(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}
