package registry

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/flowmesh/core/pkg/valuetree"
)

// DefinitionHash computes the stable content hash of a workflow snapshot:
// SHA-256 over the canonical JSON form (sorted keys, no insignificant
// whitespace), per spec.md §9's resolved open question. Equal snapshots
// produce byte-for-byte equal hashes.
func DefinitionHash(workflow Workflow) string {
	tree := workflowToTree(workflow)
	sum := sha256.Sum256(tree.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

func workflowToTree(workflow Workflow) valuetree.Node {
	nodes := make([]any, 0, len(workflow.Nodes))
	for _, n := range workflow.Nodes {
		middlewares := make([]any, 0, len(n.Middlewares))
		for _, mw := range n.Middlewares {
			middlewares = append(middlewares, map[string]any{
				"id":         mw.ID,
				"type":       mw.Type,
				"package":    map[string]any{"name": mw.Package.Name, "version": mw.Package.Version},
				"parameters": mw.Parameters.ToAny(),
			})
		}
		nodes = append(nodes, map[string]any{
			"id":          n.ID,
			"type":        n.Type,
			"package":     map[string]any{"name": n.Package.Name, "version": n.Package.Version},
			"role":        n.Role,
			"parameters":  n.Parameters.ToAny(),
			"middlewares": middlewares,
		})
	}
	edges := make([]any, 0, len(workflow.Edges))
	for _, e := range workflow.Edges {
		edges = append(edges, map[string]any{
			"source": map[string]any{"node": e.Source.Node, "port": e.Source.Port},
			"target": map[string]any{"node": e.Target.Node, "port": e.Target.Port},
			"source_binding": e.SourceBinding,
			"target_binding": e.TargetBinding,
		})
	}
	subgraphs := make([]any, 0, len(workflow.Subgraphs))
	for _, sg := range workflow.Subgraphs {
		subgraphs = append(subgraphs, map[string]any{"id": sg.ID, "workflow": workflowToTree(sg.Workflow).ToAny()})
	}
	return valuetree.FromAny(map[string]any{
		"id":        workflow.ID,
		"version":   workflow.Version,
		"nodes":     nodes,
		"edges":     edges,
		"subgraphs": subgraphs,
		"metadata":  workflow.Metadata,
	})
}
