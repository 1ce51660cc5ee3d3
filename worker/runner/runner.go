package runner

import (
	"context"
	"fmt"

	"github.com/flowmesh/core/worker/dispatch"
)

// Runner resolves a dispatch's (package, version, node type) against a
// Registry and invokes the matching handler, implementing
// dispatch.Runner. The Go analogue of `runner.py`'s `Runner.execute`.
type Runner struct {
	registry *Registry
}

// New builds a Runner delegating to registry.
func New(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// Execute implements dispatch.Runner.
func (r *Runner) Execute(ctx context.Context, execCtx *dispatch.ExecutionContext, nodeType string) (dispatch.RunnerResult, error) {
	descriptor, err := r.registry.Resolve(execCtx.PackageName, execCtx.PackageVersion, nodeType)
	if err != nil {
		return dispatch.RunnerResult{}, err
	}

	raw, err := descriptor.Fn(ctx, execCtx)
	if err != nil {
		return dispatch.RunnerResult{}, err
	}
	if raw == nil {
		return dispatch.RunnerResult{}, fmt.Errorf("runner: handler %s@%s:%s returned a nil result", descriptor.Package, descriptor.Version, descriptor.Handler)
	}

	return normalizeResult(raw), nil
}

// normalizeResult ports `Runner.execute`'s result coercion: status
// defaults to "succeeded", and when the handler doesn't set an explicit
// outputs map, every top-level key other than status/metadata/artifacts
// becomes an output.
func normalizeResult(raw map[string]any) dispatch.RunnerResult {
	status, _ := raw["status"].(string)
	if status == "" {
		status = string(dispatch.StatusSucceeded)
	}

	var metadata map[string]any
	if m, ok := raw["metadata"].(map[string]any); ok {
		metadata = m
	}

	var artifacts []string
	if list, ok := raw["artifacts"].([]string); ok {
		artifacts = list
	} else if list, ok := raw["artifacts"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				artifacts = append(artifacts, s)
			}
		}
	}

	outputs, hasOutputs := raw["outputs"]
	if !hasOutputs {
		leftover := make(map[string]any, len(raw))
		for k, v := range raw {
			if k == "status" || k == "metadata" || k == "artifacts" {
				continue
			}
			leftover[k] = v
		}
		outputs = leftover
	}

	return dispatch.RunnerResult{
		Status:    status,
		Outputs:   outputs,
		Metadata:  metadata,
		Artifacts: artifacts,
	}
}
