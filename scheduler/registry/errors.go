package registry

import "errors"

var (
	// ErrRunNotFound is returned when a run id has no RunRecord.
	ErrRunNotFound = errors.New("registry: run not found")
	// ErrNodeNotFound is returned when a node or task id does not resolve.
	ErrNodeNotFound = errors.New("registry: node not found")
	// ErrDispatchNotFound is returned when a dispatch id has no matching
	// pending dispatch.
	ErrDispatchNotFound = errors.New("registry: dispatch not found")
)
