// Package resource implements the worker-local resource handle registry
// referenced by a dispatch's resource_refs (spec.md §4.9): register,
// lease, release, scope-wide teardown, and time-based garbage collection
// of idle, expired handles. Grounded on
// `original_source/worker/agent/resource_registry.py`'s `ResourceRegistry`.
package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Handle describes one registered resource: a leased file, session, or
// model kept alive across dispatches on this worker.
type Handle struct {
	ResourceID string
	Type       string
	Scope      string
	Path       string
	Metadata   map[string]any
	SizeBytes  *int64
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	InUse      int
	State      string
}

// IsExpired reports whether the handle's lifetime has elapsed as of now.
// A handle with no ExpiresAt never expires.
func (h *Handle) IsExpired(now time.Time) bool {
	if h.ExpiresAt == nil {
		return false
	}
	return !now.Before(*h.ExpiresAt)
}

// Registry tracks reusable resources for worker packages, keyed by
// resource id and indexed by an optional scope for bulk teardown.
type Registry struct {
	workerID string
	baseDir  string

	mu         sync.Mutex
	handles    map[string]*Handle
	scopeIndex map[string]map[string]struct{}
}

// New constructs an empty Registry. baseDir, if set, is used to compute a
// relative_path metadata entry for files registered under it.
func New(workerID, baseDir string) *Registry {
	return &Registry{
		workerID:   workerID,
		baseDir:    baseDir,
		handles:    make(map[string]*Handle),
		scopeIndex: make(map[string]map[string]struct{}),
	}
}

// WorkerID returns the worker id this registry's handles are pinned to.
func (r *Registry) WorkerID() string { return r.workerID }

// RegisterInput is the set of fields Register accepts.
type RegisterInput struct {
	ResourceID string
	Type       string
	Scope      string
	Path       string
	Metadata   map[string]any
	SizeBytes  *int64
	ExpiresAt  *time.Time
}

// Register adds a new resource entry, replacing any existing entry with
// the same id.
func (r *Registry) Register(in RegisterInput) *Handle {
	h := &Handle{
		ResourceID: in.ResourceID,
		Type:       in.Type,
		Scope:      in.Scope,
		Path:       in.Path,
		Metadata:   cloneMeta(in.Metadata),
		SizeBytes:  in.SizeBytes,
		CreatedAt:  time.Now(),
		ExpiresAt:  in.ExpiresAt,
		State:      "active",
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[in.ResourceID] = h
	if in.Scope != "" {
		if r.scopeIndex[in.Scope] == nil {
			r.scopeIndex[in.Scope] = make(map[string]struct{})
		}
		r.scopeIndex[in.Scope][in.ResourceID] = struct{}{}
	}
	return h
}

// RegisterFile registers a file already on disk, capturing its size and
// path metadata (and a relative_path entry, if baseDir contains it).
func (r *Registry) RegisterFile(resourceID, filePath, scope string, metadata map[string]any, expiresAt *time.Time) (*Handle, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resource: resolve path %q: %w", filePath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("resource: file %s not found: %w", abs, err)
	}
	meta := cloneMeta(metadata)
	if _, ok := meta["path"]; !ok {
		meta["path"] = abs
	}
	if r.baseDir != "" {
		if rel, err := filepath.Rel(r.baseDir, abs); err == nil && !strings.HasPrefix(rel, "..") {
			if _, ok := meta["relative_path"]; !ok {
				meta["relative_path"] = rel
			}
		}
	}
	size := info.Size()
	return r.Register(RegisterInput{
		ResourceID: resourceID, Type: "file", Scope: scope, Path: abs,
		Metadata: meta, SizeBytes: &size, ExpiresAt: expiresAt,
	}), nil
}

// Lease marks resourceID as in-use and returns its handle, implementing
// dispatch.ResourceLeaser.
func (r *Registry) Lease(resourceID string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceID]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", resourceID)
	}
	h.InUse++
	return h, nil
}

// Release drops one lease on resourceID, implementing
// dispatch.ResourceLeaser. Releasing an unknown or already-idle resource
// id is a no-op.
func (r *Registry) Release(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceID]
	if !ok {
		return
	}
	if h.InUse > 0 {
		h.InUse--
	}
}

// MarkEvicted flags a resource as evicted without removing it, so an
// operator inspecting List can tell a deliberately-retired handle from one
// that simply expired. GC does not consult State.
func (r *Registry) MarkEvicted(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[resourceID]; ok {
		h.State = "evicted"
	}
}

// Touch extends or clears a resource's expiry.
func (r *Registry) Touch(resourceID string, expiresAt *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[resourceID]; ok {
		h.ExpiresAt = expiresAt
	}
}

// ReleaseScope deletes every resource registered under scope, regardless
// of lease state.
func (r *Registry) ReleaseScope(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.scopeIndex[scope]
	delete(r.scopeIndex, scope)
	for id := range ids {
		delete(r.handles, id)
	}
}

// List returns the current handles, optionally filtered by scope and/or
// resource type.
func (r *Registry) List(scope, resourceType string) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	if scope != "" {
		for id := range r.scopeIndex[scope] {
			ids = append(ids, id)
		}
	} else {
		for id := range r.handles {
			ids = append(ids, id)
		}
	}
	out := make([]*Handle, 0, len(ids))
	for _, id := range ids {
		h, ok := r.handles[id]
		if !ok {
			continue
		}
		if resourceType != "" && h.Type != resourceType {
			continue
		}
		out = append(out, h)
	}
	return out
}

// GC removes idle, expired resources and returns the ids it removed.
func (r *Registry) GC(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, h := range r.handles {
		if h.InUse == 0 && h.IsExpired(now) {
			removed = append(removed, id)
			delete(r.handles, id)
			if h.Scope != "" {
				if scoped, ok := r.scopeIndex[h.Scope]; ok {
					delete(scoped, id)
					if len(scoped) == 0 {
						delete(r.scopeIndex, h.Scope)
					}
				}
			}
		}
	}
	return removed
}

// ToArtifactDescriptor builds the artifact descriptor map a runner can
// attach to a biz.exec.result's metadata for one of its leased resources.
func (r *Registry) ToArtifactDescriptor(resourceID string, inline *bool) (map[string]any, error) {
	r.mu.Lock()
	h, ok := r.handles[resourceID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("resource %s not found", resourceID)
	}

	descriptor := map[string]any{
		"resource_id": resourceID,
		"worker_id":   r.workerID,
		"type":        h.Type,
	}
	if h.SizeBytes != nil {
		descriptor["size_bytes"] = *h.SizeBytes
	}
	if inline != nil {
		descriptor["inline"] = *inline
	}
	if h.ExpiresAt != nil {
		descriptor["expires_at"] = *h.ExpiresAt
	}
	metadata := cloneMeta(h.Metadata)
	if h.Path != "" {
		if _, ok := metadata["path"]; !ok {
			metadata["path"] = h.Path
		}
	}
	if len(metadata) > 0 {
		descriptor["metadata"] = metadata
	}
	return descriptor, nil
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
