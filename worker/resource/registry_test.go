package resource_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/worker/resource"
)

func TestLeaseReleaseTracksInUseCount(t *testing.T) {
	r := resource.New("w-1", "")
	r.Register(resource.RegisterInput{ResourceID: "res-1", Type: "model"})

	h1, err := r.Lease("res-1")
	require.NoError(t, err)
	h2, err := r.Lease("res-1")
	require.NoError(t, err)
	assert.Equal(t, 2, h1.(*resource.Handle).InUse)
	assert.Same(t, h1, h2)

	r.Release("res-1")
	assert.Equal(t, 1, h1.(*resource.Handle).InUse)
	r.Release("res-1")
	assert.Equal(t, 0, h1.(*resource.Handle).InUse)

	// releasing an already-idle or unknown resource is a no-op
	r.Release("res-1")
	r.Release("missing")
}

func TestLeaseUnknownResourceErrors(t *testing.T) {
	r := resource.New("w-1", "")
	_, err := r.Lease("missing")
	assert.Error(t, err)
}

func TestRegisterFileCapturesSizeAndRelativePath(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "sub", "artifact.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o644))

	r := resource.New("w-1", dir)
	h, err := r.RegisterFile("res-1", filePath, "", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, *h.SizeBytes)
	assert.Equal(t, filepath.Join("sub", "artifact.bin"), h.Metadata["relative_path"])
}

func TestReleaseScopeDeletesAllMembers(t *testing.T) {
	r := resource.New("w-1", "")
	r.Register(resource.RegisterInput{ResourceID: "res-1", Type: "file", Scope: "run-1"})
	r.Register(resource.RegisterInput{ResourceID: "res-2", Type: "file", Scope: "run-1"})
	r.Register(resource.RegisterInput{ResourceID: "res-3", Type: "file", Scope: "run-2"})

	r.ReleaseScope("run-1")

	assert.Len(t, r.List("", ""), 1)
	assert.Len(t, r.List("run-2", ""), 1)
	assert.Empty(t, r.List("run-1", ""))
}

func TestGCRemovesOnlyIdleExpiredResources(t *testing.T) {
	r := resource.New("w-1", "")
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	r.Register(resource.RegisterInput{ResourceID: "expired-idle", Type: "file", ExpiresAt: &past})
	r.Register(resource.RegisterInput{ResourceID: "expired-busy", Type: "file", ExpiresAt: &past})
	r.Register(resource.RegisterInput{ResourceID: "fresh", Type: "file", ExpiresAt: &future})

	_, err := r.Lease("expired-busy")
	require.NoError(t, err)

	removed := r.GC(time.Now())
	assert.ElementsMatch(t, []string{"expired-idle"}, removed)
	assert.Len(t, r.List("", ""), 2)
}

func TestToArtifactDescriptorIncludesSizeAndMetadata(t *testing.T) {
	r := resource.New("w-1", "")
	size := int64(42)
	r.Register(resource.RegisterInput{
		ResourceID: "res-1", Type: "file", Path: "/data/res-1.bin",
		Metadata: map[string]any{"content_type": "application/json"}, SizeBytes: &size,
	})

	inline := true
	desc, err := r.ToArtifactDescriptor("res-1", &inline)
	require.NoError(t, err)
	assert.Equal(t, "res-1", desc["resource_id"])
	assert.Equal(t, "w-1", desc["worker_id"])
	assert.Equal(t, int64(42), desc["size_bytes"])
	assert.Equal(t, true, desc["inline"])
	meta := desc["metadata"].(map[string]any)
	assert.Equal(t, "/data/res-1.bin", meta["path"])
	assert.Equal(t, "application/json", meta["content_type"])
}
