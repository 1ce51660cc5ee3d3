package packages_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/worker/packages"
)

func TestTableSnapshotIsSortedAndStable(t *testing.T) {
	tbl := packages.New()
	tbl.Upsert(envelope.PackageManifest{Name: "zeta", Version: "1.0", Status: "installed"})
	tbl.Upsert(envelope.PackageManifest{Name: "alpha", Version: "2.0", Status: "installed"})
	tbl.Upsert(envelope.PackageManifest{Name: "alpha", Version: "1.0", Status: "installed"})

	snapshot := tbl.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "alpha", snapshot[0].Name)
	assert.Equal(t, "1.0", snapshot[0].Version)
	assert.Equal(t, "alpha", snapshot[1].Name)
	assert.Equal(t, "2.0", snapshot[1].Version)
	assert.Equal(t, "zeta", snapshot[2].Name)

	refs := tbl.Refs()
	require.Len(t, refs, 3)
	assert.Equal(t, envelope.PackageRef{Name: "alpha", Version: "1.0"}, refs[0])
}

func TestTableRemoveAndGet(t *testing.T) {
	tbl := packages.New()
	tbl.Upsert(envelope.PackageManifest{Name: "demo", Version: "1.0", Status: "installed"})

	_, ok := tbl.Get("demo", "1.0")
	assert.True(t, ok)

	tbl.Remove("demo", "1.0")
	_, ok = tbl.Get("demo", "1.0")
	assert.False(t, ok)
}

func TestDiffReportsAddedRemovedChanged(t *testing.T) {
	prev := []envelope.PackageManifest{
		{Name: "demo", Version: "1.0", Status: "installed"},
		{Name: "gone", Version: "1.0", Status: "installed"},
	}
	next := []envelope.PackageManifest{
		{Name: "demo", Version: "1.0", Status: "failed"},
		{Name: "new", Version: "1.0", Status: "installed"},
	}

	d := packages.Diff(prev, next)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "new", d.Added[0].Name)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "gone", d.Removed[0].Name)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, "failed", d.Changed[0].Status)
	assert.False(t, d.Empty())
}

func TestDiffEmptyWhenSnapshotsMatch(t *testing.T) {
	snap := []envelope.PackageManifest{{Name: "demo", Version: "1.0", Status: "installed"}}
	assert.True(t, packages.Diff(snap, snap).Empty())
}
