// Package packages models a worker's installed-package manifest table:
// the set of {name, version, status} triples a worker reports at register
// time and refreshes via heartbeat (spec.md §4.3, §3 WorkerSession.packages
// / manifests). There is no archive download/unpack here — manifests are
// supplied to the worker process via local config (spec.md §4.9's "no
// archive download/unpack, out of scope"). Grounded on
// `original_source/worker/packages/manager.py`'s inventory/manifest
// collection shape, trimmed to the table this implementation keeps.
package packages

import (
	"sort"
	"sync"

	"github.com/flowmesh/core/pkg/envelope"
)

// Table is an in-memory, concurrency-safe set of package manifests keyed
// by name@version.
type Table struct {
	mu      sync.Mutex
	entries map[string]envelope.PackageManifest
}

// New constructs an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]envelope.PackageManifest)}
}

func key(name, version string) string { return name + "@" + version }

// Upsert adds or replaces a manifest entry.
func (t *Table) Upsert(m envelope.PackageManifest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key(m.Name, m.Version)] = m
}

// Remove deletes a manifest entry, if present.
func (t *Table) Remove(name, version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key(name, version))
}

// Get returns one manifest entry and whether it was found.
func (t *Table) Get(name, version string) (envelope.PackageManifest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[key(name, version)]
	return m, ok
}

// Snapshot returns every manifest currently in the table, sorted by
// name then version for a stable heartbeat/register payload.
func (t *Table) Snapshot() []envelope.PackageManifest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]envelope.PackageManifest, 0, len(t.entries))
	for _, m := range t.entries {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Refs projects the table down to the bare PackageRef list
// control.register/control.heartbeat carry alongside the full manifests.
func (t *Table) Refs() []envelope.PackageRef {
	snapshot := t.Snapshot()
	refs := make([]envelope.PackageRef, 0, len(snapshot))
	for _, m := range snapshot {
		refs = append(refs, envelope.PackageRef{Name: m.Name, Version: m.Version})
	}
	return refs
}

// Delta is the result of comparing two manifest snapshots.
type Delta struct {
	Added   []envelope.PackageManifest
	Removed []envelope.PackageManifest
	Changed []envelope.PackageManifest
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff computes the added/removed/changed manifests between two snapshots.
// It exists for drift inspection and tooling; the worker's actual
// heartbeat publish path always sends a full Snapshot rather than this
// diff, per the weaker-guarantee decision recorded for spec.md's worker
// packages drift open question.
func Diff(prev, next []envelope.PackageManifest) Delta {
	prevIdx := indexManifests(prev)
	nextIdx := indexManifests(next)

	var d Delta
	for k, m := range nextIdx {
		if old, ok := prevIdx[k]; !ok {
			d.Added = append(d.Added, m)
		} else if old != m {
			d.Changed = append(d.Changed, m)
		}
	}
	for k, m := range prevIdx {
		if _, ok := nextIdx[k]; !ok {
			d.Removed = append(d.Removed, m)
		}
	}
	sortManifests(d.Added)
	sortManifests(d.Removed)
	sortManifests(d.Changed)
	return d
}

func indexManifests(list []envelope.PackageManifest) map[string]envelope.PackageManifest {
	idx := make(map[string]envelope.PackageManifest, len(list))
	for _, m := range list {
		idx[key(m.Name, m.Version)] = m
	}
	return idx
}

func sortManifests(list []envelope.PackageManifest) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Version < list[j].Version
	})
}
