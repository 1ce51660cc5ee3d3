package valuetree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/valuetree"
)

func TestSetGetRoundTrip(t *testing.T) {
	root := valuetree.NewNull()
	root, err := valuetree.Set(root, "/a/b", valuetree.NewNumber(42))
	require.NoError(t, err)
	root, err = valuetree.Set(root, "/a/c", valuetree.NewString("hi"))
	require.NoError(t, err)

	v, ok := valuetree.Get(root, "/a/b")
	require.True(t, ok)
	assert.Equal(t, float64(42), v.Number())

	v, ok = valuetree.Get(root, "/a/c")
	require.True(t, ok)
	assert.Equal(t, "hi", v.String())

	_, ok = valuetree.Get(root, "/a/missing")
	assert.False(t, ok)
}

func TestSetIntoList(t *testing.T) {
	root := valuetree.NewNull()
	root, err := valuetree.Set(root, "/items", valuetree.NewList(nil))
	require.NoError(t, err)
	root, err = valuetree.Set(root, "/items/0", valuetree.NewString("first"))
	require.NoError(t, err)
	root, err = valuetree.Set(root, "/items/2", valuetree.NewString("third"))
	require.NoError(t, err)

	items, ok := valuetree.Get(root, "/items")
	require.True(t, ok)
	require.Equal(t, valuetree.List, items.Kind())
	require.Len(t, items.List(), 3)
	assert.Equal(t, "first", items.List()[0].String())
	assert.True(t, items.List()[1].IsNull())
	assert.Equal(t, "third", items.List()[2].String())
}

func TestSetIdempotent(t *testing.T) {
	root := valuetree.NewNull()
	root, _ = valuetree.Set(root, "/x/y", valuetree.NewNumber(1))
	once, _ := valuetree.Set(root, "/x/y", valuetree.NewNumber(1))
	twice, _ := valuetree.Set(once, "/x/y", valuetree.NewNumber(1))
	assert.Equal(t, once.CanonicalJSON(), twice.CanonicalJSON())
}

func TestRemove(t *testing.T) {
	root := valuetree.NewNull()
	root, _ = valuetree.Set(root, "/a/b", valuetree.NewNumber(1))
	root = valuetree.Remove(root, "/a/b")
	_, ok := valuetree.Get(root, "/a/b")
	assert.False(t, ok)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	n1 := valuetree.NewMap(map[string]valuetree.Node{
		"b": valuetree.NewNumber(1),
		"a": valuetree.NewNumber(2),
	})
	n2 := valuetree.NewMap(map[string]valuetree.Node{
		"a": valuetree.NewNumber(2),
		"b": valuetree.NewNumber(1),
	})
	assert.Equal(t, string(n1.CanonicalJSON()), string(n2.CanonicalJSON()))
	assert.Equal(t, `{"a":2,"b":1}`, string(n1.CanonicalJSON()))
}

func TestFromAnyToAnyRoundTrip(t *testing.T) {
	src := map[string]any{
		"name":  "demo",
		"count": float64(3),
		"tags":  []any{"x", "y"},
		"nested": map[string]any{
			"ok": true,
		},
	}
	n := valuetree.FromAny(src)
	got := n.ToAny()
	assert.Equal(t, src, got)
}
