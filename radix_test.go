package relais

import (
	"iter"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect[T any](seq iter.Seq2[string, T]) []string {
	var keys []string
	for key := range seq {
		keys = append(keys, key)
	}
	return keys
}

func TestTree_InsertGetDelete(t *testing.T) {
	tree := NewTree[int]()
	for i, key := range []string{"c1:1:2", "c1", "c1:1", "c1:10", "c1:1:1", "c2"} {
		_, replaced := tree.Insert(key, i)
		require.False(t, replaced, key)
	}
	require.Equal(t, 6, tree.Len())

	prev, replaced := tree.Insert("c1:1", 42)
	require.True(t, replaced)
	require.Equal(t, 2, prev)

	val, ok := tree.Get("c1:1")
	require.True(t, ok)
	require.Equal(t, 42, val)
	_, ok = tree.Get("c1:")
	require.False(t, ok)
	_, ok = tree.Get("c3")
	require.False(t, ok)

	require.Equal(t, []string{"c1", "c1:1", "c1:1:1", "c1:1:2", "c1:10", "c2"}, collect(tree.Walk()))
	require.Equal(t, []string{"c1:1", "c1:1:1", "c1:1:2", "c1:10"}, collect(tree.WalkPrefix("c1:1")))
	require.Equal(t, []string{"c1:1:1", "c1:1:2"}, collect(tree.WalkPrefix("c1:1:")))
	require.Empty(t, collect(tree.WalkPrefix("d")))

	removed, ok := tree.Delete("c1:1")
	require.True(t, ok)
	require.Equal(t, 42, removed)
	_, ok = tree.Delete("c1:1")
	require.False(t, ok)
	require.Equal(t, 5, tree.Len())
	require.Equal(t, []string{"c1", "c1:1:1", "c1:1:2", "c1:10", "c2"}, collect(tree.Walk()))

	for _, key := range []string{"c1:1:1", "c1:1:2", "c1:10", "c1", "c2"} {
		_, ok := tree.Delete(key)
		require.True(t, ok, key)
	}
	require.Zero(t, tree.Len())
	require.Empty(t, collect(tree.Walk()))
}

func TestTree_MutateWhileWalking(t *testing.T) {
	tree := NewTree[string]()
	for _, key := range []string{"a", "ab", "abc", "b"} {
		tree.Insert(key, key)
	}
	for key := range tree.WalkPrefix("a") {
		tree.Delete(key)
	}
	require.Equal(t, []string{"b"}, collect(tree.Walk()))
}
