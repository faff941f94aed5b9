package relais

// Generic radix tree indexing the resources of a connection by their
// hierarchical `ResourceID`, so all the descendants of a resource are one
// prefix walk away. Derived from github.com/armon/go-radix.

import (
	"iter"
	"sort"
	"strings"
)

type radixLeaf[T any] struct {
	key string
	val T
}

type radixEdge[T any] struct {
	label byte
	node  *radixNode[T]
}

type radixNode[T any] struct {
	leaf   *radixLeaf[T]
	prefix string
	// sorted by label so walks are ordered.
	edges []radixEdge[T]
}

func (n *radixNode[T]) search(label byte) int {
	return sort.Search(len(n.edges), func(i int) bool {
		return n.edges[i].label >= label
	})
}

func (n *radixNode[T]) child(label byte) *radixNode[T] {
	idx := n.search(label)
	if idx < len(n.edges) && n.edges[idx].label == label {
		return n.edges[idx].node
	}
	return nil
}

func (n *radixNode[T]) addChild(e radixEdge[T]) {
	idx := n.search(e.label)
	n.edges = append(n.edges, radixEdge[T]{})
	copy(n.edges[idx+1:], n.edges[idx:])
	n.edges[idx] = e
}

func (n *radixNode[T]) replaceChild(label byte, child *radixNode[T]) {
	idx := n.search(label)
	if idx < len(n.edges) && n.edges[idx].label == label {
		n.edges[idx].node = child
		return
	}
	panic("radix: replacing a missing edge")
}

func (n *radixNode[T]) removeChild(label byte) {
	idx := n.search(label)
	if idx < len(n.edges) && n.edges[idx].label == label {
		copy(n.edges[idx:], n.edges[idx+1:])
		n.edges[len(n.edges)-1] = radixEdge[T]{}
		n.edges = n.edges[:len(n.edges)-1]
	}
}

// absorb merges the only child into n.
func (n *radixNode[T]) absorb() {
	only := n.edges[0].node
	n.prefix = n.prefix + only.prefix
	n.leaf = only.leaf
	n.edges = only.edges
}

// Tree is a radix tree mapping string keys to `T`, ordered by key bytes.
type Tree[T any] struct {
	root *radixNode[T]
	size int
}

// NewTree returns an empty Tree.
func NewTree[T any]() *Tree[T] {
	return &Tree[T]{root: &radixNode[T]{}}
}

// Len returns the number of keys.
func (t *Tree[T]) Len() int {
	return t.size
}

func commonPrefixLen(a, b string) int {
	limit := min(len(a), len(b))
	i := 0
	for i < limit && a[i] == b[i] {
		i++
	}
	return i
}

// Insert sets `key` to `val`. It returns the previous value and true when
// the key already existed.
func (t *Tree[T]) Insert(key string, val T) (previous T, replaced bool) {
	var parent *radixNode[T]
	n := t.root
	rest := key
	for {
		if len(rest) == 0 {
			if n.leaf != nil {
				previous = n.leaf.val
				n.leaf.val = val
				return previous, true
			}
			n.leaf = &radixLeaf[T]{key: key, val: val}
			t.size++
			return previous, false
		}

		parent = n
		n = n.child(rest[0])
		if n == nil {
			parent.addChild(radixEdge[T]{
				label: rest[0],
				node: &radixNode[T]{
					leaf:   &radixLeaf[T]{key: key, val: val},
					prefix: rest,
				},
			})
			t.size++
			return previous, false
		}

		shared := commonPrefixLen(rest, n.prefix)
		if shared == len(n.prefix) {
			rest = rest[shared:]
			continue
		}

		// split n at the divergence point.
		t.size++
		split := &radixNode[T]{prefix: rest[:shared]}
		parent.replaceChild(rest[0], split)
		split.addChild(radixEdge[T]{label: n.prefix[shared], node: n})
		n.prefix = n.prefix[shared:]

		leaf := &radixLeaf[T]{key: key, val: val}
		rest = rest[shared:]
		if len(rest) == 0 {
			split.leaf = leaf
			return previous, false
		}
		split.addChild(radixEdge[T]{
			label: rest[0],
			node:  &radixNode[T]{leaf: leaf, prefix: rest},
		})
		return previous, false
	}
}

// Get returns the value stored at `key`.
func (t *Tree[T]) Get(key string) (val T, found bool) {
	n := t.root
	rest := key
	for len(rest) > 0 {
		n = n.child(rest[0])
		if n == nil || !strings.HasPrefix(rest, n.prefix) {
			return val, false
		}
		rest = rest[len(n.prefix):]
	}
	if n.leaf == nil {
		return val, false
	}
	return n.leaf.val, true
}

// Delete removes `key`, returning the removed value.
func (t *Tree[T]) Delete(key string) (removed T, found bool) {
	var parent *radixNode[T]
	var label byte
	n := t.root
	rest := key
	for len(rest) > 0 {
		parent = n
		label = rest[0]
		n = n.child(label)
		if n == nil || !strings.HasPrefix(rest, n.prefix) {
			return removed, false
		}
		rest = rest[len(n.prefix):]
	}
	if n.leaf == nil {
		return removed, false
	}

	leaf := n.leaf
	n.leaf = nil
	t.size--

	if parent != nil && len(n.edges) == 0 {
		parent.removeChild(label)
	}
	if n != t.root && len(n.edges) == 1 {
		n.absorb()
	}
	if parent != nil && parent != t.root && len(parent.edges) == 1 && parent.leaf == nil {
		parent.absorb()
	}
	return leaf.val, true
}

// Walk iterates over every key in order.
func (t *Tree[T]) Walk() iter.Seq2[string, T] {
	return walkNode(t.root)
}

// WalkPrefix iterates over the keys starting with `prefix`, in order.
func (t *Tree[T]) WalkPrefix(prefix string) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		n := t.root
		rest := prefix
		for len(rest) > 0 {
			n = n.child(rest[0])
			if n == nil {
				return
			}
			if strings.HasPrefix(rest, n.prefix) {
				rest = rest[len(n.prefix):]
				continue
			}
			if strings.HasPrefix(n.prefix, rest) {
				walkNode(n)(yield)
			}
			return
		}
		walkNode(n)(yield)
	}
}

// walkNode snapshots the subtree first so callers may mutate the tree
// while iterating.
func walkNode[T any](n *radixNode[T]) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		var leaves []*radixLeaf[T]
		collectLeaves(n, &leaves)
		for _, leaf := range leaves {
			if !yield(leaf.key, leaf.val) {
				return
			}
		}
	}
}

func collectLeaves[T any](n *radixNode[T], out *[]*radixLeaf[T]) {
	if n.leaf != nil {
		*out = append(*out, n.leaf)
	}
	for _, e := range n.edges {
		collectLeaves(e.node, out)
	}
}
