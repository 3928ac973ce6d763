package mls

// The tree-math in this file provides the index calculus for the ratchet
// tree used by TreeKEM.  Nodes are held in a "flat" array representation of
// a left-balanced binary tree: leaves live at even indices, with leaf i at
// 2*i, and intermediate (parent) nodes live at the odd indices between
// them.  An 11-leaf tree looks like:
//
//                                              X
//                      X
//          X                       X                       X
//    X           X           X           X           X
// X     X     X     X     X     X     X     X     X     X     X
// 0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f 10 11 12 13 14
//
// Relationships between nodes can be computed directly from their indices,
// so the tree never needs pointers: a tree of n leaves is just an array of
// 2n-1 node slots.

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	if node&0x01 != 0 {
		panic("mls: toLeafIndex on a non-leaf node index")
	}
	return LeafIndex(node >> 1)
}

func nodeCount(x int) NodeCount {
	return NodeCount(x)
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k++
	}
	return k - 1
}

// Position of the least significant 0 bit; 0 for leaves (even indices).
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k++
	}
	return k
}

// Number of node slots for a tree with n leaves.
func nodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// Number of leaves describable by a node array of the given width.
func leafWidth(w NodeCount) LeafCount {
	return LeafCount((w + 1) >> 1)
}

// Index of the root of a tree with n leaves.
func root(n LeafCount) NodeIndex {
	w := nodeWidth(n)
	if w == 0 {
		return 0
	}
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x. Undefined (returns x) for a leaf.
func left(x NodeIndex) NodeIndex {
	if level(x) == 0 {
		return x
	}
	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x, accounting for the fact that the tree may not be
// a perfect power of two in size. Undefined (returns x) for a leaf.
func right(x NodeIndex, n LeafCount) NodeIndex {
	if level(x) == 0 {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// parentStep computes the immediate parent of x in the conceptual
// complete (unbounded) binary tree, with no regard for where the actual
// tree's root currently sits. Used as a building block for parent/sibling
// (which do respect tree bounds) and for locating the common ancestor of
// two leaves.
func parentStep(x NodeIndex) NodeIndex {
	k := level(x)
	one := uint32(1)
	return NodeIndex((uint32(x) | (one << k)) &^ (one << (k + 1)))
}

// Parent of x within a tree of n leaves. The root is its own parent.
func parent(x NodeIndex, n LeafCount) NodeIndex {
	if x == root(n) {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x within a tree of n leaves. The root is its own sibling.
func sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := parent(x, n)
	switch {
	case x < p:
		return right(p, n)
	case x > p:
		return left(p)
	default:
		return p
	}
}

// Direct path from x to the root, EXCLUDING x itself and INCLUDING the
// root.
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	r := root(n)
	if x == r {
		return []NodeIndex{}
	}

	d := []NodeIndex{}
	p := parent(x, n)
	for p != r {
		d = append(d, p)
		p = parent(p, n)
	}
	d = append(d, r)
	return d
}

// Copath of x: the sibling of x and of every node on x's direct path,
// excluding the root (which has no useful sibling).
func copath(x NodeIndex, n LeafCount) []NodeIndex {
	r := root(n)
	if x == r {
		return []NodeIndex{}
	}

	path := append([]NodeIndex{x}, dirpath(x, n)...)
	path = path[:len(path)-1] // drop the root

	c := make([]NodeIndex, len(path))
	for i, p := range path {
		c[i] = sibling(p, n)
	}
	return c
}

// inPath reports whether ancestor n lies on the direct path of leaf x
// (inclusive of x's own node index), within a tree of the given size.
func inPath(n, x NodeIndex, size LeafCount) bool {
	if n == x {
		return true
	}
	for _, d := range dirpath(x, size) {
		if d == n {
			return true
		}
	}
	return false
}

// ancestor returns the index of the lowest common ancestor node of two
// leaves, computed in the conceptual complete binary tree (so it is valid
// independent of the current size of the actual, possibly unbalanced,
// tree, so long as both leaves are within it).
func ancestor(x, y LeafIndex) NodeIndex {
	ln := toNodeIndex(x)
	rn := toNodeIndex(y)

	for ln != rn {
		switch {
		case level(ln) < level(rn):
			ln = parentStep(ln)
		case level(rn) < level(ln):
			rn = parentStep(rn)
		default:
			ln = parentStep(ln)
		}
	}

	return ln
}

// ancestorIndex locates the common ancestor of leaves x and y, and returns
// its position within the sender y's direct path (as computed within a
// tree of the given size) so that a path message's per-step data can be
// indexed directly.
func ancestorIndex(x, y LeafIndex, size LeafCount) (NodeIndex, int) {
	a := ancestor(x, y)
	for i, n := range dirpath(toNodeIndex(y), size) {
		if n == a {
			return a, i
		}
	}
	panic("mls: common ancestor not found on sender's direct path")
}
