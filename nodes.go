package mls

import "github.com/cisco/go-tls-syntax"

// Node is either a leaf (a member's KeyPackage) or a parent (an internal
// ratchet tree node). Exactly one of Leaf or Parent is set.
type Node struct {
	Leaf   *KeyPackage
	Parent *ParentNode
}

func (n *Node) Type() uint8 {
	if n.Leaf != nil {
		return 1
	}
	return 2
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	var nodeType uint8
	var body interface{}
	switch {
	case n.Leaf != nil:
		nodeType = 1
		body = n.Leaf
	case n.Parent != nil:
		nodeType = 2
		body = n.Parent
	default:
		nodeType = 0
	}

	if err := s.Write(nodeType); err != nil {
		return nil, err
	}
	if body != nil {
		if err := s.Write(body); err != nil {
			return nil, err
		}
	}
	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var nodeType uint8
	if _, err := s.Read(&nodeType); err != nil {
		return 0, err
	}

	switch nodeType {
	case 1:
		n.Leaf = new(KeyPackage)
		if _, err := s.Read(n.Leaf); err != nil {
			return 0, err
		}
	case 2:
		n.Parent = new(ParentNode)
		if _, err := s.Read(n.Parent); err != nil {
			return 0, err
		}
	}

	return s.Position(), nil
}

// PublicKey returns the HPKE public key carried at this node, whichever
// variant it is.
func (n *Node) PublicKey() HPKEPublicKey {
	switch {
	case n.Leaf != nil:
		return n.Leaf.InitKey
	case n.Parent != nil:
		return n.Parent.PublicKey
	default:
		panic("mls: PublicKey on an empty node")
	}
}

func (n *Node) Equals(o *Node) bool {
	if (n == nil) != (o == nil) {
		return false
	}
	if n == nil {
		return true
	}

	switch {
	case n.Leaf != nil && o.Leaf != nil:
		return n.Leaf.Equals(*o.Leaf)
	case n.Parent != nil && o.Parent != nil:
		return n.Parent.Equals(*o.Parent)
	default:
		return false
	}
}

// ParentNode is an internal ratchet tree node: the public key of the
// TreeKEM path step that produced it, the parent-hash binding it to the
// child that created it, and the set of leaves that have been added
// below it since it was last refreshed by that subtree's owner.
type ParentNode struct {
	PublicKey      HPKEPublicKey
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (pn *ParentNode) AddUnmerged(l LeafIndex) {
	pn.UnmergedLeaves = append(pn.UnmergedLeaves, l)
}

func (pn ParentNode) Equals(o ParentNode) bool {
	if !pn.PublicKey.Equals(o.PublicKey) {
		return false
	}
	if len(pn.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}
	for i := range pn.UnmergedLeaves {
		if pn.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}
	return bytesEqual(pn.ParentHash, o.ParentHash)
}

// leafNodeHashInput and parentNodeHashInput are the TLS-encoded
// structures hashed to produce the tree hash at each node; they mirror
// the shape of the node itself but commit to child hashes instead of
// child subtrees, so the whole tree can be authenticated by its root
// hash alone.
type leafNodeHashInput struct {
	Present uint8
	KeyPkg  *KeyPackage `tls:"optional"`
}

type parentNodeHashInput struct {
	Present   uint8
	Node      *ParentNode `tls:"optional"`
	LeftHash  []byte      `tls:"head=1"`
	RightHash []byte      `tls:"head=1"`
}

// OptionalNode is a slot in the flat tree array: either blank (no node)
// or occupied, plus a cached tree hash that is cleared whenever the
// node's subtree changes.
type OptionalNode struct {
	Node *Node  `tls:"optional"`
	Hash []byte `tls:"omit"`
}

func newLeafNode(kp KeyPackage) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &kp}}
}

func newParentNodeFromPublicKey(pub HPKEPublicKey) OptionalNode {
	return OptionalNode{Node: &Node{Parent: &ParentNode{PublicKey: pub}}}
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n *OptionalNode) SetToBlank() {
	n.Node = nil
	n.Hash = nil
}

func (n OptionalNode) Clone() OptionalNode {
	if n.Node == nil {
		return OptionalNode{}
	}

	next := Node{}
	switch {
	case n.Node.Leaf != nil:
		leaf := *n.Node.Leaf
		next.Leaf = &leaf
	case n.Node.Parent != nil:
		parent := *n.Node.Parent
		parent.UnmergedLeaves = dupLeafIndices(n.Node.Parent.UnmergedLeaves)
		next.Parent = &parent
	}

	// An unset hash stays nil (dup would turn it into an empty slice), so
	// setHash still recomputes it.
	var hash []byte
	if n.Hash != nil {
		hash = dup(n.Hash)
	}
	return OptionalNode{Node: &next, Hash: hash}
}

func (n *OptionalNode) SetLeafNodeHash(suite CipherSuite, index LeafIndex) error {
	input := leafNodeHashInput{}
	if n.Node != nil {
		input.Present = 1
		input.KeyPkg = n.Node.Leaf
	}

	enc, err := syntax.Marshal(input)
	if err != nil {
		return err
	}

	n.Hash = suite.Digest(enc)
	return nil
}

func (n *OptionalNode) SetParentNodeHash(suite CipherSuite, index NodeIndex, leftHash, rightHash []byte) error {
	input := parentNodeHashInput{
		LeftHash:  leftHash,
		RightHash: rightHash,
	}
	if n.Node != nil {
		input.Present = 1
		input.Node = n.Node.Parent
	}

	enc, err := syntax.Marshal(input)
	if err != nil {
		return err
	}

	n.Hash = suite.Digest(enc)
	return nil
}

func dupLeafIndices(in []LeafIndex) []LeafIndex {
	out := make([]LeafIndex, len(in))
	copy(out, in)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
