package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type TreeKEMPathStep struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets map[NodeIndex]HPKECiphertext `tls:"head=4"`
}

type TreeKEMPath struct {
	LeafKeyPackage KeyPackage
	Steps          []TreeKEMPathStep `tls:"head=4"`
}

// ParentHashes computes, for each step of the path, the hash that binds
// it to the step above. ph[i] is the hash of the node at Steps[i],
// chained through ph[i+1]; ph[0] is what the leaf's ParentHashExtension
// must carry. The top-most step (the root) has no parent of its own, so
// its hash closes the chain with an empty ParentHash field.
func (path TreeKEMPath) ParentHashes(suite CipherSuite) ([][]byte, error) {
	n := len(path.Steps)
	ph := make([][]byte, n)
	if n == 0 {
		return ph, nil
	}

	top := ParentNode{PublicKey: path.Steps[n-1].PublicKey}
	enc, err := syntax.Marshal(top)
	if err != nil {
		return nil, err
	}
	ph[n-1] = suite.Digest(enc)

	for i := n - 2; i >= 0; i-- {
		node := ParentNode{PublicKey: path.Steps[i].PublicKey, ParentHash: ph[i+1]}
		enc, err := syntax.Marshal(node)
		if err != nil {
			return nil, err
		}
		ph[i] = suite.Digest(enc)
	}

	return ph, nil
}

// ParentHashValid re-derives the path's parent hashes and checks that
// the ParentHashExtension on the leaf's KeyPackage matches, binding the
// KeyPackage to the tree shape it was committed into.
func (path TreeKEMPath) ParentHashValid(suite CipherSuite) error {
	ph, err := path.ParentHashes(suite)
	if err != nil {
		return err
	}

	expected := []byte(nil)
	if len(ph) > 0 {
		expected = ph[0]
	}

	phe := new(ParentHashExtension)
	found, err := path.LeafKeyPackage.Extensions.Find(phe)
	if err != nil {
		return err
	}
	if !found && expected == nil {
		return nil
	}
	if !found {
		return fmt.Errorf("mls: KeyPackage missing required parent_hash extension")
	}

	if !bytesEqual(phe.ParentHash, expected) {
		return fmt.Errorf("mls: parent_hash mismatch")
	}

	return nil
}

func (path *TreeKEMPath) Sign(suite CipherSuite, initPub HPKEPublicKey, sigPriv SignaturePrivateKey, opts *KeyPackageOpts) error {
	// Compute parent hashes down the tree from the root
	leafParentHash := []byte(nil)
	if len(path.Steps) > 0 {
		ph, err := path.ParentHashes(suite)
		if err != nil {
			return err
		}

		leafParentHash = ph[0]
	}

	// Re-sign the leaf key package
	// TODO(RLB) Apply any options from opts
	phe := ParentHashExtension{leafParentHash}
	err := path.LeafKeyPackage.SetExtensions([]ExtensionBody{phe})
	if err != nil {
		return err
	}

	path.LeafKeyPackage.InitKey = initPub

	return path.LeafKeyPackage.Sign(sigPriv)
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, index LeafIndex, size LeafCount, leafSecret []byte, intersect NodeIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}

	var err error
	ni := toNodeIndex(index)
	priv.PathSecrets[ni] = dup(pathSecret)
	priv.PrivateKeys[ni], err = priv.Suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	err = priv.setPathSecrets(intersect, size, pathSecret)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

func NewTreeKEMPrivateKey(suite CipherSuite, size LeafCount, index LeafIndex, leafSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}

	err := priv.setPathSecrets(toNodeIndex(index), size, leafSecret)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.hkdfExpandLabel(pathSecret, "path", []byte{}, priv.Suite.Constants().SecretSize)
}

func (priv *TreeKEMPrivateKey) setPathSecrets(start NodeIndex, size LeafCount, secret []byte) error {
	r := root(size)
	pathSecret := secret
	var err error
	for n := start; n != r; n = parent(n, size) {
		priv.PathSecrets[n] = dup(pathSecret)
		priv.PrivateKeys[n], err = priv.Suite.hpke().Derive(pathSecret)
		if err != nil {
			return err
		}

		pathSecret = priv.pathStep(pathSecret)
	}

	priv.PathSecrets[r] = dup(pathSecret)
	priv.PrivateKeys[r], err = priv.Suite.hpke().Derive(pathSecret)

	return nil
}

// SharedPathSecret returns the path secret at the lowest ancestor shared
// with leaf `to`, along with that ancestor's node index -- exactly what a
// committer needs to build GroupSecrets for a newly added joiner.
func (priv TreeKEMPrivateKey) SharedPathSecret(to LeafIndex) (NodeIndex, []byte, error) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	if !ok {
		return 0, nil, fmt.Errorf("Path secret not found for node %d", n)
	}

	return n, secret, nil
}

func (priv TreeKEMPrivateKey) Decap(from LeafIndex, size LeafCount, context []byte, path TreeKEMPath) (*TreeKEMPrivateKey, error) {
	// Decrypt a path secret
	ancestor, iPath := ancestorIndex(priv.Index, from, size)

	var err error
	var pathSecret []byte
	for n, ct := range path.Steps[iPath].EncryptedPathSecrets {
		if nodePriv, ok := priv.PrivateKeys[n]; ok {
			pathSecret, err = priv.Suite.hpke().Decrypt(nodePriv, context, ct)
			if err != nil {
				return nil, err
			}
		}
	}

	if pathSecret == nil {
		return nil, fmt.Errorf("Unable to decrypt path secret")
	}

	// Clone and hash toward the root
	out := &TreeKEMPrivateKey{
		Suite:       priv.Suite,
		Index:       priv.Index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}

	err = out.setPathSecrets(ancestor, size, pathSecret)
	if err != nil {
		return nil, err
	}

	// TODO Check the accuracy of the public keys in the path

	// Copy in the private values not overwritten
	for n := range priv.PathSecrets {
		if _, ok := out.PathSecrets[n]; ok {
			continue
		}

		out.PathSecrets[n] = priv.PathSecrets[n]
		out.PrivateKeys[n] = priv.PrivateKeys[n]
	}

	return out, nil
}

// truncate erases path secrets and cached private keys at nodes beyond
// the tree's new size, so a committer doesn't hold onto key material for
// nodes a tail removal has dropped out of the tree entirely.
func (priv *TreeKEMPrivateKey) truncate(size LeafCount) {
	last := toNodeIndex(LeafIndex(size - 1))
	for n := range priv.PathSecrets {
		if n > last {
			delete(priv.PathSecrets, n)
			delete(priv.PrivateKeys, n)
		}
	}
}

func (priv TreeKEMPrivateKey) dump(label string) {
	fmt.Printf("=== %s ===\n", label)
	fmt.Printf("suite=[%d] index=[%d]\n", priv.Suite, priv.Index)
	for n, nodePriv := range priv.PrivateKeys {
		pub := nodePriv.PublicKey.Data[:4]
		fmt.Printf("  [%d] %x...\n", n, pub)
	}
}

// ConsistentPub reports whether every private key this member holds
// matches the public key at the same node in pub.
func (priv TreeKEMPrivateKey) ConsistentPub(pub TreeKEMPublicKey) bool {
	if priv.Suite != pub.Suite {
		return false
	}

	for n, nodePriv := range priv.PrivateKeys {
		if pub.Nodes[n].Blank() {
			return false
		}

		lhs := nodePriv.PublicKey
		rhs := pub.Nodes[n].Node.PublicKey()

		if !lhs.Equals(rhs) {
			return false
		}
	}

	return true
}

// Consistent reports whether two members' private views agree on every
// path secret they both hold a value for -- used when a joiner's freshly
// implanted view is checked against the committer's.
func (priv TreeKEMPrivateKey) Consistent(other TreeKEMPrivateKey) bool {
	if priv.Suite != other.Suite {
		return false
	}

	for n, secret := range priv.PathSecrets {
		otherSecret, ok := other.PathSecrets[n]
		if !ok {
			continue
		}
		if !bytesEqual(secret, otherSecret) {
			return false
		}
	}

	return true
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

type TreeKEMPublicKey struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`
}

func NewTreeKEMPublicKey(suite CipherSuite) *TreeKEMPublicKey {
	return &TreeKEMPublicKey{Suite: suite}
}

func (pub *TreeKEMPublicKey) AddLeaf(keyPkg KeyPackage) LeafIndex {
	// Find the leftmost free leaf
	index := LeafIndex(0)
	size := LeafIndex(pub.Size())
	for index < size && !pub.Nodes[toNodeIndex(index)].Blank() {
		index++
	}

	// Extend the tree if necessary
	n := toNodeIndex(index)
	for len(pub.Nodes) < int(n)+1 {
		pub.Nodes = append(pub.Nodes, OptionalNode{})
	}

	pub.Nodes[n] = newLeafNode(keyPkg)

	// update unmerged list
	dp := dirpath(n, pub.Size())
	for _, v := range dp {
		if v == toNodeIndex(index) || pub.Nodes[v].Node == nil {
			continue
		}
		pub.Nodes[v].Node.Parent.AddUnmerged(index)
	}

	pub.clearHashPath(index)
	return index
}

func (pub *TreeKEMPublicKey) UpdateLeaf(index LeafIndex, keyPkg KeyPackage) {
	pub.BlankPath(index)
	pub.Nodes[toNodeIndex(index)] = newLeafNode(keyPkg)
	pub.clearHashPath(index)
}

func (pub *TreeKEMPublicKey) BlankPath(index LeafIndex) {
	if len(pub.Nodes) == 0 {
		return
	}

	ni := toNodeIndex(index)

	pub.Nodes[ni].SetToBlank()

	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].SetToBlank()
	}
}

// truncate drops trailing blank nodes so the tree's last slot is always
// non-blank, shrinking LeafCount whenever a tail removal leaves the tree
// over-sized for its remaining members.
func (pub *TreeKEMPublicKey) truncate() {
	for len(pub.Nodes) > 0 && pub.Nodes[len(pub.Nodes)-1].Blank() {
		pub.Nodes = pub.Nodes[:len(pub.Nodes)-1]
	}
}

type KeyPackageOpts struct {
	// TODO New credential
	// TODO Extensions
}

func (pub TreeKEMPublicKey) Encap(from LeafIndex, context, leafSecret []byte, leafSigPriv SignaturePrivateKey, opts *KeyPackageOpts) (*TreeKEMPrivateKey, *TreeKEMPath, error) {
	// Generate path secrets and private keys
	priv, err := NewTreeKEMPrivateKey(pub.Suite, pub.Size(), from, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	// Package into a TreeKEMPath
	dp := dirpath(toNodeIndex(from), pub.Size())
	path := &TreeKEMPath{
		LeafKeyPackage: *pub.Nodes[toNodeIndex(from)].Node.Leaf,
		Steps:          make([]TreeKEMPathStep, len(dp)),
	}
	for i, n := range dp {
		path.Steps[i] = TreeKEMPathStep{
			PublicKey:            priv.PrivateKeys[n].PublicKey,
			EncryptedPathSecrets: map[NodeIndex]HPKECiphertext{},
		}

		pathSecret := priv.PathSecrets[n]
		for _, nr := range pub.resolve(n) {
			nodePub := pub.Nodes[nr].Node.PublicKey()
			path.Steps[i].EncryptedPathSecrets[nr], err = pub.Suite.hpke().Encrypt(nodePub, context, pathSecret)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	// Sign the TreeKEMPath
	leafInitPub := priv.PrivateKeys[toNodeIndex(from)].PublicKey
	err = path.Sign(pub.Suite, leafInitPub, leafSigPriv, opts)
	if err != nil {
		return nil, nil, err
	}

	return priv, path, nil
}

func (pub *TreeKEMPublicKey) Merge(from LeafIndex, path TreeKEMPath) error {
	ni := toNodeIndex(from)
	pub.Nodes[ni] = newLeafNode(path.LeafKeyPackage)

	dp := dirpath(ni, pub.Size())
	if len(dp) != len(path.Steps) {
		return fmt.Errorf("Malformed TreeKEMPath %d %d", len(dp), len(path.Steps))
	}

	parentHashes, err := path.ParentHashes(pub.Suite)
	if err != nil {
		return err
	}

	for i, n := range dp {
		pub.Nodes[n] = newParentNodeFromPublicKey(path.Steps[i].PublicKey)
		var childHash []byte
		if i+1 < len(parentHashes) {
			childHash = parentHashes[i+1]
		}
		pub.Nodes[n].Node.Parent.ParentHash = childHash
	}

	pub.clearHashPath(from)
	return nil
}

func (pub TreeKEMPublicKey) Size() LeafCount {
	return leafWidth(nodeCount(len(pub.Nodes)))
}

func (pub TreeKEMPublicKey) Clone() TreeKEMPublicKey {
	next := TreeKEMPublicKey{
		Suite: pub.Suite,
		Nodes: make([]OptionalNode, len(pub.Nodes)),
	}

	for i, n := range pub.Nodes {
		next.Nodes[i] = n.Clone()
	}

	return next
}

func (pub TreeKEMPublicKey) Equals(o TreeKEMPublicKey) bool {
	if len(pub.Nodes) != len(o.Nodes) {
		return false
	}

	for i := 0; i < len(pub.Nodes); i++ {
		if !pub.Nodes[i].Node.Equals(o.Nodes[i].Node) {
			return false
		}
	}
	return true
}

func (pub TreeKEMPublicKey) Find(kp KeyPackage) (LeafIndex, bool) {
	num := pub.Size()
	for i := LeafIndex(0); LeafCount(i) < num; i++ {
		ni := toNodeIndex(i)
		n := pub.Nodes[ni]
		if n.Blank() {
			continue
		}

		if n.Node.Leaf.Equals(kp) {
			return i, true
		}
	}

	return 0, false
}

func (pub TreeKEMPublicKey) resolve(index NodeIndex) []NodeIndex {
	// Resolution of non-blank is node + unmerged leaves
	if !pub.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if level(index) > 0 {
			for _, v := range pub.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	// Resolution of blank leaf is the empty list
	if level(index) == 0 {
		return []NodeIndex{}
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := pub.resolve(left(index))
	r := pub.resolve(right(index, pub.Size()))
	l = append(l, r...)
	return l
}

func (pub *TreeKEMPublicKey) clearHashPath(index LeafIndex) {
	ni := toNodeIndex(index)
	pub.Nodes[ni].Hash = nil

	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].Hash = nil
	}
}

func (pub TreeKEMPublicKey) RootHash() []byte {
	r := root(pub.Size())
	return pub.Nodes[r].Hash
}

func (pub *TreeKEMPublicKey) setHash(index NodeIndex) error {
	if level(index) == 0 {
		return pub.Nodes[index].SetLeafNodeHash(pub.Suite, toLeafIndex(index))
	}

	li := left(index)
	if pub.Nodes[li].Hash == nil {
		if err := pub.setHash(li); err != nil {
			return err
		}
	}
	lh := pub.Nodes[li].Hash

	ri := right(index, pub.Size())
	if pub.Nodes[ri].Hash == nil {
		if err := pub.setHash(ri); err != nil {
			return err
		}
	}
	rh := pub.Nodes[ri].Hash

	return pub.Nodes[index].SetParentNodeHash(pub.Suite, index, lh, rh)
}

func (pub TreeKEMPublicKey) dump(label string) {
	fmt.Printf("~~~ %s ~~~\n", label)
	fmt.Printf("suite=[%d]\n", pub.Suite)

	for i, n := range pub.Nodes {
		if n.Blank() {
			fmt.Printf("  [%d] _\n", i)
			continue
		}

		pub := n.Node.PublicKey().Data[:4]
		fmt.Printf("  [%d] %x...\n", i, pub)
	}
}
