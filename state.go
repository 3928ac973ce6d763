package mls

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// Proposal bookkeeping
///

// ProposalRef is a local, in-memory handle onto a pending proposal --
// used only to find a self-sent Update's cached leaf secret again when
// that Update is later committed. It never appears on the wire.
type ProposalRef uint64

func toRef(id ProposalID) ProposalRef {
	ref := uint64(0)
	for i := 0; i < 8 && i < len(id.Hash); i++ {
		ref |= uint64(id.Hash[i]) << (8 * uint(i))
	}
	return ProposalRef(ref)
}

///
/// State
///

// State is one member's view of a group at a single epoch: the shared
// tree and transcript everyone agrees on, plus this member's own
// private key material and pending proposals.
type State struct {
	// Shared, confirmed state -- identical across every member at a
	// given epoch.
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	Tree                    TreeKEMPublicKey
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`

	// Per-participant state, never sent on the wire.
	Index            LeafIndex           `tls:"omit"`
	Priv             TreeKEMPrivateKey   `tls:"omit"`
	IdentityPriv     SignaturePrivateKey `tls:"omit"`
	Scheme           SignatureScheme     `tls:"omit"`
	PendingProposals []MLSPlaintext      `tls:"omit"`
	UpdateSecrets    map[ProposalRef][]byte `tls:"omit"`

	// Secret state.
	Keys keyScheduleEpoch `tls:"omit"`

	// selfCommits caches, by digest of the produced MLSPlaintext, the
	// *State each of this member's own Commit calls already produced --
	// so Handle can short-circuit to it instead of re-running Decap
	// against a path this member encrypted to itself.
	selfCommits map[string]*State `tls:"omit"`
}

// NewEmptyState founds a brand-new, single-member group.
func NewEmptyState(groupID []byte, suite CipherSuite, leafSecret []byte, cred Credential, sigPriv SignaturePrivateKey) (*State, error) {
	leafPriv, err := suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	kp, err := NewKeyPackageWithInitKey(suite, leafPriv.PublicKey, &cred)
	if err != nil {
		return nil, err
	}
	if err := kp.Sign(sigPriv); err != nil {
		return nil, err
	}

	tree := NewTreeKEMPublicKey(suite)
	index := tree.AddLeaf(*kp)

	priv, err := NewTreeKEMPrivateKey(suite, tree.Size(), index, leafSecret)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		Index:                   index,
		Priv:                    *priv,
		IdentityPriv:            sigPriv,
		Scheme:                  cred.Scheme(),
		PendingProposals:        nil,
		UpdateSecrets:           map[ProposalRef][]byte{},
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		selfCommits:             map[string]*State{},
	}

	ctx, err := s.marshalGroupContext()
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, s.Tree.Size(), suite.zero(), ctx)
	return s, nil
}

// NewJoinedState builds a member's State from a Welcome addressed to kp,
// using the leaf secret that produced kp's init key.
// NewJoinedState builds a State from a Welcome addressed to kp. A Welcome
// not addressed to this KeyPackage is not an error -- it means the
// Welcome is for someone else -- and is reported by returning a nil
// State and a nil error, the same "nothing to do here" convention Handle
// uses for an enqueued proposal.
func NewJoinedState(suite CipherSuite, leafSecret []byte, identityPriv SignaturePrivateKey, kp KeyPackage, welcome Welcome) (*State, error) {
	if _, found := welcome.Find(kp); !found {
		return nil, nil
	}

	leafPriv, err := suite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	secrets, gi, err := welcome.Decrypt(kp, leafPriv)
	if err != nil {
		return nil, err
	}

	if !gi.Verify() {
		return nil, fmt.Errorf("%w: GroupInfo signature", ErrInvalidSignature)
	}

	tree := gi.Tree.Clone()
	index, found := tree.Find(kp)
	if !found {
		return nil, fmt.Errorf("%w: joiner's own KeyPackage not in the welcomed tree", ErrProtocol)
	}

	if secrets.PathSecret == nil {
		return nil, fmt.Errorf("%w: Welcome carries no path secret for this joiner", ErrProtocol)
	}

	intersect := ancestor(index, gi.SignerIndex)
	priv, err := NewTreeKEMPrivateKeyForJoiner(suite, index, tree.Size(), leafSecret, intersect, secrets.PathSecret.Data)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(gi.GroupID),
		Epoch:                   gi.Epoch,
		Tree:                    tree,
		Index:                   index,
		Priv:                    *priv,
		IdentityPriv:            identityPriv,
		Scheme:                  kp.Credential.Scheme(),
		PendingProposals:        nil,
		UpdateSecrets:           map[ProposalRef][]byte{},
		ConfirmedTranscriptHash: dup(gi.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(gi.InterimTranscriptHash),
		selfCommits:             map[string]*State{},
	}

	ctx, err := s.marshalGroupContext()
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpochFromJoiner(suite, s.Tree.Size(), secrets.JoinerSecret, ctx)

	if !s.verifyConfirmation(gi.Confirmation) {
		return nil, fmt.Errorf("%w: welcome confirmation", ErrInvalidMAC)
	}

	return s, nil
}

///
/// Proposal construction
///

func (s State) Add(kp KeyPackage) (*MLSPlaintext, error) {
	return s.sign(Proposal{Add: &AddProposal{KeyPackage: kp}})
}

func (s State) Update(leafSecret []byte) (*MLSPlaintext, error) {
	leafPriv, err := s.CipherSuite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	self := s.Tree.Nodes[toNodeIndex(s.Index)].Node.Leaf
	kp, err := NewKeyPackageWithInitKey(s.CipherSuite, leafPriv.PublicKey, &self.Credential)
	if err != nil {
		return nil, err
	}
	if err := kp.Sign(s.IdentityPriv); err != nil {
		return nil, err
	}

	pt, err := s.sign(Proposal{Update: &UpdateProposal{KeyPackage: *kp}})
	if err != nil {
		return nil, err
	}

	ref := toRef(s.computeProposalID(pt))
	s.UpdateSecrets[ref] = leafSecret
	return pt, nil
}

func (s State) Remove(removed LeafIndex) (*MLSPlaintext, error) {
	return s.sign(Proposal{Remove: &RemoveProposal{Removed: removed}})
}

///
/// Commit
///

// Commit assembles every currently pending proposal into a Commit,
// advances this member's own path, and produces the plaintext to send
// to the group plus a Welcome for any new members the Commit adds.
func (s *State) Commit(leafSecret []byte) (*MLSPlaintext, *Welcome, *State, error) {
	commit := Commit{}
	var joiners []KeyPackage

	for _, pp := range s.PendingProposals {
		pid := s.computeProposalID(&pp)
		commit.Proposals = append(commit.Proposals, pid)
		if pp.Proposal.Type() == ProposalTypeAdd {
			joiners = append(joiners, pp.Proposal.Add.KeyPackage)
		}
	}

	next := s.clone()
	if err := next.apply(commit); err != nil {
		return nil, nil, nil, err
	}
	next.PendingProposals = nil

	ctx, err := next.marshalGroupContext()
	if err != nil {
		return nil, nil, nil, err
	}

	priv, path, err := next.Tree.Encap(next.Index, ctx, leafSecret, next.IdentityPriv, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := next.Tree.Merge(next.Index, *path); err != nil {
		return nil, nil, nil, err
	}
	next.Priv = *priv
	commit.Path = path

	commitSecret := priv.PathSecrets[root(next.Tree.Size())]

	pt, err := next.ratchetAndSign(commit, commitSecret, s)
	if err != nil {
		return nil, nil, nil, err
	}

	gi := &GroupInfo{
		GroupID:                 next.GroupID,
		Epoch:                   next.Epoch,
		Tree:                    next.Tree,
		ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
		InterimTranscriptHash:   next.InterimTranscriptHash,
		Confirmation:            pt.Confirmation,
	}
	if err := gi.Sign(next.Index, s.IdentityPriv, s.Scheme); err != nil {
		return nil, nil, nil, err
	}

	welcome, err := NewWelcome(next.CipherSuite, next.Keys, gi)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, kp := range joiners {
		joinerIndex, found := next.Tree.Find(kp)
		if !found {
			return nil, nil, nil, fmt.Errorf("%w: new joiner not found in tree", ErrProtocol)
		}

		_, pathSecret, err := priv.SharedPathSecret(joinerIndex)
		if err != nil {
			return nil, nil, nil, err
		}

		secrets := GroupSecrets{
			JoinerSecret: next.Keys.JoinerSecret,
			PathSecret:   &pathSecretValue{Data: pathSecret},
		}
		if err := welcome.EncryptTo(kp, secrets); err != nil {
			return nil, nil, nil, err
		}
	}

	key := string(s.CipherSuite.Digest(mustMarshal(pt)))
	s.selfCommits[key] = next

	return pt, welcome, next, nil
}

///
/// Proposal application
///

func (s *State) apply(commit Commit) error {
	var updates, removes, adds []MLSPlaintext
	processed := map[string]bool{}

	for _, pid := range commit.Proposals {
		pt, ok := s.findProposal(pid)
		if !ok {
			return fmt.Errorf("%w: commit of unknown proposal", ErrUnknownProposal)
		}

		key := string(pid.Hash)
		if processed[key] {
			continue
		}
		processed[key] = true

		switch pt.Proposal.Type() {
		case ProposalTypeUpdate:
			updates = append(updates, pt)
		case ProposalTypeRemove:
			removes = append(removes, pt)
		case ProposalTypeAdd:
			adds = append(adds, pt)
		}
	}

	// Canonical application order: updates, then removes, then adds.
	for _, pt := range updates {
		if err := s.applyUpdate(pt); err != nil {
			return err
		}
	}
	for _, pt := range removes {
		if err := s.applyRemove(pt); err != nil {
			return err
		}
	}

	s.Tree.truncate()
	s.Priv.truncate(s.Tree.Size())

	for _, pt := range adds {
		s.applyAdd(pt)
	}

	return nil
}

func (s *State) applyUpdate(pt MLSPlaintext) error {
	if pt.Sender.Type != SenderTypeMember {
		return fmt.Errorf("%w: update from non-member", ErrProtocol)
	}

	senderIndex := pt.Sender.Sender
	update := pt.Proposal.Update

	s.Tree.UpdateLeaf(senderIndex, update.KeyPackage)

	if senderIndex != s.Index {
		return nil
	}

	ref := toRef(s.computeProposalID(&pt))
	leafSecret, ok := s.UpdateSecrets[ref]
	if !ok {
		return fmt.Errorf("%w: self-update with no cached leaf secret", ErrProtocol)
	}

	priv, err := NewTreeKEMPrivateKey(s.CipherSuite, s.Tree.Size(), s.Index, leafSecret)
	if err != nil {
		return err
	}
	s.Priv = *priv
	return nil
}

func (s *State) applyRemove(pt MLSPlaintext) error {
	s.Tree.BlankPath(pt.Proposal.Remove.Removed)
	return nil
}

func (s *State) applyAdd(pt MLSPlaintext) {
	s.Tree.AddLeaf(pt.Proposal.Add.KeyPackage)
}

func (s State) findProposal(id ProposalID) (MLSPlaintext, bool) {
	for _, pt := range s.PendingProposals {
		if id.Equals(s.computeProposalID(&pt)) {
			return pt, true
		}
	}
	return MLSPlaintext{}, false
}

func (s State) computeProposalID(pt *MLSPlaintext) ProposalID {
	return proposalID(s.CipherSuite, mustMarshal(pt))
}

func mustMarshal(v interface{}) []byte {
	enc, err := syntax.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("mls: marshal failure: %v", err))
	}
	return enc
}

///
/// Group context, signing, ratcheting
///

func (s *State) marshalGroupContext() ([]byte, error) {
	if err := s.Tree.setHash(root(s.Tree.Size())); err != nil {
		return nil, err
	}

	return syntax.Marshal(GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              ExtensionList{},
	})
}

func (s State) groupContext() (GroupContext, error) {
	if err := s.Tree.setHash(root(s.Tree.Size())); err != nil {
		return GroupContext{}, err
	}

	return GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              ExtensionList{},
	}, nil
}

func (s State) sign(p Proposal) (*MLSPlaintext, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	pt := &MLSPlaintext{
		GroupID:     s.GroupID,
		Epoch:       s.Epoch,
		Sender:      Sender{Type: SenderTypeMember, Sender: s.Index},
		ContentType: ContentTypeProposal,
		Proposal:    &p,
	}

	if err := pt.Sign(ctx, s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}
	return pt, nil
}

func (s *State) updateEpochSecrets(commitSecret []byte) error {
	ctx, err := s.marshalGroupContext()
	if err != nil {
		return err
	}
	s.Keys = s.Keys.Next(s.Tree.Size(), commitSecret, ctx)
	return nil
}

// ratchetAndSign turns a built Commit into a signed MLSPlaintext,
// advancing the transcript hashes and the key schedule in the process.
// prev is the state the Commit was built against -- its group context
// is what the signature and the confirmed-transcript-hash chain are
// computed over, per the epoch the Commit is still addressed to.
func (s *State) ratchetAndSign(commit Commit, commitSecret []byte, prev *State) (*MLSPlaintext, error) {
	prevCtx, err := prev.groupContext()
	if err != nil {
		return nil, err
	}

	pt := &MLSPlaintext{
		GroupID:     s.GroupID,
		Epoch:       s.Epoch,
		Sender:      Sender{Type: SenderTypeMember, Sender: s.Index},
		ContentType: ContentTypeCommit,
		Commit:      &commit,
	}

	content, err := pt.commitContent()
	if err != nil {
		return nil, err
	}
	digest := s.CipherSuite.hash()()
	digest.Write(s.InterimTranscriptHash)
	digest.Write(content)
	s.ConfirmedTranscriptHash = digest.Sum(nil)

	s.Epoch++
	if err := s.updateEpochSecrets(commitSecret); err != nil {
		return nil, err
	}

	hmac := s.CipherSuite.newHMAC(s.Keys.ConfirmationKey)
	hmac.Write(s.ConfirmedTranscriptHash)
	pt.Confirmation = hmac.Sum(nil)

	if err := pt.Sign(prevCtx, s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, err
	}

	digest = s.CipherSuite.hash()()
	digest.Write(s.ConfirmedTranscriptHash)
	digest.Write(authData)
	s.InterimTranscriptHash = digest.Sum(nil)

	return pt, nil
}

///
/// Handle
///

// Handle applies a received MLSPlaintext. A Proposal is queued and
// returns (nil, nil); a Commit either produces the group's next State,
// or -- when the Commit's sender is this member -- returns the *State
// already produced by this member's own Commit call.
func (s *State) Handle(pt *MLSPlaintext) (*State, error) {
	if !bytes.Equal(pt.GroupID, s.GroupID) {
		return nil, fmt.Errorf("%w: group id", ErrProtocol)
	}
	if pt.Epoch != s.Epoch {
		return nil, fmt.Errorf("%w: have %d, got %d", ErrEpochMismatch, s.Epoch, pt.Epoch)
	}
	if pt.Sender.Type != SenderTypeMember {
		return nil, fmt.Errorf("%w: unsupported sender type", ErrProtocol)
	}

	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	sigPub := s.Tree.Nodes[toNodeIndex(pt.Sender.Sender)].Node.Leaf.Credential.PublicKey()
	if !pt.Verify(ctx, *sigPub, s.Scheme) {
		return nil, fmt.Errorf("%w: handshake message", ErrInvalidSignature)
	}

	switch pt.ContentType {
	case ContentTypeProposal:
		s.PendingProposals = append(s.PendingProposals, *pt)
		return nil, nil

	case ContentTypeCommit:
		if pt.Sender.Sender == s.Index {
			key := string(s.CipherSuite.Digest(mustMarshal(pt)))
			cached, ok := s.selfCommits[key]
			if !ok {
				return nil, fmt.Errorf("%w: unrecognized self-sent commit", ErrProtocol)
			}
			return cached, nil
		}

		return s.handleCommit(pt)

	default:
		return nil, fmt.Errorf("%w: unexpected content type on Handle", ErrProtocol)
	}
}

func (s *State) handleCommit(pt *MLSPlaintext) (*State, error) {
	commit := pt.Commit

	next := s.clone()
	if err := next.apply(*commit); err != nil {
		return nil, err
	}
	next.PendingProposals = nil

	if commit.Path == nil {
		return nil, fmt.Errorf("%w: commit without a path", ErrProtocol)
	}
	if err := commit.Path.ParentHashValid(s.CipherSuite); err != nil {
		return nil, err
	}

	ctx, err := next.marshalGroupContext()
	if err != nil {
		return nil, err
	}

	senderIndex := pt.Sender.Sender
	priv, err := next.Priv.Decap(senderIndex, next.Tree.Size(), ctx, *commit.Path)
	if err != nil {
		return nil, err
	}
	next.Priv = *priv

	if err := next.Tree.Merge(senderIndex, *commit.Path); err != nil {
		return nil, err
	}

	commitSecret := priv.PathSecrets[root(next.Tree.Size())]

	content, err := pt.commitContent()
	if err != nil {
		return nil, err
	}
	digest := next.CipherSuite.hash()()
	digest.Write(next.InterimTranscriptHash)
	digest.Write(content)
	next.ConfirmedTranscriptHash = digest.Sum(nil)

	next.Epoch++
	if err := next.updateEpochSecrets(commitSecret); err != nil {
		return nil, err
	}

	if !next.verifyConfirmation(pt.Confirmation) {
		return nil, fmt.Errorf("%w: commit confirmation", ErrInvalidMAC)
	}

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, err
	}
	digest = next.CipherSuite.hash()()
	digest.Write(next.ConfirmedTranscriptHash)
	digest.Write(authData)
	next.InterimTranscriptHash = digest.Sum(nil)

	return next, nil
}

func (s State) verifyConfirmation(confirmation []byte) bool {
	hmac := s.CipherSuite.newHMAC(s.Keys.ConfirmationKey)
	hmac.Write(s.ConfirmedTranscriptHash)
	return bytesEqual(hmac.Sum(nil), confirmation)
}

///
/// Protect / Unprotect
///

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

func senderDataAAD(groupID []byte, epoch uint64, contentType ContentType, nonce []byte) []byte {
	return mustMarshal(struct {
		GroupID         []byte `tls:"head=1"`
		Epoch           uint64
		ContentType     ContentType
		SenderDataNonce []byte `tls:"head=1"`
	}{groupID, epoch, contentType, nonce})
}

func contentAAD(groupID []byte, epoch uint64, contentType ContentType, nonce, encSenderData []byte) []byte {
	return mustMarshal(struct {
		GroupID             []byte `tls:"head=1"`
		Epoch               uint64
		ContentType         ContentType
		SenderDataNonce     []byte `tls:"head=1"`
		EncryptedSenderData []byte `tls:"head=1"`
	}{groupID, epoch, contentType, nonce, encSenderData})
}

func (s *State) encrypt(pt *MLSPlaintext) (*MLSCiphertext, error) {
	var generation uint32
	var keys keyAndNonce
	switch pt.ContentType {
	case ContentTypeApplication:
		generation, keys = s.Keys.ApplicationKeys.Next(s.Index)
	case ContentTypeProposal, ContentTypeCommit:
		generation, keys = s.Keys.HandshakeKeys.Next(s.Index)
	default:
		return nil, fmt.Errorf("%w: encrypt of unknown content type", ErrProtocol)
	}

	var reuseGuard [4]byte
	if _, err := rand.Read(reuseGuard[:]); err != nil {
		return nil, err
	}

	sd := NewWriteStream()
	if err := sd.WriteAll(s.Index, generation, reuseGuard); err != nil {
		return nil, err
	}

	senderDataNonce := make([]byte, s.CipherSuite.Constants().NonceSize)
	if _, err := rand.Read(senderDataNonce); err != nil {
		return nil, err
	}

	sdAead, err := s.CipherSuite.NewAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdCt := sdAead.Seal(nil, senderDataNonce, sd.Data(), senderDataAAD(s.GroupID, s.Epoch, pt.ContentType, senderDataNonce))

	content := NewWriteStream()
	switch pt.ContentType {
	case ContentTypeApplication:
		if err := content.Write(struct {
			Data []byte `tls:"head=4"`
		}{pt.ApplicationData}); err != nil {
			return nil, err
		}
	case ContentTypeProposal:
		if err := content.Write(pt.Proposal); err != nil {
			return nil, err
		}
	case ContentTypeCommit:
		if err := content.Write(pt.Commit); err != nil {
			return nil, err
		}
	}
	if err := content.Write(struct {
		Signature []byte `tls:"head=2"`
	}{pt.Signature}); err != nil {
		return nil, err
	}

	aad := contentAAD(s.GroupID, s.Epoch, pt.ContentType, senderDataNonce, sdCt)
	aead, err := s.CipherSuite.NewAEAD(keys.Key)
	if err != nil {
		return nil, err
	}
	contentCt := aead.Seal(nil, applyGuard(keys.Nonce, reuseGuard), content.Data(), aad)

	return &MLSCiphertext{
		GroupID:             s.GroupID,
		Epoch:               s.Epoch,
		ContentType:         pt.ContentType,
		SenderDataNonce:      senderDataNonce,
		EncryptedSenderData: sdCt,
		Ciphertext:          contentCt,
	}, nil
}

func (s *State) decrypt(ct *MLSCiphertext) (*MLSPlaintext, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, fmt.Errorf("%w: ciphertext group id", ErrProtocol)
	}
	if ct.Epoch != s.Epoch {
		return nil, fmt.Errorf("%w: ciphertext epoch, have %d, got %d", ErrEpochMismatch, s.Epoch, ct.Epoch)
	}

	sdAead, err := s.CipherSuite.NewAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sd, err := sdAead.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, senderDataAAD(ct.GroupID, ct.Epoch, ct.ContentType, ct.SenderDataNonce))
	if err != nil {
		return nil, fmt.Errorf("%w: sender data", ErrDecryption)
	}

	var sender LeafIndex
	var generation uint32
	var reuseGuard [4]byte
	sdStream := NewReadStream(sd)
	if _, err := sdStream.ReadAll(&sender, &generation, &reuseGuard); err != nil {
		return nil, err
	}

	if LeafCount(sender) >= s.Tree.Size() || s.Tree.Nodes[toNodeIndex(sender)].Blank() {
		return nil, fmt.Errorf("%w: sender leaf not occupied", ErrProtocol)
	}

	var keys keyAndNonce
	switch ct.ContentType {
	case ContentTypeApplication:
		keys, err = s.Keys.ApplicationKeys.Get(sender, generation)
		if err == nil {
			s.Keys.ApplicationKeys.Erase(sender, generation)
		}
	case ContentTypeProposal, ContentTypeCommit:
		keys, err = s.Keys.HandshakeKeys.Get(sender, generation)
		if err == nil {
			s.Keys.HandshakeKeys.Erase(sender, generation)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content type", ErrProtocol)
	}
	if err != nil {
		return nil, err
	}

	aad := contentAAD(ct.GroupID, ct.Epoch, ct.ContentType, ct.SenderDataNonce, ct.EncryptedSenderData)
	aead, err := s.CipherSuite.NewAEAD(keys.Key)
	if err != nil {
		return nil, err
	}
	content, err := aead.Open(nil, applyGuard(keys.Nonce, reuseGuard), ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: content", ErrDecryption)
	}

	pt := &MLSPlaintext{
		GroupID:     s.GroupID,
		Epoch:       s.Epoch,
		Sender:      Sender{Type: SenderTypeMember, Sender: sender},
		ContentType: ct.ContentType,
	}

	stream := NewReadStream(content)
	var err2 error
	switch ct.ContentType {
	case ContentTypeApplication:
		body := struct {
			Data []byte `tls:"head=4"`
		}{}
		_, err2 = stream.Read(&body)
		pt.ApplicationData = body.Data
	case ContentTypeProposal:
		pt.Proposal = new(Proposal)
		_, err2 = stream.Read(pt.Proposal)
	case ContentTypeCommit:
		pt.Commit = new(Commit)
		_, err2 = stream.Read(pt.Commit)
	}
	if err2 != nil {
		return nil, err2
	}

	sig := struct {
		Signature []byte `tls:"head=2"`
	}{}
	if _, err := stream.Read(&sig); err != nil {
		return nil, err
	}
	pt.Signature = sig.Signature

	return pt, nil
}

func (s *State) Protect(data []byte) (*MLSCiphertext, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	pt := &MLSPlaintext{
		GroupID:         s.GroupID,
		Epoch:           s.Epoch,
		Sender:          Sender{Type: SenderTypeMember, Sender: s.Index},
		ContentType:     ContentTypeApplication,
		ApplicationData: data,
	}
	if err := pt.Sign(ctx, s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}

	return s.encrypt(pt)
}

func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	pt, err := s.decrypt(ct)
	if err != nil {
		return nil, err
	}

	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	sigPub := s.Tree.Nodes[toNodeIndex(pt.Sender.Sender)].Node.Leaf.Credential.PublicKey()
	if !pt.Verify(ctx, *sigPub, s.Scheme) {
		return nil, fmt.Errorf("%w: application message", ErrInvalidSignature)
	}

	if pt.ContentType != ContentTypeApplication {
		return nil, fmt.Errorf("%w: unprotect of non-application content", ErrProtocol)
	}
	return pt.ApplicationData, nil
}

///
/// Clone / Equals
///

func (s State) clone() *State {
	updateSecrets := make(map[ProposalRef][]byte, len(s.UpdateSecrets))
	for k, v := range s.UpdateSecrets {
		updateSecrets[k] = v
	}

	pendingProposals := make([]MLSPlaintext, len(s.PendingProposals))
	copy(pendingProposals, s.PendingProposals)

	return &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    s.Tree.Clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Index:                   s.Index,
		Priv:                    s.Priv,
		IdentityPriv:            s.IdentityPriv,
		Scheme:                  s.Scheme,
		PendingProposals:        pendingProposals,
		UpdateSecrets:           updateSecrets,
		Keys:                    s.Keys,
		selfCommits:             s.selfCommits,
	}
}

// Equals compares the shared, confirmed aspects of two states -- what
// every member of a group at a given epoch must agree on.
func (s State) Equals(o State) bool {
	suite := s.CipherSuite == o.CipherSuite
	groupID := bytes.Equal(s.GroupID, o.GroupID)
	epoch := s.Epoch == o.Epoch
	tree := s.Tree.Equals(o.Tree)
	cth := bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash)
	ith := bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash)
	keys := bytes.Equal(s.Keys.EpochSecret, o.Keys.EpochSecret)

	return suite && groupID && epoch && tree && cth && ith && keys
}
