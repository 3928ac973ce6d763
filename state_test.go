package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testGroupID = []byte{0x01, 0x02, 0x03, 0x04}
	userId      = []byte{0x04, 0x05, 0x06, 0x07}
	testSuite   = X25519_AES128GCM_SHA256_Ed25519
	testScheme  = Ed25519

	testMessage = unhex("01020304")
)

func newTestMember(t *testing.T) (SignaturePrivateKey, []byte, Credential) {
	secret := randomBytes(32)
	sigPriv, err := testScheme.Derive(secret)
	require.Nil(t, err)

	cred := NewBasicCredential(userId, testScheme, sigPriv.PublicKey)
	return sigPriv, secret, *cred
}

func TestStateTwoPerson(t *testing.T) {
	creatorSig, creatorLeaf, creatorCred := newTestMember(t)
	first0, err := NewEmptyState(testGroupID, testSuite, creatorLeaf, creatorCred, creatorSig)
	require.Nil(t, err)

	joinerSig, joinerLeaf, joinerCred := newTestMember(t)
	joinerInitPriv, err := testSuite.hpke().Derive(joinerLeaf)
	require.Nil(t, err)

	joinerKp, err := NewKeyPackageWithInitKey(testSuite, joinerInitPriv.PublicKey, &joinerCred)
	require.Nil(t, err)
	require.Nil(t, joinerKp.Sign(joinerSig))

	addMsg, err := first0.Add(*joinerKp)
	require.Nil(t, err)

	_, err = first0.Handle(addMsg)
	require.Nil(t, err)

	commitSecret := randomBytes(32)
	commitMsg, welcome, first1, err := first0.Commit(commitSecret)
	require.Nil(t, err)
	require.NotNil(t, welcome)

	second0, err := NewJoinedState(testSuite, joinerLeaf, joinerSig, *joinerKp, *welcome)
	require.Nil(t, err)

	require.True(t, first1.Equals(*second0))

	// The joiner is already at the new epoch through the Welcome; the
	// creator gets its already-computed next state back from Handle's
	// self-sender short-circuit.
	self, err := first0.Handle(commitMsg)
	require.Nil(t, err)
	require.True(t, self.Equals(*first1))

	ct, err := first1.Protect(testMessage)
	require.Nil(t, err)

	pt, err := second0.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, pt)
}

func TestStateUpdate(t *testing.T) {
	creatorSig, creatorLeaf, creatorCred := newTestMember(t)
	first0, err := NewEmptyState(testGroupID, testSuite, creatorLeaf, creatorCred, creatorSig)
	require.Nil(t, err)

	joinerSig, joinerLeaf, joinerCred := newTestMember(t)
	joinerInitPriv, err := testSuite.hpke().Derive(joinerLeaf)
	require.Nil(t, err)
	joinerKp, err := NewKeyPackageWithInitKey(testSuite, joinerInitPriv.PublicKey, &joinerCred)
	require.Nil(t, err)
	require.Nil(t, joinerKp.Sign(joinerSig))

	addMsg, err := first0.Add(*joinerKp)
	require.Nil(t, err)

	_, err = first0.Handle(addMsg)
	require.Nil(t, err)

	_, welcome, first1, err := first0.Commit(randomBytes(32))
	require.Nil(t, err)

	second0, err := NewJoinedState(testSuite, joinerLeaf, joinerSig, *joinerKp, *welcome)
	require.Nil(t, err)
	require.True(t, first1.Equals(*second0))

	// The joiner updates its own leaf key.
	newLeafSecret := randomBytes(32)
	updateMsg, err := second0.Update(newLeafSecret)
	require.Nil(t, err)

	_, err = first1.Handle(updateMsg)
	require.Nil(t, err)

	second1, err := second0.Handle(updateMsg)
	require.Nil(t, err)
	require.Nil(t, second1)

	commitMsg, _, first2, err := first1.Commit(randomBytes(32))
	require.Nil(t, err)

	second2, err := second0.Handle(commitMsg)
	require.Nil(t, err)
	require.True(t, first2.Equals(*second2))
}

func TestStateRemove(t *testing.T) {
	creatorSig, creatorLeaf, creatorCred := newTestMember(t)
	first0, err := NewEmptyState(testGroupID, testSuite, creatorLeaf, creatorCred, creatorSig)
	require.Nil(t, err)

	joinerSig, joinerLeaf, joinerCred := newTestMember(t)
	joinerInitPriv, err := testSuite.hpke().Derive(joinerLeaf)
	require.Nil(t, err)
	joinerKp, err := NewKeyPackageWithInitKey(testSuite, joinerInitPriv.PublicKey, &joinerCred)
	require.Nil(t, err)
	require.Nil(t, joinerKp.Sign(joinerSig))

	addMsg, err := first0.Add(*joinerKp)
	require.Nil(t, err)

	_, err = first0.Handle(addMsg)
	require.Nil(t, err)

	_, welcome, first1, err := first0.Commit(randomBytes(32))
	require.Nil(t, err)

	second0, err := NewJoinedState(testSuite, joinerLeaf, joinerSig, *joinerKp, *welcome)
	require.Nil(t, err)
	require.True(t, first1.Equals(*second0))

	removeMsg, err := first1.Remove(second0.Index)
	require.Nil(t, err)

	_, err = first1.Handle(removeMsg)
	require.Nil(t, err)

	_, _, first2, err := first1.Commit(randomBytes(32))
	require.Nil(t, err)
	require.Equal(t, LeafCount(1), first2.Tree.Size())
}

func addTestJoiner(t *testing.T, committer *State, others []*State) (*State, []*State) {
	joinerSig, joinerLeaf, joinerCred := newTestMember(t)
	joinerInitPriv, err := testSuite.hpke().Derive(joinerLeaf)
	require.Nil(t, err)
	joinerKp, err := NewKeyPackageWithInitKey(testSuite, joinerInitPriv.PublicKey, &joinerCred)
	require.Nil(t, err)
	require.Nil(t, joinerKp.Sign(joinerSig))

	addMsg, err := committer.Add(*joinerKp)
	require.Nil(t, err)

	_, err = committer.Handle(addMsg)
	require.Nil(t, err)
	for _, o := range others {
		_, err := o.Handle(addMsg)
		require.Nil(t, err)
	}

	commitMsg, welcome, next, err := committer.Commit(randomBytes(32))
	require.Nil(t, err)
	require.NotNil(t, welcome)

	joiner, err := NewJoinedState(testSuite, joinerLeaf, joinerSig, *joinerKp, *welcome)
	require.Nil(t, err)
	require.NotNil(t, joiner)
	require.True(t, next.Equals(*joiner))

	updated := make([]*State, 0, len(others))
	for _, o := range others {
		out, err := o.Handle(commitMsg)
		require.Nil(t, err)
		require.True(t, out.Equals(*next))
		updated = append(updated, out)
	}
	updated = append(updated, joiner)

	return next, updated
}

func TestStateFivePersonSequential(t *testing.T) {
	creatorSig, creatorLeaf, creatorCred := newTestMember(t)
	creator, err := NewEmptyState(testGroupID, testSuite, creatorLeaf, creatorCred, creatorSig)
	require.Nil(t, err)

	members := []*State{creator}

	for i := 0; i < 4; i++ {
		committer := members[0]
		others := members[1:]

		next, updatedOthers := addTestJoiner(t, committer, others)

		members = append([]*State{next}, updatedOthers...)
	}

	require.Equal(t, 5, len(members))
	require.Equal(t, LeafCount(5), members[0].Tree.Size())
	for _, m := range members {
		require.True(t, m.Equals(*members[0]))
	}
}

func TestStateBatchedAdd(t *testing.T) {
	creatorSig, creatorLeaf, creatorCred := newTestMember(t)
	creator, err := NewEmptyState(testGroupID, testSuite, creatorLeaf, creatorCred, creatorSig)
	require.Nil(t, err)

	sigA, leafA, credA := newTestMember(t)
	initPrivA, err := testSuite.hpke().Derive(leafA)
	require.Nil(t, err)
	kpA, err := NewKeyPackageWithInitKey(testSuite, initPrivA.PublicKey, &credA)
	require.Nil(t, err)
	require.Nil(t, kpA.Sign(sigA))

	sigB, leafB, credB := newTestMember(t)
	initPrivB, err := testSuite.hpke().Derive(leafB)
	require.Nil(t, err)
	kpB, err := NewKeyPackageWithInitKey(testSuite, initPrivB.PublicKey, &credB)
	require.Nil(t, err)
	require.Nil(t, kpB.Sign(sigB))

	addA, err := creator.Add(*kpA)
	require.Nil(t, err)
	_, err = creator.Handle(addA)
	require.Nil(t, err)

	addB, err := creator.Add(*kpB)
	require.Nil(t, err)
	_, err = creator.Handle(addB)
	require.Nil(t, err)

	_, welcome, next, err := creator.Commit(randomBytes(32))
	require.Nil(t, err)
	require.Equal(t, LeafCount(3), next.Tree.Size())
	require.Equal(t, 2, len(welcome.Secrets))

	stateA, err := NewJoinedState(testSuite, leafA, sigA, *kpA, *welcome)
	require.Nil(t, err)
	require.NotNil(t, stateA)
	require.True(t, next.Equals(*stateA))

	stateB, err := NewJoinedState(testSuite, leafB, sigB, *kpB, *welcome)
	require.Nil(t, err)
	require.NotNil(t, stateB)
	require.True(t, next.Equals(*stateB))
}

func TestStateWelcomeMisrouting(t *testing.T) {
	creatorSig, creatorLeaf, creatorCred := newTestMember(t)
	creator, err := NewEmptyState(testGroupID, testSuite, creatorLeaf, creatorCred, creatorSig)
	require.Nil(t, err)

	joinerSig, joinerLeaf, joinerCred := newTestMember(t)
	joinerInitPriv, err := testSuite.hpke().Derive(joinerLeaf)
	require.Nil(t, err)
	joinerKp, err := NewKeyPackageWithInitKey(testSuite, joinerInitPriv.PublicKey, &joinerCred)
	require.Nil(t, err)
	require.Nil(t, joinerKp.Sign(joinerSig))

	addMsg, err := creator.Add(*joinerKp)
	require.Nil(t, err)
	_, err = creator.Handle(addMsg)
	require.Nil(t, err)

	_, welcome, _, err := creator.Commit(randomBytes(32))
	require.Nil(t, err)

	strangerSig, strangerLeaf, strangerCred := newTestMember(t)
	strangerInitPriv, err := testSuite.hpke().Derive(strangerLeaf)
	require.Nil(t, err)
	strangerKp, err := NewKeyPackageWithInitKey(testSuite, strangerInitPriv.PublicKey, &strangerCred)
	require.Nil(t, err)
	require.Nil(t, strangerKp.Sign(strangerSig))

	state, err := NewJoinedState(testSuite, strangerLeaf, strangerSig, *strangerKp, *welcome)
	require.Nil(t, err)
	require.Nil(t, state)
}
