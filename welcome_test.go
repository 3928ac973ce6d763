package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupInfoSignVerify(t *testing.T) {
	_, sigPriv, kp := newTestKeyPackage(t)

	pub := NewTreeKEMPublicKey(testSuite)
	index := pub.AddLeaf(*kp)

	gi := &GroupInfo{
		GroupID:                 testGroupID,
		Epoch:                   0,
		Tree:                    *pub,
		ConfirmedTranscriptHash: []byte{0x01},
		InterimTranscriptHash:   []byte{0x02},
		Confirmation:            []byte{0x03},
	}

	require.Nil(t, gi.Sign(index, sigPriv, testScheme))
	require.True(t, gi.Verify())

	tampered := *gi
	tampered.Epoch = 1
	require.False(t, tampered.Verify())
}

func TestWelcomeRoundTrip(t *testing.T) {
	founderSecret, founderSigPriv, founderKp := newTestKeyPackage(t)

	pub := NewTreeKEMPublicKey(testSuite)
	founderIndex := pub.AddLeaf(*founderKp)

	founderPriv, err := NewTreeKEMPrivateKey(testSuite, pub.Size(), founderIndex, founderSecret)
	require.Nil(t, err)

	joinerSecret, _, joinerKp := newTestKeyPackage(t)
	joinerIndex := pub.AddLeaf(*joinerKp)

	context := []byte{0xAB}
	leafSecret := randomBytes(32)
	founderPriv, path, err := pub.Encap(founderIndex, context, leafSecret, founderSigPriv, nil)
	require.Nil(t, err)
	require.Nil(t, pub.Merge(founderIndex, *path))

	require.Nil(t, pub.setHash(root(pub.Size())))
	commitSecret := founderPriv.PathSecrets[root(pub.Size())]

	epoch := newKeyScheduleEpoch(testSuite, pub.Size(), testSuite.zero(), context)
	epoch = epoch.Next(pub.Size(), commitSecret, context)

	gi := &GroupInfo{
		GroupID:                 testGroupID,
		Epoch:                   1,
		Tree:                    *pub,
		ConfirmedTranscriptHash: []byte{0x01},
		InterimTranscriptHash:   []byte{0x02},
	}
	conf := testSuite.newHMAC(epoch.ConfirmationKey)
	conf.Write(gi.ConfirmedTranscriptHash)
	gi.Confirmation = conf.Sum(nil)
	require.Nil(t, gi.Sign(founderIndex, founderSigPriv, testScheme))

	welcome, err := NewWelcome(testSuite, epoch, gi)
	require.Nil(t, err)

	overlap, pathSecret, err := founderPriv.SharedPathSecret(joinerIndex)
	require.Nil(t, err)
	require.NotZero(t, overlap)

	require.Nil(t, welcome.EncryptTo(*joinerKp, GroupSecrets{
		JoinerSecret: epoch.JoinerSecret,
		PathSecret:   &pathSecretValue{Data: pathSecret},
	}))

	joinerInitPriv, err := testSuite.hpke().Derive(joinerSecret)
	require.Nil(t, err)

	secrets, outGi, err := welcome.Decrypt(*joinerKp, joinerInitPriv)
	require.Nil(t, err)
	require.Equal(t, epoch.JoinerSecret, secrets.JoinerSecret)
	require.NotNil(t, secrets.PathSecret)
	require.Equal(t, pathSecret, secrets.PathSecret.Data)
	require.True(t, outGi.Verify())
	require.Equal(t, gi.Confirmation, outGi.Confirmation)
}

func TestWelcomeNotAddressedToUnknownKeyPackage(t *testing.T) {
	_, _, founderKp := newTestKeyPackage(t)
	_, _, strangerKp := newTestKeyPackage(t)

	pub := NewTreeKEMPublicKey(testSuite)
	pub.AddLeaf(*founderKp)

	epoch := newKeyScheduleEpoch(testSuite, pub.Size(), testSuite.zero(), []byte{0x01})
	gi := &GroupInfo{GroupID: testGroupID}

	welcome, err := NewWelcome(testSuite, epoch, gi)
	require.Nil(t, err)

	_, found := welcome.Find(*strangerKp)
	require.False(t, found)
}
