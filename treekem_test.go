package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeyPackage(t *testing.T) ([]byte, SignaturePrivateKey, *KeyPackage) {
	secret := randomBytes(32)

	initPriv, err := testSuite.hpke().Derive(secret)
	require.Nil(t, err)

	sigPriv, err := testScheme.Derive(secret)
	require.Nil(t, err)

	cred := NewBasicCredential(userId, testScheme, sigPriv.PublicKey)

	kp, err := NewKeyPackageWithInitKey(testSuite, initPriv.PublicKey, cred)
	require.Nil(t, err)
	require.Nil(t, kp.Sign(sigPriv))

	return secret, sigPriv, kp
}

func TestTreeKEMMulti(t *testing.T) {
	groupSize := 10

	pub := NewTreeKEMPublicKey(testSuite)
	privs := make([]*TreeKEMPrivateKey, groupSize)
	sigPrivs := make([]SignaturePrivateKey, groupSize)

	secret, sigPriv, kp := newTestKeyPackage(t)
	sigPrivs[0] = sigPriv

	index := pub.AddLeaf(*kp)
	require.Equal(t, LeafIndex(0), index)

	priv, err := NewTreeKEMPrivateKey(testSuite, pub.Size(), index, secret)
	require.Nil(t, err)
	privs[0] = priv
	require.True(t, privs[0].ConsistentPub(*pub))

	for i := 0; i < groupSize-1; i++ {
		adder := LeafIndex(i)
		joiner := LeafIndex(i + 1)
		context := []byte{byte(i)}
		joinerSecret, joinerSigPriv, joinerKp := newTestKeyPackage(t)
		sigPrivs[i+1] = joinerSigPriv

		addedIndex := pub.AddLeaf(*joinerKp)
		require.Equal(t, joiner, addedIndex)

		leafSecret := randomBytes(32)
		adderPriv, path, err := pub.Encap(adder, context, leafSecret, sigPrivs[i], nil)
		require.Nil(t, err)
		require.Nil(t, path.ParentHashValid(testSuite))

		require.Nil(t, pub.Merge(adder, *path))
		privs[i] = adderPriv
		require.True(t, privs[i].ConsistentPub(*pub))

		overlap, pathSecret, err := privs[i].SharedPathSecret(joiner)
		require.Nil(t, err)

		joinerPriv, err := NewTreeKEMPrivateKeyForJoiner(testSuite, joiner, pub.Size(), joinerSecret, overlap, pathSecret)
		require.Nil(t, err)
		privs[i+1] = joinerPriv
		require.True(t, privs[i+1].Consistent(*privs[i]))
		require.True(t, privs[i+1].ConsistentPub(*pub))

		for j := 0; j < i; j++ {
			next, err := privs[j].Decap(adder, pub.Size(), context, *path)
			require.Nil(t, err)
			privs[j] = next
			require.True(t, privs[j].Consistent(*privs[i]))
			require.True(t, privs[j].ConsistentPub(*pub))
		}
	}
}

func TestTreeKEM(t *testing.T) {
	context := randomBytes(32)

	pub := NewTreeKEMPublicKey(testSuite)

	secretA, sigPrivA, kpA := newTestKeyPackage(t)

	indexA := pub.AddLeaf(*kpA)
	require.Equal(t, LeafIndex(0), indexA)

	privA, err := NewTreeKEMPrivateKey(testSuite, pub.Size(), indexA, secretA)
	require.Nil(t, err)
	require.True(t, privA.ConsistentPub(*pub))

	leafA := randomBytes(32)
	privA, path, err := pub.Encap(indexA, context, leafA, sigPrivA, nil)
	require.Nil(t, err)
	require.Nil(t, path.ParentHashValid(testSuite))

	require.Nil(t, pub.Merge(indexA, *path))
	require.True(t, privA.ConsistentPub(*pub))

	secretB, sigPrivB, kpB := newTestKeyPackage(t)

	indexB := pub.AddLeaf(*kpB)
	require.Equal(t, LeafIndex(1), indexB)

	leafA = randomBytes(32)
	privA, path, err = pub.Encap(indexA, context, leafA, sigPrivA, nil)
	require.Nil(t, err)
	require.Nil(t, path.ParentHashValid(testSuite))

	require.Nil(t, pub.Merge(indexA, *path))
	require.True(t, privA.ConsistentPub(*pub))

	overlapAB, pathSecretB, err := privA.SharedPathSecret(indexB)
	require.Nil(t, err)

	privB, err := NewTreeKEMPrivateKeyForJoiner(testSuite, indexB, pub.Size(), secretB, overlapAB, pathSecretB)
	require.Nil(t, err)
	require.True(t, privB.Consistent(*privA))
	require.True(t, privB.ConsistentPub(*pub))

	leafB := randomBytes(32)
	privB, path, err = pub.Encap(indexB, context, leafB, sigPrivB, nil)
	require.Nil(t, err)
	require.Nil(t, path.ParentHashValid(testSuite))

	require.Nil(t, pub.Merge(indexB, *path))
	require.True(t, privB.ConsistentPub(*pub))

	privA, err = privA.Decap(indexB, pub.Size(), context, *path)
	require.Nil(t, err)
	require.True(t, privA.Consistent(*privB))
	require.True(t, privA.ConsistentPub(*pub))
}
