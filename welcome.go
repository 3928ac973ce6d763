package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// GroupInfo bundles the tree and transcript state a joiner needs, signed
// by the committer so a joiner can verify it came from a real member of
// the tree it describes.
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	Tree                    TreeKEMPublicKey
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
	Signature               []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	Tree                    TreeKEMPublicKey
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    gi.Tree,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		Confirmation:            gi.Confirmation,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) Sign(index LeafIndex, priv SignaturePrivateKey, scheme SignatureScheme) error {
	gi.SignerIndex = index

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	gi.Signature = sig
	return nil
}

// Verify checks GroupInfo.signature against the signing leaf's
// credential as recorded in the GroupInfo's own tree.
func (gi GroupInfo) Verify() bool {
	size := gi.Tree.Size()
	if LeafCount(gi.SignerIndex) >= size {
		return false
	}

	ni := toNodeIndex(gi.SignerIndex)
	if gi.Tree.Nodes[ni].Blank() {
		return false
	}

	signerKeyPackage := gi.Tree.Nodes[ni].Node.Leaf
	tbs, err := gi.toBeSigned()
	if err != nil {
		return false
	}

	scheme := signerKeyPackage.Credential.Scheme()
	pub := signerKeyPackage.Credential.PublicKey()
	return scheme.Verify(pub, tbs, gi.Signature)
}

// pathSecretValue wraps the path secret bytes so the optional pointer
// field below points at a struct (valid for the "optional" tag) while the
// bytes themselves still carry their own length header.
type pathSecretValue struct {
	Data []byte `tls:"head=1"`
}

// GroupSecrets is the per-joiner payload of a Welcome: the epoch's
// joiner_secret, plus (for a joiner added alongside other path changes)
// the path secret at the lowest ancestor the joiner shares with the
// committer.
type GroupSecrets struct {
	JoinerSecret []byte           `tls:"head=1"`
	PathSecret   *pathSecretValue `tls:"optional"`
}

// EncryptedGroupSecrets pairs the hash of the recipient's KeyPackage
// (so a joiner can find its own entry) with GroupSecrets HPKE-encrypted
// to that KeyPackage's init key.
type EncryptedGroupSecrets struct {
	KeyPackageHash   []byte `tls:"head=1"`
	EncryptedSecrets HPKECiphertext
}

// Welcome bundles a signed GroupInfo (encrypted under a key derived from
// welcome_secret) with one EncryptedGroupSecrets entry per new member.
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

func NewWelcome(suite CipherSuite, epochSecrets keyScheduleEpoch, groupInfo *GroupInfo) (*Welcome, error) {
	kn := groupInfoKeyAndNonce(suite, epochSecrets.WelcomeSecret)

	gi, err := syntax.Marshal(groupInfo)
	if err != nil {
		return nil, err
	}

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	encryptedGroupInfo := aead.Seal(nil, kn.Nonce, gi, nil)

	return &Welcome{
		CipherSuite:        suite,
		EncryptedGroupInfo: encryptedGroupInfo,
	}, nil
}

// EncryptTo adds an EncryptedGroupSecrets entry addressed to kp,
// encrypting secrets under kp's init key with empty AAD.
func (w *Welcome) EncryptTo(kp KeyPackage, secrets GroupSecrets) error {
	pt, err := syntax.Marshal(secrets)
	if err != nil {
		return err
	}

	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, pt)
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageHash:   kp.Hash(),
		EncryptedSecrets: ct,
	})
	return nil
}

// Find locates the caller's own EncryptedGroupSecrets entry by comparing
// KeyPackage hashes; it returns found=false (never an error) when the
// Welcome was not addressed to kp, matching "not for us" in the spec's
// failure semantics.
func (w Welcome) Find(kp KeyPackage) (int, bool) {
	hash := kp.Hash()
	for i, es := range w.Secrets {
		if bytesEqual(es.KeyPackageHash, hash) {
			return i, true
		}
	}
	return 0, false
}

// Decrypt recovers this joiner's GroupSecrets using its init private
// key, and the GroupInfo using welcome_secret derived from the joiner's
// recovered joiner_secret.
func (w Welcome) Decrypt(kp KeyPackage, initPriv HPKEPrivateKey) (GroupSecrets, *GroupInfo, error) {
	i, found := w.Find(kp)
	if !found {
		return GroupSecrets{}, nil, fmt.Errorf("mls: welcome not addressed to this KeyPackage")
	}

	pt, err := w.CipherSuite.hpke().Decrypt(initPriv, []byte{}, w.Secrets[i].EncryptedSecrets)
	if err != nil {
		return GroupSecrets{}, nil, err
	}

	var secrets GroupSecrets
	if _, err := syntax.Unmarshal(pt, &secrets); err != nil {
		return GroupSecrets{}, nil, err
	}

	welcomeSecret := w.CipherSuite.hkdfExpandLabel(secrets.JoinerSecret, "welcome", []byte{}, w.CipherSuite.Constants().SecretSize)
	kn := groupInfoKeyAndNonce(w.CipherSuite, welcomeSecret)
	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return GroupSecrets{}, nil, err
	}

	giData, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return GroupSecrets{}, nil, err
	}

	var gi GroupInfo
	if _, err := syntax.Unmarshal(giData, &gi); err != nil {
		return GroupSecrets{}, nil, err
	}

	return secrets, &gi, nil
}
