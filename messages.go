package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// KeyPackage
///

// KeyPackage is a prospective member's self-signed identity+init-key
// bundle: the piece of state an Add proposal carries and a joiner's
// Welcome is addressed to.
type KeyPackage struct {
	Suite      CipherSuite
	InitKey    HPKEPublicKey
	Credential Credential
	Extensions ExtensionList
	Signature  []byte `tls:"head=2"`
}

func NewKeyPackageWithInitKey(suite CipherSuite, initPub HPKEPublicKey, cred *Credential) (*KeyPackage, error) {
	return &KeyPackage{
		Suite:      suite,
		InitKey:    initPub,
		Credential: *cred,
		Extensions: *NewExtensionList(),
	}, nil
}

func (kp *KeyPackage) SetExtensions(exts []ExtensionBody) error {
	el := NewExtensionList()
	for _, e := range exts {
		if err := el.Add(e); err != nil {
			return err
		}
	}
	kp.Extensions = *el
	return nil
}

type keyPackageTBS struct {
	Suite      CipherSuite
	InitKey    HPKEPublicKey
	Credential Credential
	Extensions ExtensionList
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{kp.Suite, kp.InitKey, kp.Credential, kp.Extensions})
}

func (kp *KeyPackage) Sign(priv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	scheme := kp.Credential.Scheme()
	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	kp.Signature = sig
	return nil
}

func (kp KeyPackage) Verify() bool {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return false
	}

	scheme := kp.Credential.Scheme()
	pub := kp.Credential.PublicKey()
	return scheme.Verify(pub, tbs, kp.Signature)
}

func (kp KeyPackage) Equals(o KeyPackage) bool {
	lhs, err1 := syntax.Marshal(kp)
	rhs, err2 := syntax.Marshal(o)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytesEqual(lhs, rhs)
}

// Hash is the digest used to locate a joiner's own EncryptedGroupSecrets
// entry within a Welcome.
func (kp KeyPackage) Hash() []byte {
	enc, err := syntax.Marshal(kp)
	if err != nil {
		panic(fmt.Errorf("mls: KeyPackage hash: %v", err))
	}
	return kp.Suite.Digest(enc)
}

///
/// Proposal
///

type ProposalType uint8

const (
	ProposalTypeAdd    ProposalType = 1
	ProposalTypeUpdate ProposalType = 2
	ProposalTypeRemove ProposalType = 3
)

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	KeyPackage KeyPackage
}

type RemoveProposal struct {
	Removed LeafIndex
}

// Proposal is the closed Add/Update/Remove union; exactly one field is
// set. MLSPlaintext carries it as ContentTypeProposal content.
type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		panic("mls: empty Proposal")
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := s.Write(p.Type()); err != nil {
		return nil, err
	}

	var err error
	switch {
	case p.Add != nil:
		err = s.Write(p.Add)
	case p.Update != nil:
		err = s.Write(p.Update)
	case p.Remove != nil:
		err = s.Write(p.Remove)
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var pt ProposalType
	if _, err := s.Read(&pt); err != nil {
		return 0, err
	}

	var err error
	switch pt {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("mls: unknown proposal type %d", pt)
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

// ProposalID references an MLSPlaintext carrying a Proposal by digest,
// so a Commit can name proposals without re-embedding them.
type ProposalID struct {
	Hash []byte `tls:"head=1"`
}

func proposalID(suite CipherSuite, encodedPlaintext []byte) ProposalID {
	return ProposalID{Hash: suite.Digest(encodedPlaintext)}
}

func (id ProposalID) Equals(o ProposalID) bool {
	return bytesEqual(id.Hash, o.Hash)
}

///
/// Commit
///

type Commit struct {
	Proposals []ProposalID `tls:"head=4"`
	Path      *TreeKEMPath `tls:"optional"`
}

///
/// Sender / ContentType
///

type SenderType uint8

const (
	SenderTypeMember SenderType = 1
)

type Sender struct {
	Type   SenderType
	Sender LeafIndex
}

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

///
/// MLSPlaintext
///

// MLSPlaintext is the signed envelope around every piece of handshake
// and application content: a single proposal, a commit, or an opaque
// application message.
type MLSPlaintext struct {
	GroupID         []byte `tls:"head=1"`
	Epoch           uint64
	Sender          Sender
	ContentType     ContentType
	ApplicationData []byte
	Proposal        *Proposal
	Commit          *Commit
	Signature       []byte `tls:"head=2"`
	Confirmation    []byte `tls:"head=1"`
}

func (pt MLSPlaintext) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()

	header := struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		ContentType ContentType
	}{pt.GroupID, pt.Epoch, pt.Sender, pt.ContentType}
	if err := s.Write(header); err != nil {
		return nil, err
	}

	var err error
	switch pt.ContentType {
	case ContentTypeApplication:
		err = s.Write(struct {
			Data []byte `tls:"head=4"`
		}{pt.ApplicationData})
	case ContentTypeProposal:
		err = s.Write(pt.Proposal)
	case ContentTypeCommit:
		err = s.Write(pt.Commit)
	default:
		err = fmt.Errorf("mls: unknown content type %d", pt.ContentType)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Write(struct {
		Signature []byte `tls:"head=2"`
	}{pt.Signature}); err != nil {
		return nil, err
	}

	if pt.ContentType == ContentTypeCommit {
		if err := s.Write(struct {
			Confirmation []byte `tls:"head=1"`
		}{pt.Confirmation}); err != nil {
			return nil, err
		}
	}

	return s.Data(), nil
}

func (pt *MLSPlaintext) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)

	header := struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		ContentType ContentType
	}{}
	if _, err := s.Read(&header); err != nil {
		return 0, err
	}
	pt.GroupID = header.GroupID
	pt.Epoch = header.Epoch
	pt.Sender = header.Sender
	pt.ContentType = header.ContentType

	var err error
	switch pt.ContentType {
	case ContentTypeApplication:
		body := struct {
			Data []byte `tls:"head=4"`
		}{}
		_, err = s.Read(&body)
		pt.ApplicationData = body.Data
	case ContentTypeProposal:
		pt.Proposal = new(Proposal)
		_, err = s.Read(pt.Proposal)
	case ContentTypeCommit:
		pt.Commit = new(Commit)
		_, err = s.Read(pt.Commit)
	default:
		err = fmt.Errorf("mls: unknown content type %d", pt.ContentType)
	}
	if err != nil {
		return 0, err
	}

	sig := struct {
		Signature []byte `tls:"head=2"`
	}{}
	if _, err := s.Read(&sig); err != nil {
		return 0, err
	}
	pt.Signature = sig.Signature

	if pt.ContentType == ContentTypeCommit {
		conf := struct {
			Confirmation []byte `tls:"head=1"`
		}{}
		if _, err := s.Read(&conf); err != nil {
			return 0, err
		}
		pt.Confirmation = conf.Confirmation
	}

	return s.Position(), nil
}

// toBeSigned covers the content, the group context it was produced
// under, and the sender -- so a replayed plaintext from a different
// epoch or group fails verification.
func (pt MLSPlaintext) toBeSigned(ctx GroupContext) ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := s.Write(struct {
		GroupContext GroupContext
		GroupID      []byte `tls:"head=1"`
		Epoch        uint64
		Sender       Sender
		ContentType  ContentType
	}{ctx, pt.GroupID, pt.Epoch, pt.Sender, pt.ContentType}); err != nil {
		return nil, err
	}

	var err error
	switch pt.ContentType {
	case ContentTypeApplication:
		err = s.Write(struct {
			Data []byte `tls:"head=4"`
		}{pt.ApplicationData})
	case ContentTypeProposal:
		err = s.Write(pt.Proposal)
	case ContentTypeCommit:
		err = s.Write(pt.Commit)
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (pt *MLSPlaintext) Sign(ctx GroupContext, priv SignaturePrivateKey, scheme SignatureScheme) error {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	pt.Signature = sig
	return nil
}

func (pt MLSPlaintext) Verify(ctx GroupContext, pub SignaturePublicKey, scheme SignatureScheme) bool {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return false
	}
	return scheme.Verify(&pub, tbs, pt.Signature)
}

// commitContent is confirmed_transcript_hash's input: the plaintext's
// header and its Commit. The confirmation tag and the signature are not
// part of it; the committer computes this hash before either exists.
func (pt MLSPlaintext) commitContent() ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := s.Write(struct {
		GroupID     []byte `tls:"head=1"`
		Epoch       uint64
		Sender      Sender
		ContentType ContentType
		Commit      *Commit
	}{pt.GroupID, pt.Epoch, pt.Sender, pt.ContentType, pt.Commit}); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

// commitAuthData is interim_transcript_hash's input following a commit:
// the confirmation tag that was just attached.
func (pt MLSPlaintext) commitAuthData() ([]byte, error) {
	return syntax.Marshal(struct {
		Confirmation []byte `tls:"head=1"`
	}{pt.Confirmation})
}

///
/// MLSCiphertext
///

// senderData identifies which member's ratchet, and which generation of
// it, produced an MLSCiphertext; it travels encrypted under the epoch's
// sender data key so observers can't link ciphertexts to senders.
type senderData struct {
	Sender     LeafIndex
	Generation uint32
}

type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

///
/// GroupContext
///

// GroupContext is mixed into the key schedule and into every signature
// and MAC so that messages from a different group or epoch fail.
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}
