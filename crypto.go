package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cisco/go-tls-syntax"
)

// CipherSuite selects the KEM, AEAD, hash, and signature algorithms used
// throughout a group's lifetime. It is carried by value everywhere instead
// of being global state, so two groups in the same process can run
// different suites.
type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256              CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	P521_AES256GCM_SHA512_P521              CipherSuite = 0x0004
)

func (suite CipherSuite) ValidForTLS() error {
	return validateEnum(suite,
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
		P521_AES256GCM_SHA512_P521)
}

func (suite CipherSuite) String() string {
	switch suite {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	default:
		return "UnknownCipherSuite"
	}
}

// cipherSuiteConstants mirrors the per-suite sizing a caller needs to
// allocate secrets, keys, and nonces of the right length.
type cipherSuiteConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (suite CipherSuite) Constants() cipherSuiteConstants {
	switch suite {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256:
		return cipherSuiteConstants{KeySize: 16, NonceSize: 12, SecretSize: 32}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherSuiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 32}
	case P521_AES256GCM_SHA512_P521:
		return cipherSuiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 64}
	default:
		panic("mls: unsupported ciphersuite")
	}
}

func (suite CipherSuite) hash() func() hash.Hash {
	switch suite {
	case P521_AES256GCM_SHA512_P521:
		return sha512.New
	default:
		return sha256.New
	}
}

func (suite CipherSuite) Digest(data []byte) []byte {
	h := suite.hash()()
	h.Write(data)
	return h.Sum(nil)
}

func (suite CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(suite.hash(), key)
}

func (suite CipherSuite) zero() []byte {
	return make([]byte, suite.Constants().SecretSize)
}

// NewAEAD constructs a cipher.AEAD for the suite's AEAD algorithm.
func (suite CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch suite {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256, P521_AES256GCM_SHA512_P521:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("mls: unsupported ciphersuite for AEAD")
	}
}

///
/// HKDF
///

func (suite CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(suite.hash(), ikm, salt)
}

// hkdfLabel is the TLS-encoded structure over which Expand-Label's info
// string is built, matching the shape used throughout the rest of the
// key schedule (length-prefixed label and context).
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (suite CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := append([]byte("mls10 "), []byte(label)...)
	info, err := syntax.Marshal(hkdfLabel{
		Length:  uint16(length),
		Label:   mlsLabel,
		Context: context,
	})
	if err != nil {
		panic(fmt.Errorf("mls: hkdfExpandLabel marshal failure: %v", err))
	}

	out := make([]byte, length)
	reader := hkdf.Expand(suite.hash(), secret, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		panic(fmt.Errorf("mls: hkdfExpandLabel expand failure: %v", err))
	}
	return out
}

// deriveSecret is Derive-Secret(Secret, Label, Context) — an
// Expand-Label keyed to a digest of the (already-encoded) context, used
// to fan the epoch secret out into the named per-purpose secrets.
func (suite CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return suite.hkdfExpandLabel(secret, label, suite.Digest(context), suite.Constants().SecretSize)
}

// deriveAppSecret derives a ratchet secret scoped to a single tree node
// and generation, used by the hash ratchets that back per-member message
// keys.
func (suite CipherSuite) deriveAppSecret(secret []byte, label string, node NodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(struct {
		Node       NodeIndex
		Generation uint32
	}{node, generation})
	if err != nil {
		panic(fmt.Errorf("mls: deriveAppSecret context marshal failure: %v", err))
	}
	return suite.hkdfExpandLabel(secret, label, ctx, length)
}

///
/// Signatures
///

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
)

func (scheme SignatureScheme) String() string {
	switch scheme {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	default:
		return "UnknownSignatureScheme"
	}
}

func (scheme SignatureScheme) curve() elliptic.Curve {
	switch scheme {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	default:
		panic("mls: scheme has no associated curve")
	}
}

// SignaturePublicKey is an opaque, scheme-tagged-by-context public key:
// raw Ed25519 key bytes, or an uncompressed EC point.
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	if len(pub.Data) != len(o.Data) {
		return false
	}
	for i := range pub.Data {
		if pub.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (scheme SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch scheme {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := scheme.curve()
		priv, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		pub := elliptic.Marshal(curve, x, y)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	default:
		return SignaturePrivateKey{}, fmt.Errorf("mls: unsupported signature scheme")
	}
}

// Derive produces a deterministic key pair from a seed, used by test
// vectors and joiners that need reproducible keys.
func (scheme SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch scheme {
	case Ed25519:
		h := sha512.Sum512(seed)
		priv := ed25519.NewKeyFromSeed(h[:32])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := scheme.curve()
		d := new(big.Int).SetBytes(sha512.New().Sum(seed))
		order := curve.Params().N
		d.Mod(d, order)
		x, y := curve.ScalarBaseMult(d.Bytes())
		pub := elliptic.Marshal(curve, x, y)
		return SignaturePrivateKey{Data: d.Bytes(), PublicKey: SignaturePublicKey{Data: pub}}, nil

	default:
		return SignaturePrivateKey{}, fmt.Errorf("mls: unsupported signature scheme")
	}
}

func (scheme SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch scheme {
	case Ed25519:
		return ed25519.Sign(priv.Data, message), nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := scheme.curve()
		d := new(big.Int).SetBytes(priv.Data)
		key := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve},
			D:         d,
		}
		key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())

		digest := scheme.digest(message)
		r, s, err := ecdsa.Sign(rand.Reader, key, digest)
		if err != nil {
			return nil, err
		}
		return asn1ECDSASignature(r, s)

	default:
		return nil, fmt.Errorf("mls: unsupported signature scheme")
	}
}

func (scheme SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch scheme {
	case Ed25519:
		return ed25519.Verify(pub.Data, message, signature)

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := scheme.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

		r, s, err := parseASN1ECDSASignature(signature)
		if err != nil {
			return false
		}

		digest := scheme.digest(message)
		return ecdsa.Verify(key, digest, r, s)

	default:
		return false
	}
}

type ecdsaSignatureASN1 struct {
	R, S *big.Int
}

func asn1ECDSASignature(r, s *big.Int) ([]byte, error) {
	return asn1.Marshal(ecdsaSignatureASN1{R: r, S: s})
}

func parseASN1ECDSASignature(signature []byte) (r, s *big.Int, err error) {
	var sig ecdsaSignatureASN1
	if _, err := asn1.Unmarshal(signature, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}

func (scheme SignatureScheme) digest(message []byte) []byte {
	switch scheme {
	case ECDSA_SECP521R1_SHA512:
		h := sha512.Sum512(message)
		return h[:]
	default:
		h := sha256.Sum256(message)
		return h[:]
	}
}

///
/// HPKE
///

// HPKEPublicKey and HPKEPrivateKey wrap DH-KEM key material; the wire
// format is the raw serialized public point (X25519 key or uncompressed
// EC point), matching the "opaque public_key<1..2^16-1>" shape used
// throughout the tree.
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	if len(pub.Data) != len(o.Data) {
		return false
	}
	for i := range pub.Data {
		if pub.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

type HPKEPrivateKey struct {
	Data      []byte
	PublicKey HPKEPublicKey
}

// HPKECiphertext is a single-recipient HPKE output: the KEM
// encapsulation plus the AEAD-sealed payload.
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

// hpkeScheme implements a single-shot, HPKE-style construction (DH +
// HKDF key schedule + AEAD) over a suite's KEM curve. It uses this
// package's own Expand-Label labels, so its output does not interoperate
// with RFC 9180 implementations. The teacher
// exercised this surface through github.com/cisco/go-hpke; that library's
// exact exported API is not present anywhere in the retrieval pack (only
// usage of our own hpke() wrapper appears in crypto_test.go), so the
// construction is authored directly atop golang.org/x/crypto, which the
// pack otherwise already depends on for curve arithmetic and HKDF. See
// DESIGN.md for the reasoning.
type hpkeScheme struct {
	suite CipherSuite
}

func (suite CipherSuite) hpke() hpkeScheme {
	return hpkeScheme{suite: suite}
}

func (h hpkeScheme) isX25519() bool {
	switch h.suite {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return true
	default:
		return false
	}
}

func (h hpkeScheme) curve() elliptic.Curve {
	switch h.suite {
	case P256_AES128GCM_SHA256_P256:
		return elliptic.P256()
	case P521_AES256GCM_SHA512_P521:
		return elliptic.P521()
	default:
		panic("mls: suite has no EC KEM curve")
	}
}

func (h hpkeScheme) Generate() (HPKEPrivateKey, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return HPKEPrivateKey{}, err
	}
	return h.Derive(seed)
}

func (h hpkeScheme) Derive(seed []byte) (HPKEPrivateKey, error) {
	if h.isX25519() {
		var scalar [32]byte
		copy(scalar[:], h.suite.Digest(seed))
		var pub [32]byte
		curve25519.ScalarBaseMult(&pub, &scalar)
		return HPKEPrivateKey{
			Data:      dup(scalar[:]),
			PublicKey: HPKEPublicKey{Data: dup(pub[:])},
		}, nil
	}

	curve := h.curve()
	d := new(big.Int).SetBytes(h.suite.Digest(seed))
	d.Mod(d, curve.Params().N)
	x, y := curve.ScalarBaseMult(d.Bytes())
	return HPKEPrivateKey{
		Data:      d.Bytes(),
		PublicKey: HPKEPublicKey{Data: elliptic.Marshal(curve, x, y)},
	}, nil
}

func (h hpkeScheme) dh(priv HPKEPrivateKey, pub HPKEPublicKey) ([]byte, error) {
	if h.isX25519() {
		var scalar, peer, out [32]byte
		copy(scalar[:], priv.Data)
		copy(peer[:], pub.Data)
		curve25519.ScalarMult(&out, &scalar, &peer)
		return out[:], nil
	}

	curve := h.curve()
	x, y := elliptic.Unmarshal(curve, pub.Data)
	if x == nil {
		return nil, fmt.Errorf("mls: malformed HPKE public key")
	}
	d := new(big.Int).SetBytes(priv.Data)
	zx, _ := curve.ScalarMult(x, y, d.Bytes())
	return zx.Bytes(), nil
}

// encap derives the AEAD key/nonce for a one-shot HPKE message from the
// DH shared secret and the two parties' encoded public keys, using the
// suite's HKDF to run the equivalent of HPKE's key schedule.
func (h hpkeScheme) encap(dh []byte, enc, pkR []byte) (key, nonce []byte) {
	kemContext := append(dup(enc), pkR...)
	eae := h.suite.hkdfExtract(kemContext, dh)
	secretSize := h.suite.Constants().SecretSize
	secret := h.suite.hkdfExpandLabel(eae, "hpke secret", kemContext, secretSize)

	c := h.suite.Constants()
	key = h.suite.hkdfExpandLabel(secret, "hpke key", []byte{}, c.KeySize)
	nonce = h.suite.hkdfExpandLabel(secret, "hpke nonce", []byte{}, c.NonceSize)
	return key, nonce
}

func (h hpkeScheme) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	ephemeral, err := h.Generate()
	if err != nil {
		return HPKECiphertext{}, err
	}

	shared, err := h.dh(ephemeral, pub)
	if err != nil {
		return HPKECiphertext{}, err
	}

	key, nonce := h.encap(shared, ephemeral.PublicKey.Data, pub.Data)
	aead, err := h.suite.NewAEAD(key)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := aead.Seal(nil, nonce, pt, aad)
	return HPKECiphertext{
		KEMOutput:  ephemeral.PublicKey.Data,
		Ciphertext: ct,
	}, nil
}

func (h hpkeScheme) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	shared, err := h.dh(priv, HPKEPublicKey{Data: ct.KEMOutput})
	if err != nil {
		return nil, err
	}

	key, nonce := h.encap(shared, ct.KEMOutput, priv.PublicKey.Data)
	aead, err := h.suite.NewAEAD(key)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, nonce, ct.Ciphertext, aad)
}
