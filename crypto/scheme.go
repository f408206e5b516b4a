// Package crypto bundles the cipher suites used across the network: the BLS
// pairing suite under which section keys live, and the Ed25519 suite used for
// individual node identities.
package crypto

import (
	"crypto/cipher"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/group/edwards25519"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/eddsa"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/drand/kyber/sign/tbls"
	"github.com/drand/kyber/util/random"
)

// Scheme holds the threshold signature suite shared by every section. Section
// public keys are points on KeyGroup; signatures and signature shares live on
// SigGroup. It is important that the two groups differ: G1 keys with G2
// signatures here.
type Scheme struct {
	// Name of the scheme, prepended to self-signatures to avoid scheme confusion.
	Name string
	// KeyGroup is the group used to create section keys.
	KeyGroup kyber.Group
	// SigGroup is the group used to create the signatures.
	SigGroup kyber.Group
	// ThresholdScheme signs with private shares and recovers/verifies
	// aggregate signatures against the section public key.
	ThresholdScheme sign.ThresholdScheme
	// DKGAuthScheme authenticates packets broadcast during a section-key
	// agreement.
	DKGAuthScheme sign.Scheme
	// IdentityHash is the hash used to derive short identity digests.
	IdentityHash func() hash.Hash
}

type schnorrSuite struct {
	kyber.Group
}

func (s *schnorrSuite) RandomStream() cipher.Stream {
	return random.New()
}

// DefaultSchemeID is the name of the only scheme currently deployed.
const DefaultSchemeID = "bls12381-g1-keys-g2-sigs"

// NewBLSScheme instantiates the BLS12-381 threshold scheme with section keys
// on G1 (48 bytes) and signatures on G2 (96 bytes).
func NewBLSScheme() *Scheme {
	pairing := bls.NewBLS12381SuiteWithDST(
		[]byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"), // default RFC9380 DST for G1
		[]byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_"), // default RFC9380 DST for G2
	)

	keyGroup := pairing.G1()
	identityHash := func() hash.Hash { h, _ := blake2b.New256(nil); return h }

	return &Scheme{
		Name:            DefaultSchemeID,
		KeyGroup:        keyGroup,
		SigGroup:        pairing.G2(),
		ThresholdScheme: tbls.NewThresholdSchemeOnG2(pairing),
		DKGAuthScheme:   schnorr.NewScheme(&schnorrSuite{keyGroup}),
		IdentityHash:    identityHash,
	}
}

// NodeSuite returns the Ed25519 suite under which individual node keys live.
func NodeSuite() *edwards25519.SuiteEd25519 {
	return edwards25519.NewBlakeSHA256Ed25519()
}

// NewNodeKey generates a fresh Ed25519 node signing key.
func NewNodeKey() *eddsa.EdDSA {
	return eddsa.NewEdDSA(random.New())
}

// VerifyNodeSig checks an Ed25519 node signature.
func VerifyNodeSig(public kyber.Point, msg, sig []byte) error {
	return eddsa.Verify(public, msg, sig)
}

// PointToBytes marshals a point, swallowing the error for points known valid.
func PointToBytes(p kyber.Point) []byte {
	b, _ := p.MarshalBinary()
	return b
}
