// Package key holds the long-term key material of a node: its Ed25519
// identity pair and, once it has taken part in a section-key agreement, its
// BLS key share and the section's distributed public key.
package key

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/share/dkg"
	"github.com/drand/kyber/sign/eddsa"
	"github.com/drand/kyber/util/random"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/xorname"
)

// Pair is a node's Ed25519 signing key together with its public identity and
// the scalar it contributes to section-key agreements with.
type Pair struct {
	Key *eddsa.EdDSA
	// DkgKey is the long-term participation key on the threshold scheme's
	// key group. It never signs application data.
	DkgKey kyber.Scalar
	Public *Identity
}

// Identity is the public half of a node key. The node's network name is
// derived deterministically from the public key, so an identity pins a
// position in the address space.
type Identity struct {
	Key kyber.Point
	// DkgKey is the marshalled public participation key.
	DkgKey    []byte
	Addr      string
	Signature []byte
}

// Name returns the network name derived from the public key.
func (i *Identity) Name() xorname.Name {
	return xorname.FromBytes(crypto.PointToBytes(i.Key))
}

// Address returns the identity's reachable address.
func (i *Identity) Address() string {
	return i.Addr
}

func (i *Identity) String() string {
	return fmt.Sprintf("{%s - %s}", i.Addr, i.Name())
}

// Hash returns the digest of the identity's key material: the Ed25519 key
// and the participation key. It does _not_ hash the address field as this
// may change while the node keeps the same keys.
func (i *Identity) Hash() []byte {
	h := xorname.FromBytes(append(crypto.PointToBytes(i.Key), i.DkgKey...))
	return h[:]
}

// ValidSignature returns nil if the self-signature on this identity is correct.
func (i *Identity) ValidSignature() error {
	return crypto.VerifyNodeSig(i.Key, i.Hash(), i.Signature)
}

// Equal indicates if two identities are equal
func (i *Identity) Equal(i2 *Identity) bool {
	if i.Addr != i2.Addr {
		return false
	}
	return i.Key.Equal(i2.Key)
}

// SelfSign signs the public identity with the private key.
func (p *Pair) SelfSign() error {
	sig, err := p.Key.Sign(p.Public.Hash())
	if err != nil {
		return err
	}
	p.Public.Signature = sig
	return nil
}

// Name returns the node's network name.
func (p *Pair) Name() xorname.Name {
	return p.Public.Name()
}

// NewKeyPair returns a freshly created private / public key pair.
func NewKeyPair(address string) (*Pair, error) {
	return NewKeyPairWithScheme(address, crypto.NewBLSScheme())
}

// NewKeyPairWithScheme creates a pair whose participation key lives on the
// given scheme's key group.
func NewKeyPairWithScheme(address string, sch *crypto.Scheme) (*Pair, error) {
	ed := crypto.NewNodeKey()
	dkgKey := sch.KeyGroup.Scalar().Pick(random.New())
	dkgPub := sch.KeyGroup.Point().Mul(dkgKey, nil)
	p := &Pair{
		Key:    ed,
		DkgKey: dkgKey,
		Public: &Identity{
			Key:    ed.Public,
			DkgKey: crypto.PointToBytes(dkgPub),
			Addr:   address,
		},
	}
	err := p.SelfSign()
	return p, err
}

// NewKeyPairWithin keeps generating key pairs until the derived name falls
// under the given prefix. Joining nodes use it to calibrate their name into
// the range their destination section assigns them.
func NewKeyPairWithin(prefix xorname.Prefix, address string) (*Pair, error) {
	for {
		p, err := NewKeyPair(address)
		if err != nil {
			return nil, err
		}
		if prefix.Matches(p.Name()) {
			return p, nil
		}
	}
}

// Node is an identity occupying a slot in a section's elder list. The index
// is the BLS share index the elder signs with.
type Node struct {
	*Identity
	Index uint32
}

// ByKey sorts identities by their marshalled public key.
type ByKey []*Identity

func (b ByKey) Len() int { return len(b) }

func (b ByKey) Swap(i, j int) { b[i], b[j] = b[j], b[i] }

func (b ByKey) Less(i, j int) bool {
	is, _ := b[i].Key.MarshalBinary()
	js, _ := b[j].Key.MarshalBinary()
	return bytes.Compare(is, js) < 0
}

// Share represents the private information that a node holds after a
// successful section-key agreement. This information MUST stay private!
type Share struct {
	dkg.DistKeyShare
	Scheme *crypto.Scheme
}

// PubPoly returns the public polynomial that can be used to verify any
// individual signature share.
func (s *Share) PubPoly() *share.PubPoly {
	return share.NewPubPoly(s.Scheme.KeyGroup, s.Scheme.KeyGroup.Point().Base(), s.Commits)
}

// PrivateShare returns the private share used to produce a signature share.
func (s *Share) PrivateShare() *share.PriShare {
	return s.Share
}

// Public returns the distributed public key associated with this share.
func (s *Share) Public() *DistPublic {
	return &DistPublic{s.Commits}
}

// DistPublic represents the distributed public key of a section at one
// generation: the commitments of the coefficients of the distributed private
// polynomial. The first coefficient is the section key.
type DistPublic struct {
	Coefficients []kyber.Point
}

// Key returns the first coefficient, the section public key used to verify
// aggregate signatures.
func (d *DistPublic) Key() kyber.Point {
	return d.Coefficients[0]
}

// PubPoly provides the public polynomial commitment.
func (d *DistPublic) PubPoly(sch *crypto.Scheme) *share.PubPoly {
	return share.NewPubPoly(sch.KeyGroup, sch.KeyGroup.Point().Base(), d.Coefficients)
}

// Hash computes the key-set id of this distributed key.
func (d *DistPublic) Hash(sch *crypto.Scheme) []byte {
	h := sch.IdentityHash()
	for _, c := range d.Coefficients {
		_, _ = h.Write(crypto.PointToBytes(c))
	}
	return h.Sum(nil)
}

// Equal returns true if all coefficients match.
func (d *DistPublic) Equal(d2 *DistPublic) bool {
	if len(d.Coefficients) != len(d2.Coefficients) {
		return false
	}
	for i := range d.Coefficients {
		if !d.Coefficients[i].Equal(d2.Coefficients[i]) {
			return false
		}
	}
	return true
}

// ErrNoShare is returned by stores that have not saved any share yet.
var ErrNoShare = errors.New("no share saved")

// MinimumT returns the smallest safe threshold for n participants,
// floor(n/2) + 1.
func MinimumT(n int) int {
	return n/2 + 1
}

// DefaultThreshold is the threshold used when a section does not override it.
func DefaultThreshold(n int) int {
	return MinimumT(n)
}
