package wire

import (
	"errors"
	"fmt"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/xorname"
)

// AuthorityKind discriminates who vouches for a message.
type AuthorityKind uint8

const (
	// AuthNode is a single node's Ed25519 signature.
	AuthNode AuthorityKind = iota
	// AuthBlsShare is one elder's BLS signature share, to be aggregated by
	// the receivers.
	AuthBlsShare
	// AuthSection is a full threshold signature under a section key.
	AuthSection
	// AuthAntiEntropy carries no signature; anti-entropy replies are trusted
	// through their proof chains instead.
	AuthAntiEntropy
)

func (k AuthorityKind) String() string {
	switch k {
	case AuthNode:
		return "Node"
	case AuthBlsShare:
		return "BlsShare"
	case AuthSection:
		return "Section"
	case AuthAntiEntropy:
		return "AntiEntropy"
	default:
		return "Unknown"
	}
}

// NodeAuth is a single node's signature over the payload hash.
type NodeAuth struct {
	PeerKey []byte
	Sig     []byte
}

// BlsShareAuth is one elder's signature share over the payload hash, or for a
// Propose over the message its proposal kind names. The
// share index is embedded in the share signature itself; KeySetID names the
// key-set the share belongs to.
type BlsShareAuth struct {
	KeySetID []byte
	ShareSig []byte
}

// SectionAuth is a recovered threshold signature under SectionKey.
type SectionAuth struct {
	SectionKey []byte
	Sig        []byte
}

// Authority is the sum of the possible authorities.
type Authority struct {
	Kind     AuthorityKind
	Node     *NodeAuth     `cbor:",omitempty"`
	BlsShare *BlsShareAuth `cbor:",omitempty"`
	Section  *SectionAuth  `cbor:",omitempty"`
}

var errAuthorityShape = errors.New("authority fields do not match kind")

// Validate checks the envelope shape: exactly the field matching the kind is
// set.
func (a *Authority) Validate() error {
	switch a.Kind {
	case AuthNode:
		if a.Node == nil || a.BlsShare != nil || a.Section != nil {
			return errAuthorityShape
		}
	case AuthBlsShare:
		if a.BlsShare == nil || a.Node != nil || a.Section != nil {
			return errAuthorityShape
		}
	case AuthSection:
		if a.Section == nil || a.Node != nil || a.BlsShare != nil {
			return errAuthorityShape
		}
	case AuthAntiEntropy:
		if a.Node != nil || a.BlsShare != nil || a.Section != nil {
			return errAuthorityShape
		}
	default:
		return fmt.Errorf("unknown authority kind %d", a.Kind)
	}
	return nil
}

// VerifyNode checks a node authority over the payload hash and that the
// claimed source name matches the signing key.
func (a *Authority) VerifyNode(src xorname.Name, payloadHash []byte) error {
	if a.Kind != AuthNode {
		return errAuthorityShape
	}
	pub := crypto.NodeSuite().Point()
	if err := pub.UnmarshalBinary(a.Node.PeerKey); err != nil {
		return fmt.Errorf("node key corrupted: %w", err)
	}
	if xorname.FromBytes(a.Node.PeerKey) != src {
		return errors.New("source name does not match signing key")
	}
	return crypto.VerifyNodeSig(pub, payloadHash, a.Node.Sig)
}

// VerifySection checks a full section signature over the payload hash
// against the given scheme.
func (a *Authority) VerifySection(sch *crypto.Scheme, payloadHash []byte) error {
	if a.Kind != AuthSection {
		return errAuthorityShape
	}
	point := sch.KeyGroup.Point()
	if err := point.UnmarshalBinary(a.Section.SectionKey); err != nil {
		return fmt.Errorf("section key corrupted: %w", err)
	}
	return sch.ThresholdScheme.VerifyRecovered(point, payloadHash, a.Section.Sig)
}
