// Package relocation moves a member between sections without loss of age. A
// relocated node proves continuity by signing its new identity with the key
// its previous section had signed off on.
package relocation

import (
	"errors"
	"fmt"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/xorname"
)

var (
	// ErrUntrustedOldSection means the old section's key is not covered by
	// the verifier's DAG.
	ErrUntrustedOldSection = errors.New("old section key not in dag")
	// ErrBadContinuitySig means the old node key did not sign the new name.
	ErrBadContinuitySig = errors.New("continuity signature does not verify")
	// ErrAgeMismatch means the admitted age differs from the triggered one.
	ErrAgeMismatch = errors.New("relocation age mismatch")
)

// ShouldRelocate applies the churn rule: a member is designated for
// relocation when the churn id carries at least `age` trailing zero bits.
// Older members therefore move exponentially more rarely.
func ShouldRelocate(churnID []byte, age uint8) bool {
	return trailingZeros(churnID) >= uint(age)
}

func trailingZeros(b []byte) uint {
	var zeros uint
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == 0 {
			zeros += 8
			continue
		}
		v := b[i]
		for v&1 == 0 {
			zeros++
			v >>= 1
		}
		break
	}
	return zeros
}

// DestinationName derives where a relocated member must regenerate its
// identity, from its old name and the churn id that triggered the move.
func DestinationName(oldName xorname.Name, churnID []byte) xorname.Name {
	return xorname.FromBytes(append(oldName[:], churnID...))
}

// SignedNodeState is a member state endorsed by a section: the threshold
// signature of the section key at the recording generation over the state's
// canonical bytes.
type SignedNodeState struct {
	State      section.NodeState
	SectionKey []byte
	Sig        []byte
}

// Bytes returns the canonical encoding the section signature covers.
func (s *SignedNodeState) Bytes() ([]byte, error) {
	return codec.Marshal(s.State)
}

// Verify checks the section signature over the state.
func (s *SignedNodeState) Verify(sch *crypto.Scheme) error {
	point := sch.KeyGroup.Point()
	if err := point.UnmarshalBinary(s.SectionKey); err != nil {
		return fmt.Errorf("section key corrupted: %w", err)
	}
	msg, err := s.Bytes()
	if err != nil {
		return err
	}
	return sch.ThresholdScheme.VerifyRecovered(point, codec.Hash(msg), s.Sig)
}

// Proof ties a node's new identity to its previous section-signed one. The
// old Ed25519 key signs the new name concatenated with the old state bytes.
type Proof struct {
	OldState SignedNodeState
	NewName  xorname.Name
	// ContinuitySig is by the old node key over NewName ‖ old state bytes.
	ContinuitySig []byte
}

// NewProof signs the new name with the node's old key.
func NewProof(oldPair *key.Pair, oldState SignedNodeState, newName xorname.Name) (*Proof, error) {
	stateBytes, err := oldState.Bytes()
	if err != nil {
		return nil, err
	}
	sig, err := oldPair.Key.Sign(continuityMsg(newName, stateBytes))
	if err != nil {
		return nil, err
	}
	return &Proof{OldState: oldState, NewName: newName, ContinuitySig: sig}, nil
}

func continuityMsg(newName xorname.Name, stateBytes []byte) []byte {
	return append(newName[:], stateBytes...)
}

// ExpectedAge is the age the destination section must admit the member with.
// The old section records the incremented age in the relocated state.
func (p *Proof) ExpectedAge() uint8 {
	return p.OldState.State.Age
}

// Verify checks the whole proof against a verifier's key history: the old
// state must be signed by a key the DAG covers, the state must actually be a
// relocation, and the continuity signature must verify under the old node
// key.
func (p *Proof) Verify(sch *crypto.Scheme, dag *section.SectionsDAG) error {
	if !dag.HasKey(p.OldState.SectionKey) {
		return ErrUntrustedOldSection
	}
	if err := p.OldState.Verify(sch); err != nil {
		return err
	}
	if p.OldState.State.State != section.StateRelocated {
		return fmt.Errorf("old state is %s, not Relocated", p.OldState.State.State)
	}

	oldPub := crypto.NodeSuite().Point()
	if err := oldPub.UnmarshalBinary(p.OldState.State.PeerKey); err != nil {
		return fmt.Errorf("old node key corrupted: %w", err)
	}
	stateBytes, err := p.OldState.Bytes()
	if err != nil {
		return err
	}
	if err := crypto.VerifyNodeSig(oldPub, continuityMsg(p.NewName, stateBytes), p.ContinuitySig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadContinuitySig, err)
	}
	return nil
}
