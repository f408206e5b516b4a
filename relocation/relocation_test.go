package relocation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/relocation"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/xorname"
)

func TestShouldRelocate(t *testing.T) {
	// 4 trailing zero bits
	churn := []byte{0xff, 0xf0}
	require.True(t, relocation.ShouldRelocate(churn, 3))
	require.True(t, relocation.ShouldRelocate(churn, 4))
	require.False(t, relocation.ShouldRelocate(churn, 5))

	// no trailing zeros
	require.False(t, relocation.ShouldRelocate([]byte{0x01}, 1))
	// an age-zero member relocates on any churn
	require.True(t, relocation.ShouldRelocate([]byte{0x01}, 0))
}

func TestDestinationNameDeterministic(t *testing.T) {
	old := xorname.Random()
	churn := codec.Hash([]byte("churn"))
	require.Equal(t, relocation.DestinationName(old, churn), relocation.DestinationName(old, churn))
	require.NotEqual(t, relocation.DestinationName(old, churn), relocation.DestinationName(old, codec.Hash([]byte("other"))))
}

func signedState(t *testing.T, sec *test.Section, pair *key.Pair, age uint8) relocation.SignedNodeState {
	state := section.NodeState{
		Name:              pair.Name(),
		Addr:              pair.Public.Addr,
		PeerKey:           crypto.PointToBytes(pair.Public.Key),
		State:             section.StateRelocated,
		Age:               age,
		RelocationTrigger: codec.Hash([]byte("churn")),
	}
	signed := relocation.SignedNodeState{
		State:      state,
		SectionKey: sec.Signed.SAP.SectionKey(),
	}
	msg, err := signed.Bytes()
	require.NoError(t, err)
	signed.Sig = sec.Keyset.Sign(t, codec.Hash(msg))
	return signed
}

func TestProofRoundTrip(t *testing.T) {
	sec := test.NewSection(t, xorname.Prefix{}, 2, 3, 0)
	oldPair := sec.Pairs[0]

	// the old section recorded the member as relocated with age 6
	signed := signedState(t, sec, oldPair, 6)
	require.NoError(t, signed.Verify(sec.Keyset.Scheme))

	newPair, err := key.NewKeyPair("127.0.0.1:0")
	require.NoError(t, err)

	proof, err := relocation.NewProof(oldPair, signed, newPair.Name())
	require.NoError(t, err)
	require.Equal(t, uint8(6), proof.ExpectedAge())

	dag := section.NewSectionsDAG(sec.Keyset.Scheme, sec.Signed.SAP.SectionKey())
	require.NoError(t, proof.Verify(sec.Keyset.Scheme, dag))
}

func TestProofRejectsUnknownSection(t *testing.T) {
	sec := test.NewSection(t, xorname.Prefix{}, 2, 3, 0)
	other := test.NewSection(t, xorname.Prefix{}, 2, 3, 0)
	oldPair := sec.Pairs[0]

	signed := signedState(t, sec, oldPair, 6)
	newPair, err := key.NewKeyPair("127.0.0.1:0")
	require.NoError(t, err)
	proof, err := relocation.NewProof(oldPair, signed, newPair.Name())
	require.NoError(t, err)

	// a verifier whose history does not cover the old section refuses
	dag := section.NewSectionsDAG(other.Keyset.Scheme, other.Signed.SAP.SectionKey())
	require.ErrorIs(t, proof.Verify(other.Keyset.Scheme, dag), relocation.ErrUntrustedOldSection)
}

func TestProofRejectsForgedContinuity(t *testing.T) {
	sec := test.NewSection(t, xorname.Prefix{}, 2, 3, 0)
	oldPair := sec.Pairs[0]
	impostor := sec.Pairs[1]

	signed := signedState(t, sec, oldPair, 6)
	newPair, err := key.NewKeyPair("127.0.0.1:0")
	require.NoError(t, err)

	// signed with the wrong old key
	forged, err := relocation.NewProof(impostor, signed, newPair.Name())
	require.NoError(t, err)

	dag := section.NewSectionsDAG(sec.Keyset.Scheme, sec.Signed.SAP.SectionKey())
	require.ErrorIs(t, forged.Verify(sec.Keyset.Scheme, dag), relocation.ErrBadContinuitySig)
}

func TestProofRejectsNonRelocatedState(t *testing.T) {
	sec := test.NewSection(t, xorname.Prefix{}, 2, 3, 0)
	oldPair := sec.Pairs[0]

	state := section.NodeState{
		Name:    oldPair.Name(),
		Addr:    oldPair.Public.Addr,
		PeerKey: crypto.PointToBytes(oldPair.Public.Key),
		State:   section.StateJoined,
		Age:     6,
	}
	signed := relocation.SignedNodeState{State: state, SectionKey: sec.Signed.SAP.SectionKey()}
	msg, err := signed.Bytes()
	require.NoError(t, err)
	signed.Sig = sec.Keyset.Sign(t, codec.Hash(msg))

	newPair, err := key.NewKeyPair("127.0.0.1:0")
	require.NoError(t, err)
	proof, err := relocation.NewProof(oldPair, signed, newPair.Name())
	require.NoError(t, err)

	dag := section.NewSectionsDAG(sec.Keyset.Scheme, sec.Signed.SAP.SectionKey())
	require.Error(t, proof.Verify(sec.Keyset.Scheme, dag))
}
