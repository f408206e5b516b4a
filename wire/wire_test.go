package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

func roundTrip(t *testing.T, payload wire.Payload) {
	t.Helper()
	src := xorname.Random()
	dst := wire.Dst{Name: xorname.Random(), SectionKey: codec.Hash([]byte("key"))}

	msg, err := wire.NewWireMsg(src, dst, payload)
	require.NoError(t, err)
	msg.Auth = wire.Authority{Kind: wire.AuthAntiEntropy}

	first, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := wire.Decode(first)
	require.NoError(t, err)
	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.PayloadHash(), decoded.PayloadHash())

	body, err := wire.DecodePayload(decoded)
	require.NoError(t, err)
	require.Equal(t, payload.MsgType(), body.MsgType())

	// serialise -> deserialise -> serialise yields identical bytes
	second, err := decoded.Encode()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPayloadRoundTrips(t *testing.T) {
	sec := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	chain := section.ProofChain{Keys: [][]byte{sec.Signed.SAP.SectionKey()}}

	payloads := []wire.Payload{
		&wire.AntiEntropyProbe{SectionKey: codec.Hash([]byte("k"))},
		&wire.AntiEntropy{
			Kind:   wire.AERetry,
			Update: section.SectionTreeUpdate{SignedSAP: *sec.Signed, ProofChain: chain},
		},
		&wire.JoinRequest{SectionKey: codec.Hash([]byte("k")), DkgKey: []byte{1, 2}},
		&wire.JoinResponse{Kind: wire.JoinRedirect, SAP: sec.Signed, ProofChain: &chain},
		&wire.JoinResponse{Kind: wire.JoinRejected, Reject: wire.NodeNotReachable, RejectAddr: "10.0.0.1:1"},
		&wire.Propose{Kind: wire.ProposalMembership, Proposal: &membership.Proposal{
			Generation: 4,
			Changes:    []section.NodeState{{Name: xorname.Random(), State: section.StateJoined, Age: 5}},
		}},
		&wire.Propose{Kind: wire.ProposalKeyEndorsement, ChildKey: codec.Hash([]byte("child"))},
		&wire.DkgStart{
			SessionID:    wire.DkgSessionID(xorname.Random()),
			Prefix:       mustPrefix(t, "10"),
			Generation:   2,
			Threshold:    5,
			Participants: sec.Signed.SAP.Elders,
		},
		&wire.DkgMessage{SessionID: wire.DkgSessionID(xorname.Random()), Phase: wire.DkgPhaseDeal, Bundle: []byte{9}},
		&wire.DkgNotReady{SessionID: wire.DkgSessionID(xorname.Random())},
		&wire.DkgRetry{SessionID: wire.DkgSessionID(xorname.Random()), Phase: wire.DkgPhaseResponse},
		&wire.DkgFailureObservation{Faulty: []xorname.Name{xorname.Random()}},
		&wire.NodeCmd{Data: []byte("opaque")},
		&wire.NodeQuery{Data: []byte("opaque")},
		&wire.NodeQueryResponse{Data: []byte("opaque")},
	}
	for _, p := range payloads {
		roundTrip(t, p)
	}
}

func mustPrefix(t *testing.T, s string) xorname.Prefix {
	p, err := xorname.PrefixFromString(s)
	require.NoError(t, err)
	return p
}

func TestPayloadHashIgnoresAuthority(t *testing.T) {
	src := xorname.Random()
	msg, err := wire.NewWireMsg(src, wire.Dst{Name: xorname.Random()}, &wire.NodeCmd{Data: []byte("x")})
	require.NoError(t, err)

	h1 := msg.PayloadHash()
	msg.Auth = wire.Authority{Kind: wire.AuthSection, Section: &wire.SectionAuth{
		SectionKey: []byte{1}, Sig: []byte{2},
	}}
	require.Equal(t, h1, msg.PayloadHash())
}

func TestAuthorityValidateShape(t *testing.T) {
	ok := wire.Authority{Kind: wire.AuthNode, Node: &wire.NodeAuth{PeerKey: []byte{1}, Sig: []byte{2}}}
	require.NoError(t, ok.Validate())

	bad := wire.Authority{Kind: wire.AuthNode}
	require.Error(t, bad.Validate())

	mixed := wire.Authority{
		Kind:    wire.AuthSection,
		Node:    &wire.NodeAuth{},
		Section: &wire.SectionAuth{},
	}
	require.Error(t, mixed.Validate())

	aeAuth := wire.Authority{Kind: wire.AuthAntiEntropy}
	require.NoError(t, aeAuth.Validate())
}

func TestResourceChallenge(t *testing.T) {
	rc := &wire.ResourceChallenge{Nonce: codec.Hash([]byte("n")), Difficulty: 8}
	sol := rc.Solve()
	require.True(t, rc.Check(sol))
	require.False(t, rc.Check(sol+1) && rc.Check(sol+2) && rc.Check(sol+3))
}
