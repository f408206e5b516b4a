package membership_test

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/xorname"
)

func memberChange(t *testing.T, state section.MembershipState, age uint8) section.NodeState {
	var peerKey [32]byte
	_, err := rand.Read(peerKey[:])
	require.NoError(t, err)
	return section.NodeState{
		Name:    xorname.Random(),
		Addr:    "127.0.0.1:0",
		PeerKey: peerKey[:],
		State:   state,
		Age:     age,
	}
}

func decide(t *testing.T, ks *test.Keyset, p membership.Proposal) *membership.Decision {
	h, err := p.Hash()
	require.NoError(t, err)
	return &membership.Decision{
		Proposal:   p,
		SectionKey: ks.SectionKey(),
		Sig:        ks.Sign(t, h),
	}
}

func TestLogInstallOrdering(t *testing.T) {
	ks := test.NewKeyset(t, 2, 3)
	lg := membership.NewLog(crypto.NewBLSScheme(), nil)

	d0 := decide(t, ks, membership.Proposal{
		Generation: 0,
		Changes:    []section.NodeState{memberChange(t, section.StateJoined, section.MinAdultAge)},
	})
	require.NoError(t, lg.Install(d0))
	require.Equal(t, uint64(1), lg.NextGeneration())

	// at most one decision per generation
	dup := decide(t, ks, membership.Proposal{
		Generation: 0,
		Changes:    []section.NodeState{memberChange(t, section.StateJoined, section.MinAdultAge)},
	})
	require.ErrorIs(t, lg.Install(dup), membership.ErrDuplicateDecision)

	// generations are dense
	gap := decide(t, ks, membership.Proposal{
		Generation: 5,
		Changes:    []section.NodeState{memberChange(t, section.StateJoined, section.MinAdultAge)},
	})
	require.ErrorIs(t, lg.Install(gap), membership.ErrGenerationGap)
}

func TestLogRejectsBadSignature(t *testing.T) {
	ks := test.NewKeyset(t, 2, 3)
	other := test.NewKeyset(t, 2, 3)
	lg := membership.NewLog(crypto.NewBLSScheme(), nil)

	p := membership.Proposal{
		Generation: 0,
		Changes:    []section.NodeState{memberChange(t, section.StateJoined, section.MinAdultAge)},
	}
	h, err := p.Hash()
	require.NoError(t, err)
	forged := &membership.Decision{
		Proposal:   p,
		SectionKey: ks.SectionKey(),
		Sig:        other.Sign(t, h),
	}
	require.ErrorIs(t, lg.Install(forged), membership.ErrBadDecisionSig)
}

func TestLogRefusesRejoin(t *testing.T) {
	ks := test.NewKeyset(t, 2, 3)
	lg := membership.NewLog(crypto.NewBLSScheme(), nil)

	joined := memberChange(t, section.StateJoined, section.MinAdultAge)
	require.NoError(t, lg.Install(decide(t, ks, membership.Proposal{
		Generation: 0,
		Changes:    []section.NodeState{joined},
	})))

	left := joined
	left.State = section.StateLeft
	require.NoError(t, lg.Install(decide(t, ks, membership.Proposal{
		Generation: 1,
		Changes:    []section.NodeState{left},
	})))

	// the name is gone from the roster but not from history
	require.Empty(t, lg.JoinedMembers())
	require.ErrorIs(t, lg.CheckFreshJoin(joined.Name), membership.ErrRejoinAsFresh)
	require.NoError(t, lg.CheckFreshJoin(xorname.Random()))
}

func TestLogMembersFold(t *testing.T) {
	ks := test.NewKeyset(t, 2, 3)
	lg := membership.NewLog(crypto.NewBLSScheme(), nil)

	a := memberChange(t, section.StateJoined, 5)
	b := memberChange(t, section.StateJoined, 6)
	require.NoError(t, lg.Install(decide(t, ks, membership.Proposal{
		Generation: 0, Changes: []section.NodeState{a, b},
	})))

	relocated := b
	relocated.State = section.StateRelocated
	relocated.Age = 7
	require.NoError(t, lg.Install(decide(t, ks, membership.Proposal{
		Generation: 1, Changes: []section.NodeState{relocated},
	})))

	members := lg.JoinedMembers()
	require.Len(t, members, 1)
	require.Equal(t, a.Name, members[0].Name)
}

func TestTrackerTieBreak(t *testing.T) {
	tracker := membership.NewTracker(3)

	pa := &membership.Proposal{Generation: 3, Changes: []section.NodeState{
		{Name: xorname.Random(), State: section.StateJoined, Age: 5},
	}}
	pb := &membership.Proposal{Generation: 3, Changes: []section.NodeState{
		{Name: xorname.Random(), State: section.StateJoined, Age: 5},
	}}

	idA, newA, err := tracker.Add(pa)
	require.NoError(t, err)
	require.True(t, newA)
	idB, newB, err := tracker.Add(pb)
	require.NoError(t, err)
	require.True(t, newB)

	tracker.MarkShareCollected(idA)
	tracker.MarkDecided(idA)
	tracker.MarkDecided(idB)

	winner := tracker.Winner()
	require.NotNil(t, winner)
	wantID := idA
	if idB < idA {
		wantID = idB
	}
	wh, err := winner.Hash()
	require.NoError(t, err)
	require.Equal(t, wantID, hex.EncodeToString(wh))

	losers := tracker.Losers(wantID)
	require.Len(t, losers, 1)
	st, ok := tracker.Status(loserID(idA, idB, wantID))
	require.True(t, ok)
	require.Equal(t, membership.Superseded, st)
}

func loserID(a, b, winner string) string {
	if a == winner {
		return b
	}
	return a
}

func TestProposalHashIsOrderInsensitive(t *testing.T) {
	a := section.NodeState{Name: xorname.Random(), State: section.StateJoined, Age: 5}
	b := section.NodeState{Name: xorname.Random(), State: section.StateJoined, Age: 5}

	p1 := &membership.Proposal{Generation: 1, Changes: []section.NodeState{a, b}}
	p2 := &membership.Proposal{Generation: 1, Changes: []section.NodeState{b, a}}

	h1, err := p1.Hash()
	require.NoError(t, err)
	h2, err := p2.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
