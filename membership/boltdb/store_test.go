package boltdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/testlogger"
	"github.com/shardnet/shardnet/xorname"
)

func decide(t *testing.T, ks *test.Keyset, generation uint64) *membership.Decision {
	p := membership.Proposal{
		Generation: generation,
		Changes: []section.NodeState{{
			Name:  xorname.Random(),
			State: section.StateJoined,
			Age:   section.MinAdultAge,
		}},
	}
	h, err := p.Hash()
	require.NoError(t, err)
	return &membership.Decision{Proposal: p, SectionKey: ks.SectionKey(), Sig: ks.Sign(t, h)}
}

func TestDecisionsPersistInOrder(t *testing.T) {
	folder := t.TempDir()
	store, err := NewBoltStore(testlogger.New(t), folder, nil)
	require.NoError(t, err)
	defer store.Close()

	ks := test.NewKeyset(t, 2, 3)
	lg := membership.NewLog(crypto.NewBLSScheme(), store)
	for g := uint64(0); g < 3; g++ {
		require.NoError(t, lg.Install(decide(t, ks, g)))
	}

	reloaded, err := membership.LoadLog(crypto.NewBLSScheme(), store)
	require.NoError(t, err)
	require.Equal(t, uint64(3), reloaded.NextGeneration())

	decisions := reloaded.Decisions()
	for g, d := range decisions {
		require.Equal(t, uint64(g), d.Generation())
	}
	require.Len(t, reloaded.JoinedMembers(), 3)
}
