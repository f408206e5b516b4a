package section_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/xorname"
)

func TestDAGInsertAndProofChain(t *testing.T) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	mid := test.NewSection(t, xorname.Prefix{}, 1, 1, 1)
	leaf := test.NewSection(t, xorname.Prefix{}, 1, 1, 2)

	dag := section.NewSectionsDAG(root.Keyset.Scheme, root.Signed.SAP.SectionKey())

	rootKey := root.Signed.SAP.SectionKey()
	midKey := mid.Signed.SAP.SectionKey()
	leafKey := leaf.Signed.SAP.SectionKey()

	require.NoError(t, dag.VerifyAndInsert(rootKey, midKey, root.Keyset.Sign(t, midKey)))
	require.NoError(t, dag.VerifyAndInsert(midKey, leafKey, mid.Keyset.Sign(t, leafKey)))
	require.Equal(t, 3, dag.Len())

	chain, err := dag.ProofChain(rootKey, leafKey)
	require.NoError(t, err)
	require.Len(t, chain.Keys, 3)
	require.NoError(t, chain.Verify(root.Keyset.Scheme))

	// a verifier seeded with only the root accepts the same chain
	fresh := section.NewSectionsDAG(root.Keyset.Scheme, rootKey)
	require.True(t, fresh.HasKey(chain.FirstKey()))
	require.NoError(t, chain.Verify(root.Keyset.Scheme))

	// no path in the other direction
	_, err = dag.ProofChain(leafKey, rootKey)
	require.ErrorIs(t, err, section.ErrNotAncestor)
}

func TestDAGRejectsBadEdge(t *testing.T) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	stranger := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)

	dag := section.NewSectionsDAG(root.Keyset.Scheme, root.Signed.SAP.SectionKey())
	childKey := stranger.Signed.SAP.SectionKey()

	// signature by the wrong key
	err := dag.VerifyAndInsert(root.Signed.SAP.SectionKey(), childKey, stranger.Keyset.Sign(t, childKey))
	require.ErrorIs(t, err, section.ErrBadEdgeSig)

	// unknown parent
	err = dag.VerifyAndInsert(childKey, root.Signed.SAP.SectionKey(), stranger.Keyset.Sign(t, childKey))
	require.ErrorIs(t, err, section.ErrParentUnknown)

	require.Equal(t, 1, dag.Len())
}

func TestTreeLongestPrefixMatch(t *testing.T) {
	sch := crypto.NewBLSScheme()

	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	p1, _ := xorname.PrefixFromString("1")
	deeper := test.NewSection(t, p1, 1, 1, 1)

	tree := section.NewSectionTree(sch, root.Signed.SAP.SectionKey())
	_, err := tree.Insert(root.Signed)
	require.NoError(t, err)

	deepKey := deeper.Signed.SAP.SectionKey()
	require.NoError(t, tree.DAG().VerifyAndInsert(root.Signed.SAP.SectionKey(), deepKey, root.Endorse(t, deeper)))
	inserted, err := tree.Insert(deeper.Signed)
	require.NoError(t, err)
	require.True(t, inserted)

	var inOne xorname.Name
	inOne = inOne.WithBit(0, true)
	got, err := tree.SectionByName(inOne)
	require.NoError(t, err)
	require.Equal(t, "1", got.SAP.Prefix.String())

	var inZero xorname.Name
	got, err = tree.SectionByName(inZero)
	require.NoError(t, err)
	require.Equal(t, "", got.SAP.Prefix.String())
}

func TestTreeUpdateApplyAndIdempotence(t *testing.T) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	next := test.NewSection(t, xorname.Prefix{}, 1, 1, 1)

	// the authoritative tree knows both generations
	source := root.Tree(t)
	nextKey := next.Signed.SAP.SectionKey()
	require.NoError(t, source.DAG().VerifyAndInsert(root.Signed.SAP.SectionKey(), nextKey, root.Endorse(t, next)))
	_, err := source.Insert(next.Signed)
	require.NoError(t, err)

	update, err := section.NewSectionTreeUpdate(source, next.Signed, root.Signed.SAP.SectionKey())
	require.NoError(t, err)

	// a receiver holding only generation zero applies it
	receiver := root.Tree(t)
	updated, err := receiver.Apply(update)
	require.NoError(t, err)
	require.True(t, updated)
	require.True(t, receiver.HasKey(nextKey))

	got, err := receiver.SectionByName(xorname.Random())
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.SAP.Generation)

	// applying the same update again changes nothing
	updated, err = receiver.Apply(update)
	require.NoError(t, err)
	require.False(t, updated)
}

func TestTreeUpdateRejectsUncoveredKey(t *testing.T) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	attacker := test.NewSection(t, xorname.Prefix{}, 1, 1, 5)

	receiver := root.Tree(t)
	before := receiver.DAG().Len()

	// an update whose chain starts at a key we have never seen
	update := &section.SectionTreeUpdate{
		SignedSAP: *attacker.Signed,
		ProofChain: section.ProofChain{
			Keys: [][]byte{attacker.Signed.SAP.SectionKey()},
		},
	}
	_, err := receiver.Apply(update)
	require.ErrorIs(t, err, section.ErrSAPKeyNotCoveredByProofChain)
	require.Equal(t, before, receiver.DAG().Len())
}

func TestTreeSerializeRoundTrip(t *testing.T) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	next := test.NewSection(t, xorname.Prefix{}, 1, 1, 1)

	tree := root.Tree(t)
	nextKey := next.Signed.SAP.SectionKey()
	require.NoError(t, tree.DAG().VerifyAndInsert(root.Signed.SAP.SectionKey(), nextKey, root.Endorse(t, next)))
	_, err := tree.Insert(next.Signed)
	require.NoError(t, err)

	buff, err := tree.Serialize()
	require.NoError(t, err)

	loaded, err := section.LoadSectionTree(root.Keyset.Scheme, buff)
	require.NoError(t, err)
	require.True(t, loaded.HasKey(nextKey))

	got, err := loaded.SectionByName(xorname.Random())
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.SAP.Generation)

	// re-serializing yields identical bytes
	again, err := loaded.Serialize()
	require.NoError(t, err)
	require.Equal(t, buff, again)
}

func TestSAPValidate(t *testing.T) {
	sec := test.NewSection(t, xorname.Prefix{}, 3, 4, 0)
	require.NoError(t, sec.Signed.SAP.Validate())
	require.NoError(t, sec.Signed.Verify(sec.Keyset.Scheme))

	bad := sec.Signed.SAP
	bad.Threshold = 10
	require.Error(t, bad.Validate())
}
