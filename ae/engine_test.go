package ae_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/ae"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/testlogger"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// chainedSections builds genesis -> next within the same prefix and returns
// a tree holding both.
func chainedSections(t *testing.T) (*test.Section, *test.Section, *section.SectionTree) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	next := test.NewSection(t, xorname.Prefix{}, 1, 1, 1)

	tree := root.Tree(t)
	nextKey := next.Signed.SAP.SectionKey()
	require.NoError(t, tree.DAG().VerifyAndInsert(root.Signed.SAP.SectionKey(), nextKey, root.Endorse(t, next)))
	_, err := tree.Insert(next.Signed)
	require.NoError(t, err)
	return root, next, tree
}

func TestGatePassesCurrentKey(t *testing.T) {
	_, next, tree := chainedSections(t)
	engine := ae.NewEngine(testlogger.New(t), crypto.NewBLSScheme(), tree)

	outcome, err := engine.Check(wire.Dst{
		Name:       xorname.Random(),
		SectionKey: next.Signed.SAP.SectionKey(),
	}, next.Signed)
	require.NoError(t, err)
	require.Equal(t, ae.ActionPass, outcome.Action)
}

func TestGateRetriesStaleKey(t *testing.T) {
	root, next, tree := chainedSections(t)
	engine := ae.NewEngine(testlogger.New(t), crypto.NewBLSScheme(), tree)

	outcome, err := engine.Check(wire.Dst{
		Name:       xorname.Random(),
		SectionKey: root.Signed.SAP.SectionKey(),
	}, next.Signed)
	require.NoError(t, err)
	require.Equal(t, ae.ActionRetry, outcome.Action)
	require.Equal(t, wire.AERetry, outcome.Reply.Kind)

	// the reply proves the path from the stale key to the current one
	chain := outcome.Reply.Update.ProofChain
	require.Equal(t, root.Signed.SAP.SectionKey(), chain.FirstKey())
	require.Equal(t, next.Signed.SAP.SectionKey(), chain.LastKey())
}

func TestGateRedirectsForeignName(t *testing.T) {
	sch := crypto.NewBLSScheme()
	p0, _ := xorname.PrefixFromString("0")
	p1, _ := xorname.PrefixFromString("1")

	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	left := test.NewSection(t, p0, 1, 1, 1)
	right := test.NewSection(t, p1, 1, 1, 1)

	tree := root.Tree(t)
	for _, child := range []*test.Section{left, right} {
		key := child.Signed.SAP.SectionKey()
		require.NoError(t, tree.DAG().VerifyAndInsert(root.Signed.SAP.SectionKey(), key, root.Endorse(t, child)))
		_, err := tree.Insert(child.Signed)
		require.NoError(t, err)
	}

	engine := ae.NewEngine(testlogger.New(t), sch, tree)

	// we are the "0" section; a message for a "1" name gets redirected
	var foreign xorname.Name
	foreign = foreign.WithBit(0, true)
	outcome, err := engine.Check(wire.Dst{
		Name:       foreign,
		SectionKey: left.Signed.SAP.SectionKey(),
	}, left.Signed)
	require.NoError(t, err)
	require.Equal(t, ae.ActionRedirect, outcome.Action)
	require.Equal(t, wire.AERedirect, outcome.Reply.Kind)
	require.Equal(t, "1", outcome.Reply.Update.SignedSAP.SAP.Prefix.String())
}

func TestGateDropsUnverifiableKey(t *testing.T) {
	_, next, tree := chainedSections(t)
	engine := ae.NewEngine(testlogger.New(t), crypto.NewBLSScheme(), tree)

	stranger := test.NewSection(t, xorname.Prefix{}, 1, 1, 9)
	outcome, err := engine.Check(wire.Dst{
		Name:       xorname.Random(),
		SectionKey: stranger.Signed.SAP.SectionKey(),
	}, next.Signed)
	require.NoError(t, err)
	require.Equal(t, ae.ActionDrop, outcome.Action)
}

func TestApplyUpdateRejectsUntrusted(t *testing.T) {
	root := test.NewSection(t, xorname.Prefix{}, 1, 1, 0)
	attacker := test.NewSection(t, xorname.Prefix{}, 1, 1, 3)

	tree := root.Tree(t)
	engine := ae.NewEngine(testlogger.New(t), crypto.NewBLSScheme(), tree)
	before := tree.DAG().Len()

	update := &section.SectionTreeUpdate{
		SignedSAP:  *attacker.Signed,
		ProofChain: section.ProofChain{Keys: [][]byte{attacker.Signed.SAP.SectionKey()}},
	}
	_, err := engine.ApplyUpdate(update)
	require.ErrorIs(t, err, section.ErrSAPKeyNotCoveredByProofChain)
	require.Equal(t, before, tree.DAG().Len())
}

func TestProbeReplyAnchors(t *testing.T) {
	root, next, tree := chainedSections(t)
	engine := ae.NewEngine(testlogger.New(t), crypto.NewBLSScheme(), tree)

	// known claimed key anchors the chain there
	reply, err := engine.ProbeReply(root.Signed.SAP.SectionKey(), next.Signed)
	require.NoError(t, err)
	require.Equal(t, root.Signed.SAP.SectionKey(), reply.Update.ProofChain.FirstKey())

	// unknown claimed key falls back to genesis
	reply, err = engine.ProbeReply([]byte("bogus"), next.Signed)
	require.NoError(t, err)
	require.Equal(t, tree.Genesis(), reply.Update.ProofChain.FirstKey())
}
