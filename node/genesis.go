package node

import (
	"context"
	"time"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/dkg"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// genesisTimeout bounds the single-participant agreement at start-up.
const genesisTimeout = time.Minute

// BootstrapNetwork runs the single-participant key agreement that creates
// the network: the resulting aggregate key is the genesis key, the sole
// member is the sole elder, and generation zero admits it.
func BootstrapNetwork(l log.Logger, pair *key.Pair, progress time.Duration,
	mlogStore membership.Store) (*section.SectionTree, *membership.Log, *section.SignedSAP, *key.Share, error) {
	sch := crypto.NewBLSScheme()

	self := section.Elder{
		Name:   pair.Name(),
		Addr:   pair.Public.Addr,
		Index:  0,
		DkgKey: pair.Public.DkgKey,
	}
	start := &wire.DkgStart{
		Prefix:       xorname.Prefix{},
		Generation:   0,
		Threshold:    1,
		Participants: []section.Elder{self},
	}
	start.SessionID = sessionIDFor(start)

	session, err := dkg.NewSession(l, sch, pair, start, progress, func(*wire.DkgMessage) {})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), genesisTimeout)
	defer cancel()
	outcome, err := session.Run(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	state := section.NodeState{
		Name:    pair.Name(),
		Addr:    pair.Public.Addr,
		PeerKey: crypto.PointToBytes(pair.Public.Key),
		DkgKey:  pair.Public.DkgKey,
		State:   section.StateJoined,
		Age:     section.MinAdultAge,
	}
	sap := section.NewSAP(xorname.Prefix{}, 0, []section.Elder{self},
		outcome.Public, 1, []section.NodeState{state})

	sign := func(msg []byte) ([]byte, error) {
		shareSig, err := sch.ThresholdScheme.Sign(outcome.Share.PrivateShare(), msg)
		if err != nil {
			return nil, err
		}
		return sch.ThresholdScheme.Recover(outcome.Share.PubPoly(), msg, [][]byte{shareSig}, 1, 1)
	}

	sapBytes, err := sap.Bytes()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sapSig, err := sign(sapBytes)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	signed := &section.SignedSAP{SAP: *sap, Sig: sapSig}

	tree := section.NewSectionTree(sch, sap.SectionKey())
	if _, err := tree.Insert(signed); err != nil {
		return nil, nil, nil, nil, err
	}

	proposal := membership.Proposal{Generation: 0, Changes: []section.NodeState{state}}
	propHash, err := proposal.Hash()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	decisionSig, err := sign(propHash)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mlog := membership.NewLog(sch, mlogStore)
	decision := &membership.Decision{
		Proposal:   proposal,
		SectionKey: sap.SectionKey(),
		Sig:        decisionSig,
	}
	if err := mlog.Install(decision); err != nil {
		return nil, nil, nil, nil, err
	}

	return tree, mlog, signed, outcome.Share, nil
}
