package node

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/fault"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/relocation"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// dispatch routes a verified message to its typed handler.
func (n *Node) dispatch(ctx context.Context, sender Peer, m *wire.WireMsg, payload wire.Payload) []Cmd {
	switch p := payload.(type) {
	case *wire.AntiEntropyProbe:
		return n.handleProbe(sender, p)
	case *wire.AntiEntropy:
		return n.handleAntiEntropy(sender, p)
	case *wire.JoinRequest:
		return n.handleJoinRequest(sender, m, p)
	case *wire.Propose:
		return n.handlePropose(m, p)
	case *wire.DkgStart:
		return n.handleDkgStart(ctx, p)
	case *wire.DkgMessage:
		return n.handleDkgMessage(sender, p)
	case *wire.DkgNotReady:
		return n.handleDkgNotReady(sender, p)
	case *wire.DkgRetry:
		n.l.Debugw("peer asked for a dkg resend", "session", p.SessionID[:4])
		return nil
	case *wire.DkgSessionInfo:
		return n.handleDkgStart(ctx, &p.Start)
	case *wire.DkgFailureObservation:
		return n.handleDkgFailure(p.Faulty)
	case *wire.DkgFailureAgreement:
		return n.handleDkgFailure(p.Faulty)
	case *wire.Relocate:
		return n.handleRelocate(p)
	case *wire.NodeCmd, *wire.NodeQuery, *wire.NodeQueryResponse:
		if n.External != nil {
			return n.External(m)
		}
		return nil
	default:
		n.l.Debugw("no handler for message", "type", m.Type)
		return nil
	}
}

// handleProbe answers with our freshest knowledge anchored at the prober's
// claimed key.
func (n *Node) handleProbe(sender Peer, p *wire.AntiEntropyProbe) []Cmd {
	reply, err := n.gate.ProbeReply(p.SectionKey, n.ourSAP)
	if err != nil {
		n.l.Errorw("cannot build probe reply", "err", err)
		return nil
	}
	return n.sendAE(sender, reply)
}

// handleAntiEntropy folds a peer's knowledge into ours. Untrusted updates
// cost the sender a Knowledge issue and earn it our own view back so it can
// converge.
func (n *Node) handleAntiEntropy(sender Peer, p *wire.AntiEntropy) []Cmd {
	if _, err := n.gate.ApplyUpdate(&p.Update); err != nil {
		n.faults.TrackIssue(sender.Name, fault.IssueKnowledge)
		reply, rerr := n.gate.ProbeReply(n.tree.Genesis(), n.ourSAP)
		if rerr != nil {
			return nil
		}
		return n.sendAE(sender, reply)
	}
	n.saveTree()
	// the update may have rotated our own section's authority
	if sap, err := n.tree.SectionByName(n.pair.Name()); err == nil &&
		sap.SAP.Generation > n.ourSAP.SAP.Generation {
		n.ourSAP = sap
		n.registerKeyset(&sap.SAP)
		if share := n.pendingShare(sap.SAP.KeySetID()); share != nil {
			n.share = share
		}
	}
	return nil
}

// saveTree persists the tree when a store is configured.
func (n *Node) saveTree() {
	if n.cfg.treeStore == nil {
		return
	}
	if err := n.cfg.treeStore.Save(n.tree); err != nil {
		n.l.Errorw("cannot persist section tree", "err", err)
	}
}

// sendAE wraps an anti-entropy body for one peer.
func (n *Node) sendAE(to Peer, body *wire.AntiEntropy) []Cmd {
	msg, err := wire.NewWireMsg(n.pair.Name(), wire.Dst{Name: to.Name}, body)
	if err != nil {
		n.l.Errorw("cannot encode anti-entropy reply", "err", err)
		return nil
	}
	msg.Auth = wire.Authority{Kind: wire.AuthAntiEntropy}
	return []Cmd{SendMsg{Recipients: []Peer{to}, Msg: msg}}
}

// handleJoinRequest runs the elder side of an admission.
func (n *Node) handleJoinRequest(sender Peer, m *wire.WireMsg, p *wire.JoinRequest) []Cmd {
	if m.Auth.Kind != wire.AuthNode {
		n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
		return nil
	}
	candidate := m.Src
	our := n.ourSAP

	// name owned by another section: redirect
	if !our.SAP.Prefix.Matches(candidate) {
		if reply, err := n.redirectJoin(candidate); err == nil {
			return n.sendJoinResponse(sender, reply)
		}
		return nil
	}

	// stale target key: retry with proof
	if !bytes.Equal(p.SectionKey, our.SAP.SectionKey()) {
		reply, err := n.retryJoin(p.SectionKey)
		if err != nil {
			n.l.Debugw("cannot build join retry", "err", err)
			return nil
		}
		return n.sendJoinResponse(sender, reply)
	}

	if !n.joinsAllowed {
		return n.sendJoinResponse(sender, &wire.JoinResponse{
			Kind:   wire.JoinRejected,
			Reject: wire.JoinsDisallowed,
		})
	}

	age := section.MinAdultAge
	var trigger []byte
	if p.Proof != nil {
		if err := p.Proof.Verify(n.scheme, n.tree.DAG()); err != nil {
			n.l.Infow("rejecting relocation with bad proof", "candidate", candidate, "err", err)
			n.faults.TrackIssue(candidate, fault.IssueKnowledge)
			return nil
		}
		if p.Proof.NewName != candidate {
			n.faults.TrackIssue(candidate, fault.IssueKnowledge)
			return nil
		}
		age = p.Proof.ExpectedAge()
		trigger = p.Proof.OldState.State.RelocationTrigger
	} else if err := n.mlog.CheckFreshJoin(candidate); err != nil {
		// rejoining names may only come back through relocation
		n.l.Infow("refusing rejoin without continuity proof", "candidate", candidate)
		n.faults.TrackIssue(candidate, fault.IssueKnowledge)
		return nil
	}

	state := section.NodeState{
		Name:    candidate,
		Addr:    sender.Addr,
		PeerKey: m.Auth.Node.PeerKey,
		DkgKey:  p.DkgKey,
		State:   section.StateJoined,
		Age:     age,
	}
	if trigger != nil {
		// a relocated member keeps the trigger in its record for auditability
		state.RelocationTrigger = trigger
	}

	n.pendingJoiners[candidate] = sender

	proposal := &membership.Proposal{
		Generation: n.mlog.NextGeneration(),
		Changes:    []section.NodeState{state},
	}
	return n.broadcastProposal(&wire.Propose{Kind: wire.ProposalMembership, Proposal: proposal})
}

func (n *Node) redirectJoin(name xorname.Name) (*wire.JoinResponse, error) {
	target, err := n.tree.SectionByName(name)
	if err != nil {
		return nil, err
	}
	chain, err := n.tree.DAG().ProofChain(n.tree.Genesis(), target.SAP.SectionKey())
	if err != nil {
		return nil, err
	}
	return &wire.JoinResponse{Kind: wire.JoinRedirect, SAP: target, ProofChain: chain}, nil
}

func (n *Node) retryJoin(claimed []byte) (*wire.JoinResponse, error) {
	anchor := claimed
	if !n.tree.HasKey(anchor) {
		anchor = n.tree.Genesis()
	}
	chain, err := n.tree.DAG().ProofChain(anchor, n.ourSAP.SAP.SectionKey())
	if err != nil {
		return nil, err
	}
	return &wire.JoinResponse{
		Kind:        wire.JoinRetry,
		SAP:         n.ourSAP,
		ProofChain:  chain,
		ExpectedAge: section.MinAdultAge,
	}, nil
}

func (n *Node) sendJoinResponse(to Peer, resp *wire.JoinResponse) []Cmd {
	msg, err := wire.NewWireMsg(n.pair.Name(), wire.Dst{Name: to.Name}, resp)
	if err != nil {
		n.l.Errorw("cannot encode join response", "err", err)
		return nil
	}
	sig, err := n.pair.Key.Sign(msg.PayloadHash())
	if err != nil {
		return nil
	}
	msg.Auth = wire.Authority{
		Kind: wire.AuthNode,
		Node: &wire.NodeAuth{PeerKey: crypto.PointToBytes(n.pair.Public.Key), Sig: sig},
	}
	return []Cmd{SendMsg{Recipients: []Peer{to}, Msg: msg}}
}

// handlePropose runs once a proposal's shares reached the threshold and its
// envelope was promoted to Section authority.
func (n *Node) handlePropose(m *wire.WireMsg, p *wire.Propose) []Cmd {
	switch p.Kind {
	case wire.ProposalMembership:
		if p.Proposal == nil {
			return nil
		}
		tracker := n.trackerFor(p.Proposal.Generation)
		if id, _, err := tracker.Add(p.Proposal); err == nil {
			tracker.MarkDecided(id)
		}
		d := &membership.Decision{
			Proposal:   *p.Proposal,
			SectionKey: m.Auth.Section.SectionKey,
			Sig:        m.Auth.Section.Sig,
		}
		return []Cmd{HandleMembershipDecision{Decision: d}}

	case wire.ProposalHandover:
		if p.SAP == nil {
			return nil
		}
		signed := &section.SignedSAP{SAP: *p.SAP, Sig: m.Auth.Section.Sig}
		return []Cmd{HandleNewEldersAgreement{SAP: signed}}

	case wire.ProposalKeyEndorsement:
		if err := n.tree.DAG().VerifyAndInsert(m.Auth.Section.SectionKey, p.ChildKey, m.Auth.Section.Sig); err != nil {
			n.l.Errorw("cannot install endorsed key", "err", err)
			return nil
		}
		return n.flushPendingSAPs()

	case wire.ProposalStateEndorsement:
		if p.State == nil {
			return nil
		}
		signed := relocation.SignedNodeState{
			State:      *p.State,
			SectionKey: m.Auth.Section.SectionKey,
			Sig:        m.Auth.Section.Sig,
		}
		return n.deliverRelocation(signed)
	}
	return nil
}

func (n *Node) trackerFor(generation uint64) *membership.Tracker {
	t, ok := n.trackers[generation]
	if !ok {
		t = membership.NewTracker(generation)
		n.trackers[generation] = t
	}
	return t
}

// coSignProposal contributes this node's share to a gossiped proposal it has
// not endorsed yet. Each sign-message is endorsed at most once, so gossip
// converges instead of echoing.
func (n *Node) coSignProposal(p *wire.Propose) []Cmd {
	if p.Kind != wire.ProposalHandover && !n.isElder() {
		return nil
	}
	signMsg, err := proposeSignMsg(p)
	if err != nil {
		return nil
	}
	id := hex.EncodeToString(codec.Hash(signMsg))
	if _, done := n.coSigned[id]; done {
		return nil
	}

	if p.Kind == wire.ProposalMembership {
		if p.Proposal == nil || p.Proposal.Generation != n.mlog.NextGeneration() {
			return nil
		}
		tracker := n.trackerFor(p.Proposal.Generation)
		if tid, _, err := tracker.Add(p.Proposal); err == nil {
			tracker.MarkShareCollected(tid)
		}
	}
	return n.broadcastProposal(p)
}

// broadcastProposal signs the proposal with our share and ships it to every
// co-signer, ourselves included: our own copy loops straight back onto the
// queue so aggregation is identical for all elders.
func (n *Node) broadcastProposal(p *wire.Propose) []Cmd {
	signMsg, err := proposeSignMsg(p)
	if err != nil {
		n.l.Errorw("unsignable proposal", "err", err)
		return nil
	}
	n.coSigned[hex.EncodeToString(codec.Hash(signMsg))] = struct{}{}

	share := n.share
	recipients := n.elderPeers(n.ourSAP)
	ksID := n.ourSAP.SAP.KeySetID()
	if p.Kind == wire.ProposalHandover {
		pending := n.pendingShare(p.SAP.KeySetID())
		if pending == nil {
			return nil
		}
		share = pending
		recipients = n.elderPeersOf(p.SAP.Elders)
		ksID = p.SAP.KeySetID()
	}
	if share == nil {
		return nil
	}

	shareSig, err := n.scheme.ThresholdScheme.Sign(share.PrivateShare(), signMsg)
	if err != nil {
		n.l.Errorw("cannot sign proposal share", "err", err)
		return nil
	}

	msg, err := wire.NewWireMsg(n.pair.Name(), wire.Dst{
		Name:       n.ourSAP.SAP.Prefix.Name(),
		SectionKey: n.ourSAP.SAP.SectionKey(),
	}, p)
	if err != nil {
		n.l.Errorw("cannot encode proposal", "err", err)
		return nil
	}
	msg.Auth = wire.Authority{
		Kind:     wire.AuthBlsShare,
		BlsShare: &wire.BlsShareAuth{KeySetID: ksID, ShareSig: shareSig},
	}

	self := Peer{Name: n.pair.Name(), Addr: n.pair.Public.Addr}
	var others []Peer
	for _, r := range recipients {
		if r.Name != self.Name {
			others = append(others, r)
		}
	}
	cmds := []Cmd{HandleMsg{Sender: self, Msg: msg}}
	if len(others) > 0 {
		cmds = append(cmds, SendMsg{Recipients: others, Msg: msg})
	}
	return cmds
}

func (n *Node) elderPeers(sap *section.SignedSAP) []Peer {
	return n.elderPeersOf(sap.SAP.Elders)
}

func (n *Node) elderPeersOf(elders []section.Elder) []Peer {
	out := make([]Peer, 0, len(elders))
	for _, e := range elders {
		out = append(out, Peer{Name: e.Name, Addr: e.Addr})
	}
	return out
}

// deliverRelocation ships the section-signed state to the member it
// relocates. Our own relocation surfaces as a command instead.
func (n *Node) deliverRelocation(signed relocation.SignedNodeState) []Cmd {
	if signed.State.Name == n.pair.Name() {
		return []Cmd{HandleRelocationNotice{State: signed}}
	}
	body := &wire.Relocate{State: signed}
	msg, err := wire.NewWireMsg(n.pair.Name(), wire.Dst{Name: signed.State.Name}, body)
	if err != nil {
		return nil
	}
	sig, err := n.pair.Key.Sign(msg.PayloadHash())
	if err != nil {
		return nil
	}
	msg.Auth = wire.Authority{
		Kind: wire.AuthNode,
		Node: &wire.NodeAuth{PeerKey: crypto.PointToBytes(n.pair.Public.Key), Sig: sig},
	}
	return []Cmd{SendMsg{
		Recipients: []Peer{{Name: signed.State.Name, Addr: signed.State.Addr}},
		Msg:        msg,
	}}
}

// handleRelocate reacts to a relocation notice addressed to us. The carried
// state is verified on its own threshold signature, not the envelope.
func (n *Node) handleRelocate(p *wire.Relocate) []Cmd {
	if p.State.State.Name != n.pair.Name() {
		return nil
	}
	if err := p.State.Verify(n.scheme); err != nil {
		n.l.Warnw("invalid relocation notice", "err", err)
		return nil
	}
	return []Cmd{HandleRelocationNotice{State: p.State}}
}

func stateSignMsg(st *section.NodeState) ([]byte, error) {
	b, err := codec.Marshal(st)
	if err != nil {
		return nil, err
	}
	return codec.Hash(b), nil
}

// handleDkgFailure charges the observed peers a Dkg issue each.
func (n *Node) handleDkgFailure(faulty []xorname.Name) []Cmd {
	for _, name := range faulty {
		n.faults.TrackIssue(name, fault.IssueDkg)
	}
	return nil
}

// flushPendingSAPs activates handover agreements that were waiting for
// their key's DAG edge.
func (n *Node) flushPendingSAPs() []Cmd {
	var cmds []Cmd
	for id, sap := range n.pendingSAPs {
		if n.tree.HasKey(sap.SAP.SectionKey()) {
			cmds = append(cmds, HandleNewEldersAgreement{SAP: sap})
			delete(n.pendingSAPs, id)
		}
	}
	return cmds
}

func (n *Node) pendingShare(keysetID []byte) *key.Share {
	return n.pendingShares[hex.EncodeToString(keysetID)]
}
