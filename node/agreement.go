package node

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/dkg"
	"github.com/shardnet/shardnet/fault"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/metrics"
	"github.com/shardnet/shardnet/relocation"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// splitSurplus is how many joined adults beyond the elder count each half
// must hold before a section splits.
const splitSurplus = 2

// installDecision appends a decided membership change to the log and derives
// everything that follows from it: approvals for waiting candidates,
// relocation triggers, elder reselection, and split checks.
func (n *Node) installDecision(d *membership.Decision) []Cmd {
	err := n.mlog.Install(d)
	switch {
	case errors.Is(err, membership.ErrDuplicateDecision):
		// competing proposals for a generation resolve to the one installed
		// first; the deterministic tie-break already happened at gossip time
		n.l.Debugw("decision already installed", "generation", d.Generation())
		return nil
	case errors.Is(err, membership.ErrGenerationGap):
		n.l.Warnw("out-of-order decision", "generation", d.Generation(), "expected", n.mlog.NextGeneration())
		return nil
	case err != nil:
		n.l.Errorw("cannot install decision", "err", err)
		return nil
	}
	metrics.DecisionsInstalled.Inc()
	n.l.Infow("decision installed", "generation", d.Generation(), "changes", len(d.Proposal.Changes))

	var cmds []Cmd
	cmds = append(cmds, n.requeueLosers(d)...)
	cmds = append(cmds, n.approveJoiners(d)...)
	for _, c := range d.Proposal.Changes {
		switch c.State {
		case section.StateJoined:
			n.faults.AddNode(c.Name)
		case section.StateLeft, section.StateRelocated:
			n.faults.RemoveNode(c.Name)
		}
	}
	if n.isElder() {
		cmds = append(cmds, n.triggerRelocations(d)...)
		cmds = append(cmds, n.reshapeSection(d)...)
	}
	return cmds
}

// requeueLosers re-enters the changes of superseded candidates into the next
// generation when the installed decision did not already cover them.
func (n *Node) requeueLosers(d *membership.Decision) []Cmd {
	tracker, ok := n.trackers[d.Generation()]
	if !ok {
		return nil
	}
	delete(n.trackers, d.Generation())

	winnerHash, err := d.Proposal.Hash()
	if err != nil {
		return nil
	}
	decided := make(map[xorname.Name]struct{})
	for _, c := range d.Proposal.Changes {
		decided[c.Name] = struct{}{}
	}

	var cmds []Cmd
	for _, lost := range tracker.Losers(hex.EncodeToString(winnerHash)) {
		var still []section.NodeState
		for _, c := range lost.Changes {
			if _, done := decided[c.Name]; !done {
				still = append(still, c)
			}
		}
		if len(still) == 0 || !n.isElder() {
			continue
		}
		requeued := &membership.Proposal{
			Generation: n.mlog.NextGeneration(),
			Changes:    still,
		}
		cmds = append(cmds, n.broadcastProposal(&wire.Propose{
			Kind:     wire.ProposalMembership,
			Proposal: requeued,
		})...)
	}
	return cmds
}

// approveJoiners answers every waiting candidate the decision admitted.
func (n *Node) approveJoiners(d *membership.Decision) []Cmd {
	var cmds []Cmd
	for name, peer := range n.pendingJoiners {
		if !d.Includes(name, section.StateJoined) {
			continue
		}
		delete(n.pendingJoiners, name)
		cmds = append(cmds, n.sendJoinResponse(peer, &wire.JoinResponse{
			Kind:     wire.JoinApproved,
			Decision: d,
		})...)
	}
	return cmds
}

// triggerRelocations applies the churn rule to every member and proposes the
// relocations it designates.
func (n *Node) triggerRelocations(d *membership.Decision) []Cmd {
	churn := d.ChurnID()
	var changes []section.NodeState
	for _, st := range n.mlog.JoinedMembers() {
		if !relocation.ShouldRelocate(churn, st.Age) {
			continue
		}
		// the member moves out with its age incremented; the recorded state
		// is its ticket into the destination section
		moved := st
		moved.State = section.StateRelocated
		moved.Age = st.Age + 1
		moved.RelocationTrigger = churn
		changes = append(changes, moved)
	}
	if len(changes) == 0 {
		return nil
	}
	n.l.Infow("churn designated members for relocation", "count", len(changes))

	var cmds []Cmd
	proposal := &membership.Proposal{
		Generation: n.mlog.NextGeneration(),
		Changes:    changes,
	}
	cmds = append(cmds, n.broadcastProposal(&wire.Propose{
		Kind:     wire.ProposalMembership,
		Proposal: proposal,
	})...)
	// each relocated member also needs its state individually section-signed
	for i := range changes {
		st := changes[i]
		cmds = append(cmds, n.broadcastProposal(&wire.Propose{
			Kind:  wire.ProposalStateEndorsement,
			State: &st,
		})...)
	}
	return cmds
}

// reshapeSection re-derives the wanted elder set (and a possible split) from
// the member roster and starts the key agreements realising it.
func (n *Node) reshapeSection(d *membership.Decision) []Cmd {
	members := n.mlog.JoinedMembers()
	prefix := n.ourSAP.SAP.Prefix

	if left, right, ok := splitHalves(prefix, members); ok {
		n.l.Infow("section can split", "prefix", prefix.String())
		return append(
			n.startAgreement(prefix.Pushed(false), left),
			n.startAgreement(prefix.Pushed(true), right)...,
		)
	}

	wanted := eldestMembers(prefix, members, section.ElderCount)
	if sameElders(n.ourSAP.SAP.Elders, wanted) {
		return nil
	}
	return n.startAgreement(prefix, wanted)
}

// splitHalves reports whether both child prefixes can sustain a section of
// their own, and if so which members land in each.
func splitHalves(prefix xorname.Prefix, members []section.NodeState) (left, right []section.NodeState, ok bool) {
	zero := prefix.Pushed(false)
	for _, m := range members {
		if zero.Matches(m.Name) {
			left = append(left, m)
		} else {
			right = append(right, m)
		}
	}
	need := section.ElderCount + splitSurplus
	if len(left) < need || len(right) < need {
		return nil, nil, false
	}
	return left, right, true
}

// eldestMembers picks the elder candidates: the oldest members, ties broken
// by distance to the prefix midpoint.
func eldestMembers(prefix xorname.Prefix, members []section.NodeState, count int) []section.NodeState {
	mid := prefix.Substituted(xorname.Name{})
	if prefix.BitCount() < xorname.BitLen {
		mid = mid.WithBit(prefix.BitCount(), true)
	}
	sorted := make([]section.NodeState, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Age != sorted[j].Age {
			return sorted[i].Age > sorted[j].Age
		}
		return mid.CmpDistance(sorted[i].Name, sorted[j].Name) < 0
	})
	if len(sorted) > count {
		sorted = sorted[:count]
	}
	return sorted
}

func sameElders(current []section.Elder, wanted []section.NodeState) bool {
	if len(current) != len(wanted) {
		return false
	}
	have := make(map[xorname.Name]struct{}, len(current))
	for _, e := range current {
		have[e.Name] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := have[w.Name]; !ok {
			return false
		}
	}
	return true
}

// startAgreement announces a key agreement among the candidates and starts
// our own session when we are one of them.
func (n *Node) startAgreement(prefix xorname.Prefix, candidates []section.NodeState) []Cmd {
	elders := make([]section.Elder, len(candidates))
	for i, c := range candidates {
		elders[i] = section.Elder{
			Name:   c.Name,
			Addr:   c.Addr,
			Index:  uint32(i),
			DkgKey: c.DkgKey,
		}
	}
	start := &wire.DkgStart{
		Prefix:       prefix,
		Generation:   n.mlog.NextGeneration(),
		Threshold:    defaultThreshold(len(elders)),
		Participants: elders,
		Members:      membersFor(prefix, n.mlog),
	}
	start.SessionID = sessionIDFor(start)

	var cmds []Cmd
	// announce to every candidate that is not us
	var others []Peer
	for _, e := range elders {
		if e.Name != n.pair.Name() {
			others = append(others, Peer{Name: e.Name, Addr: e.Addr})
		}
	}
	if len(others) > 0 {
		msg, err := n.nodeSignedMsg(prefix.Name(), start)
		if err == nil {
			cmds = append(cmds, SendMsg{Recipients: others, Msg: msg})
		}
	}
	ctx := n.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	cmds = append(cmds, n.handleDkgStart(ctx, start)...)
	return cmds
}

func defaultThreshold(n int) int {
	return n/2 + 1
}

// sessionIDFor derives a deterministic id from the announcement itself, so
// every participant names the session identically.
func sessionIDFor(start *wire.DkgStart) wire.DkgSessionID {
	tmp := *start
	tmp.SessionID = wire.DkgSessionID{}
	b, _ := codec.Marshal(&tmp)
	var id wire.DkgSessionID
	copy(id[:], codec.Hash(b))
	return id
}

// handleDkgStart spins up our session for an announced agreement.
func (n *Node) handleDkgStart(ctx context.Context, start *wire.DkgStart) []Cmd {
	if _, running := n.sessions[start.SessionID]; running {
		return nil
	}
	n.starts[start.SessionID] = start

	session, err := dkg.NewSession(n.l, n.scheme, n.pair, start, n.cfg.progressInterval,
		func(m *wire.DkgMessage) { n.broadcastDkg(start, m) })
	if err != nil {
		if !errors.Is(err, dkg.ErrNotParticipant) {
			n.l.Errorw("cannot start key agreement", "err", err)
		}
		return nil
	}
	n.sessions[start.SessionID] = session

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		outcome, err := session.Run(ctx)
		if err != nil {
			n.l.Errorw("key agreement failed", "session", hex.EncodeToString(start.SessionID[:4]), "err", err)
			return
		}
		n.Enqueue(HandleDkgOutcome{SessionID: start.SessionID, Outcome: outcome})
	}()
	return nil
}

// broadcastDkg ships one of our bundles to every other participant.
func (n *Node) broadcastDkg(start *wire.DkgStart, m *wire.DkgMessage) {
	msg, err := n.nodeSignedMsg(start.Prefix.Name(), m)
	if err != nil {
		n.l.Errorw("cannot encode dkg bundle", "err", err)
		return
	}
	for _, e := range start.Participants {
		if e.Name == n.pair.Name() {
			continue
		}
		n.out.enqueue(e.Addr, msg)
	}
}

// handleDkgMessage routes a peer's bundle into the matching session.
func (n *Node) handleDkgMessage(sender Peer, m *wire.DkgMessage) []Cmd {
	session, ok := n.sessions[m.SessionID]
	if !ok {
		notReady := &wire.DkgNotReady{SessionID: m.SessionID}
		msg, err := n.nodeSignedMsg(sender.Name, notReady)
		if err != nil {
			return nil
		}
		return []Cmd{SendMsg{Recipients: []Peer{sender}, Msg: msg}}
	}
	if err := session.ProcessMessage(m); err != nil {
		n.l.Debugw("bad dkg bundle", "from", sender.Addr, "err", err)
		n.faults.TrackIssue(sender.Name, fault.IssueDkg)
	}
	return nil
}

// handleDkgNotReady re-announces a session to a peer that missed its start.
func (n *Node) handleDkgNotReady(sender Peer, p *wire.DkgNotReady) []Cmd {
	start, ok := n.starts[p.SessionID]
	if !ok {
		return nil
	}
	info := &wire.DkgSessionInfo{Start: *start}
	msg, err := n.nodeSignedMsg(sender.Name, info)
	if err != nil {
		return nil
	}
	return []Cmd{SendMsg{Recipients: []Peer{sender}, Msg: msg}}
}

// handleDkgOutcome turns a finished agreement into the next authority
// provider and seeks the two endorsements that activate it: the DAG edge
// from the current key, and the handover signature by the new key-set.
func (n *Node) handleDkgOutcome(id wire.DkgSessionID, outcome *dkg.Outcome) []Cmd {
	start, ok := n.starts[id]
	if !ok {
		n.l.Errorw("outcome for unknown session")
		return nil
	}
	delete(n.sessions, id)

	sap := section.NewSAP(start.Prefix, start.Generation, start.Participants,
		outcome.Public, start.Threshold, start.Members)

	ksID := hex.EncodeToString(sap.KeySetID())
	n.pendingShares[ksID] = outcome.Share
	n.keysets[ksID] = &keyset{public: outcome.Public, threshold: start.Threshold, n: sap.N()}

	var cmds []Cmd
	// the current key-set signs the new key into the DAG
	if n.isElder() {
		cmds = append(cmds, n.broadcastProposal(&wire.Propose{
			Kind:     wire.ProposalKeyEndorsement,
			ChildKey: sap.SectionKey(),
		})...)
	}
	// the new key-set endorses its own provider
	cmds = append(cmds, n.broadcastProposal(&wire.Propose{
		Kind: wire.ProposalHandover,
		SAP:  sap,
	})...)
	return cmds
}

func membersFor(prefix xorname.Prefix, mlog *membership.Log) []section.NodeState {
	var out []section.NodeState
	for _, st := range mlog.Members() {
		if prefix.Matches(st.Name) {
			out = append(out, st)
		}
	}
	return out
}

// activateSAP installs a fully signed provider: into the tree always, and as
// our own section when it covers us.
func (n *Node) activateSAP(sap *section.SignedSAP) []Cmd {
	if !n.tree.HasKey(sap.SAP.SectionKey()) {
		// the DAG edge has not landed yet; retry on the endorsement
		n.pendingSAPs[hex.EncodeToString(sap.SAP.KeySetID())] = sap
		return nil
	}
	inserted, err := n.tree.Insert(sap)
	if err != nil {
		n.l.Errorw("cannot install new authority", "err", err)
		return nil
	}
	if !inserted {
		return nil
	}
	n.saveTree()

	if sap.SAP.Prefix.Matches(n.pair.Name()) {
		n.ourSAP = sap
		n.registerKeyset(&sap.SAP)
		if share := n.pendingShare(sap.SAP.KeySetID()); share != nil {
			n.share = share
		} else {
			// demoted out of the elder set
			n.share = nil
		}
		n.l.Infow("section authority rotated",
			"prefix", sap.SAP.Prefix.String(), "generation", sap.SAP.Generation)
	}

	// spread the news to the whole section
	update, err := n.gate.ProbeReply(n.tree.Genesis(), sap)
	if err != nil {
		return nil
	}
	var cmds []Cmd
	for _, m := range sap.SAP.Members {
		if !m.IsJoined() || m.Name == n.pair.Name() {
			continue
		}
		msg, err := wire.NewWireMsg(n.pair.Name(), wire.Dst{Name: m.Name}, update)
		if err != nil {
			continue
		}
		msg.Auth = wire.Authority{Kind: wire.AuthAntiEntropy}
		cmds = append(cmds, SendMsg{Recipients: []Peer{{Name: m.Name, Addr: m.Addr}}, Msg: msg})
	}
	return cmds
}

// nodeSignedMsg wraps a payload in a node-authority envelope.
func (n *Node) nodeSignedMsg(dst xorname.Name, payload wire.Payload) (*wire.WireMsg, error) {
	msg, err := wire.NewWireMsg(n.pair.Name(), wire.Dst{
		Name:       dst,
		SectionKey: n.ourSAP.SAP.SectionKey(),
	}, payload)
	if err != nil {
		return nil, err
	}
	sig, err := n.pair.Key.Sign(msg.PayloadHash())
	if err != nil {
		return nil, err
	}
	msg.Auth = wire.Authority{
		Kind: wire.AuthNode,
		Node: &wire.NodeAuth{PeerKey: crypto.PointToBytes(n.pair.Public.Key), Sig: sig},
	}
	return msg, nil
}
