package node

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/shardnet/shardnet/ae"
	"github.com/shardnet/shardnet/fault"
	"github.com/shardnet/shardnet/metrics"
	"github.com/shardnet/shardnet/sigagg"
	"github.com/shardnet/shardnet/wire"
)

// gateExempt lists the message types that skip the anti-entropy gate to
// avoid reply cycles.
func gateExempt(t wire.MsgType) bool {
	switch t {
	case wire.TypeAntiEntropy, wire.TypeAntiEntropyProbe,
		wire.TypeJoinRequest, wire.TypeJoinResponse:
		return true
	default:
		return false
	}
}

func (n *Node) countMsg(t wire.MsgType, result string) {
	metrics.MessagesHandled.WithLabelValues(t.String(), result).Inc()
}

// processMsg is the full inbound pipeline: dedupe, authority shape, payload
// decode, anti-entropy gate, share aggregation, authority verification,
// typed handler. A message failing any step is dropped and the sender gets
// the matching fault credit.
func (n *Node) processMsg(ctx context.Context, sender Peer, m *wire.WireMsg) []Cmd {
	if ok, _ := n.seen.ContainsOrAdd(msgKey(m.ID), struct{}{}); ok {
		return nil
	}

	if err := m.Auth.Validate(); err != nil {
		n.l.Debugw("malformed authority", "from", sender.Addr, "err", err)
		n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
		n.countMsg(m.Type, "malformed")
		return nil
	}

	payload, err := wire.DecodePayload(m)
	if err != nil {
		n.l.Debugw("undecodable payload", "from", sender.Addr, "err", err)
		n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
		n.countMsg(m.Type, "malformed")
		return nil
	}

	// anti-entropy gate
	if !gateExempt(m.Type) {
		outcome, err := n.gate.Check(m.Dst, n.ourSAP)
		if err != nil {
			n.l.Errorw("gate failure", "err", err)
			return nil
		}
		metrics.AEReplies.WithLabelValues(outcome.Action.String()).Inc()
		switch outcome.Action {
		case ae.ActionRetry, ae.ActionRedirect:
			n.countMsg(m.Type, "bounced")
			return n.sendAE(sender, outcome.Reply)
		case ae.ActionDrop:
			n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
			n.countMsg(m.Type, "dropped")
			return nil
		case ae.ActionPass:
		}
	}

	// authority verification; share authorities aggregate first and suspend
	// until the threshold share arrives
	switch m.Auth.Kind {
	case wire.AuthNode:
		if err := m.Auth.VerifyNode(m.Src, m.PayloadHash()); err != nil {
			n.l.Debugw("bad node signature", "from", sender.Addr, "err", err)
			n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
			n.countMsg(m.Type, "bad_auth")
			return nil
		}
	case wire.AuthSection:
		if !n.tree.HasKey(m.Auth.Section.SectionKey) {
			n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
			n.countMsg(m.Type, "bad_auth")
			return nil
		}
		if err := m.Auth.VerifySection(n.scheme, n.sectionAuthMsg(m, payload)); err != nil {
			n.l.Debugw("bad section signature", "from", sender.Addr, "err", err)
			n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
			n.countMsg(m.Type, "bad_auth")
			return nil
		}
	case wire.AuthBlsShare:
		ready, cmds := n.aggregateShare(m, payload)
		if !ready {
			n.countMsg(m.Type, "share_pending")
			return cmds
		}
	case wire.AuthAntiEntropy:
		if m.Type != wire.TypeAntiEntropy && m.Type != wire.TypeAntiEntropyProbe {
			n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
			n.countMsg(m.Type, "bad_auth")
			return nil
		}
	}

	cmds := n.dispatch(ctx, sender, m, payload)
	n.countMsg(m.Type, "handled")
	return cmds
}

func msgKey(id wire.MsgID) string {
	return string(id[:])
}

// sectionAuthMsg returns the bytes a Section authority must have signed for
// this message. Propose envelopes promote their aggregated share message;
// everything else signs the payload hash.
func (n *Node) sectionAuthMsg(m *wire.WireMsg, payload wire.Payload) []byte {
	if p, ok := payload.(*wire.Propose); ok {
		if msg, err := proposeSignMsg(p); err == nil {
			return msg
		}
	}
	return m.PayloadHash()
}

// proposeSignMsg picks the message a proposal's shares cover, by kind.
func proposeSignMsg(p *wire.Propose) ([]byte, error) {
	switch p.Kind {
	case wire.ProposalMembership:
		if p.Proposal == nil {
			return nil, errors.New("membership proposal missing body")
		}
		return p.Proposal.Hash()
	case wire.ProposalHandover:
		if p.SAP == nil {
			return nil, errors.New("handover proposal missing provider")
		}
		return p.SAP.Bytes()
	case wire.ProposalKeyEndorsement:
		if len(p.ChildKey) == 0 {
			return nil, errors.New("key endorsement missing child key")
		}
		return p.ChildKey, nil
	case wire.ProposalStateEndorsement:
		if p.State == nil {
			return nil, errors.New("state endorsement missing state")
		}
		return stateSignMsg(p.State)
	default:
		return nil, errors.New("unknown proposal kind")
	}
}

// aggregateShare verifies a share authority and feeds it to the aggregator.
// On the threshold share the envelope's authority is promoted to Section and
// the pipeline continues; before that the message is suspended, except that
// proposal gossip still lets this elder contribute its own share.
func (n *Node) aggregateShare(m *wire.WireMsg, payload wire.Payload) (bool, []Cmd) {
	signMsg := m.PayloadHash()
	var propose *wire.Propose
	if p, ok := payload.(*wire.Propose); ok {
		propose = p
		msg, err := proposeSignMsg(p)
		if err != nil {
			n.faults.TrackIssue(m.Src, fault.IssueKnowledge)
			return false, nil
		}
		signMsg = msg
	}

	ksID := hex.EncodeToString(m.Auth.BlsShare.KeySetID)
	ks, ok := n.keysets[ksID]
	if !ok {
		n.l.Debugw("share for unknown keyset", "keyset", ksID)
		n.faults.TrackIssue(m.Src, fault.IssueDkg)
		return false, nil
	}

	sig, err := n.agg.Add(signMsg, m.Auth.BlsShare.KeySetID, ks.public, ks.threshold, ks.n, m.Auth.BlsShare.ShareSig)
	switch {
	case errors.Is(err, sigagg.ErrInvalidShare):
		metrics.SharesAggregated.WithLabelValues("invalid").Inc()
		n.faults.TrackIssue(m.Src, fault.IssueDkg)
		return false, nil
	case errors.Is(err, sigagg.ErrNotEnoughShares):
		metrics.SharesAggregated.WithLabelValues("pending").Inc()
		// gossiped proposals deserve our own share even while pending
		if propose != nil {
			return false, n.coSignProposal(propose)
		}
		return false, nil
	case err != nil:
		n.l.Errorw("aggregation failed", "err", err)
		return false, nil
	}

	metrics.SharesAggregated.WithLabelValues("ready").Inc()
	m.Auth = wire.Authority{
		Kind: wire.AuthSection,
		Section: &wire.SectionAuth{
			SectionKey: ks.sectionKey(),
			Sig:        sig,
		},
	}
	return true, nil
}

func (k *keyset) sectionKey() []byte {
	b, _ := k.public.Key().MarshalBinary()
	return b
}
