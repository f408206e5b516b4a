// Package join implements the state machine a candidate runs to be admitted
// by the section owning its name: bootstrap the section tree through
// anti-entropy probes, calibrate a name into the destination's emptiest
// range, then request membership from its elders until a decision arrives.
package join

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/relocation"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

var (
	// ErrJoinTimeout is returned when the whole join did not complete in time.
	ErrJoinTimeout = errors.New("join timed out")
	// ErrJoinsDisallowed is terminal: the section does not admit nodes now.
	ErrJoinsDisallowed = errors.New("joins are currently disallowed, try later")
	// ErrNodeNotReachable is terminal: the section could not reach us back.
	ErrNodeNotReachable = errors.New("section could not reach this node")
	// ErrBootstrapConnectionClosed is returned when the inbound stream ends
	// before the join completes.
	ErrBootstrapConnectionClosed = errors.New("bootstrap connection closed")
)

const (
	backoffInitial = 50 * time.Millisecond
	backoffMax     = 750 * time.Millisecond
)

// calibrationDepth bounds how many bits beyond the section prefix the name
// calibration explores when hunting for the largest empty range.
const calibrationDepth = 8

// Contact is a bootstrap address and the name of the node behind it.
type Contact struct {
	Name xorname.Name
	Addr string
}

// NetworkKnowledge is what a successful join returns: the section admitted
// into, the verified tree inherited from it, and the decision proving the
// admission.
type NetworkKnowledge struct {
	Prefix   xorname.Prefix
	Tree     *section.SectionTree
	SAP      *section.SignedSAP
	Pair     *key.Pair
	Decision *membership.Decision
}

// Send ships an envelope to one address. Implementations must not block on
// slow peers.
type Send func(addr string, m *wire.WireMsg) error

// Joiner runs one join attempt. It owns a candidate keypair which it may
// regenerate during name calibration.
type Joiner struct {
	l        log.Logger
	scheme   *crypto.Scheme
	clock    clockwork.Clock
	pair     *key.Pair
	tree     *section.SectionTree
	send     Send
	incoming <-chan *wire.WireMsg

	// proof is set when this join is a relocation; the admitted age must
	// then match the proof's.
	proof *relocation.Proof

	backoff time.Duration
	// lastTarget remembers the section key of the previous request so that
	// Retry replies pointing at the same authority are ignored.
	lastTarget []byte
}

// NewJoiner prepares a fresh join seeded with the genesis key and at least
// one contact.
func NewJoiner(l log.Logger, sch *crypto.Scheme, clock clockwork.Clock, pair *key.Pair,
	genesis []byte, send Send, incoming <-chan *wire.WireMsg) *Joiner {
	return &Joiner{
		l:        l.Named("join"),
		scheme:   sch,
		clock:    clock,
		pair:     pair,
		tree:     section.NewSectionTree(sch, genesis),
		send:     send,
		incoming: incoming,
		backoff:  backoffInitial,
	}
}

// WithRelocationProof turns this join into a relocation rejoin. The admitted
// age is the one the old section triggered.
func (j *Joiner) WithRelocationProof(p *relocation.Proof) *Joiner {
	j.proof = p
	return j
}

// Run drives the join to completion within the timeout. Internal receive
// waits are bounded by a tenth of it.
func (j *Joiner) Run(ctx context.Context, contacts []Contact, timeout time.Duration) (*NetworkKnowledge, error) {
	deadline := j.clock.Now().Add(timeout)
	waitInterval := timeout / 10

	// tree bootstrap against the initial contacts
	if err := j.probe(ctx, contacts, waitInterval, deadline); err != nil {
		return nil, err
	}

	for {
		if j.clock.Now().After(deadline) {
			return nil, ErrJoinTimeout
		}

		target, err := j.tree.SectionByName(j.pair.Name())
		if err != nil {
			// nothing answered yet; keep probing until the deadline
			j.sleepBackoff(ctx)
			if err := j.probe(ctx, contacts, waitInterval, deadline); err != nil {
				return nil, err
			}
			continue
		}

		if err := j.calibrateName(target); err != nil {
			return nil, err
		}
		// calibration may have moved our name; re-resolve
		target, err = j.tree.SectionByName(j.pair.Name())
		if err != nil {
			return nil, err
		}

		outcome, err := j.requestJoin(ctx, target, waitInterval, deadline)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
		// stale knowledge or redirect; back off before the next round
		j.sleepBackoff(ctx)
	}
}

// probe sends anti-entropy probes and folds every verifiable update into the
// local tree until a receive window brings nothing new.
func (j *Joiner) probe(ctx context.Context, contacts []Contact, wait time.Duration, deadline time.Time) error {
	recipients := make([]Contact, len(contacts))
	copy(recipients, contacts)

	for {
		if j.clock.Now().After(deadline) {
			return ErrJoinTimeout
		}

		probe := &wire.AntiEntropyProbe{SectionKey: j.bestKnownKey()}
		var errs *multierror.Error
		for _, c := range recipients {
			msg, err := j.signedMsg(c.Name, probe)
			if err != nil {
				return err
			}
			if err := j.send(c.Addr, msg); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("probing %s: %w", c.Addr, err))
			}
		}
		if len(recipients) > 0 && errs != nil && len(errs.Errors) == len(recipients) {
			return fmt.Errorf("all probes failed: %w", errs)
		}

		learned, err := j.collectUpdates(ctx, wait)
		if err != nil {
			return err
		}
		if !learned {
			return nil
		}
		// aim follow-up probes at the elders now known to own our name
		if target, err := j.tree.SectionByName(j.pair.Name()); err == nil {
			recipients = recipients[:0]
			for _, e := range target.SAP.Elders {
				recipients = append(recipients, Contact{Name: e.Name, Addr: e.Addr})
			}
		}
	}
}

// collectUpdates drains anti-entropy replies for one receive window and
// reports whether the tree gained knowledge.
func (j *Joiner) collectUpdates(ctx context.Context, wait time.Duration) (bool, error) {
	learned := false
	timer := j.clock.After(wait)
	for {
		select {
		case <-ctx.Done():
			return learned, ctx.Err()
		case <-timer:
			return learned, nil
		case m, ok := <-j.incoming:
			if !ok {
				return learned, ErrBootstrapConnectionClosed
			}
			ae, ok2 := j.decodeAE(m)
			if !ok2 {
				continue
			}
			updated, err := j.tree.Apply(&ae.Update)
			if err != nil {
				j.l.Debugw("ignoring unverifiable update during bootstrap", "err", err)
				continue
			}
			if updated {
				learned = true
			}
		}
	}
}

func (j *Joiner) decodeAE(m *wire.WireMsg) (*wire.AntiEntropy, bool) {
	if m.Type != wire.TypeAntiEntropy {
		return nil, false
	}
	p, err := wire.DecodePayload(m)
	if err != nil {
		return nil, false
	}
	ae, ok := p.(*wire.AntiEntropy)
	return ae, ok
}

func (j *Joiner) bestKnownKey() []byte {
	if sap, err := j.tree.SectionByName(j.pair.Name()); err == nil {
		return sap.SAP.SectionKey()
	}
	return j.tree.Genesis()
}

// calibrateName regenerates our keypair so the name falls into the largest
// empty range of the destination prefix. Relocated nodes keep their target
// name constraints instead.
func (j *Joiner) calibrateName(target *section.SignedSAP) error {
	if j.proof != nil {
		// a relocation already calibrated its name; regenerating it would
		// invalidate the continuity proof
		return nil
	}
	prefix := target.SAP.Prefix

	empty := largestEmptyRange(prefix, target.SAP.JoinedNames())
	if empty.Matches(j.pair.Name()) {
		return nil
	}
	pair, err := key.NewKeyPairWithin(empty, j.pair.Public.Addr)
	if err != nil {
		return err
	}
	j.l.Debugw("calibrated name", "old", j.pair.Name(), "new", pair.Name(), "range", empty.String())
	j.pair = pair
	return nil
}

// largestEmptyRange walks down from the prefix, at each step following the
// child with fewer member names, and stops at the first empty sub-range or
// at the depth bound.
func largestEmptyRange(prefix xorname.Prefix, members []xorname.Name) xorname.Prefix {
	current := prefix
	for depth := 0; depth < calibrationDepth; depth++ {
		zero, one := current.Pushed(false), current.Pushed(true)
		var zeroCount, oneCount int
		for _, m := range members {
			switch {
			case zero.Matches(m):
				zeroCount++
			case one.Matches(m):
				oneCount++
			}
		}
		switch {
		case zeroCount == 0:
			return zero
		case oneCount == 0:
			return one
		case zeroCount <= oneCount:
			current = zero
		default:
			current = one
		}
	}
	return current
}

// requestJoin sends the membership request to every destination elder and
// sorts the replies. A nil, nil return means the round must be repeated with
// fresher knowledge.
func (j *Joiner) requestJoin(ctx context.Context, target *section.SignedSAP,
	wait time.Duration, deadline time.Time) (*NetworkKnowledge, error) {
	targetKey := target.SAP.SectionKey()
	req := &wire.JoinRequest{
		SectionKey: targetKey,
		DkgKey:     j.pair.Public.DkgKey,
		Proof:      j.proof,
	}
	j.lastTarget = targetKey

	if err := j.sendToElders(target, req); err != nil {
		return nil, err
	}

	retryFrom := make(map[xorname.Name]struct{})
	elderCount := target.SAP.N()

	for {
		if j.clock.Now().After(deadline) {
			return nil, ErrJoinTimeout
		}

		resp, sender, err := j.receiveJoinResponse(ctx, wait)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			// window expired without a decision; resend after backoff
			j.sleepBackoff(ctx)
			if err := j.sendToElders(target, req); err != nil {
				return nil, err
			}
			continue
		}

		switch resp.Kind {
		case wire.JoinRetry:
			if resp.SAP == nil || bytes.Equal(resp.SAP.SAP.SectionKey(), j.lastTarget) {
				j.l.Debugw("ignoring retry pointing at the authority we already used", "from", sender)
				continue
			}
			j.applyResponseKnowledge(resp)
			retryFrom[sender] = struct{}{}
			// tolerate sub-majority noise: only restart once more than a
			// third of the elders asked us to
			if len(retryFrom)*3 > elderCount {
				return nil, nil
			}

		case wire.JoinRedirect:
			if resp.SAP == nil {
				continue
			}
			j.applyResponseKnowledge(resp)
			return nil, nil

		case wire.JoinRejected:
			switch resp.Reject {
			case wire.JoinsDisallowed:
				return nil, ErrJoinsDisallowed
			case wire.NodeNotReachable:
				return nil, fmt.Errorf("%w: %s", ErrNodeNotReachable, resp.RejectAddr)
			default:
				return nil, errors.New("join rejected")
			}

		case wire.JoinResourceChallenge:
			if resp.Challenge == nil {
				continue
			}
			solved := &wire.JoinRequest{
				SectionKey:        targetKey,
				DkgKey:            j.pair.Public.DkgKey,
				Proof:             j.proof,
				ChallengeNonce:    resp.Challenge.Nonce,
				ChallengeSolution: resp.Challenge.Solve(),
			}
			if err := j.sendToElders(target, solved); err != nil {
				return nil, err
			}

		case wire.JoinApproved:
			knowledge, err := j.acceptDecision(target, resp.Decision)
			if err != nil {
				j.l.Warnw("rejecting invalid approval", "from", sender, "err", err)
				continue
			}
			return knowledge, nil
		}
	}
}

func (j *Joiner) sendToElders(target *section.SignedSAP, req *wire.JoinRequest) error {
	var errs *multierror.Error
	for _, e := range target.SAP.Elders {
		msg, err := j.signedMsg(e.Name, req)
		if err != nil {
			return err
		}
		msg.Dst.SectionKey = target.SAP.SectionKey()
		if err := j.send(e.Addr, msg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil && len(errs.Errors) == target.SAP.N() {
		return fmt.Errorf("could not reach any elder: %w", errs)
	}
	return nil
}

// receiveJoinResponse waits for one join response, up to the receive window.
// It returns nil without error when the window expires.
func (j *Joiner) receiveJoinResponse(ctx context.Context, wait time.Duration) (*wire.JoinResponse, xorname.Name, error) {
	timer := j.clock.After(wait)
	for {
		select {
		case <-ctx.Done():
			return nil, xorname.Name{}, ctx.Err()
		case <-timer:
			return nil, xorname.Name{}, nil
		case m, ok := <-j.incoming:
			if !ok {
				return nil, xorname.Name{}, ErrBootstrapConnectionClosed
			}
			switch m.Type {
			case wire.TypeAntiEntropy:
				if ae, ok2 := j.decodeAE(m); ok2 {
					if _, err := j.tree.Apply(&ae.Update); err != nil {
						j.l.Debugw("ignoring unverifiable update", "err", err)
					}
				}
			case wire.TypeJoinResponse:
				p, err := wire.DecodePayload(m)
				if err != nil {
					continue
				}
				if resp, ok2 := p.(*wire.JoinResponse); ok2 {
					return resp, m.Src, nil
				}
			}
		}
	}
}

// applyResponseKnowledge folds the proof-chain of a Retry/Redirect into the
// local tree.
func (j *Joiner) applyResponseKnowledge(resp *wire.JoinResponse) {
	if resp.SAP == nil || resp.ProofChain == nil {
		return
	}
	update := &section.SectionTreeUpdate{SignedSAP: *resp.SAP, ProofChain: *resp.ProofChain}
	if _, err := j.tree.Apply(update); err != nil {
		j.l.Debugw("retry carried unverifiable knowledge", "err", err)
	}
}

// acceptDecision validates an approval: the decision must verify under the
// target's key, include us as joined, and carry the right age.
func (j *Joiner) acceptDecision(target *section.SignedSAP, d *membership.Decision) (*NetworkKnowledge, error) {
	if d == nil {
		return nil, errors.New("approval carried no decision")
	}
	if !bytes.Equal(d.SectionKey, target.SAP.SectionKey()) {
		return nil, errors.New("decision signed by a key other than the target section's")
	}
	if err := d.Verify(j.scheme); err != nil {
		return nil, err
	}
	if !d.Includes(j.pair.Name(), section.StateJoined) {
		return nil, errors.New("decision does not include us as joined")
	}

	st, _ := decisionState(d, j.pair.Name())
	expected := section.MinAdultAge
	if j.proof != nil {
		expected = j.proof.ExpectedAge()
	}
	if st.Age != expected {
		return nil, fmt.Errorf("admitted with age %d, expected %d", st.Age, expected)
	}

	return &NetworkKnowledge{
		Prefix:   target.SAP.Prefix,
		Tree:     j.tree,
		SAP:      target,
		Pair:     j.pair,
		Decision: d,
	}, nil
}

func decisionState(d *membership.Decision, name xorname.Name) (section.NodeState, bool) {
	for _, c := range d.Proposal.Changes {
		if c.Name == name {
			return c, true
		}
	}
	return section.NodeState{}, false
}

// sleepBackoff waits the current backoff interval, doubling it up to the cap
// before resetting. Cancelled contexts cut the wait short.
func (j *Joiner) sleepBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-j.clock.After(j.backoff):
	}
	if j.backoff >= backoffMax {
		j.backoff = backoffInitial
		return
	}
	j.backoff *= 2
	if j.backoff > backoffMax {
		j.backoff = backoffMax
	}
}

// signedMsg wraps a payload in a node-authority envelope addressed to dst.
func (j *Joiner) signedMsg(dst xorname.Name, payload wire.Payload) (*wire.WireMsg, error) {
	msg, err := wire.NewWireMsg(j.pair.Name(), wire.Dst{Name: dst}, payload)
	if err != nil {
		return nil, err
	}
	sig, err := j.pair.Key.Sign(msg.PayloadHash())
	if err != nil {
		return nil, err
	}
	msg.Auth = wire.Authority{
		Kind: wire.AuthNode,
		Node: &wire.NodeAuth{
			PeerKey: crypto.PointToBytes(j.pair.Public.Key),
			Sig:     sig,
		},
	}
	return msg, nil
}

// Pair exposes the (possibly recalibrated) candidate keypair.
func (j *Joiner) Pair() *key.Pair {
	return j.pair
}
