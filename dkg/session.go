// Package dkg runs section-key agreements: the elders of a prospective
// generation produce a fresh BLS key-set whose aggregate key becomes the next
// section key. The protocol itself is kyber's distributed key generation;
// this package drives it over the node's message plane.
package dkg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drand/kyber/share/dkg"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/wire"
)

// DefaultProgressInterval is the time between protocol phase ticks.
const DefaultProgressInterval = 6 * time.Second

// bundleBuffer bounds how many bundles per phase we hold before the protocol
// drains them.
const bundleBuffer = 64

// ErrNotParticipant is returned when this node is not in the session's
// participant list.
var ErrNotParticipant = errors.New("not a participant of this session")

// Outcome is the result of a completed agreement.
type Outcome struct {
	// Share is this node's private share of the new key-set.
	Share *key.Share
	// Public is the distributed public key; its first coefficient is the new
	// section key.
	Public *key.DistPublic
	// Qual lists the share indices that made it into the final key-set.
	Qual []uint32
}

// Session drives one key agreement. It implements the protocol board by
// shipping bundles out through the send callback and looping its own bundles
// back in, the same way every other participant's bundles arrive through
// ProcessMessage.
type Session struct {
	l      log.Logger
	scheme *crypto.Scheme
	id     wire.DkgSessionID
	send   func(*wire.DkgMessage)

	dealCh chan dkg.DealBundle
	respCh chan dkg.ResponseBundle
	justCh chan dkg.JustificationBundle

	phaser   *dkg.TimePhaser
	protocol *dkg.Protocol
}

// NewSession prepares the protocol for the participants announced in start.
// Outbound bundles are handed to send; the caller routes them to every other
// participant.
func NewSession(l log.Logger, sch *crypto.Scheme, pair *key.Pair, start *wire.DkgStart,
	progress time.Duration, send func(*wire.DkgMessage)) (*Session, error) {
	ourDkgKey := crypto.PointToBytes(sch.KeyGroup.Point().Mul(pair.DkgKey, nil))
	found := false
	nodes := make([]dkg.Node, 0, len(start.Participants))
	for _, e := range start.Participants {
		pub := sch.KeyGroup.Point()
		if err := pub.UnmarshalBinary(e.DkgKey); err != nil {
			return nil, fmt.Errorf("participant %s key corrupted: %w", e.Name, err)
		}
		nodes = append(nodes, dkg.Node{Index: e.Index, Public: pub})
		if bytes.Equal(e.DkgKey, ourDkgKey) {
			found = true
		}
	}
	if !found {
		return nil, ErrNotParticipant
	}

	s := &Session{
		l:      l.Named("dkg"),
		scheme: sch,
		id:     start.SessionID,
		send:   send,
		dealCh: make(chan dkg.DealBundle, bundleBuffer),
		respCh: make(chan dkg.ResponseBundle, bundleBuffer),
		justCh: make(chan dkg.JustificationBundle, bundleBuffer),
	}

	conf := &dkg.Config{
		Suite:     sch.KeyGroup.(dkg.Suite),
		Longterm:  pair.DkgKey,
		NewNodes:  nodes,
		Threshold: start.Threshold,
		FastSync:  true,
		Nonce:     nonceFor(start),
		Auth:      sch.DKGAuthScheme,
		Log:       s.l,
	}

	if progress <= 0 {
		progress = DefaultProgressInterval
	}
	s.phaser = dkg.NewTimePhaser(progress)

	// NewProtocol actually _starts_ the protocol on a goroutine also
	protocol, err := dkg.NewProtocol(conf, s, s.phaser, false)
	if err != nil {
		return nil, err
	}
	s.protocol = protocol
	return s, nil
}

func nonceFor(start *wire.DkgStart) []byte {
	h := start.SessionID
	return h[:]
}

// ID returns the session id.
func (s *Session) ID() wire.DkgSessionID {
	return s.id
}

// Run starts phase ticking and blocks until the agreement completes, fails,
// or the context expires.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	go s.phaser.Start()

	select {
	case res := <-s.protocol.WaitEnd():
		if res.Error != nil {
			return nil, res.Error
		}
		share := &key.Share{DistKeyShare: *res.Result.Key, Scheme: s.scheme}
		out := &Outcome{
			Share:  share,
			Public: share.Public(),
		}
		// the index in the loop may _not_ align with the index in QUAL
		for _, n := range res.Result.QUAL {
			out.Qual = append(out.Qual, n.Index)
		}
		s.l.Infow("key agreement complete", "qual", len(out.Qual))
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessMessage feeds a peer's bundle into the running protocol.
func (s *Session) ProcessMessage(m *wire.DkgMessage) error {
	if m.SessionID != s.id {
		return fmt.Errorf("bundle for session %x, expected %x", m.SessionID[:4], s.id[:4])
	}
	packet, err := msgToPacket(s.scheme, m)
	if err != nil {
		return err
	}
	s.deliver(packet)
	return nil
}

func (s *Session) deliver(p dkg.Packet) {
	switch pp := p.(type) {
	case *dkg.DealBundle:
		s.dealCh <- *pp
	case *dkg.ResponseBundle:
		s.respCh <- *pp
	case *dkg.JustificationBundle:
		s.justCh <- *pp
	}
}

// PushDeals implements dkg.Board: broadcast our bundle and loop it back to
// the protocol like any other participant's.
func (s *Session) PushDeals(bundle *dkg.DealBundle) {
	s.broadcast(bundle)
	s.dealCh <- *bundle
}

// PushResponses implements dkg.Board.
func (s *Session) PushResponses(bundle *dkg.ResponseBundle) {
	s.broadcast(bundle)
	s.respCh <- *bundle
}

// PushJustifications implements dkg.Board.
func (s *Session) PushJustifications(bundle *dkg.JustificationBundle) {
	s.broadcast(bundle)
	s.justCh <- *bundle
}

func (s *Session) broadcast(p dkg.Packet) {
	msg, err := packetToMsg(s.id, p)
	if err != nil {
		s.l.Errorw("cannot serialize bundle", "err", err)
		return
	}
	s.send(msg)
}

// IncomingDeal implements dkg.Board.
func (s *Session) IncomingDeal() <-chan dkg.DealBundle {
	return s.dealCh
}

// IncomingResponse implements dkg.Board.
func (s *Session) IncomingResponse() <-chan dkg.ResponseBundle {
	return s.respCh
}

// IncomingJustification implements dkg.Board.
func (s *Session) IncomingJustification() <-chan dkg.JustificationBundle {
	return s.justCh
}

