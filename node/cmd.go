// Package node runs the message dispatcher every member executes: inbound
// envelopes pass the anti-entropy gate, share authorities are aggregated,
// verified messages reach their typed handler, and every effect leaves the
// node as an explicit command.
package node

import (
	"time"

	"github.com/shardnet/shardnet/dkg"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/relocation"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// Cmd is one unit of work on the dispatcher queue or one instruction to the
// world outside the core. Handlers return commands instead of acting
// directly, so all state mutation stays on the queue.
type Cmd interface {
	isCmd()
}

// Peer addresses one recipient of an outbound message.
type Peer struct {
	Name xorname.Name
	Addr string
}

// SendMsg ships an envelope to the listed recipients via the outbound loop.
type SendMsg struct {
	Recipients []Peer
	Msg        *wire.WireMsg
}

func (SendMsg) isCmd() {}

// HandleMsg feeds an inbound envelope through the dispatcher.
type HandleMsg struct {
	Sender Peer
	Msg    *wire.WireMsg
}

func (HandleMsg) isCmd() {}

// ScheduleTimeout arms a timer; when it fires the dispatcher enqueues a
// HandleTimeout carrying the same token.
type ScheduleTimeout struct {
	Duration time.Duration
	Token    uint64
}

func (ScheduleTimeout) isCmd() {}

// HandleTimeout is enqueued when a scheduled timer fires.
type HandleTimeout struct {
	Token uint64
}

func (HandleTimeout) isCmd() {}

// HandleDkgOutcome installs the result of a completed key agreement.
type HandleDkgOutcome struct {
	SessionID wire.DkgSessionID
	Outcome   *dkg.Outcome
}

func (HandleDkgOutcome) isCmd() {}

// HandleMembershipDecision installs a decided membership change.
type HandleMembershipDecision struct {
	Decision *membership.Decision
}

func (HandleMembershipDecision) isCmd() {}

// HandleNewEldersAgreement activates a freshly signed authority provider,
// typically right after the key agreement its decision triggered.
type HandleNewEldersAgreement struct {
	SAP *section.SignedSAP
}

func (HandleNewEldersAgreement) isCmd() {}

// TestConnectivity asks the transport layer to verify a peer is reachable;
// the result feeds the fault scorer.
type TestConnectivity struct {
	Name xorname.Name
	Addr string
}

func (TestConnectivity) isCmd() {}

// HandleRelocationNotice surfaces a section-signed relocation of this very
// node; the runner above the core reacts by driving a relocation join.
type HandleRelocationNotice struct {
	State relocation.SignedNodeState
}

func (HandleRelocationNotice) isCmd() {}
