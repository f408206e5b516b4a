package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/relocation"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/xorname"
)

// MsgType tags the payload carried by an envelope.
type MsgType uint8

const (
	TypeAntiEntropyProbe MsgType = iota + 1
	TypeAntiEntropy
	TypeJoinRequest
	TypeJoinResponse
	TypePropose
	TypeDkgStart
	TypeDkgMessage
	TypeDkgNotReady
	TypeDkgRetry
	TypeDkgSessionInfo
	TypeDkgFailureObservation
	TypeDkgFailureAgreement
	TypeNodeCmd
	TypeNodeQuery
	TypeNodeQueryResponse
	TypeRelocate
)

func (t MsgType) String() string {
	switch t {
	case TypeAntiEntropyProbe:
		return "AntiEntropyProbe"
	case TypeAntiEntropy:
		return "AntiEntropy"
	case TypeJoinRequest:
		return "JoinRequest"
	case TypeJoinResponse:
		return "JoinResponse"
	case TypePropose:
		return "Propose"
	case TypeDkgStart:
		return "DkgStart"
	case TypeDkgMessage:
		return "DkgMessage"
	case TypeDkgNotReady:
		return "DkgNotReady"
	case TypeDkgRetry:
		return "DkgRetry"
	case TypeDkgSessionInfo:
		return "DkgSessionInfo"
	case TypeDkgFailureObservation:
		return "DkgFailureObservation"
	case TypeDkgFailureAgreement:
		return "DkgFailureAgreement"
	case TypeNodeCmd:
		return "NodeCmd"
	case TypeNodeQuery:
		return "NodeQuery"
	case TypeNodeQueryResponse:
		return "NodeQueryResponse"
	case TypeRelocate:
		return "Relocate"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Payload is implemented by every typed message body.
type Payload interface {
	MsgType() MsgType
}

// AntiEntropyProbe asks the receiving elders whether the probed section key
// is still current. Probes skip the anti-entropy gate themselves.
type AntiEntropyProbe struct {
	SectionKey []byte
}

func (AntiEntropyProbe) MsgType() MsgType { return TypeAntiEntropyProbe }

// AEKind discriminates anti-entropy replies.
type AEKind uint8

const (
	// AEUpdate pushes newer knowledge without expecting a resend.
	AEUpdate AEKind = iota
	// AERetry tells the sender its knowledge was stale; it should update and
	// resend the original message.
	AERetry
	// AERedirect tells the sender the destination is owned by another
	// section.
	AERedirect
)

func (k AEKind) String() string {
	switch k {
	case AEUpdate:
		return "Update"
	case AERetry:
		return "Retry"
	case AERedirect:
		return "Redirect"
	default:
		return "Unknown"
	}
}

// AntiEntropy carries a verifiable section tree update.
type AntiEntropy struct {
	Kind   AEKind
	Update section.SectionTreeUpdate
}

func (AntiEntropy) MsgType() MsgType { return TypeAntiEntropy }

// JoinRequest is a candidate's request to be admitted by the section it
// believes owns its name. Relocations attach their continuity proof; a
// candidate answering a resource challenge attaches the solved nonce.
type JoinRequest struct {
	SectionKey []byte
	// DkgKey is the candidate's public participation key, recorded so the
	// section can draft it into future key agreements.
	DkgKey []byte
	Proof  *relocation.Proof `cbor:",omitempty"`

	ChallengeNonce    []byte `cbor:",omitempty"`
	ChallengeSolution uint64 `cbor:",omitempty"`
}

func (JoinRequest) MsgType() MsgType { return TypeJoinRequest }

// JoinResponseKind discriminates the replies a joining node can receive.
type JoinResponseKind uint8

const (
	// JoinRetry tells the candidate its target knowledge was stale.
	JoinRetry JoinResponseKind = iota
	// JoinRedirect points the candidate at the section owning its name.
	JoinRedirect
	// JoinApproved carries the membership decision admitting the candidate.
	JoinApproved
	// JoinRejected is terminal.
	JoinRejected
	// JoinResourceChallenge asks the candidate to prove work before being
	// considered.
	JoinResourceChallenge
)

// JoinRejectReason explains a terminal rejection.
type JoinRejectReason uint8

const (
	// JoinsDisallowed means the section does not currently admit new nodes.
	JoinsDisallowed JoinRejectReason = iota
	// NodeNotReachable means the section could not connect back to the
	// candidate.
	NodeNotReachable
)

// JoinResponse is an elder's reply to a JoinRequest.
type JoinResponse struct {
	Kind JoinResponseKind

	// Retry and Redirect carry the section authority to aim at next; Retry
	// also proves it with a chain from the candidate's claimed key.
	SAP         *section.SignedSAP  `cbor:",omitempty"`
	ProofChain  *section.ProofChain `cbor:",omitempty"`
	ExpectedAge uint8               `cbor:",omitempty"`

	// Approved carries the decision that admitted the candidate.
	Decision *membership.Decision `cbor:",omitempty"`

	// Rejected carries the reason; NodeNotReachable names the address tried.
	Reject     JoinRejectReason `cbor:",omitempty"`
	RejectAddr string           `cbor:",omitempty"`

	Challenge *ResourceChallenge `cbor:",omitempty"`
}

func (JoinResponse) MsgType() MsgType { return TypeJoinResponse }

// ResourceChallenge is a small proof-of-work handed to joining candidates.
type ResourceChallenge struct {
	Nonce      []byte
	Difficulty uint8
}

// Solve searches for a solution to the challenge.
func (rc *ResourceChallenge) Solve() uint64 {
	for sol := uint64(0); ; sol++ {
		if rc.Check(sol) {
			return sol
		}
	}
}

// Check verifies a proposed solution.
func (rc *ResourceChallenge) Check(solution uint64) bool {
	var buff [8]byte
	binary.BigEndian.PutUint64(buff[:], solution)
	digest := codec.Hash(append(rc.Nonce, buff[:]...))
	return leadingZeroBits(digest) >= uint(rc.Difficulty)
}

func leadingZeroBits(b []byte) uint {
	var count uint
	for _, v := range b {
		if v == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0 && v&mask == 0; mask >>= 1 {
			count++
		}
		break
	}
	return count
}

// ProposalKind says what a Propose asks the elders to co-sign.
type ProposalKind uint8

const (
	// ProposalMembership proposes a membership decision; shares cover the
	// proposal hash.
	ProposalMembership ProposalKind = iota
	// ProposalHandover endorses a freshly agreed authority provider with its
	// own new key-set; shares cover the provider bytes.
	ProposalHandover
	// ProposalKeyEndorsement signs a successor section key with the current
	// key-set, creating the DAG edge; shares cover the child key bytes.
	ProposalKeyEndorsement
	// ProposalStateEndorsement signs a single member state, as needed by
	// relocation proofs; shares cover the state hash.
	ProposalStateEndorsement
)

// Propose gossips something for the elders to co-sign. The sender's
// signature share travels in the envelope's BlsShare authority.
type Propose struct {
	Kind ProposalKind

	Proposal *membership.Proposal              `cbor:",omitempty"`
	SAP      *section.SectionAuthorityProvider `cbor:",omitempty"`
	ChildKey []byte                            `cbor:",omitempty"`
	State    *section.NodeState                `cbor:",omitempty"`
}

func (Propose) MsgType() MsgType { return TypePropose }

// DkgSessionID names one key agreement attempt.
type DkgSessionID [32]byte

// DkgStart announces a key agreement among the listed participants for the
// given prefix and generation. The member roster rides along so that every
// participant derives a byte-identical authority provider from the outcome.
type DkgStart struct {
	SessionID    DkgSessionID
	Prefix       xorname.Prefix
	Generation   uint64
	Threshold    int
	Participants []section.Elder
	Members      []section.NodeState
}

func (DkgStart) MsgType() MsgType { return TypeDkgStart }

// DkgPhase orders the bundles of a session.
type DkgPhase uint8

const (
	DkgPhaseDeal DkgPhase = iota + 1
	DkgPhaseResponse
	DkgPhaseJustification
)

// DkgMessage transports one serialized bundle of a running session.
type DkgMessage struct {
	SessionID DkgSessionID
	Phase     DkgPhase
	Bundle    []byte
}

func (DkgMessage) MsgType() MsgType { return TypeDkgMessage }

// DkgNotReady signals the sender has not yet initialised the session.
type DkgNotReady struct {
	SessionID DkgSessionID
}

func (DkgNotReady) MsgType() MsgType { return TypeDkgNotReady }

// DkgRetry asks a peer to resend the bundles of a phase.
type DkgRetry struct {
	SessionID DkgSessionID
	Phase     DkgPhase
}

func (DkgRetry) MsgType() MsgType { return TypeDkgRetry }

// DkgSessionInfo describes a session to a peer that missed its start.
type DkgSessionInfo struct {
	Start DkgStart
}

func (DkgSessionInfo) MsgType() MsgType { return TypeDkgSessionInfo }

// DkgFailureObservation reports peers observed failing a session.
type DkgFailureObservation struct {
	SessionID DkgSessionID
	Faulty    []xorname.Name
	Sig       []byte
}

func (DkgFailureObservation) MsgType() MsgType { return TypeDkgFailureObservation }

// DkgFailureAgreement aggregates failure observations from a quorum.
type DkgFailureAgreement struct {
	SessionID    DkgSessionID
	Faulty       []xorname.Name
	Observations [][]byte
}

func (DkgFailureAgreement) MsgType() MsgType { return TypeDkgFailureAgreement }

// NodeCmd is opaque to the core; it is forwarded to external handlers after
// authority verification.
type NodeCmd struct {
	Data []byte
}

func (NodeCmd) MsgType() MsgType { return TypeNodeCmd }

// NodeQuery is opaque to the core.
type NodeQuery struct {
	Data []byte
}

func (NodeQuery) MsgType() MsgType { return TypeNodeQuery }

// NodeQueryResponse is opaque to the core.
type NodeQueryResponse struct {
	Data []byte
}

func (NodeQueryResponse) MsgType() MsgType { return TypeNodeQueryResponse }

// Relocate is the section-authoritative notice telling a member it has been
// designated for relocation; the carried state is its ticket into the
// destination section.
type Relocate struct {
	State relocation.SignedNodeState
}

func (Relocate) MsgType() MsgType { return TypeRelocate }

// DecodePayload parses the typed body matching the envelope's type tag.
func DecodePayload(m *WireMsg) (Payload, error) {
	var p Payload
	switch m.Type {
	case TypeAntiEntropyProbe:
		p = new(AntiEntropyProbe)
	case TypeAntiEntropy:
		p = new(AntiEntropy)
	case TypeJoinRequest:
		p = new(JoinRequest)
	case TypeJoinResponse:
		p = new(JoinResponse)
	case TypePropose:
		p = new(Propose)
	case TypeDkgStart:
		p = new(DkgStart)
	case TypeDkgMessage:
		p = new(DkgMessage)
	case TypeDkgNotReady:
		p = new(DkgNotReady)
	case TypeDkgRetry:
		p = new(DkgRetry)
	case TypeDkgSessionInfo:
		p = new(DkgSessionInfo)
	case TypeDkgFailureObservation:
		p = new(DkgFailureObservation)
	case TypeDkgFailureAgreement:
		p = new(DkgFailureAgreement)
	case TypeNodeCmd:
		p = new(NodeCmd)
	case TypeNodeQuery:
		p = new(NodeQuery)
	case TypeNodeQueryResponse:
		p = new(NodeQueryResponse)
	case TypeRelocate:
		p = new(Relocate)
	default:
		return nil, fmt.Errorf("unknown message type %d", m.Type)
	}
	if err := codec.Unmarshal(m.Payload, p); err != nil {
		return nil, fmt.Errorf("decoding %d payload: %w", m.Type, err)
	}
	return p, nil
}
