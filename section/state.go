// Package section models a section of the network: the authority provider
// describing its elders and key-set at one generation, the verifiable DAG of
// section keys rooted at genesis, and the tree of latest known authorities
// per prefix.
package section

import (
	"github.com/shardnet/shardnet/xorname"
)

// MembershipState is the lifecycle state of a section member.
type MembershipState uint8

const (
	// StateJoined marks a live member of the section.
	StateJoined MembershipState = iota
	// StateLeft marks a member that left or was removed.
	StateLeft
	// StateRelocated marks a member moved to another section.
	StateRelocated
)

func (s MembershipState) String() string {
	switch s {
	case StateJoined:
		return "Joined"
	case StateLeft:
		return "Left"
	case StateRelocated:
		return "Relocated"
	default:
		return "Unknown"
	}
}

// MinAdultAge is the age every freshly joined node starts with. Ages below it
// are reserved for nodes still proving themselves.
const MinAdultAge uint8 = 5

// NodeState is one member's recorded state within a section.
type NodeState struct {
	Name xorname.Name
	Addr string
	// PeerKey is the member's Ed25519 public key.
	PeerKey []byte
	// DkgKey is the member's public participation key, needed when it is
	// drafted into a key agreement.
	DkgKey []byte
	State  MembershipState
	Age    uint8
	// RelocationTrigger carries the churn id that caused a relocation. It is
	// set on the StateRelocated record, and the destination section copies it
	// into the member's StateJoined record on admission.
	RelocationTrigger []byte
}

// IsJoined reports whether the member is currently part of the section.
func (n NodeState) IsJoined() bool {
	return n.State == StateJoined
}
