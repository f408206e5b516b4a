package node

import (
	"github.com/shardnet/shardnet/wire"
)

// Transport ships encoded envelopes to peers. Implementations live outside
// the core; the in-memory one in the tests records every envelope sent and
// delivers nothing.
type Transport interface {
	Send(addr string, msg *wire.WireMsg) error
}

// TransportPolicy is consulted by the outbound loop before every send. It
// exists so tests can inject partitions and packet loss without touching the
// transport itself.
type TransportPolicy interface {
	// AllowSend reports whether a message may be sent to the address.
	AllowSend(addr string, msg *wire.WireMsg) bool
}

// allowAll is the default policy.
type allowAll struct{}

func (allowAll) AllowSend(string, *wire.WireMsg) bool { return true }

// AllowAllPolicy never blocks a send.
func AllowAllPolicy() TransportPolicy { return allowAll{} }
