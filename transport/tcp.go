// Package transport moves encoded envelopes between nodes over TCP with a
// minimal length-prefixed framing. Anything smarter - session security,
// connection reuse policies - belongs to the deployment, not the core.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/wire"
)

// maxFrame bounds a single envelope on the wire.
const maxFrame = 4 << 20

// dialTimeout bounds outbound connection attempts.
const dialTimeout = 5 * time.Second

// TCP implements the node's Transport by dialing per send. Handlers receive
// every decoded inbound envelope together with the remote address.
type TCP struct {
	l       log.Logger
	handler func(remote string, m *wire.WireMsg)
}

// NewTCP returns a transport delivering inbound envelopes to handler.
func NewTCP(l log.Logger, handler func(remote string, m *wire.WireMsg)) *TCP {
	return &TCP{l: l.Named("tcp"), handler: handler}
}

// Send dials the address and writes one framed envelope.
func (t *TCP) Send(addr string, msg *wire.WireMsg) error {
	if msg == nil {
		// connectivity test only
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	buff, err := msg.Encode()
	if err != nil {
		return err
	}
	if len(buff) > maxFrame {
		return fmt.Errorf("envelope of %d bytes exceeds frame limit", len(buff))
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(buff)))
	if _, err := conn.Write(frame[:]); err != nil {
		return err
	}
	_, err = conn.Write(buff)
	return err
}

// Listen accepts inbound frames until the context ends.
func (t *TCP) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go t.serve(conn)
		}
	})
	return g.Wait()
}

func (t *TCP) serve(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	var frame [4]byte
	if _, err := io.ReadFull(conn, frame[:]); err != nil {
		return
	}
	size := binary.BigEndian.Uint32(frame[:])
	if size > maxFrame {
		t.l.Debugw("oversized frame", "from", remote, "size", size)
		return
	}
	buff := make([]byte, size)
	if _, err := io.ReadFull(conn, buff); err != nil {
		return
	}
	msg, err := wire.Decode(buff)
	if err != nil {
		t.l.Debugw("undecodable envelope", "from", remote, "err", err)
		return
	}
	t.handler(remote, msg)
}
