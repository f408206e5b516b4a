package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/testlogger"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// memTransport records every outbound envelope.
type memTransport struct {
	mu   sync.Mutex
	sent []outItem
	cond *sync.Cond
}

func newMemTransport() *memTransport {
	t := &memTransport{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (m *memTransport) Send(addr string, msg *wire.WireMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, outItem{addr: addr, msg: msg})
	m.cond.Broadcast()
	return nil
}

// waitFor blocks until an envelope matching the predicate was sent.
func (m *memTransport) waitFor(t *testing.T, timeout time.Duration,
	match func(addr string, msg *wire.WireMsg) bool) *wire.WireMsg {
	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for _, item := range m.sent {
			if item.msg != nil && match(item.addr, item.msg) {
				return item.msg
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("expected envelope was never sent")
		}
		waker := time.AfterFunc(50*time.Millisecond, m.cond.Broadcast)
		m.cond.Wait()
		waker.Stop()
	}
}

func bootstrapNode(t *testing.T) (*Node, *memTransport, *key.Pair, context.CancelFunc) {
	l := testlogger.New(t)
	pair, err := key.NewKeyPair("127.0.0.1:7000")
	require.NoError(t, err)

	tree, mlog, sap, share, err := BootstrapNetwork(l, pair, 50*time.Millisecond, nil)
	require.NoError(t, err)

	transport := newMemTransport()
	cfg := NewConfig(
		WithLogger(l),
		WithTransport(transport),
		WithProgressInterval(100*time.Millisecond),
	)
	n, err := New(cfg, pair, tree, mlog, sap)
	require.NoError(t, err)
	n.SetShare(share)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Run(ctx) }()
	return n, transport, pair, cancel
}

func signedJoinRequest(t *testing.T, candidate *key.Pair, n *Node) *wire.WireMsg {
	req := &wire.JoinRequest{
		SectionKey: n.SAP().SAP.SectionKey(),
		DkgKey:     candidate.Public.DkgKey,
	}
	msg, err := wire.NewWireMsg(candidate.Name(), wire.Dst{
		Name:       n.Name(),
		SectionKey: n.SAP().SAP.SectionKey(),
	}, req)
	require.NoError(t, err)
	sig, err := candidate.Key.Sign(msg.PayloadHash())
	require.NoError(t, err)
	msg.Auth = wire.Authority{
		Kind: wire.AuthNode,
		Node: &wire.NodeAuth{PeerKey: crypto.PointToBytes(candidate.Public.Key), Sig: sig},
	}
	return msg
}

func TestSingleNodeBootstrap(t *testing.T) {
	l := testlogger.New(t)
	pair, err := key.NewKeyPair("127.0.0.1:7000")
	require.NoError(t, err)

	tree, mlog, sap, share, err := BootstrapNetwork(l, pair, 50*time.Millisecond, nil)
	require.NoError(t, err)

	// the sole node is the sole elder of the genesis section
	require.Equal(t, 1, sap.SAP.N())
	require.True(t, sap.SAP.IsElder(pair.Name()))
	require.NoError(t, sap.Verify(crypto.NewBLSScheme()))
	require.Equal(t, sap.SAP.SectionKey(), tree.Genesis())
	require.Equal(t, uint64(1), mlog.NextGeneration())
	require.NotNil(t, share)
}

func TestNodeAdmitsCandidate(t *testing.T) {
	n, transport, _, cancel := bootstrapNode(t)
	defer cancel()

	candidate, err := key.NewKeyPair("127.0.0.1:7001")
	require.NoError(t, err)

	msg := signedJoinRequest(t, candidate, n)
	n.Enqueue(HandleMsg{
		Sender: Peer{Name: candidate.Name(), Addr: candidate.Public.Addr},
		Msg:    msg,
	})

	approved := transport.waitFor(t, 10*time.Second, func(addr string, m *wire.WireMsg) bool {
		if m.Type != wire.TypeJoinResponse {
			return false
		}
		p, err := wire.DecodePayload(m)
		if err != nil {
			return false
		}
		resp, ok := p.(*wire.JoinResponse)
		return ok && resp.Kind == wire.JoinApproved
	})

	p, err := wire.DecodePayload(approved)
	require.NoError(t, err)
	resp := p.(*wire.JoinResponse)
	require.NotNil(t, resp.Decision)
	require.NoError(t, resp.Decision.Verify(crypto.NewBLSScheme()))
	require.True(t, resp.Decision.Includes(candidate.Name(), section.StateJoined))

	st, ok := stateFor(resp.Decision.Proposal.Changes, candidate.Name())
	require.True(t, ok)
	require.Equal(t, section.MinAdultAge, st.Age)
}

func stateFor(changes []section.NodeState, name xorname.Name) (section.NodeState, bool) {
	for _, c := range changes {
		if c.Name == name {
			return c, true
		}
	}
	return section.NodeState{}, false
}

func TestNodeRefusesRejoin(t *testing.T) {
	n, transport, _, cancel := bootstrapNode(t)
	defer cancel()

	candidate, err := key.NewKeyPair("127.0.0.1:7001")
	require.NoError(t, err)

	// first admission goes through
	n.Enqueue(HandleMsg{
		Sender: Peer{Name: candidate.Name(), Addr: candidate.Public.Addr},
		Msg:    signedJoinRequest(t, candidate, n),
	})
	transport.waitFor(t, 10*time.Second, func(_ string, m *wire.WireMsg) bool {
		return m.Type == wire.TypeJoinResponse
	})

	// wait until the decision landed
	require.Eventually(t, func() bool {
		resp := make(chan bool, 1)
		n.Enqueue(cmdFunc(func() {
			resp <- n.MembershipLog().HasEverJoined(candidate.Name())
		}))
		return <-resp
	}, 10*time.Second, 50*time.Millisecond)

	// the same name coming back as a fresh join is ignored
	n.Enqueue(HandleMsg{
		Sender: Peer{Name: candidate.Name(), Addr: candidate.Public.Addr},
		Msg:    signedJoinRequest(t, candidate, n),
	})
	time.Sleep(500 * time.Millisecond)

	admissions := make(chan int, 1)
	n.Enqueue(cmdFunc(func() {
		count := 0
		for _, d := range n.MembershipLog().Decisions() {
			if d.Includes(candidate.Name(), section.StateJoined) {
				count++
			}
		}
		admissions <- count
	}))
	require.Equal(t, 1, <-admissions)
}

func TestNodeAnswersProbeWithCurrentSAP(t *testing.T) {
	n, transport, _, cancel := bootstrapNode(t)
	defer cancel()

	candidate, err := key.NewKeyPair("127.0.0.1:7002")
	require.NoError(t, err)

	probe := &wire.AntiEntropyProbe{SectionKey: n.Tree().Genesis()}
	msg, err := wire.NewWireMsg(candidate.Name(), wire.Dst{Name: n.Name()}, probe)
	require.NoError(t, err)
	msg.Auth = wire.Authority{Kind: wire.AuthAntiEntropy}

	n.Enqueue(HandleMsg{
		Sender: Peer{Name: candidate.Name(), Addr: candidate.Public.Addr},
		Msg:    msg,
	})

	reply := transport.waitFor(t, 10*time.Second, func(_ string, m *wire.WireMsg) bool {
		return m.Type == wire.TypeAntiEntropy
	})
	p, err := wire.DecodePayload(reply)
	require.NoError(t, err)
	ae := p.(*wire.AntiEntropy)
	require.Equal(t, wire.AEUpdate, ae.Kind)
	require.Equal(t, n.SAP().SAP.SectionKey(), ae.Update.SignedSAP.SAP.SectionKey())
}
