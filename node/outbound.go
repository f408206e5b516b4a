package node

import (
	"context"
	"sync"

	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/metrics"
	"github.com/shardnet/shardnet/wire"
)

type outItem struct {
	addr string
	msg  *wire.WireMsg
}

// outbound drains an unbounded send queue so handlers never block on slow
// peers. The policy is consulted right before each send.
type outbound struct {
	l         log.Logger
	transport Transport
	policy    TransportPolicy

	mu     sync.Mutex
	queue  []outItem
	signal chan struct{}
}

func newOutbound(l log.Logger, t Transport, p TransportPolicy) *outbound {
	return &outbound{
		l:         l.Named("outbound"),
		transport: t,
		policy:    p,
		signal:    make(chan struct{}, 1),
	}
}

func (o *outbound) enqueue(addr string, msg *wire.WireMsg) {
	o.mu.Lock()
	o.queue = append(o.queue, outItem{addr: addr, msg: msg})
	metrics.OutboundQueueLength.Set(float64(len(o.queue)))
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbound) drain() []outItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.queue
	o.queue = nil
	metrics.OutboundQueueLength.Set(0)
	return items
}

func (o *outbound) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.signal:
		}
		for _, item := range o.drain() {
			if !o.policy.AllowSend(item.addr, item.msg) {
				o.l.Debugw("send blocked by policy", "addr", item.addr)
				continue
			}
			if err := o.transport.Send(item.addr, item.msg); err != nil {
				o.l.Debugw("send failed", "addr", item.addr, "err", err)
			}
		}
	}
}
