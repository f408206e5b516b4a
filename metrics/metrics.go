// Package metrics instruments the node core.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardnet/shardnet/log"
)

var (
	// NodeMetrics is the registry for everything the core exports.
	NodeMetrics = prometheus.NewRegistry()

	// MessagesHandled counts inbound messages per payload type and result.
	MessagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_handled",
		Help: "Number of inbound messages processed, by type and result",
	}, []string{"msg_type", "result"})

	// AEReplies counts anti-entropy gate verdicts.
	AEReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ae_replies",
		Help: "Number of anti-entropy verdicts, by action",
	}, []string{"action"})

	// SharesAggregated counts signature shares fed to the aggregator.
	SharesAggregated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shares_aggregated",
		Help: "Number of signature shares processed, by outcome",
	}, []string{"outcome"})

	// DecisionsInstalled counts membership decisions installed.
	DecisionsInstalled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decisions_installed",
		Help: "Number of membership decisions installed",
	})

	// FaultyPeersFlagged gauges the last fault-detection pass.
	FaultyPeersFlagged = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faulty_peers_flagged",
		Help: "Peers flagged by the last fault-detection pass",
	})

	// OutboundQueueLength gauges the pending outbound messages.
	OutboundQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbound_queue_length",
		Help: "Messages waiting in the outbound loop",
	})
)

//nolint:gochecknoinits // collectors are registered once at start-up
func init() {
	NodeMetrics.MustRegister(collectors.NewGoCollector())
	NodeMetrics.MustRegister(MessagesHandled)
	NodeMetrics.MustRegister(AEReplies)
	NodeMetrics.MustRegister(SharesAggregated)
	NodeMetrics.MustRegister(DecisionsInstalled)
	NodeMetrics.MustRegister(FaultyPeersFlagged)
	NodeMetrics.MustRegister(OutboundQueueLength)
}

// Start launches the metrics HTTP endpoint on the given address.
func Start(l log.Logger, addr string) net.Listener {
	l.Infow("starting metrics server", "addr", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NodeMetrics, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		l.Errorw("metrics listen failed", "addr", addr, "err", err)
		return nil
	}
	s := http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.Serve(listener); err != nil {
			l.Debugw("metrics server stopped", "err", err)
		}
	}()
	return listener
}
