package node

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shardnet/shardnet/dkg"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/section"
)

// TreeStore persists the section tree after it changes.
type TreeStore interface {
	Save(*section.SectionTree) error
}

// Config holds the tunables of a running node.
type Config struct {
	folder           string
	logger           log.Logger
	clock            clockwork.Clock
	transport        Transport
	policy           TransportPolicy
	treeStore        TreeStore
	joinTimeout      time.Duration
	progressInterval time.Duration
	faultInterval    time.Duration
	metricsAddr      string
}

// DefaultJoinTimeout bounds a whole join attempt.
const DefaultJoinTimeout = 60 * time.Second

// DefaultFaultInterval is how often the fault scorer runs.
const DefaultFaultInterval = 30 * time.Second

// ConfigOption mutates a Config.
type ConfigOption func(*Config)

// NewConfig returns the default configuration amended by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		folder:           ".",
		logger:           log.DefaultLogger(),
		clock:            clockwork.NewRealClock(),
		policy:           AllowAllPolicy(),
		joinTimeout:      DefaultJoinTimeout,
		progressInterval: dkg.DefaultProgressInterval,
		faultInterval:    DefaultFaultInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithFolder sets the working directory holding keys and databases.
func WithFolder(folder string) ConfigOption {
	return func(c *Config) { c.folder = folder }
}

// WithLogger sets the node logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) { c.logger = l }
}

// WithClock injects a clock, letting tests drive time.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) { c.clock = clock }
}

// WithTransport sets the outbound transport.
func WithTransport(t Transport) ConfigOption {
	return func(c *Config) { c.transport = t }
}

// WithTransportPolicy sets the send policy consulted by the outbound loop.
func WithTransportPolicy(p TransportPolicy) ConfigOption {
	return func(c *Config) { c.policy = p }
}

// WithTreeStore persists the section tree after every change.
func WithTreeStore(s TreeStore) ConfigOption {
	return func(c *Config) { c.treeStore = s }
}

// WithJoinTimeout bounds join attempts.
func WithJoinTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.joinTimeout = d }
}

// WithProgressInterval sets the key-agreement phase tick.
func WithProgressInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.progressInterval = d }
}

// WithFaultInterval sets the fault-scoring cadence.
func WithFaultInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.faultInterval = d }
}

// WithMetricsAddress enables the metrics endpoint.
func WithMetricsAddress(addr string) ConfigOption {
	return func(c *Config) { c.metricsAddr = addr }
}

// Folder returns the configured working directory.
func (c *Config) Folder() string { return c.folder }

// Logger returns the configured logger.
func (c *Config) Logger() log.Logger { return c.logger }
