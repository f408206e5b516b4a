package node

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/shardnet/shardnet/ae"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/dkg"
	"github.com/shardnet/shardnet/fault"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/membership"
	"github.com/shardnet/shardnet/metrics"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/sigagg"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// queueSize bounds the dispatcher work queue; producers block when the node
// falls that far behind.
const queueSize = 1024

// seenCacheSize bounds the message-id dedup cache.
const seenCacheSize = 4096

// keyset bundles what the aggregator needs to verify shares of one key-set.
type keyset struct {
	public    *key.DistPublic
	threshold int
	n         int
}

// Node owns all per-node state. Nothing outside the dispatcher loop mutates
// it; parallel workers only get read snapshots.
type Node struct {
	cfg    *Config
	l      log.Logger
	scheme *crypto.Scheme
	pair   *key.Pair

	tree    *section.SectionTree
	gate    *ae.Engine
	agg     *sigagg.Aggregator
	mlog    *membership.Log
	faults  *fault.FaultDetection
	ourSAP  *section.SignedSAP
	share   *key.Share

	// keysets the aggregator may verify against, by key-set id.
	keysets map[string]*keyset
	// trackers of candidate proposals, by generation.
	trackers map[uint64]*membership.Tracker
	// sessions of running key agreements, with their announcements.
	sessions map[wire.DkgSessionID]*dkg.Session
	starts   map[wire.DkgSessionID]*wire.DkgStart
	// pendingShares holds our share of a freshly agreed key-set until the
	// matching provider activates, by key-set id.
	pendingShares map[string]*key.Share
	// pendingSAPs holds handover agreements waiting for their DAG edge.
	pendingSAPs map[string]*section.SignedSAP
	// pendingJoiners are candidates awaiting a decision, by name.
	pendingJoiners map[xorname.Name]Peer
	// coSigned remembers which sign-messages we already contributed a share
	// to, keyed by their digest.
	coSigned map[string]struct{}
	// joinsAllowed gates fresh admissions.
	joinsAllowed bool

	seen  *lru.Cache
	queue chan Cmd
	out   *outbound

	// External receives Section-authority NodeCmd/NodeQuery traffic; the
	// collaborators above the core register here.
	External func(*wire.WireMsg) []Cmd

	// runCtx is the lifetime of the Run loop; long-lived helpers like key
	// agreement sessions are bound to it.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a node from its key material and an initial section tree.
// The node is an adult until a decision makes it an elder and hands it a key
// share.
func New(cfg *Config, pair *key.Pair, tree *section.SectionTree, mlog *membership.Log,
	ourSAP *section.SignedSAP) (*Node, error) {
	if cfg.transport == nil {
		return nil, errors.New("a transport is required")
	}
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, err
	}
	l := cfg.logger.Named("node").With("name", pair.Name().String())
	n := &Node{
		cfg:            cfg,
		l:              l,
		scheme:         crypto.NewBLSScheme(),
		pair:           pair,
		tree:           tree,
		agg:            sigagg.NewAggregator(l, crypto.NewBLSScheme(), cfg.clock),
		mlog:           mlog,
		ourSAP:         ourSAP,
		keysets:        make(map[string]*keyset),
		trackers:       make(map[uint64]*membership.Tracker),
		sessions:       make(map[wire.DkgSessionID]*dkg.Session),
		starts:         make(map[wire.DkgSessionID]*wire.DkgStart),
		pendingShares:  make(map[string]*key.Share),
		pendingSAPs:    make(map[string]*section.SignedSAP),
		pendingJoiners: make(map[xorname.Name]Peer),
		coSigned:       make(map[string]struct{}),
		joinsAllowed:   true,
		seen:           seen,
		queue:          make(chan Cmd, queueSize),
		out:            newOutbound(l, cfg.transport, cfg.policy),
	}
	n.gate = ae.NewEngine(l, n.scheme, tree)
	n.faults = fault.New(l, cfg.clock, memberNames(ourSAP))
	n.registerKeyset(&ourSAP.SAP)
	return n, nil
}

func memberNames(sap *section.SignedSAP) []xorname.Name {
	var out []xorname.Name
	for _, m := range sap.SAP.Members {
		if m.IsJoined() {
			out = append(out, m.Name)
		}
	}
	return out
}

// SetShare hands the node its BLS share after a key agreement included it.
func (n *Node) SetShare(s *key.Share) {
	n.share = s
}

// Name returns the node's network name.
func (n *Node) Name() xorname.Name {
	return n.pair.Name()
}

// SAP returns the node's current section authority.
func (n *Node) SAP() *section.SignedSAP {
	return n.ourSAP
}

// Tree returns the node's section tree.
func (n *Node) Tree() *section.SectionTree {
	return n.tree
}

// MembershipLog returns the node's decision log.
func (n *Node) MembershipLog() *membership.Log {
	return n.mlog
}

// SetJoinsAllowed toggles fresh admissions.
func (n *Node) SetJoinsAllowed(allowed bool) {
	n.joinsAllowed = allowed
}

func (n *Node) registerKeyset(sap *section.SectionAuthorityProvider) {
	public, err := sap.DistPublic(n.scheme)
	if err != nil {
		n.l.Errorw("cannot register keyset", "err", err)
		return
	}
	id := hex.EncodeToString(sap.KeySetID())
	n.keysets[id] = &keyset{public: public, threshold: sap.Threshold, n: sap.N()}
}

// Enqueue posts a command onto the dispatcher queue. It is the only safe way
// for other goroutines to reach the node's state.
func (n *Node) Enqueue(cmd Cmd) {
	n.queue <- cmd
}

// Run processes the work queue until the context ends. The outbound loop and
// the fault-scoring tick run beside it; everything else happens inline, one
// command at a time.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.runCtx = ctx
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.out.run(ctx)
	}()

	if n.cfg.metricsAddr != "" {
		metrics.Start(n.l, n.cfg.metricsAddr)
	}

	faultTick := n.cfg.clock.NewTicker(n.cfg.faultInterval)
	defer faultTick.Stop()

	for {
		select {
		case <-ctx.Done():
			n.wg.Wait()
			return ctx.Err()
		case <-faultTick.Chan():
			n.scoreFaults()
		case cmd := <-n.queue:
			for _, next := range n.execute(ctx, cmd) {
				n.Enqueue(next)
			}
		}
	}
}

// execute runs one command and returns the follow-up commands it produced.
func (n *Node) execute(ctx context.Context, cmd Cmd) []Cmd {
	switch c := cmd.(type) {
	case SendMsg:
		for _, r := range c.Recipients {
			n.out.enqueue(r.Addr, c.Msg)
		}
		return nil
	case HandleMsg:
		return n.processMsg(ctx, c.Sender, c.Msg)
	case ScheduleTimeout:
		n.cfg.clock.AfterFunc(c.Duration, func() {
			n.Enqueue(HandleTimeout{Token: c.Token})
		})
		return nil
	case HandleTimeout:
		n.agg.Prune()
		return nil
	case HandleMembershipDecision:
		return n.installDecision(c.Decision)
	case HandleDkgOutcome:
		return n.handleDkgOutcome(c.SessionID, c.Outcome)
	case HandleNewEldersAgreement:
		return n.activateSAP(c.SAP)
	case TestConnectivity:
		// delegated to the transport; an unreachable peer costs a Comm issue
		if err := n.cfg.transport.Send(c.Addr, nil); err != nil {
			n.faults.TrackIssue(c.Name, fault.IssueComm)
		}
		return nil
	case cmdFunc:
		c()
		return nil
	default:
		n.l.Errorw("unknown command on queue")
		return nil
	}
}

// scoreFaults runs a scoring pass and proposes removal of the outliers.
func (n *Node) scoreFaults() {
	faulty := n.faults.FaultyNodes()
	metrics.FaultyPeersFlagged.Set(float64(len(faulty)))
	if len(faulty) == 0 || !n.isElder() {
		return
	}
	var changes []section.NodeState
	for _, name := range faulty {
		if st, ok := n.ourSAP.SAP.Member(name); ok && st.IsJoined() {
			st.State = section.StateLeft
			changes = append(changes, st)
		}
	}
	if len(changes) == 0 {
		return
	}
	proposal := &membership.Proposal{
		Generation: n.mlog.NextGeneration(),
		Changes:    changes,
	}
	n.l.Infow("proposing removal of faulty peers", "count", len(changes))
	for _, cmd := range n.broadcastProposal(&wire.Propose{Kind: wire.ProposalMembership, Proposal: proposal}) {
		n.Enqueue(cmd)
	}
}

func (n *Node) isElder() bool {
	return n.share != nil && n.ourSAP.SAP.IsElder(n.pair.Name())
}

// cmdFunc runs a closure on the dispatcher queue. It lets callers observe
// node state from the owning goroutine instead of racing it.
type cmdFunc func()

func (cmdFunc) isCmd() {}

// Stop terminates the loops.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}
