// Package fault tracks per-peer issue tallies across categories, weights and
// standardises them, and nominates outliers for removal. The scorer is
// deliberately tolerant: peers whose counts look like everyone else's are
// never flagged.
package fault

import (
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/xorname"
)

// IssueType categorises an observed issue.
type IssueType uint8

const (
	// IssueComm is a communication problem with the peer.
	IssueComm IssueType = iota
	// IssueDkg is a missing or invalid key-agreement contribution.
	IssueDkg
	// IssueKnowledge is outdated or unverifiable network knowledge.
	IssueKnowledge
	// IssueProbe is an unanswered anti-entropy probe.
	IssueProbe
	// IssueRequestOp is a pending operation the peer did not fulfil.
	IssueRequestOp
)

func (i IssueType) String() string {
	switch i {
	case IssueComm:
		return "Communication"
	case IssueDkg:
		return "Dkg"
	case IssueKnowledge:
		return "Knowledge"
	case IssueProbe:
		return "Probe"
	case IssueRequestOp:
		return "RequestOperation"
	default:
		return "Unknown"
	}
}

var allIssueTypes = []IssueType{IssueComm, IssueDkg, IssueKnowledge, IssueProbe, IssueRequestOp}

// RecentIssueWindow is how far back issues count towards a peer's score.
const RecentIssueWindow = 10 * time.Minute

// StdDevsAway is how many standard deviations above the mean a combined
// score must sit before the peer is considered faulty.
const StdDevsAway = 1.0

// issue weights; key agreement and probe failures weigh heaviest.
const (
	commWeight      = 5.0
	dkgWeight       = 10.0
	knowledgeWeight = 5.0
	probeWeight     = 10.0
	requestOpWeight = 1.0
)

func weightOf(t IssueType) float64 {
	switch t {
	case IssueComm:
		return commWeight
	case IssueDkg:
		return dkgWeight
	case IssueKnowledge:
		return knowledgeWeight
	case IssueProbe:
		return probeWeight
	case IssueRequestOp:
		return requestOpWeight
	default:
		return 0
	}
}

// FaultDetection accumulates issues for the peers of one section. It is
// driven from the dispatcher queue, so it needs no locking.
type FaultDetection struct {
	l     log.Logger
	clock clockwork.Clock
	nodes map[xorname.Name]map[IssueType][]time.Time
}

// New starts tracking the given peers.
func New(l log.Logger, clock clockwork.Clock, members []xorname.Name) *FaultDetection {
	f := &FaultDetection{
		l:     l,
		clock: clock,
		nodes: make(map[xorname.Name]map[IssueType][]time.Time),
	}
	for _, m := range members {
		f.AddNode(m)
	}
	return f
}

// AddNode starts tracking a peer.
func (f *FaultDetection) AddNode(name xorname.Name) {
	if _, ok := f.nodes[name]; !ok {
		f.nodes[name] = make(map[IssueType][]time.Time)
	}
}

// RemoveNode clears a peer's records, typically after its removal was
// decided.
func (f *FaultDetection) RemoveNode(name xorname.Name) {
	delete(f.nodes, name)
}

// TrackIssue records one observed issue against a peer. Unknown peers are
// added on the fly.
func (f *FaultDetection) TrackIssue(name xorname.Name, t IssueType) {
	f.AddNode(name)
	f.nodes[name][t] = append(f.nodes[name][t], f.clock.Now())
	f.l.Debugw("tracked issue", "peer", name, "type", t)
}

// pruneOld discards issues older than the window.
func (f *FaultDetection) pruneOld() {
	cutoff := f.clock.Now().Add(-RecentIssueWindow)
	for _, byType := range f.nodes {
		for t, times := range byType {
			kept := times[:0]
			for _, ts := range times {
				if ts.After(cutoff) {
					kept = append(kept, ts)
				}
			}
			byType[t] = kept
		}
	}
}

func (f *FaultDetection) count(name xorname.Name, t IssueType) float64 {
	return float64(len(f.nodes[name][t]))
}

// scoreForType is the peer's count minus the mean count of all other peers,
// floored at zero: a peer only scores for standing out.
func (f *FaultDetection) scoreForType(name xorname.Name, t IssueType) float64 {
	var others float64
	var n int
	for peer := range f.nodes {
		if peer == name {
			continue
		}
		others += f.count(peer, t)
		n++
	}
	mean := 0.0
	if n > 0 {
		mean = others / float64(n)
	}
	score := f.count(name, t) - mean
	if score < 0 {
		return 0
	}
	return score
}

func (f *FaultDetection) weightedScores() map[xorname.Name]float64 {
	out := make(map[xorname.Name]float64, len(f.nodes))
	for name := range f.nodes {
		var combined float64
		for _, t := range allIssueTypes {
			combined += f.scoreForType(name, t) * weightOf(t)
		}
		out[name] = combined
	}
	return out
}

// FaultyNodes prunes stale issues, scores every tracked peer and returns the
// outliers sorted by descending score. An empty issue set always yields an
// empty result.
func (f *FaultDetection) FaultyNodes() []xorname.Name {
	f.pruneOld()
	scores := f.weightedScores()
	if len(scores) == 0 {
		return nil
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(scores)))

	threshold := mean + StdDevsAway*stdDev
	var faulty []xorname.Name
	for name, s := range scores {
		if s > threshold && s > 0 {
			faulty = append(faulty, name)
		}
	}
	sort.Slice(faulty, func(i, j int) bool {
		return scores[faulty[i]] > scores[faulty[j]]
	})
	if len(faulty) > 0 {
		f.l.Infow("fault detection flagged peers", "count", len(faulty))
	}
	return faulty
}
