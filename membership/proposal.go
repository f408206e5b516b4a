// Package membership maintains a section's append-only log of membership
// decisions, each one a set of member-state changes signed by the section key
// of the deciding generation.
package membership

import (
	"encoding/hex"
	"sort"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/section"
)

// ProposalStatus tracks a candidate decision through its pipeline.
type ProposalStatus uint8

const (
	// Gossiped means the candidate circulates among elders.
	Gossiped ProposalStatus = iota
	// ShareCollected means at least one elder share over the candidate has
	// been seen.
	ShareCollected
	// Decided means shares reached the threshold and a decision was emitted.
	Decided
	// Superseded means a decision of this or a greater generation exists and
	// the candidate lost.
	Superseded
)

func (s ProposalStatus) String() string {
	switch s {
	case Gossiped:
		return "Gossiped"
	case ShareCollected:
		return "ShareCollected"
	case Decided:
		return "Decided"
	case Superseded:
		return "Superseded"
	default:
		return "Unknown"
	}
}

// Proposal is a candidate set of member-state changes for one generation.
type Proposal struct {
	Generation uint64
	Changes    []section.NodeState
}

// Bytes returns the canonical encoding elders sign shares over.
func (p *Proposal) Bytes() ([]byte, error) {
	sorted := make([]section.NodeState, len(p.Changes))
	copy(sorted, p.Changes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name.Hex() < sorted[j].Name.Hex()
	})
	return codec.Marshal(&Proposal{Generation: p.Generation, Changes: sorted})
}

// Hash is the digest used both for share aggregation and for the
// deterministic tie-break between competing proposals.
func (p *Proposal) Hash() ([]byte, error) {
	b, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	return codec.Hash(b), nil
}

type candidate struct {
	proposal *Proposal
	status   ProposalStatus
}

// Tracker follows the competing candidate proposals of a single generation.
// The tie-break between simultaneously decided candidates is deterministic:
// the lexicographically lowest proposal hash wins.
type Tracker struct {
	generation uint64
	candidates map[string]*candidate
}

// NewTracker starts tracking candidates for the given generation.
func NewTracker(generation uint64) *Tracker {
	return &Tracker{
		generation: generation,
		candidates: make(map[string]*candidate),
	}
}

// Generation returns the generation being decided.
func (t *Tracker) Generation() uint64 {
	return t.generation
}

// Add registers a gossiped candidate. It returns the proposal hash and
// whether the candidate was new.
func (t *Tracker) Add(p *Proposal) (string, bool, error) {
	h, err := p.Hash()
	if err != nil {
		return "", false, err
	}
	id := hex.EncodeToString(h)
	if _, ok := t.candidates[id]; ok {
		return id, false, nil
	}
	t.candidates[id] = &candidate{proposal: p, status: Gossiped}
	return id, true, nil
}

// Status returns the tracked status of a candidate.
func (t *Tracker) Status(id string) (ProposalStatus, bool) {
	c, ok := t.candidates[id]
	if !ok {
		return 0, false
	}
	return c.status, true
}

// MarkShareCollected moves a candidate forward once a valid elder share over
// it has been observed.
func (t *Tracker) MarkShareCollected(id string) {
	if c, ok := t.candidates[id]; ok && c.status == Gossiped {
		c.status = ShareCollected
	}
}

// MarkDecided records that shares over the candidate reached the threshold.
func (t *Tracker) MarkDecided(id string) {
	if c, ok := t.candidates[id]; ok {
		c.status = Decided
	}
}

// Winner picks the decided candidate with the lexicographically lowest hash,
// or nil when none has been decided yet.
func (t *Tracker) Winner() *Proposal {
	var winID string
	for id, c := range t.candidates {
		if c.status != Decided {
			continue
		}
		if winID == "" || id < winID {
			winID = id
		}
	}
	if winID == "" {
		return nil
	}
	return t.candidates[winID].proposal
}

// Losers returns every candidate that did not win, for requeueing into the
// next generation when still applicable. All returned candidates are marked
// Superseded.
func (t *Tracker) Losers(winnerID string) []*Proposal {
	var out []*Proposal
	for id, c := range t.candidates {
		if id == winnerID {
			continue
		}
		c.status = Superseded
		out = append(out, c.proposal)
	}
	return out
}
