package membership

import (
	"errors"
	"fmt"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/xorname"
)

var (
	// ErrGenerationGap rejects decisions that are not the immediate next
	// generation; generations are dense from 0 upward.
	ErrGenerationGap = errors.New("decision generation out of order")
	// ErrDuplicateDecision rejects a second decision for an installed
	// generation.
	ErrDuplicateDecision = errors.New("decision already installed for generation")
	// ErrBadDecisionSig rejects decisions whose section signature fails.
	ErrBadDecisionSig = errors.New("decision signature does not verify")
	// ErrRejoinAsFresh rejects a fresh join for a name the section has seen
	// before; only a relocation with a continuity proof readmits it.
	ErrRejoinAsFresh = errors.New("name has prior history, fresh join refused")
)

// Decision is one installed entry of the log: the winning proposal for a
// generation plus the threshold signature endorsing it. SectionKey is the
// aggregate key the signature verifies under - the section key current at
// deciding time (the genesis key for generation 0).
type Decision struct {
	Proposal   Proposal
	SectionKey []byte
	Sig        []byte
}

// Generation returns the generation this decision decides.
func (d *Decision) Generation() uint64 {
	return d.Proposal.Generation
}

// Verify checks the threshold signature over the proposal hash.
func (d *Decision) Verify(sch *crypto.Scheme) error {
	point := sch.KeyGroup.Point()
	if err := point.UnmarshalBinary(d.SectionKey); err != nil {
		return fmt.Errorf("decision key corrupted: %w", err)
	}
	h, err := d.Proposal.Hash()
	if err != nil {
		return err
	}
	if err := sch.ThresholdScheme.VerifyRecovered(point, h, d.Sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDecisionSig, err)
	}
	return nil
}

// Includes reports whether the decision records the given name with the
// given state.
func (d *Decision) Includes(name xorname.Name, state section.MembershipState) bool {
	for _, c := range d.Proposal.Changes {
		if c.Name == name && c.State == state {
			return true
		}
	}
	return false
}

// ChurnID identifies the churn event this decision caused; relocation
// destinations are derived from it.
func (d *Decision) ChurnID() []byte {
	return codec.Hash(d.Sig)
}

// Store persists installed decisions in generation order.
type Store interface {
	Put(d *Decision) error
	All() ([]*Decision, error)
	Close() error
}

// Log is a section's append-only decision log. It owns the full history of
// names the section has ever admitted, so rejoin attempts can be refused.
type Log struct {
	scheme    *crypto.Scheme
	decisions []*Decision
	// seen records every name that ever appeared as Joined or Relocated.
	seen  map[xorname.Name]struct{}
	store Store
}

// NewLog returns an empty log. The store may be nil for in-memory use.
func NewLog(sch *crypto.Scheme, store Store) *Log {
	return &Log{
		scheme: sch,
		seen:   make(map[xorname.Name]struct{}),
		store:  store,
	}
}

// LoadLog rebuilds a log from its store, re-verifying every decision.
func LoadLog(sch *crypto.Scheme, store Store) (*Log, error) {
	lg := NewLog(sch, store)
	decisions, err := store.All()
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		if err := lg.install(d, false); err != nil {
			return nil, err
		}
	}
	return lg, nil
}

// NextGeneration is the generation the next decision must carry.
func (lg *Log) NextGeneration() uint64 {
	return uint64(len(lg.decisions))
}

// Decisions returns the installed history, oldest first.
func (lg *Log) Decisions() []*Decision {
	return lg.decisions
}

// DecisionAt returns the decision installed for one generation.
func (lg *Log) DecisionAt(generation uint64) (*Decision, bool) {
	if generation >= uint64(len(lg.decisions)) {
		return nil, false
	}
	return lg.decisions[generation], true
}

// HasEverJoined reports whether the name appeared in any prior decision as
// Joined or Relocated.
func (lg *Log) HasEverJoined(name xorname.Name) bool {
	_, ok := lg.seen[name]
	return ok
}

// CheckFreshJoin refuses names the section has history for.
func (lg *Log) CheckFreshJoin(name xorname.Name) error {
	if lg.HasEverJoined(name) {
		return ErrRejoinAsFresh
	}
	return nil
}

// Install verifies and appends the decision for the next generation, then
// persists it. At most one decision is ever installed per generation.
func (lg *Log) Install(d *Decision) error {
	return lg.install(d, true)
}

func (lg *Log) install(d *Decision, persist bool) error {
	switch {
	case d.Generation() < lg.NextGeneration():
		return ErrDuplicateDecision
	case d.Generation() > lg.NextGeneration():
		return ErrGenerationGap
	}
	if err := d.Verify(lg.scheme); err != nil {
		return err
	}

	lg.decisions = append(lg.decisions, d)
	for _, c := range d.Proposal.Changes {
		if c.State == section.StateJoined || c.State == section.StateRelocated {
			lg.seen[c.Name] = struct{}{}
		}
	}
	if persist && lg.store != nil {
		return lg.store.Put(d)
	}
	return nil
}

// Members folds the whole log into the current member map.
func (lg *Log) Members() map[xorname.Name]section.NodeState {
	out := make(map[xorname.Name]section.NodeState)
	for _, d := range lg.decisions {
		for _, c := range d.Proposal.Changes {
			out[c.Name] = c
		}
	}
	return out
}

// JoinedMembers lists current members, i.e. the fold of the log filtered to
// the Joined state.
func (lg *Log) JoinedMembers() []section.NodeState {
	var out []section.NodeState
	for _, st := range lg.Members() {
		if st.IsJoined() {
			out = append(out, st)
		}
	}
	return out
}
