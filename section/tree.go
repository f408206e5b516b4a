package section

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/xorname"
)

var (
	// ErrNoSectionForName is returned when no known prefix covers a name.
	ErrNoSectionForName = errors.New("no known section covers this name")
	// ErrSAPKeyNotInDAG rejects providers whose key is not reachable in the
	// local DAG.
	ErrSAPKeyNotInDAG = errors.New("provider key not present in dag")
	// ErrStaleGeneration describes a provider whose generation is not newer
	// than the one known for its prefix. Insert does not return it: it
	// ignores such providers and reports no change.
	ErrStaleGeneration = errors.New("provider generation not newer than known one")
)

// SectionTree is a node's knowledge of the network: the verified DAG of all
// section keys plus, per prefix, the latest signed authority provider whose
// key belongs to the DAG.
type SectionTree struct {
	scheme   *crypto.Scheme
	dag      *SectionsDAG
	sections map[string]*SignedSAP
}

// NewSectionTree builds an empty tree rooted at the genesis key.
func NewSectionTree(sch *crypto.Scheme, genesis []byte) *SectionTree {
	return &SectionTree{
		scheme:   sch,
		dag:      NewSectionsDAG(sch, genesis),
		sections: make(map[string]*SignedSAP),
	}
}

// DAG exposes the underlying key history.
func (t *SectionTree) DAG() *SectionsDAG {
	return t.dag
}

// Genesis returns the root key of the tree.
func (t *SectionTree) Genesis() []byte {
	return t.dag.Genesis()
}

// Insert records a signed provider whose key is already present in the DAG.
// It keeps the provider only if its generation is strictly greater than the
// one already known for the same prefix. It returns true when the tree
// changed.
func (t *SectionTree) Insert(sap *SignedSAP) (bool, error) {
	if !t.dag.HasKey(sap.SAP.SectionKey()) {
		return false, ErrSAPKeyNotInDAG
	}
	if err := sap.Verify(t.scheme); err != nil {
		return false, fmt.Errorf("provider signature: %w", err)
	}
	if err := sap.SAP.Validate(); err != nil {
		return false, err
	}

	id := sap.SAP.Prefix.String()
	if known, ok := t.sections[id]; ok && sap.SAP.Generation <= known.SAP.Generation {
		return false, nil
	}
	t.sections[id] = sap
	return true, nil
}

// SectionByName returns the provider whose prefix is the longest known match
// for the name.
func (t *SectionTree) SectionByName(name xorname.Name) (*SignedSAP, error) {
	var best *SignedSAP
	var bestLen int = -1
	for _, s := range t.sections {
		p := s.SAP.Prefix
		if p.Matches(name) && int(p.BitCount()) > bestLen {
			best = s
			bestLen = int(p.BitCount())
		}
	}
	if best == nil {
		return nil, ErrNoSectionForName
	}
	return best, nil
}

// SectionByPrefix returns the provider recorded for exactly this prefix.
func (t *SectionTree) SectionByPrefix(p xorname.Prefix) (*SignedSAP, bool) {
	s, ok := t.sections[p.String()]
	return s, ok
}

// Sections lists every known signed provider in unspecified order.
func (t *SectionTree) Sections() []*SignedSAP {
	out := make([]*SignedSAP, 0, len(t.sections))
	for _, s := range t.sections {
		out = append(out, s)
	}
	return out
}

// HasKey reports whether the key is part of the verified history.
func (t *SectionTree) HasKey(key []byte) bool {
	return t.dag.HasKey(key)
}

// ProofChainToName returns the path from the given key to the key of the
// section currently covering name.
func (t *SectionTree) ProofChainToName(from []byte, name xorname.Name) (*ProofChain, error) {
	target, err := t.SectionByName(name)
	if err != nil {
		return nil, err
	}
	return t.dag.ProofChain(from, target.SAP.SectionKey())
}

// treeWire is the persisted form of a tree.
type treeWire struct {
	Genesis  []byte
	Edges    []edgeWire
	Sections []SignedSAP
}

type edgeWire struct {
	Parent []byte
	Child  []byte
	Sig    []byte
}

// Serialize encodes the whole tree, DAG edges and latest providers included.
// The output is deterministic: edges and providers are sorted before
// encoding.
func (t *SectionTree) Serialize() ([]byte, error) {
	w := treeWire{Genesis: t.dag.Genesis()}

	childIDs := make([]string, 0, len(t.dag.nodes))
	for id, v := range t.dag.nodes {
		if v.parent != "" {
			childIDs = append(childIDs, id)
		}
	}
	sort.Strings(childIDs)
	for _, id := range childIDs {
		v := t.dag.nodes[id]
		w.Edges = append(w.Edges, edgeWire{
			Parent: t.dag.nodes[v.parent].key,
			Child:  v.key,
			Sig:    v.sig,
		})
	}

	prefixes := make([]string, 0, len(t.sections))
	for p := range t.sections {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		w.Sections = append(w.Sections, *t.sections[p])
	}
	return codec.Marshal(w)
}

// LoadSectionTree rebuilds a tree from its serialized form, re-verifying
// every edge and provider on the way in.
func LoadSectionTree(sch *crypto.Scheme, b []byte) (*SectionTree, error) {
	var w treeWire
	if err := codec.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	t := NewSectionTree(sch, w.Genesis)

	// edges may arrive in any order; retry until no progress is possible
	pending := w.Edges
	for len(pending) > 0 {
		var next []edgeWire
		progress := false
		for _, e := range pending {
			err := t.dag.VerifyAndInsert(e.Parent, e.Child, e.Sig)
			switch {
			case err == nil:
				progress = true
			case errors.Is(err, ErrParentUnknown):
				next = append(next, e)
			default:
				return nil, err
			}
		}
		if !progress {
			return nil, fmt.Errorf("%d dag edges unreachable from genesis", len(next))
		}
		pending = next
	}

	for i := range w.Sections {
		s := w.Sections[i]
		if _, err := t.Insert(&s); err != nil {
			return nil, err
		}
	}
	return t, nil
}
