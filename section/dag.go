package section

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shardnet/shardnet/crypto"
)

var (
	// ErrParentUnknown is returned when inserting a key whose parent is not
	// in the DAG yet.
	ErrParentUnknown = errors.New("parent key not present in dag")
	// ErrKeyUnknown is returned when a proof chain endpoint is missing.
	ErrKeyUnknown = errors.New("key not present in dag")
	// ErrBadEdgeSig is returned when a parent signature over a child key does
	// not verify.
	ErrBadEdgeSig = errors.New("edge signature does not verify")
	// ErrNotAncestor is returned by ProofChain when `from` is not an ancestor
	// of `to`.
	ErrNotAncestor = errors.New("no ancestry path between the keys")
)

type vertex struct {
	key []byte
	// parent is the hex id of the key that signed this one; empty for genesis.
	parent string
	// sig is the parent's threshold signature over this key's bytes.
	sig []byte
}

// SectionsDAG is the verifiable history of section keys. Every key except the
// genesis root was signed into existence by exactly one parent key.
type SectionsDAG struct {
	scheme  *crypto.Scheme
	genesis string
	nodes   map[string]*vertex
}

func keyID(keyBytes []byte) string {
	return hex.EncodeToString(keyBytes)
}

// NewSectionsDAG creates a DAG with the given genesis key as its immutable root.
func NewSectionsDAG(sch *crypto.Scheme, genesis []byte) *SectionsDAG {
	id := keyID(genesis)
	root := &vertex{key: append([]byte(nil), genesis...)}
	return &SectionsDAG{
		scheme:  sch,
		genesis: id,
		nodes:   map[string]*vertex{id: root},
	}
}

// Genesis returns the root key bytes.
func (d *SectionsDAG) Genesis() []byte {
	return d.nodes[d.genesis].key
}

// HasKey reports whether the key is known.
func (d *SectionsDAG) HasKey(keyBytes []byte) bool {
	_, ok := d.nodes[keyID(keyBytes)]
	return ok
}

// Keys lists every key in the DAG, genesis included, in unspecified order.
func (d *SectionsDAG) Keys() [][]byte {
	out := make([][]byte, 0, len(d.nodes))
	for _, v := range d.nodes {
		out = append(out, v.key)
	}
	return out
}

// Len returns the number of keys in the DAG.
func (d *SectionsDAG) Len() int {
	return len(d.nodes)
}

// VerifyAndInsert adds child under parent if the parent is already present
// and the signature verifies. Re-inserting an existing edge is a no-op; a
// child may never gain a second parent.
func (d *SectionsDAG) VerifyAndInsert(parent, child, sig []byte) error {
	parentID := keyID(parent)
	pv, ok := d.nodes[parentID]
	if !ok {
		return ErrParentUnknown
	}

	childID := keyID(child)
	if existing, ok := d.nodes[childID]; ok {
		if existing.parent == parentID || childID == d.genesis {
			return nil
		}
		return fmt.Errorf("key %.8s already has a different parent", childID)
	}

	if err := d.verifyEdge(pv.key, child, sig); err != nil {
		return err
	}
	d.nodes[childID] = &vertex{
		key:    append([]byte(nil), child...),
		parent: parentID,
		sig:    append([]byte(nil), sig...),
	}
	return nil
}

func (d *SectionsDAG) verifyEdge(parent, child, sig []byte) error {
	point := d.scheme.KeyGroup.Point()
	if err := point.UnmarshalBinary(parent); err != nil {
		return fmt.Errorf("parent key corrupted: %w", err)
	}
	if err := d.scheme.ThresholdScheme.VerifyRecovered(point, child, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEdgeSig, err)
	}
	return nil
}

// ProofChain returns the unique verified path from `from` down to `to`. It
// fails with ErrNotAncestor when `from` does not precede `to`.
func (d *SectionsDAG) ProofChain(from, to []byte) (*ProofChain, error) {
	fromID := keyID(from)
	toID := keyID(to)
	if _, ok := d.nodes[fromID]; !ok {
		return nil, ErrKeyUnknown
	}
	v, ok := d.nodes[toID]
	if !ok {
		return nil, ErrKeyUnknown
	}

	// walk up from `to` until we meet `from` or run out of parents
	var revKeys [][]byte
	var revSigs [][]byte
	for {
		if keyID(v.key) == fromID {
			break
		}
		if v.parent == "" {
			return nil, ErrNotAncestor
		}
		revKeys = append(revKeys, v.key)
		revSigs = append(revSigs, v.sig)
		v = d.nodes[v.parent]
	}

	chain := &ProofChain{Keys: [][]byte{d.nodes[fromID].key}}
	for i := len(revKeys) - 1; i >= 0; i-- {
		chain.Keys = append(chain.Keys, revKeys[i])
		chain.Sigs = append(chain.Sigs, revSigs[i])
	}
	return chain, nil
}

// IsAncestorOf reports whether `ancestor` precedes `key` in the DAG. A key is
// an ancestor of itself.
func (d *SectionsDAG) IsAncestorOf(ancestor, key []byte) bool {
	_, err := d.ProofChain(ancestor, key)
	return err == nil
}

// ProofChain is a path in the DAG: Sigs[i] is the signature by Keys[i] over
// Keys[i+1].
type ProofChain struct {
	Keys [][]byte
	Sigs [][]byte
}

// FirstKey returns the chain's starting key.
func (c *ProofChain) FirstKey() []byte {
	if len(c.Keys) == 0 {
		return nil
	}
	return c.Keys[0]
}

// LastKey returns the chain's final key, the newest one it proves.
func (c *ProofChain) LastKey() []byte {
	if len(c.Keys) == 0 {
		return nil
	}
	return c.Keys[len(c.Keys)-1]
}

// Verify checks that every edge of the chain carries a valid parent signature.
func (c *ProofChain) Verify(sch *crypto.Scheme) error {
	if len(c.Keys) == 0 {
		return errors.New("empty proof chain")
	}
	if len(c.Sigs) != len(c.Keys)-1 {
		return fmt.Errorf("chain carries %d keys but %d signatures", len(c.Keys), len(c.Sigs))
	}
	for i := 0; i < len(c.Sigs); i++ {
		parent := sch.KeyGroup.Point()
		if err := parent.UnmarshalBinary(c.Keys[i]); err != nil {
			return fmt.Errorf("chain key %d corrupted: %w", i, err)
		}
		if err := sch.ThresholdScheme.VerifyRecovered(parent, c.Keys[i+1], c.Sigs[i]); err != nil {
			return fmt.Errorf("chain edge %d: %w", i, ErrBadEdgeSig)
		}
	}
	return nil
}
