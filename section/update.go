package section

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrSAPKeyNotCoveredByProofChain rejects a tree update whose proof chain
// does not connect the local DAG to the provider's key.
var ErrSAPKeyNotCoveredByProofChain = errors.New("provider key not covered by proof chain")

// SectionTreeUpdate carries a signed provider together with a proof chain
// anchoring its key to knowledge the receiver already trusts.
type SectionTreeUpdate struct {
	SignedSAP  SignedSAP
	ProofChain ProofChain
}

// NewSectionTreeUpdate builds the update a section sends to peers whose
// knowledge is anchored at `from`.
func NewSectionTreeUpdate(t *SectionTree, sap *SignedSAP, from []byte) (*SectionTreeUpdate, error) {
	chain, err := t.DAG().ProofChain(from, sap.SAP.SectionKey())
	if err != nil {
		return nil, err
	}
	return &SectionTreeUpdate{SignedSAP: *sap, ProofChain: *chain}, nil
}

// Apply verifies the update against the local tree and merges it in. The
// rules are: the chain must start at a key we already trust, every edge must
// verify, and the provider must be signed by the chain's last key. Applying
// the same update twice leaves the tree unchanged after the first time.
// It returns true when the tree gained knowledge.
func (t *SectionTree) Apply(u *SectionTreeUpdate) (bool, error) {
	sch := t.scheme
	chain := &u.ProofChain

	if !t.dag.HasKey(chain.FirstKey()) {
		return false, ErrSAPKeyNotCoveredByProofChain
	}
	if err := chain.Verify(sch); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSAPKeyNotCoveredByProofChain, err)
	}
	if !bytes.Equal(u.SignedSAP.SAP.SectionKey(), chain.LastKey()) {
		return false, ErrSAPKeyNotCoveredByProofChain
	}
	if err := u.SignedSAP.Verify(sch); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSAPKeyNotCoveredByProofChain, err)
	}

	changed := false
	for i := 0; i < len(chain.Sigs); i++ {
		had := t.dag.HasKey(chain.Keys[i+1])
		if err := t.dag.VerifyAndInsert(chain.Keys[i], chain.Keys[i+1], chain.Sigs[i]); err != nil {
			return changed, err
		}
		if !had {
			changed = true
		}
	}

	inserted, err := t.Insert(&u.SignedSAP)
	if err != nil {
		return changed, err
	}
	return changed || inserted, nil
}

