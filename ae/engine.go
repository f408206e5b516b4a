// Package ae implements the anti-entropy gate: every inbound message's
// asserted section key is compared with local knowledge, and stale or
// misrouted senders are bounced with enough proof to converge.
package ae

import (
	"bytes"
	"errors"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"
)

// Action is the verdict of the anti-entropy gate.
type Action uint8

const (
	// ActionPass hands the message to its handler.
	ActionPass Action = iota
	// ActionRetry bounces the sender with newer knowledge; the handler is
	// not invoked.
	ActionRetry
	// ActionRedirect points the sender at the section owning the
	// destination name.
	ActionRedirect
	// ActionDrop discards the message and charges the sender a Knowledge
	// issue.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "Pass"
	case ActionRetry:
		return "Retry"
	case ActionRedirect:
		return "Redirect"
	case ActionDrop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// Outcome bundles the verdict with the reply to send for Retry/Redirect.
type Outcome struct {
	Action Action
	Reply  *wire.AntiEntropy
}

// Engine evaluates the gate against the local section tree. It never mutates
// the tree itself except through ApplyUpdate.
type Engine struct {
	l      log.Logger
	scheme *crypto.Scheme
	tree   *section.SectionTree
}

// NewEngine returns a gate bound to the local tree.
func NewEngine(l log.Logger, sch *crypto.Scheme, tree *section.SectionTree) *Engine {
	return &Engine{l: l, scheme: sch, tree: tree}
}

// Check runs the gate for a message addressed to dst, given the section we
// currently are part of. Joining and anti-entropy messages skip the gate to
// avoid reply cycles; the dispatcher enforces that.
func (e *Engine) Check(dst wire.Dst, our *section.SignedSAP) (*Outcome, error) {
	ourKey := our.SAP.SectionKey()

	if !our.SAP.Prefix.Matches(dst.Name) {
		reply, err := e.redirectFor(dst.Name)
		if err != nil {
			// nothing better known for that name; treat the sender as confused
			return &Outcome{Action: ActionDrop}, nil
		}
		return &Outcome{Action: ActionRedirect, Reply: reply}, nil
	}

	if bytes.Equal(dst.SectionKey, ourKey) {
		return &Outcome{Action: ActionPass}, nil
	}

	if e.tree.HasKey(dst.SectionKey) && e.tree.DAG().IsAncestorOf(dst.SectionKey, ourKey) {
		reply, err := e.retryFrom(dst.SectionKey, our)
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionRetry, Reply: reply}, nil
	}

	// The claimed key is neither our key nor an ancestor of it. If it were a
	// verifiable descendant the sender would have shipped the proof as an
	// anti-entropy update before this message; with nothing to verify we
	// drop.
	e.l.Debugw("dropping message with unverifiable section key",
		"dst", dst.Name, "claimed_key_known", e.tree.HasKey(dst.SectionKey))
	return &Outcome{Action: ActionDrop}, nil
}

// retryFrom builds the Retry reply proving the path from the sender's
// claimed key to our current one.
func (e *Engine) retryFrom(claimed []byte, our *section.SignedSAP) (*wire.AntiEntropy, error) {
	chain, err := e.tree.DAG().ProofChain(claimed, our.SAP.SectionKey())
	if err != nil {
		return nil, err
	}
	return &wire.AntiEntropy{
		Kind: wire.AERetry,
		Update: section.SectionTreeUpdate{
			SignedSAP:  *our,
			ProofChain: *chain,
		},
	}, nil
}

// redirectFor builds the Redirect reply carrying the best known authority
// for the name, anchored at genesis so any receiver can verify it.
func (e *Engine) redirectFor(name xorname.Name) (*wire.AntiEntropy, error) {
	target, err := e.tree.SectionByName(name)
	if err != nil {
		return nil, err
	}
	chain, err := e.tree.DAG().ProofChain(e.tree.Genesis(), target.SAP.SectionKey())
	if err != nil {
		return nil, err
	}
	return &wire.AntiEntropy{
		Kind: wire.AERedirect,
		Update: section.SectionTreeUpdate{
			SignedSAP:  *target,
			ProofChain: *chain,
		},
	}, nil
}

// ProbeReply answers an anti-entropy probe: an Update anchored at the
// prober's claimed key when we can, at genesis otherwise.
func (e *Engine) ProbeReply(claimed []byte, our *section.SignedSAP) (*wire.AntiEntropy, error) {
	anchor := claimed
	if !e.tree.HasKey(anchor) {
		anchor = e.tree.Genesis()
	}
	chain, err := e.tree.DAG().ProofChain(anchor, our.SAP.SectionKey())
	if err != nil {
		return nil, err
	}
	return &wire.AntiEntropy{
		Kind: wire.AEUpdate,
		Update: section.SectionTreeUpdate{
			SignedSAP:  *our,
			ProofChain: *chain,
		},
	}, nil
}

// ApplyUpdate verifies a received update against the tree and merges it.
// Applying the same update twice leaves the tree unchanged after the first
// application. The boolean reports whether knowledge was gained.
func (e *Engine) ApplyUpdate(u *section.SectionTreeUpdate) (bool, error) {
	updated, err := e.tree.Apply(u)
	if err != nil {
		if errors.Is(err, section.ErrSAPKeyNotCoveredByProofChain) {
			e.l.Debugw("rejecting untrusted tree update",
				"prefix", u.SignedSAP.SAP.Prefix.String(), "err", err)
		}
		return false, err
	}
	if updated {
		e.l.Debugw("tree updated",
			"prefix", u.SignedSAP.SAP.Prefix.String(),
			"generation", u.SignedSAP.SAP.Generation)
	}
	return updated, nil
}
