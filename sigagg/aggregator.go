// Package sigagg accumulates BLS signature shares by (payload hash, key-set)
// until the key-set's threshold is reached, producing a section signature.
package sigagg

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/drand/kyber/share"
	"github.com/jonboulle/clockwork"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/log"
)

var (
	// ErrNotEnoughShares means the aggregation is still pending. It is not a
	// failure; the partial set is kept until it expires.
	ErrNotEnoughShares = errors.New("not enough shares")
	// ErrInvalidShare is returned when a share does not verify against the
	// key-set. The sender should accrue a Dkg fault issue.
	ErrInvalidShare = errors.New("invalid signature share")
)

// MaxPendingAge bounds how long a partial share set is kept around.
const MaxPendingAge = 2 * time.Minute

type entry struct {
	pub       *share.PubPoly
	threshold int
	n         int
	shares    map[int][]byte
	done      bool
	created   time.Time
}

// Aggregator collects signature shares over payload hashes. It is not safe
// for concurrent use; the dispatcher work queue is its single caller.
type Aggregator struct {
	l       log.Logger
	scheme  *crypto.Scheme
	clock   clockwork.Clock
	entries map[string]*entry
}

// NewAggregator returns an empty aggregator.
func NewAggregator(l log.Logger, sch *crypto.Scheme, clock clockwork.Clock) *Aggregator {
	return &Aggregator{
		l:       l,
		scheme:  sch,
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

func entryID(payloadHash, keySetID []byte) string {
	return hex.EncodeToString(payloadHash) + "/" + hex.EncodeToString(keySetID)
}

// Add verifies one share against the key-set and counts it. It returns the
// recovered threshold signature exactly once, on the share that reaches the
// threshold. Before that, and for every share after it, it returns
// ErrNotEnoughShares; duplicate and late shares are no-ops.
func (a *Aggregator) Add(payloadHash, keySetID []byte, public *key.DistPublic,
	threshold, n int, shareSig []byte) ([]byte, error) {
	id := entryID(payloadHash, keySetID)
	e, ok := a.entries[id]
	if !ok {
		e = &entry{
			pub:       public.PubPoly(a.scheme),
			threshold: threshold,
			n:         n,
			shares:    make(map[int][]byte),
			created:   a.clock.Now(),
		}
		a.entries[id] = e
	}
	if e.done {
		return nil, ErrNotEnoughShares
	}

	idx, err := a.scheme.ThresholdScheme.IndexOf(shareSig)
	if err != nil {
		return nil, ErrInvalidShare
	}
	if _, seen := e.shares[idx]; seen {
		return nil, ErrNotEnoughShares
	}
	if err := a.scheme.ThresholdScheme.VerifyPartial(e.pub, payloadHash, shareSig); err != nil {
		a.l.Debugw("rejecting signature share", "idx", idx, "err", err)
		return nil, ErrInvalidShare
	}
	e.shares[idx] = shareSig

	if len(e.shares) < e.threshold {
		return nil, ErrNotEnoughShares
	}

	sigs := make([][]byte, 0, len(e.shares))
	for _, s := range e.shares {
		sigs = append(sigs, s)
	}
	sig, err := a.scheme.ThresholdScheme.Recover(e.pub, payloadHash, sigs, e.threshold, e.n)
	if err != nil {
		return nil, err
	}
	e.done = true
	e.shares = nil
	return sig, nil
}

// Prune drops pending share sets older than MaxPendingAge, and completed
// entries with them.
func (a *Aggregator) Prune() {
	cutoff := a.clock.Now().Add(-MaxPendingAge)
	for id, e := range a.entries {
		if e.created.Before(cutoff) {
			delete(a.entries, id)
		}
	}
}

// Pending returns the number of share sets currently tracked.
func (a *Aggregator) Pending() int {
	return len(a.entries)
}
