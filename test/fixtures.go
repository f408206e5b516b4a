// Package test provides fixtures shared by the package tests: ready-made
// BLS key-sets, signed authority providers, and section-signature helpers.
package test

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/share/dkg"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/section"
	"github.com/shardnet/shardnet/xorname"
)

// Keyset is a complete threshold key-set with every private share, as a
// section-key agreement would have produced it.
type Keyset struct {
	Scheme    *crypto.Scheme
	Shares    []*key.Share
	Public    *key.DistPublic
	Threshold int
	N         int
}

// NewKeyset deals a fresh t-of-n key-set.
func NewKeyset(t *testing.T, threshold, n int) *Keyset {
	sch := crypto.NewBLSScheme()
	secret := sch.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(sch.KeyGroup, threshold, secret, random.New())
	pubPoly := priPoly.Commit(sch.KeyGroup.Point().Base())
	_, commits := pubPoly.Info()

	ks := &Keyset{
		Scheme:    sch,
		Public:    &key.DistPublic{Coefficients: commits},
		Threshold: threshold,
		N:         n,
	}
	for _, ps := range priPoly.Shares(n) {
		ks.Shares = append(ks.Shares, &key.Share{
			DistKeyShare: dkg.DistKeyShare{Commits: commits, Share: ps},
			Scheme:       sch,
		})
	}
	require.Len(t, ks.Shares, n)
	return ks
}

// SectionKey returns the aggregate public key bytes.
func (k *Keyset) SectionKey() []byte {
	return crypto.PointToBytes(k.Public.Key())
}

// Sign produces a full threshold signature over msg using the first t
// shares.
func (k *Keyset) Sign(t *testing.T, msg []byte) []byte {
	sigs := make([][]byte, 0, k.Threshold)
	for i := 0; i < k.Threshold; i++ {
		sig, err := k.Scheme.ThresholdScheme.Sign(k.Shares[i].PrivateShare(), msg)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	sig, err := k.Scheme.ThresholdScheme.Recover(
		k.Public.PubPoly(k.Scheme), msg, sigs, k.Threshold, k.N)
	require.NoError(t, err)
	return sig
}

// ShareSig produces a single signature share over msg by the given index.
func (k *Keyset) ShareSig(t *testing.T, idx int, msg []byte) []byte {
	sig, err := k.Scheme.ThresholdScheme.Sign(k.Shares[idx].PrivateShare(), msg)
	require.NoError(t, err)
	return sig
}

// Section is a fully populated, signed section fixture.
type Section struct {
	Keyset *Keyset
	Pairs  []*key.Pair
	Signed *section.SignedSAP
}

// NewSection builds a section under the prefix with n elders and a t
// threshold, every elder backed by a real node pair.
func NewSection(t *testing.T, prefix xorname.Prefix, threshold, n int, generation uint64) *Section {
	ks := NewKeyset(t, threshold, n)

	var pairs []*key.Pair
	var elders []section.Elder
	var members []section.NodeState
	for i := 0; i < n; i++ {
		pair, err := key.NewKeyPairWithin(prefix, "127.0.0.1:0")
		require.NoError(t, err)
		pairs = append(pairs, pair)
		elders = append(elders, section.Elder{
			Name:   pair.Name(),
			Addr:   pair.Public.Addr,
			Index:  uint32(i),
			DkgKey: pair.Public.DkgKey,
		})
		members = append(members, section.NodeState{
			Name:    pair.Name(),
			Addr:    pair.Public.Addr,
			PeerKey: crypto.PointToBytes(pair.Public.Key),
			DkgKey:  pair.Public.DkgKey,
			State:   section.StateJoined,
			Age:     section.MinAdultAge,
		})
	}

	sap := section.NewSAP(prefix, generation, elders, ks.Public, threshold, members)
	sapBytes, err := sap.Bytes()
	require.NoError(t, err)

	return &Section{
		Keyset: ks,
		Pairs:  pairs,
		Signed: &section.SignedSAP{SAP: *sap, Sig: ks.Sign(t, sapBytes)},
	}
}

// Tree returns a section tree rooted at this section's key with the signed
// provider installed, the way a founding section starts.
func (s *Section) Tree(t *testing.T) *section.SectionTree {
	tree := section.NewSectionTree(s.Keyset.Scheme, s.Signed.SAP.SectionKey())
	_, err := tree.Insert(s.Signed)
	require.NoError(t, err)
	return tree
}

// Endorse signs child's key with this section's key-set, producing the DAG
// edge bytes.
func (s *Section) Endorse(t *testing.T, child *Section) []byte {
	return s.Keyset.Sign(t, child.Signed.SAP.SectionKey())
}
