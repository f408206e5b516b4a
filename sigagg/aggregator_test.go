package sigagg

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/test"
	"github.com/shardnet/shardnet/testlogger"
)

func TestAggregatorThreshold(t *testing.T) {
	ks := test.NewKeyset(t, 5, 7)
	clock := clockwork.NewFakeClock()
	agg := NewAggregator(testlogger.New(t), ks.Scheme, clock)

	payloadHash := codec.Hash([]byte("payload"))
	ksID := codec.Hash(ks.SectionKey())

	// four shares stay pending
	for i := 0; i < 4; i++ {
		sig, err := agg.Add(payloadHash, ksID, ks.Public, 5, 7, ks.ShareSig(t, i, payloadHash))
		require.ErrorIs(t, err, ErrNotEnoughShares)
		require.Nil(t, sig)
	}

	// the fifth reaches the threshold exactly once
	sig, err := agg.Add(payloadHash, ksID, ks.Public, 5, 7, ks.ShareSig(t, 4, payloadHash))
	require.NoError(t, err)
	require.NotNil(t, sig)

	// late shares are no-ops
	for i := 5; i < 7; i++ {
		late, err := agg.Add(payloadHash, ksID, ks.Public, 5, 7, ks.ShareSig(t, i, payloadHash))
		require.ErrorIs(t, err, ErrNotEnoughShares)
		require.Nil(t, late)
	}

	// the recovered signature verifies against the aggregate key
	require.NoError(t, ks.Scheme.ThresholdScheme.VerifyRecovered(ks.Public.Key(), payloadHash, sig))
}

func TestAggregatorDuplicateShares(t *testing.T) {
	ks := test.NewKeyset(t, 3, 4)
	agg := NewAggregator(testlogger.New(t), ks.Scheme, clockwork.NewFakeClock())

	payloadHash := codec.Hash([]byte("payload"))
	ksID := codec.Hash(ks.SectionKey())

	shareSig := ks.ShareSig(t, 0, payloadHash)
	_, err := agg.Add(payloadHash, ksID, ks.Public, 3, 4, shareSig)
	require.ErrorIs(t, err, ErrNotEnoughShares)

	// the same index again does not advance the count
	_, err = agg.Add(payloadHash, ksID, ks.Public, 3, 4, shareSig)
	require.ErrorIs(t, err, ErrNotEnoughShares)

	_, err = agg.Add(payloadHash, ksID, ks.Public, 3, 4, ks.ShareSig(t, 1, payloadHash))
	require.ErrorIs(t, err, ErrNotEnoughShares)

	sig, err := agg.Add(payloadHash, ksID, ks.Public, 3, 4, ks.ShareSig(t, 2, payloadHash))
	require.NoError(t, err)
	require.NotNil(t, sig)
}

func TestAggregatorInvalidShare(t *testing.T) {
	ks := test.NewKeyset(t, 2, 3)
	other := test.NewKeyset(t, 2, 3)
	agg := NewAggregator(testlogger.New(t), ks.Scheme, clockwork.NewFakeClock())

	payloadHash := codec.Hash([]byte("payload"))
	ksID := codec.Hash(ks.SectionKey())

	// a share from a different key-set must not count
	_, err := agg.Add(payloadHash, ksID, ks.Public, 2, 3, other.ShareSig(t, 0, payloadHash))
	require.ErrorIs(t, err, ErrInvalidShare)

	// garbage is rejected outright
	_, err = agg.Add(payloadHash, ksID, ks.Public, 2, 3, []byte("not a signature"))
	require.ErrorIs(t, err, ErrInvalidShare)
}

func TestAggregatorPrune(t *testing.T) {
	ks := test.NewKeyset(t, 2, 3)
	clock := clockwork.NewFakeClock()
	agg := NewAggregator(testlogger.New(t), ks.Scheme, clock)

	payloadHash := codec.Hash([]byte("payload"))
	ksID := codec.Hash(ks.SectionKey())

	_, err := agg.Add(payloadHash, ksID, ks.Public, 2, 3, ks.ShareSig(t, 0, payloadHash))
	require.ErrorIs(t, err, ErrNotEnoughShares)
	require.Equal(t, 1, agg.Pending())

	clock.Advance(MaxPendingAge / 2)
	agg.Prune()
	require.Equal(t, 1, agg.Pending())

	clock.Advance(MaxPendingAge)
	agg.Prune()
	require.Equal(t, 0, agg.Pending())
}
