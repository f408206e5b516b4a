package key

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/xorname"
)

func TestNewKeyPairSelfSigned(t *testing.T) {
	pair, err := NewKeyPair("127.0.0.1:9000")
	require.NoError(t, err)
	require.NoError(t, pair.Public.ValidSignature())
	require.NotEmpty(t, pair.Public.DkgKey)

	// the name is bound to the public key
	require.Equal(t, xorname.FromBytes(crypto.PointToBytes(pair.Public.Key)), pair.Name())
}

func TestTamperedIdentityFailsValidation(t *testing.T) {
	pair, err := NewKeyPair("127.0.0.1:9000")
	require.NoError(t, err)

	pair.Public.DkgKey[0] ^= 0xff
	require.Error(t, pair.Public.ValidSignature())
}

func TestNewKeyPairWithin(t *testing.T) {
	prefix, err := xorname.PrefixFromString("101")
	require.NoError(t, err)

	pair, err := NewKeyPairWithin(prefix, "127.0.0.1:9000")
	require.NoError(t, err)
	require.True(t, prefix.Matches(pair.Name()))
	require.NoError(t, pair.Public.ValidSignature())
}

func TestStoreRoundTrip(t *testing.T) {
	folder := t.TempDir()
	sch := crypto.NewBLSScheme()

	store, err := NewFileStore(folder, sch)
	require.NoError(t, err)

	pair, err := NewKeyPair("127.0.0.1:9000")
	require.NoError(t, err)
	require.NoError(t, store.SaveKeyPair(pair))

	loaded, err := store.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, pair.Name(), loaded.Name())
	require.Equal(t, pair.Public.Addr, loaded.Public.Addr)
	require.True(t, pair.DkgKey.Equal(loaded.DkgKey))
	require.NoError(t, loaded.Public.ValidSignature())
}

func TestLoadShareWithoutSavedShare(t *testing.T) {
	folder := t.TempDir()
	sch := crypto.NewBLSScheme()

	store, err := NewFileStore(folder, sch)
	require.NoError(t, err)

	_, err = store.LoadShare()
	require.ErrorIs(t, err, ErrNoShare)
}

func TestMinimumT(t *testing.T) {
	require.Equal(t, 1, MinimumT(1))
	require.Equal(t, 4, MinimumT(7))
	require.Equal(t, 5, MinimumT(8))
}
