package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A string
	B uint64
	C []byte
	D map[string]int
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{
		A: "hello",
		B: 42,
		C: []byte{1, 2, 3},
		D: map[string]int{"z": 1, "a": 2, "m": 3},
	}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{A: "x", B: 7, C: []byte("bytes"), D: map[string]int{"k": 9}}
	buff, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(buff, &out))
	require.Equal(t, in, out)

	again, err := Marshal(out)
	require.NoError(t, err)
	require.Equal(t, buff, again)
}

func TestHashStable(t *testing.T) {
	h1 := Hash([]byte("payload"))
	h2 := Hash([]byte("payload"))
	require.Equal(t, h1, h2)
	require.Len(t, h1, HashSize)
	require.NotEqual(t, h1, Hash([]byte("payload2")))
}
