package xorname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameBits(t *testing.T) {
	var n Name
	require.False(t, n.Bit(0))

	n = n.WithBit(0, true)
	require.True(t, n.Bit(0))
	require.Equal(t, byte(0x80), n[0])

	n = n.WithBit(9, true)
	require.Equal(t, byte(0x40), n[1])

	n = n.WithBit(0, false)
	require.False(t, n.Bit(0))
}

func TestCommonPrefixLen(t *testing.T) {
	var a, b Name
	require.Equal(t, uint(BitLen), a.CommonPrefixLen(b))

	b = b.WithBit(12, true)
	require.Equal(t, uint(12), a.CommonPrefixLen(b))

	b = b.WithBit(0, true)
	require.Equal(t, uint(0), a.CommonPrefixLen(b))
}

func TestCmpDistance(t *testing.T) {
	var target Name
	close := FromBytes([]byte("a")).WithBit(0, false)
	far := close.WithBit(0, true)

	require.Equal(t, -1, target.CmpDistance(close, far))
	require.Equal(t, 1, target.CmpDistance(far, close))
	require.Equal(t, 0, target.CmpDistance(close, close))
}

func TestNameHexRoundTrip(t *testing.T) {
	n := Random()
	out, err := NameFromHex(n.Hex())
	require.NoError(t, err)
	require.Equal(t, n, out)

	_, err = NameFromHex("abcd")
	require.Error(t, err)
}

func TestPrefixMatches(t *testing.T) {
	p, err := PrefixFromString("10")
	require.NoError(t, err)

	var n Name
	n = n.WithBit(0, true)
	require.True(t, p.Matches(n))

	require.False(t, p.Matches(n.WithBit(1, true)))
	require.True(t, Prefix{}.Matches(Random()))
}

func TestPrefixPushedPopped(t *testing.T) {
	p, _ := PrefixFromString("1")
	require.Equal(t, "10", p.Pushed(false).String())
	require.Equal(t, "11", p.Pushed(true).String())
	require.Equal(t, "1", p.Pushed(true).Popped().String())
	require.Equal(t, "0", p.Sibling().String())
}

func TestPrefixAncestry(t *testing.T) {
	root := Prefix{}
	p1, _ := PrefixFromString("1")
	p10, _ := PrefixFromString("10")

	require.True(t, root.IsAncestorOf(p10))
	require.True(t, p1.IsAncestorOf(p10))
	require.True(t, p1.IsAncestorOf(p1))
	require.False(t, p10.IsAncestorOf(p1))
	require.True(t, p10.IsExtensionOf(p1))
}

func TestPrefixBounds(t *testing.T) {
	p, _ := PrefixFromString("1")
	lower := p.LowerBound()
	upper := p.UpperBound()

	require.True(t, p.Matches(lower))
	require.True(t, p.Matches(upper))
	require.Equal(t, byte(0x80), lower[0])
	require.Equal(t, byte(0xff), upper[0])
}

func TestPrefixSubstituted(t *testing.T) {
	p, _ := PrefixFromString("11")
	n := Random()
	sub := p.Substituted(n)

	require.True(t, p.Matches(sub))
	// low bits are untouched
	require.Equal(t, n[1:], sub[1:])
}

func TestPrefixTruncatesStoredBits(t *testing.T) {
	// two prefixes built from different names but sharing the prefix bits
	// must compare equal
	a := NewPrefix(Random().WithBit(0, true), 1)
	b := NewPrefix(Random().WithBit(0, true), 1)
	require.True(t, a.Equal(b))
}
