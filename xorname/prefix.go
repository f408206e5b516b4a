package xorname

import (
	"fmt"
	"strings"
)

// Prefix is a bit-string matched against the high bits of a Name. The zero
// value is the empty prefix, which matches every name.
type Prefix struct {
	name     Name
	bitCount uint
}

// NewPrefix returns a prefix of the given length whose bits are taken from the
// high bits of name. Bits beyond the length are zeroed so that equal prefixes
// compare equal.
func NewPrefix(name Name, bitCount uint) Prefix {
	if bitCount > BitLen {
		bitCount = BitLen
	}
	return Prefix{name: truncate(name, bitCount), bitCount: bitCount}
}

// PrefixFromString parses a prefix from its binary representation, e.g. "101".
func PrefixFromString(s string) (Prefix, error) {
	var name Name
	for i, c := range s {
		switch c {
		case '1':
			name = name.WithBit(uint(i), true)
		case '0':
		default:
			return Prefix{}, fmt.Errorf("invalid character %q in prefix %q", c, s)
		}
	}
	return NewPrefix(name, uint(len(s))), nil
}

func truncate(name Name, bitCount uint) Name {
	var out Name
	full := bitCount / 8
	copy(out[:full], name[:full])
	if rem := bitCount % 8; rem != 0 {
		out[full] = name[full] & (0xff << (8 - rem))
	}
	return out
}

// BitCount returns the length of the prefix in bits.
func (p Prefix) BitCount() uint {
	return p.bitCount
}

// Name returns the prefix bits as a Name with the low bits zeroed.
func (p Prefix) Name() Name {
	return p.name
}

// IsEmpty reports whether this is the zero-length prefix.
func (p Prefix) IsEmpty() bool {
	return p.bitCount == 0
}

// Matches tests whether the high bits of name equal this prefix.
func (p Prefix) Matches(name Name) bool {
	return truncate(name, p.bitCount) == p.name
}

// Pushed returns this prefix extended by one bit.
func (p Prefix) Pushed(bit bool) Prefix {
	if p.bitCount == BitLen {
		return p
	}
	return Prefix{name: p.name.WithBit(p.bitCount, bit), bitCount: p.bitCount + 1}
}

// Popped returns this prefix shortened by one bit.
func (p Prefix) Popped() Prefix {
	if p.bitCount == 0 {
		return p
	}
	return NewPrefix(p.name, p.bitCount-1)
}

// Sibling returns the prefix with the last bit flipped.
func (p Prefix) Sibling() Prefix {
	if p.bitCount == 0 {
		return p
	}
	i := p.bitCount - 1
	return Prefix{name: p.name.WithBit(i, !p.name.Bit(i)), bitCount: p.bitCount}
}

// IsAncestorOf reports whether other extends this prefix. A prefix is an
// ancestor of itself.
func (p Prefix) IsAncestorOf(other Prefix) bool {
	return p.bitCount <= other.bitCount && p.Matches(other.name)
}

// IsExtensionOf reports whether this prefix extends other.
func (p Prefix) IsExtensionOf(other Prefix) bool {
	return other.IsAncestorOf(p)
}

// Equal reports whether both prefixes have the same bits and length.
func (p Prefix) Equal(other Prefix) bool {
	return p.bitCount == other.bitCount && p.name == other.name
}

// LowerBound returns the smallest name matching this prefix.
func (p Prefix) LowerBound() Name {
	return p.name
}

// UpperBound returns the largest name matching this prefix.
func (p Prefix) UpperBound() Name {
	out := p.name
	for i := p.bitCount; i < BitLen; i++ {
		out = out.WithBit(i, true)
	}
	return out
}

// Substituted returns name with its high bits replaced by this prefix, keeping
// the low bits intact. It is used to generate identifiers inside a section's
// range.
func (p Prefix) Substituted(name Name) Name {
	out := name
	for i := uint(0); i < p.bitCount; i++ {
		out = out.WithBit(i, p.name.Bit(i))
	}
	return out
}

func (p Prefix) String() string {
	if p.bitCount == 0 {
		return ""
	}
	var b strings.Builder
	for i := uint(0); i < p.bitCount; i++ {
		if p.name.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
