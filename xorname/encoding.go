package xorname

import (
	"encoding/binary"
	"fmt"
)

// MarshalBinary implements encoding.BinaryMarshaler.
func (n Name) MarshalBinary() ([]byte, error) {
	out := make([]byte, Size)
	copy(out, n[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (n *Name) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("name must be %d bytes, got %d", Size, len(b))
	}
	copy(n[:], b)
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler. The form is a big-endian
// bit count followed by the prefix bits.
func (p Prefix) MarshalBinary() ([]byte, error) {
	out := make([]byte, 2+Size)
	binary.BigEndian.PutUint16(out, uint16(p.bitCount))
	copy(out[2:], p.name[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Prefix) UnmarshalBinary(b []byte) error {
	if len(b) != 2+Size {
		return fmt.Errorf("prefix must be %d bytes, got %d", 2+Size, len(b))
	}
	bitCount := uint(binary.BigEndian.Uint16(b))
	if bitCount > BitLen {
		return fmt.Errorf("prefix length %d out of range", bitCount)
	}
	var name Name
	copy(name[:], b[2:])
	*p = NewPrefix(name, bitCount)
	return nil
}
