// Package codec provides the canonical binary encoding used for every signed
// or hashed structure. Encoding the same value twice always yields identical
// bytes, which the signature-share aggregation relies on.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

//nolint:gochecknoinits // the modes are immutable process-wide state
func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v into deterministic CBOR bytes.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR bytes into v.
func Unmarshal(b []byte, v interface{}) error {
	return decMode.Unmarshal(b, v)
}

// HashSize is the byte length of payload digests.
const HashSize = 32

// Hash digests payload bytes for signing and aggregation keying.
func Hash(b []byte) []byte {
	sum := blake3.Sum256(b)
	return sum[:]
}
