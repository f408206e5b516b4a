// Package wire defines the message envelope every node exchanges: an id, the
// source and destination names, the authority the sender claims, and a typed
// payload in canonical encoding. The payload hash is over the payload bytes
// alone, independent of the authority carried alongside. Signatures and share
// aggregation cover it, except for Propose payloads, whose shares cover the
// message named by their proposal kind.
package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/xorname"
)

// MsgID uniquely identifies a message for deduplication and tracing.
type MsgID [16]byte

// NewMsgID returns a fresh random message id.
func NewMsgID() MsgID {
	return MsgID(uuid.New())
}

func (id MsgID) String() string {
	return uuid.UUID(id).String()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id MsgID) MarshalBinary() ([]byte, error) {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *MsgID) UnmarshalBinary(b []byte) error {
	if len(b) != len(id) {
		return fmt.Errorf("msg id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return nil
}

// Dst addresses a message: the destination name and the section key the
// sender believes currently covers it. Anti-entropy compares this key with
// the receiver's knowledge.
type Dst struct {
	Name       xorname.Name
	SectionKey []byte
}

// WireMsg is the envelope carried on the wire.
type WireMsg struct {
	ID      MsgID
	Src     xorname.Name
	Dst     Dst
	Auth    Authority
	Type    MsgType
	Payload []byte
}

// PayloadHash digests the payload bytes alone. Node authorities sign it, and
// so do share and section authorities on every payload except Propose.
func (m *WireMsg) PayloadHash() []byte {
	return codec.Hash(m.Payload)
}

// Encode serializes the whole envelope canonically.
func (m *WireMsg) Encode() ([]byte, error) {
	return codec.Marshal(m)
}

// Decode parses an envelope from its canonical bytes.
func Decode(b []byte) (*WireMsg, error) {
	m := new(WireMsg)
	if err := codec.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("decoding wire msg: %w", err)
	}
	return m, nil
}

// NewWireMsg encodes the typed payload and wraps it in an envelope with a
// fresh id. The authority is left for the sender to fill in, since signing
// covers the payload hash.
func NewWireMsg(src xorname.Name, dst Dst, payload Payload) (*WireMsg, error) {
	buff, err := codec.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &WireMsg{
		ID:      NewMsgID(),
		Src:     src,
		Dst:     dst,
		Type:    payload.MsgType(),
		Payload: buff,
	}, nil
}
