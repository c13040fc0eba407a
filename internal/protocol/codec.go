package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for datagrams that carry no valid tag.
var ErrMalformed = errors.New("protocol: malformed datagram")

// Encode serializes a Packet into a byte slice ready for the substrate.
// Control tags never carry a payload.
func Encode(pkt *Packet) []byte {
	if pkt.Tag.IsControl() {
		return []byte{byte(pkt.Tag)}
	}
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = byte(pkt.Tag)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// EncodeControl returns the single-byte datagram for a control tag.
func EncodeControl(tag Tag) []byte {
	return []byte{byte(tag)}
}

// EncodeData returns a DATA datagram wrapping payload.
func EncodeData(payload []byte) []byte {
	return Encode(&Packet{Tag: TagData, Payload: payload})
}

// Decode deserializes a datagram. The payload is copied and never aliases data.
// Trailing bytes after a control tag are ignored.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformed, len(data), HeaderSize)
	}
	tag := Tag(data[0])
	switch {
	case tag.IsControl():
		return &Packet{Tag: tag}, nil
	case tag == TagData:
		pkt := &Packet{Tag: tag, Payload: make([]byte, len(data)-HeaderSize)}
		copy(pkt.Payload, data[HeaderSize:])
		return pkt, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformed, data[0])
	}
}
