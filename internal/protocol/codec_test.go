package protocol_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/1ureka/peerlink/internal/protocol"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for every tag with various payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *protocol.Packet
	}{
		{"CONNECT", &protocol.Packet{Tag: protocol.TagConnect}},
		{"ACCEPT_CONNECT", &protocol.Packet{Tag: protocol.TagAcceptConnect}},
		{"DISCONNECT", &protocol.Packet{Tag: protocol.TagDisconnect}},
		{"DATA with small payload", &protocol.Packet{Tag: protocol.TagData, Payload: []byte("hello world")}},
		{"DATA with empty payload", &protocol.Packet{Tag: protocol.TagData, Payload: []byte{}}},
		{"DATA at unreliable limit", &protocol.Packet{Tag: protocol.TagData, Payload: make([]byte, protocol.MaxUnreliableSize)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := protocol.Encode(tc.pkt)
			if encoded[0] != byte(tc.pkt.Tag) {
				t.Fatalf("tag byte: got 0x%02x, want 0x%02x", encoded[0], byte(tc.pkt.Tag))
			}

			decoded, err := protocol.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Tag != tc.pkt.Tag {
				t.Errorf("Tag mismatch: got %v, want %v", decoded.Tag, tc.pkt.Tag)
			}
			if !bytes.Equal(decoded.Payload, tc.pkt.Payload) {
				t.Errorf("Payload mismatch: got %v, want %v", decoded.Payload, tc.pkt.Payload)
			}
		})
	}
}

// TestControlHasNoPayload verifies that control datagrams are exactly one
// byte even if the caller attached a payload.
func TestControlHasNoPayload(t *testing.T) {
	for _, tag := range []protocol.Tag{protocol.TagConnect, protocol.TagAcceptConnect, protocol.TagDisconnect} {
		t.Run(tag.String(), func(t *testing.T) {
			encoded := protocol.Encode(&protocol.Packet{Tag: tag, Payload: []byte("ignored")})
			if len(encoded) != protocol.HeaderSize {
				t.Fatalf("expected %d byte, got %d", protocol.HeaderSize, len(encoded))
			}
			if !bytes.Equal(encoded, protocol.EncodeControl(tag)) {
				t.Fatalf("EncodeControl mismatch: %v", encoded)
			}
		})
	}
}

// TestDecodeRejectsMalformed verifies empty datagrams and unknown tags.
func TestDecodeRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"zero tag", []byte{0x00}},
		{"unknown tag", []byte{0x05, 0x01}},
		{"high tag", []byte{0xFF}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode(tc.data)
			if !errors.Is(err, protocol.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

// TestDecodePreservesPayload verifies that the payload is copied and not
// aliased to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded := protocol.EncodeData([]byte("original"))
	decoded, err := protocol.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[protocol.HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("Payload was incorrectly aliased: got %v", decoded.Payload)
	}
}

// TestEncodeLargePayload verifies reliable-sized payloads survive the codec.
func TestEncodeLargePayload(t *testing.T) {
	sizes := []int{1024, 64 * 1024, protocol.MaxReliableSize}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 256)
			}

			decoded, err := protocol.Decode(protocol.EncodeData(payload))
			if err != nil {
				t.Fatalf("Decode failed for size %d: %v", size, err)
			}
			if !bytes.Equal(decoded.Payload, payload) {
				t.Errorf("Payload mismatch for size %d", size)
			}
		})
	}
}
