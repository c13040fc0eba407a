// Package substrate defines the peer-addressed, channelized datagram layer
// the session protocol runs on, plus an in-memory implementation of it.
package substrate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/1ureka/peerlink/internal/protocol"
)

// ErrUnavailable is returned when the substrate has not been initialized or
// has already been shut down.
var ErrUnavailable = errors.New("substrate: not available")

// PeerID is the opaque 64-bit identifier of a remote endpoint.
type PeerID uint64

// String returns the decimal address form of the identifier.
func (p PeerID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePeerID parses the decimal address form. Surrounding whitespace is
// tolerated; signs, other bases and out-of-range values are not.
func ParsePeerID(address string) (PeerID, error) {
	raw := strings.TrimSpace(address)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid peer address %q: %w", address, err)
	}
	return PeerID(v), nil
}

// Packet is one datagram read from a channel.
type Packet struct {
	Data    []byte
	From    PeerID
	Channel int
}

// Substrate is the contract the session layer consumes.
//
// ReadPacket is called from a single polling goroutine. Pending session
// requests are surfaced to the registered handler from within ReadPacket, on
// that same goroutine, before any datagram of the requesting peer is
// returned. Sending to a peer implicitly accepts a session with it.
type Substrate interface {
	LocalID() PeerID
	Available() bool
	SendPacket(peer PeerID, data []byte, mode protocol.Reliability, channel int) error
	ReadPacket(channel int) (Packet, bool)
	SetSessionRequestHandler(fn func(peer PeerID) bool)
	CloseSession(peer PeerID) error
}
