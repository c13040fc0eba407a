// Package protocol defines the session wire format and the channel table
// shared by the client and server roles.
package protocol

import "fmt"

// Tag is the first byte of every datagram.
type Tag uint8

// Tag constants.
const (
	TagConnect       Tag = 0x01 // client asks the host for a logical connection
	TagAcceptConnect Tag = 0x02 // host accepted the CONNECT
	TagDisconnect    Tag = 0x03 // either side tears the connection down
	TagData          Tag = 0x04 // application payload follows
)

// HeaderSize is the fixed header size: Tag(1).
const HeaderSize = 1

// IsControl reports whether t is a handshake/teardown tag.
func (t Tag) IsControl() bool {
	return t == TagConnect || t == TagAcceptConnect || t == TagDisconnect
}

func (t Tag) String() string {
	switch t {
	case TagConnect:
		return "CONNECT"
	case TagAcceptConnect:
		return "ACCEPT_CONNECT"
	case TagDisconnect:
		return "DISCONNECT"
	case TagData:
		return "DATA"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Packet is one decoded datagram.
type Packet struct {
	Tag     Tag
	Payload []byte // only used for TagData
}
