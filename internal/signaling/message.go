// Package signaling is the rendezvous service peers use to exchange SDP
// offers, answers and ICE candidates before a direct WebRTC link exists.
//
// Every peer keeps one WebSocket open to the server, registered under its
// PeerID. The server stamps each message with the sender's ID and relays it
// to the peer named in To.
package signaling

import "github.com/1ureka/peerlink/internal/substrate"

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
	MsgTypeBye       MessageType = "bye"   // session refused or torn down
	MsgTypeError     MessageType = "error" // sent by the server only
)

// Message is the JSON structure exchanged over the WebSocket.
// Peer IDs travel as decimal strings so 64-bit values survive JSON parsers
// that use doubles.
type Message struct {
	Type      MessageType      `json:"type"`
	From      substrate.PeerID `json:"from,string"`
	To        substrate.PeerID `json:"to,string"`
	SDP       string           `json:"sdp,omitempty"`
	Candidate string           `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Reason    string           `json:"reason,omitempty"`
}
