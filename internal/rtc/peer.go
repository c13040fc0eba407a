package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
)

// newPeerConnection creates a PeerConnection using the given STUN servers.
// No TURN: links are direct or they fail.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated DataChannel backing one session
// channel. Negotiated mode with ID = channel lets both sides create their
// channels independently of OnDataChannel.
//
// Reliable modes map to ordered, fully retransmitted channels; unreliable
// modes to unordered channels that never retransmit.
func newDataChannel(pc *webrtc.PeerConnection, channel int, mode protocol.Reliability) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(channel)
	init := &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	}

	if mode.IsReliable() {
		ordered := true
		init.Ordered = &ordered
	} else {
		ordered := false
		retransmits := uint16(0)
		init.Ordered = &ordered
		init.MaxRetransmits = &retransmits
	}

	return pc.CreateDataChannel(mode.String(), init)
}
