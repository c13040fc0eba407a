package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

// dispatcher receives decoded datagrams from Framer.Poll.
type dispatcher interface {
	handleControl(tag protocol.Tag, from substrate.PeerID)
	handleData(data []byte, from substrate.PeerID, channel int)
}

// Framer tags outgoing datagrams and demultiplexes incoming ones.
type Framer struct {
	sub      substrate.Substrate
	channels protocol.ChannelTable
}

// NewFramer binds a framer to a substrate and a channel table.
func NewFramer(sub substrate.Substrate, channels protocol.ChannelTable) *Framer {
	return &Framer{sub: sub, channels: channels}
}

// MaxPacketSize returns the payload ceiling of channel.
func (f *Framer) MaxPacketSize(channel int) int {
	return f.channels.MaxPacketSize(channel)
}

// SendControl emits a single-byte control datagram on the reliable path
// (channel 0).
func (f *Framer) SendControl(peer substrate.PeerID, tag protocol.Tag) error {
	if err := f.sub.SendPacket(peer, protocol.EncodeControl(tag), protocol.Reliable, 0); err != nil {
		return wrapSubstrateErr(fmt.Sprintf("send %s to %s", tag, peer), err)
	}
	return nil
}

// SendData emits a DATA datagram using the delivery mode configured for
// channel.
func (f *Framer) SendData(peer substrate.PeerID, data []byte, channel int) error {
	ch := f.channels.Clamp(channel)
	if limit := f.channels.MaxPacketSize(ch); len(data) > limit {
		return fmt.Errorf("%w: %d bytes on channel %d (max %d)", ErrPacketTooLarge, len(data), ch, limit)
	}
	if err := f.sub.SendPacket(peer, protocol.EncodeData(data), f.channels.Mode(ch), ch); err != nil {
		return wrapSubstrateErr(fmt.Sprintf("send DATA to %s", peer), err)
	}
	util.Stats.AddSent(len(data))
	return nil
}

// Poll drains every configured channel, in channel order and arrival order
// within a channel, and hands each datagram to d. It returns the number of
// datagrams read.
func (f *Framer) Poll(d dispatcher) int {
	n := 0
	for ch := 0; ch < f.channels.Len(); ch++ {
		for {
			raw, ok := f.sub.ReadPacket(ch)
			if !ok {
				break
			}
			n++
			f.dispatch(d, raw)
		}
	}
	return n
}

func (f *Framer) dispatch(d dispatcher, raw substrate.Packet) {
	pkt, err := protocol.Decode(raw.Data)
	if err != nil {
		util.Stats.AddDropped()
		util.LogWarning("[peer %s] dropping datagram on channel %d: %v", raw.From, raw.Channel, err)
		return
	}
	if pkt.Tag.IsControl() {
		util.LogDebug("[peer %s] received %s", raw.From, pkt.Tag)
		d.handleControl(pkt.Tag, raw.From)
		return
	}
	util.Stats.AddRecv(len(pkt.Payload))
	d.handleData(pkt.Payload, raw.From, raw.Channel)
}

func wrapSubstrateErr(op string, err error) error {
	if errors.Is(err, substrate.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrSubstrateUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
