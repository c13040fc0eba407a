package protocol

import (
	"fmt"
	"strings"
)

// Reliability is the delivery guarantee of one channel.
type Reliability int

const (
	Unreliable Reliability = iota
	UnreliableNoDelay
	Reliable
	ReliableWithBuffering
)

// Payload ceilings per delivery mode.
const (
	MaxUnreliableSize = 1200
	MaxReliableSize   = 1024 * 1024
)

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableNoDelay:
		return "unreliable_nodelay"
	case Reliable:
		return "reliable"
	case ReliableWithBuffering:
		return "reliable_buffered"
	default:
		return fmt.Sprintf("Reliability(%d)", int(r))
	}
}

// IsReliable reports whether the mode retransmits and preserves order.
func (r Reliability) IsReliable() bool {
	return r == Reliable || r == ReliableWithBuffering
}

// MaxPacketSize returns the largest payload the mode can carry.
func (r Reliability) MaxPacketSize() int {
	if r.IsReliable() {
		return MaxReliableSize
	}
	return MaxUnreliableSize
}

// ParseReliability maps a config name onto a mode.
func ParseReliability(name string) (Reliability, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "unreliable":
		return Unreliable, nil
	case "unreliable_nodelay", "unreliable-nodelay":
		return UnreliableNoDelay, nil
	case "reliable":
		return Reliable, nil
	case "reliable_buffered", "reliable-buffered", "reliable_with_buffering":
		return ReliableWithBuffering, nil
	default:
		return 0, fmt.Errorf("unknown reliability mode %q", name)
	}
}

// ChannelTable is the ordered channel -> reliability mapping fixed at
// configuration time. Channel 0 is conventionally reliable.
type ChannelTable []Reliability

// DefaultChannels is {Reliable, Unreliable}.
func DefaultChannels() ChannelTable {
	return ChannelTable{Reliable, Unreliable}
}

// ParseChannels builds a table from config names.
func ParseChannels(names []string) (ChannelTable, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no channel configured")
	}
	table := make(ChannelTable, 0, len(names))
	for i, name := range names {
		mode, err := ParseReliability(name)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		table = append(table, mode)
	}
	return table, nil
}

// Len returns the number of configured channels.
func (t ChannelTable) Len() int { return len(t) }

// Clamp maps any channel index onto a configured one: negatives become 0 and
// indexes past the end become the last channel.
func (t ChannelTable) Clamp(channel int) int {
	if channel < 0 || len(t) == 0 {
		return 0
	}
	if channel >= len(t) {
		return len(t) - 1
	}
	return channel
}

// Mode returns the reliability of channel after clamping.
func (t ChannelTable) Mode(channel int) Reliability {
	if len(t) == 0 {
		return Reliable
	}
	return t[t.Clamp(channel)]
}

// MaxPacketSize returns the payload ceiling of channel after clamping.
func (t ChannelTable) MaxPacketSize(channel int) int {
	return t.Mode(channel).MaxPacketSize()
}
