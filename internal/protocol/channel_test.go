package protocol_test

import (
	"testing"

	"github.com/1ureka/peerlink/internal/protocol"
)

func TestChannelTableMaxPacketSize(t *testing.T) {
	table := protocol.ChannelTable{protocol.Reliable, protocol.Unreliable, protocol.UnreliableNoDelay, protocol.ReliableWithBuffering}

	testCases := []struct {
		channel int
		want    int
	}{
		{0, protocol.MaxReliableSize},
		{1, protocol.MaxUnreliableSize},
		{2, protocol.MaxUnreliableSize},
		{3, protocol.MaxReliableSize},
		{-1, protocol.MaxReliableSize}, // clamped to 0
		{99, protocol.MaxReliableSize}, // clamped to 3
	}

	for _, tc := range testCases {
		if got := table.MaxPacketSize(tc.channel); got != tc.want {
			t.Errorf("MaxPacketSize(%d) = %d, want %d", tc.channel, got, tc.want)
		}
	}
}

func TestChannelTableClamp(t *testing.T) {
	table := protocol.DefaultChannels()
	if got := table.Clamp(5); got != 1 {
		t.Errorf("Clamp(5) = %d, want 1", got)
	}
	if got := table.Clamp(-3); got != 0 {
		t.Errorf("Clamp(-3) = %d, want 0", got)
	}
	if got := table.Mode(1); got != protocol.Unreliable {
		t.Errorf("Mode(1) = %v, want unreliable", got)
	}
}

func TestParseChannels(t *testing.T) {
	table, err := protocol.ParseChannels([]string{"reliable", " Unreliable ", "reliable_buffered"})
	if err != nil {
		t.Fatalf("ParseChannels: %v", err)
	}
	want := protocol.ChannelTable{protocol.Reliable, protocol.Unreliable, protocol.ReliableWithBuffering}
	if len(table) != len(want) {
		t.Fatalf("len = %d, want %d", len(table), len(want))
	}
	for i := range want {
		if table[i] != want[i] {
			t.Errorf("channel %d = %v, want %v", i, table[i], want[i])
		}
	}

	if _, err := protocol.ParseChannels(nil); err == nil {
		t.Error("expected error for empty channel list")
	}
	if _, err := protocol.ParseChannels([]string{"carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}
