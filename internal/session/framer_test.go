package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
)

type recordedControl struct {
	tag  protocol.Tag
	from substrate.PeerID
}

type recordingDispatcher struct {
	controls []recordedControl
	data     []substrate.Packet
}

func (d *recordingDispatcher) handleControl(tag protocol.Tag, from substrate.PeerID) {
	d.controls = append(d.controls, recordedControl{tag, from})
}

func (d *recordingDispatcher) handleData(data []byte, from substrate.PeerID, channel int) {
	d.data = append(d.data, substrate.Packet{Data: data, From: from, Channel: channel})
}

func framerPair(t *testing.T) (*Framer, *substrate.MemEndpoint) {
	t.Helper()
	hub := substrate.NewHub()
	a := hub.Join(1)
	b := hub.Join(2)
	b.SetSessionRequestHandler(func(substrate.PeerID) bool { return true })
	return NewFramer(a, protocol.DefaultChannels()), b
}

func TestFramerSendControl(t *testing.T) {
	f, b := framerPair(t)
	if err := f.SendControl(2, protocol.TagAcceptConnect); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	raw, ok := b.ReadPacket(0)
	if !ok {
		t.Fatalf("no datagram on channel 0")
	}
	if !bytes.Equal(raw.Data, []byte{byte(protocol.TagAcceptConnect)}) {
		t.Errorf("wire bytes = %v", raw.Data)
	}
}

func TestFramerSendDataUsesChannel(t *testing.T) {
	f, b := framerPair(t)
	if err := f.SendData(2, []byte{0xAA}, 1); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if err := f.SendData(2, []byte{0xBB}, 5); err != nil {
		t.Fatalf("SendData clamped: %v", err)
	}

	for _, want := range []byte{0xAA, 0xBB} {
		raw, ok := b.ReadPacket(1)
		if !ok {
			t.Fatalf("missing datagram %#x on channel 1", want)
		}
		if !bytes.Equal(raw.Data, []byte{byte(protocol.TagData), want}) {
			t.Errorf("wire bytes = %v", raw.Data)
		}
	}
}

func TestFramerRejectsOversized(t *testing.T) {
	f, b := framerPair(t)
	err := f.SendData(2, make([]byte, protocol.MaxUnreliableSize+1), 1)
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("SendData = %v, want ErrPacketTooLarge", err)
	}
	if _, ok := b.ReadPacket(1); ok {
		t.Errorf("oversized datagram was sent")
	}
}

func TestFramerWrapsUnavailable(t *testing.T) {
	hub := substrate.NewHub()
	a := hub.Join(1)
	a.Close()
	f := NewFramer(a, protocol.DefaultChannels())

	err := f.SendControl(2, protocol.TagConnect)
	if !errors.Is(err, ErrSubstrateUnavailable) || !errors.Is(err, substrate.ErrUnavailable) {
		t.Fatalf("SendControl = %v, want both unavailable errors", err)
	}
}

func TestFramerPollDispatches(t *testing.T) {
	hub := substrate.NewHub()
	local := hub.Join(1)
	local.SetSessionRequestHandler(func(substrate.PeerID) bool { return true })
	remote := hub.Join(2)
	f := NewFramer(local, protocol.DefaultChannels())

	send := func(data []byte, channel int) {
		if err := remote.SendPacket(1, data, protocol.Reliable, channel); err != nil {
			t.Fatalf("SendPacket: %v", err)
		}
	}
	send(protocol.EncodeControl(protocol.TagConnect), 0)
	send(protocol.EncodeData([]byte("on one")), 1)
	send([]byte{0x7F, 0x00}, 0) // unknown tag
	send(nil, 0)                // empty
	send(protocol.EncodeData([]byte("on zero")), 0)

	d := &recordingDispatcher{}
	if n := f.Poll(d); n != 5 {
		t.Fatalf("Poll read %d datagrams, want 5", n)
	}
	if len(d.controls) != 1 || d.controls[0] != (recordedControl{protocol.TagConnect, 2}) {
		t.Errorf("controls = %v", d.controls)
	}
	if len(d.data) != 2 {
		t.Fatalf("data = %v", d.data)
	}
	// Channel 0 is drained before channel 1.
	if string(d.data[0].Data) != "on zero" || d.data[0].Channel != 0 {
		t.Errorf("data[0] = %q on %d", d.data[0].Data, d.data[0].Channel)
	}
	if string(d.data[1].Data) != "on one" || d.data[1].Channel != 1 {
		t.Errorf("data[1] = %q on %d", d.data[1].Data, d.data[1].Channel)
	}
	if n := f.Poll(d); n != 0 {
		t.Errorf("second Poll read %d datagrams", n)
	}
}
