package rtc

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256        // queued datagrams per channel
)

var errSendBufferFull = errors.New("rtc: send buffer full")

// sender is a goroutine-based writer that serializes all writes to a single
// DataChannel, adding open-gate and backpressure control. Callers never
// block: the session loop must keep polling while a link is congested.
type sender struct {
	dc          *webrtc.DataChannel
	inbox       chan [][]byte
	drainSignal chan struct{}
	queued      atomic.Int64 // datagrams accepted but not yet handed to the channel
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		dc:          dc,
		inbox:       make(chan [][]byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, openSignal)

	return s
}

// loop waits for the DataChannel to open, then drains the inbox with
// backpressure awareness.
func (s *sender) loop(ctx context.Context, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case frames := <-s.inbox:
			s.write(ctx, frames)
			s.queued.Add(-1)
		case <-ctx.Done():
			return
		}
	}
}

func (s *sender) write(ctx context.Context, frames [][]byte) {
	for _, f := range frames {
		if s.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-s.drainSignal:
			case <-ctx.Done():
				return
			}
		}
		if err := s.dc.Send(f); err != nil {
			util.Stats.AddDropped()
			util.LogError("[%s] failed to send frame: %v", s.dc.Label(), err)
			return
		}
	}
}

// send enqueues the frames of one datagram.
func (s *sender) send(frames [][]byte) error {
	s.queued.Add(1)
	select {
	case s.inbox <- frames:
		return nil
	default:
		s.queued.Add(-1)
		return errSendBufferFull
	}
}

// idle reports whether everything queued has left the SCTP buffer.
func (s *sender) idle() bool {
	return s.queued.Load() == 0 && s.dc.BufferedAmount() == 0
}
