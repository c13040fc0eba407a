package rtc

import (
	"errors"
	"fmt"

	"github.com/1ureka/peerlink/internal/protocol"
)

// Every DataChannel message starts with one frame byte. Reliable datagrams
// larger than one SCTP message are split into frameMore... frameLast runs;
// ordered delivery on reliable channels keeps the run contiguous.
const (
	frameWhole byte = 0
	frameMore  byte = 1
	frameLast  byte = 2

	maxFrameSize = 16 * 1024
	maxChunkSize = maxFrameSize - 1

	// maxDatagramSize bounds reassembly: the largest session payload plus
	// its tag byte.
	maxDatagramSize = protocol.MaxReliableSize + protocol.HeaderSize
)

var errBadFrame = errors.New("rtc: malformed frame")

// fragment splits data into frames. Unreliable datagrams must fit in one.
func fragment(data []byte, reliable bool) ([][]byte, error) {
	if len(data) <= maxChunkSize {
		return [][]byte{frame(frameWhole, data)}, nil
	}
	if !reliable {
		return nil, fmt.Errorf("unreliable datagram of %d bytes exceeds %d", len(data), maxChunkSize)
	}
	if len(data) > maxDatagramSize {
		return nil, fmt.Errorf("datagram of %d bytes exceeds %d", len(data), maxDatagramSize)
	}

	frames := make([][]byte, 0, (len(data)+maxChunkSize-1)/maxChunkSize)
	for len(data) > 0 {
		n := min(len(data), maxChunkSize)
		flag := frameMore
		if n == len(data) {
			flag = frameLast
		}
		frames = append(frames, frame(flag, data[:n]))
		data = data[n:]
	}
	return frames, nil
}

func frame(flag byte, chunk []byte) []byte {
	buf := make([]byte, 1+len(chunk))
	buf[0] = flag
	copy(buf[1:], chunk)
	return buf
}

// reassembler rebuilds datagrams from the frames of one channel. It is fed
// from that channel's message callback only and needs no locking.
type reassembler struct {
	buf     []byte
	partial bool
}

// feed consumes one frame. It returns the datagram once complete.
// A malformed frame or an interrupted run discards what was buffered.
func (r *reassembler) feed(msg []byte) ([]byte, bool, error) {
	if len(msg) == 0 {
		r.reset()
		return nil, false, errBadFrame
	}
	flag, chunk := msg[0], msg[1:]

	switch flag {
	case frameWhole:
		interrupted := r.partial
		r.reset()
		out := make([]byte, len(chunk))
		copy(out, chunk)
		if interrupted {
			return out, true, fmt.Errorf("%w: run interrupted by a whole frame", errBadFrame)
		}
		return out, true, nil

	case frameMore, frameLast:
		if len(r.buf)+len(chunk) > maxDatagramSize {
			r.reset()
			return nil, false, fmt.Errorf("%w: reassembled datagram exceeds %d bytes", errBadFrame, maxDatagramSize)
		}
		r.buf = append(r.buf, chunk...)
		r.partial = true
		if flag == frameMore {
			return nil, false, nil
		}
		out := r.buf
		r.buf = nil
		r.partial = false
		return out, true, nil

	default:
		r.reset()
		return nil, false, fmt.Errorf("%w: unknown flag %#x", errBadFrame, flag)
	}
}

func (r *reassembler) reset() {
	r.buf = nil
	r.partial = false
}
