package rtc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/1ureka/peerlink/internal/protocol"
)

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}

func TestFragmentRoundTrip(t *testing.T) {
	testCases := []struct {
		name       string
		size       int
		wantFrames int
	}{
		{"empty", 0, 1},
		{"small", 12, 1},
		{"one chunk", maxChunkSize, 1},
		{"one over", maxChunkSize + 1, 2},
		{"many", 5*maxChunkSize + 3, 6},
		{"reliable max", protocol.MaxReliableSize + protocol.HeaderSize, (maxDatagramSize + maxChunkSize - 1) / maxChunkSize},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := pattern(tc.size)
			frames, err := fragment(data, true)
			if err != nil {
				t.Fatalf("fragment: %v", err)
			}
			if len(frames) != tc.wantFrames {
				t.Fatalf("got %d frames, want %d", len(frames), tc.wantFrames)
			}

			var r reassembler
			for i, f := range frames {
				if len(f) > maxFrameSize {
					t.Fatalf("frame %d is %d bytes", i, len(f))
				}
				out, ok, err := r.feed(f)
				if err != nil {
					t.Fatalf("feed frame %d: %v", i, err)
				}
				last := i == len(frames)-1
				if ok != last {
					t.Fatalf("frame %d: complete=%v", i, ok)
				}
				if last && !bytes.Equal(out, data) {
					t.Fatalf("reassembled %d bytes, mismatch", len(out))
				}
			}
		})
	}
}

func TestFragmentLimits(t *testing.T) {
	if _, err := fragment(pattern(maxChunkSize+1), false); err == nil {
		t.Errorf("oversized unreliable datagram accepted")
	}
	if _, err := fragment(pattern(maxDatagramSize+1), true); err == nil {
		t.Errorf("datagram over the reliable limit accepted")
	}
	frames, err := fragment(pattern(protocol.MaxUnreliableSize+1), false)
	if err != nil || len(frames) != 1 {
		t.Errorf("unreliable datagram: %d frames, err=%v", len(frames), err)
	}
}

func TestReassemblerRecovers(t *testing.T) {
	var r reassembler

	if _, _, err := r.feed(nil); !errors.Is(err, errBadFrame) {
		t.Errorf("empty frame: %v", err)
	}
	if _, _, err := r.feed([]byte{0x09, 1}); !errors.Is(err, errBadFrame) {
		t.Errorf("unknown flag: %v", err)
	}

	// A whole frame in the middle of a run is still delivered; the partial
	// run is discarded.
	if _, ok, _ := r.feed([]byte{frameMore, 1, 2}); ok {
		t.Fatalf("partial run completed")
	}
	out, ok, err := r.feed([]byte{frameWhole, 9})
	if !ok || !bytes.Equal(out, []byte{9}) || !errors.Is(err, errBadFrame) {
		t.Fatalf("interrupting frame: out=%v ok=%v err=%v", out, ok, err)
	}

	out, ok, err = r.feed([]byte{frameLast, 3})
	if err != nil || !ok || !bytes.Equal(out, []byte{3}) {
		t.Fatalf("fresh run: out=%v ok=%v err=%v", out, ok, err)
	}
}

func TestReassemblerBoundsRun(t *testing.T) {
	var r reassembler
	chunk := append([]byte{frameMore}, pattern(maxChunkSize)...)

	var err error
	for i := 0; i <= maxDatagramSize/maxChunkSize+1 && err == nil; i++ {
		_, _, err = r.feed(chunk)
	}
	if !errors.Is(err, errBadFrame) {
		t.Fatalf("unbounded run accepted: %v", err)
	}
	if r.partial || r.buf != nil {
		t.Errorf("buffer kept after overflow")
	}
}
