package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

const lingerPollInterval = 20 * time.Millisecond

var errLinkClosed = errors.New("rtc: link closed")

// linkHooks connects a link back to its endpoint. They are called from pion
// goroutines.
type linkHooks struct {
	onDatagram  func(l *link, channel int, data []byte)
	onCandidate func(l *link, candidate string)
	onLost      func(l *link)
}

// link wraps the PeerConnection to one remote peer and one pre-negotiated
// DataChannel per session channel.
//
// Its lifecycle is governed by the PeerConnection state and the context
// passed at construction time.
type link struct {
	peer    substrate.PeerID
	offerer bool

	pc      *webrtc.PeerConnection
	senders []*sender
	hooks   linkHooks

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	remoteSet  bool
	candidates []webrtc.ICECandidateInit // arrived before the remote description
	state      webrtc.PeerConnectionState

	closeOnce sync.Once
}

// newLink creates the PeerConnection and its DataChannels. The caller
// drives signaling through offer / answer / applyRemote / addCandidate.
func newLink(ctx context.Context, peer substrate.PeerID, offerer bool, stunServers []string, channels protocol.ChannelTable, hooks linkHooks) (*link, error) {
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}

	lCtx, lCancel := context.WithCancel(ctx)
	l := &link{
		peer:    peer,
		offerer: offerer,
		pc:      pc,
		hooks:   hooks,
		ctx:     lCtx,
		cancel:  lCancel,
		state:   webrtc.PeerConnectionStateNew,
	}

	for ch := 0; ch < channels.Len(); ch++ {
		dc, err := newDataChannel(pc, ch, channels.Mode(ch))
		if err != nil {
			l.close()
			return nil, fmt.Errorf("create DataChannel %d: %w", ch, err)
		}
		l.wireChannel(ch, dc)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		hooks.onCandidate(l, string(data))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[peer %s] PeerConnection state: %s", peer, state)
		l.mu.Lock()
		l.state = state
		l.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			hooks.onLost(l)
		}
	})

	return l, nil
}

func (l *link) wireChannel(ch int, dc *webrtc.DataChannel) {
	openSignal := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		util.LogDebug("[peer %s] DataChannel %d open", l.peer, ch)
		openOnce.Do(func() { close(openSignal) })
	})

	asm := &reassembler{}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data, ok, err := asm.feed(msg.Data)
		if err != nil {
			util.Stats.AddDropped()
			util.LogWarning("[peer %s] channel %d: %v", l.peer, ch, err)
		}
		if ok {
			l.hooks.onDatagram(l, ch, data)
		}
	})

	l.senders = append(l.senders, newSender(l.ctx, dc, openSignal))
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// offer creates and applies the local offer, returning its SDP.
func (l *link) offer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("CreateOffer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("SetLocalDescription: %w", err)
	}
	return offer.SDP, nil
}

// answer applies the remote offer and returns the SDP of the local answer.
func (l *link) answer(offerSDP string) (string, error) {
	if err := l.applyRemote(webrtc.SDPTypeOffer, offerSDP); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("SetLocalDescription: %w", err)
	}
	return answer.SDP, nil
}

// applyRemote sets the remote description and flushes buffered candidates.
func (l *link) applyRemote(typ webrtc.SDPType, sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.candidates
	l.candidates = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			util.LogDebug("[peer %s] AddICECandidate: %v", l.peer, err)
		}
	}
	return nil
}

// addCandidate adds a remote ICE candidate, holding it back until the
// remote description is known.
func (l *link) addCandidate(raw string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.candidates = append(l.candidates, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(init)
}

// awaitingAnswer reports whether this is an offering link that has not
// heard back yet.
func (l *link) awaitingAnswer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offerer && !l.remoteSet
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// send queues the frames of one datagram on channel.
func (l *link) send(channel int, frames [][]byte) error {
	if l.ctx.Err() != nil {
		return errLinkClosed
	}
	if channel < 0 || channel >= len(l.senders) {
		return fmt.Errorf("rtc: channel %d not configured", channel)
	}
	return l.senders[channel].send(frames)
}

// idle reports whether every sender has flushed.
func (l *link) idle() bool {
	for _, s := range l.senders {
		if !s.idle() {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// closeAfterFlush waits until queued datagrams left the SCTP buffers, or
// linger elapsed, then closes the link. It does not block the caller.
func (l *link) closeAfterFlush(linger time.Duration) {
	go func() {
		deadline := time.NewTimer(linger)
		defer deadline.Stop()
		ticker := time.NewTicker(lingerPollInterval)
		defer ticker.Stop()

		for !l.idle() {
			select {
			case <-ticker.C:
			case <-deadline.C:
				util.LogDebug("[peer %s] closing link with unsent data", l.peer)
				l.close()
				return
			case <-l.ctx.Done():
				l.close()
				return
			}
		}
		l.close()
	}()
}

// close shuts down the senders and the PeerConnection.
func (l *link) close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.pc.Close()
	})
	return err
}

// connectionState returns the last observed PeerConnection state.
func (l *link) connectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
