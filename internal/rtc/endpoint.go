// Package rtc implements the session substrate over WebRTC. Each remote
// peer gets one PeerConnection carrying one pre-negotiated DataChannel per
// configured channel; offers and ICE candidates travel through the
// signaling server.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

// DefaultLinger bounds how long CloseSession keeps a link open to flush
// datagrams queued right before it, such as a DISCONNECT.
const DefaultLinger = 2 * time.Second

// Options configures an Endpoint.
type Options struct {
	ID          substrate.PeerID
	SignalURL   string
	STUNServers []string
	Channels    protocol.ChannelTable
	Linger      time.Duration
}

// request is an offer from a peer we have no session with yet.
type request struct {
	peer       substrate.PeerID
	sdp        string
	candidates []string
}

// Endpoint implements substrate.Substrate on top of pion/webrtc.
//
// A session with a peer exists while a link to it exists. Sending to a peer
// without one opens a link as the offerer; an offer from an unknown peer is
// held as a session request until the next ReadPacket asks the handler.
type Endpoint struct {
	id       substrate.PeerID
	sig      *signaling.Client
	stun     []string
	channels protocol.ChannelTable
	linger   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	handler  func(substrate.PeerID) bool
	links    map[substrate.PeerID]*link
	requests []*request
	queues   map[int][]substrate.Packet
}

var _ substrate.Substrate = (*Endpoint)(nil)

// Dial registers with the signaling server and returns a ready endpoint.
func Dial(ctx context.Context, opts Options) (*Endpoint, error) {
	if opts.Channels.Len() == 0 {
		opts.Channels = protocol.DefaultChannels()
	}
	if !opts.Channels.Mode(0).IsReliable() {
		return nil, fmt.Errorf("rtc: channel 0 must be reliable, got %s", opts.Channels.Mode(0))
	}
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}

	sig, err := signaling.Connect(ctx, opts.SignalURL, opts.ID)
	if err != nil {
		return nil, err
	}

	eCtx, eCancel := context.WithCancel(context.Background())
	e := &Endpoint{
		id:       opts.ID,
		sig:      sig,
		stun:     opts.STUNServers,
		channels: opts.Channels,
		linger:   opts.Linger,
		ctx:      eCtx,
		cancel:   eCancel,
		done:     make(chan struct{}),
		links:    make(map[substrate.PeerID]*link),
		queues:   make(map[int][]substrate.Packet),
	}
	go e.watch()

	util.LogInfo("Registered as %s on %s", opts.ID, opts.SignalURL)
	return e, nil
}

// LocalID returns the identifier registered with the signaling server.
func (e *Endpoint) LocalID() substrate.PeerID { return e.id }

// Available reports whether the endpoint is open.
func (e *Endpoint) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// SendPacket queues data for peer on channel, opening a link if needed.
// Datagrams sent before the link is up wait for it to open.
func (e *Endpoint) SendPacket(peer substrate.PeerID, data []byte, mode protocol.Reliability, channel int) error {
	if channel < 0 || channel >= e.channels.Len() {
		return fmt.Errorf("rtc: channel %d not configured", channel)
	}
	if mode.IsReliable() != e.channels.Mode(channel).IsReliable() {
		util.LogDebug("[peer %s] %s datagram on %s channel %d", peer, mode, e.channels.Mode(channel), channel)
	}
	frames, err := fragment(data, e.channels.Mode(channel).IsReliable())
	if err != nil {
		return err
	}

	l, err := e.linkFor(peer)
	if err != nil {
		return err
	}
	if err := l.send(channel, frames); err != nil {
		util.Stats.AddDropped()
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

// ReadPacket first settles pending session requests, then pops the oldest
// datagram received on channel.
func (e *Endpoint) ReadPacket(channel int) (substrate.Packet, bool) {
	e.settleRequests()

	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[channel]
	if len(q) == 0 {
		return substrate.Packet{}, false
	}
	pkt := q[0]
	q[0] = substrate.Packet{}
	e.queues[channel] = q[1:]
	return pkt, true
}

// SetSessionRequestHandler registers the accept/reject decision.
// Without a handler every request is refused.
func (e *Endpoint) SetSessionRequestHandler(fn func(substrate.PeerID) bool) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// CloseSession drops the link to peer after flushing what is queued on it,
// and discards anything received from it but not read yet.
func (e *Endpoint) CloseSession(peer substrate.PeerID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return substrate.ErrUnavailable
	}
	l := e.links[peer]
	delete(e.links, peer)
	e.dropRequestLocked(peer)
	e.dropQueuedLocked(peer)
	e.mu.Unlock()

	if l != nil {
		l.closeAfterFlush(e.linger)
	}
	return nil
}

// Links returns the connection state of every open link.
func (e *Endpoint) Links() map[substrate.PeerID]webrtc.PeerConnectionState {
	e.mu.Lock()
	links := make([]*link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	out := make(map[substrate.PeerID]webrtc.PeerConnectionState, len(links))
	for _, l := range links {
		out[l.peer] = l.connectionState()
	}
	return out
}

// Close tears down every link and leaves the signaling server.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	links := e.links
	e.links = make(map[substrate.PeerID]*link)
	e.requests = nil
	e.queues = make(map[int][]substrate.Packet)
	e.mu.Unlock()

	var errs []error
	for _, l := range links {
		errs = append(errs, l.close())
	}
	e.cancel()
	errs = append(errs, e.sig.Close())
	<-e.done
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Links
// ---------------------------------------------------------------------------

func (e *Endpoint) hooks() linkHooks {
	return linkHooks{
		onDatagram:  e.deliver,
		onCandidate: e.sendCandidate,
		onLost:      e.linkLost,
	}
}

// linkFor returns the link to peer, creating it if there is none. A pending
// request from peer is accepted on the spot.
func (e *Endpoint) linkFor(peer substrate.PeerID) (*link, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, substrate.ErrUnavailable
	}
	if l, ok := e.links[peer]; ok {
		e.mu.Unlock()
		return l, nil
	}
	req := e.takeRequestLocked(peer)
	e.mu.Unlock()

	if req != nil {
		return e.acceptRequest(req)
	}
	return e.openLink(peer)
}

// openLink creates a link as the offerer and sends the offer.
func (e *Endpoint) openLink(peer substrate.PeerID) (*link, error) {
	l, err := newLink(e.ctx, peer, true, e.stun, e.channels, e.hooks())
	if err != nil {
		return nil, err
	}
	if existing, ok := e.install(l); !ok {
		l.close()
		return existing, nil
	}

	sdp, err := l.offer()
	if err == nil {
		err = e.sig.Send(signaling.Message{Type: signaling.MsgTypeOffer, To: peer, SDP: sdp})
	}
	if err != nil {
		e.removeLink(l)
		return nil, fmt.Errorf("offer to %s: %w", peer, err)
	}
	util.LogDebug("[peer %s] offer sent", peer)
	return l, nil
}

// acceptRequest creates a link as the answerer for req.
func (e *Endpoint) acceptRequest(req *request) (*link, error) {
	l, err := newLink(e.ctx, req.peer, false, e.stun, e.channels, e.hooks())
	if err != nil {
		return nil, err
	}
	if existing, ok := e.install(l); !ok {
		l.close()
		return existing, nil
	}

	sdp, err := l.answer(req.sdp)
	if err == nil {
		err = e.sig.Send(signaling.Message{Type: signaling.MsgTypeAnswer, To: req.peer, SDP: sdp})
	}
	if err != nil {
		e.removeLink(l)
		return nil, fmt.Errorf("answer to %s: %w", req.peer, err)
	}
	for _, c := range req.candidates {
		if err := l.addCandidate(c); err != nil {
			util.LogDebug("[peer %s] %v", req.peer, err)
		}
	}
	util.LogDebug("[peer %s] answer sent", req.peer)
	return l, nil
}

// install registers l unless another link to the same peer won the race.
func (e *Endpoint) install(l *link) (*link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	if existing, ok := e.links[l.peer]; ok {
		return existing, false
	}
	e.links[l.peer] = l
	return l, true
}

func (e *Endpoint) removeLink(l *link) {
	e.mu.Lock()
	if e.links[l.peer] == l {
		delete(e.links, l.peer)
	}
	e.mu.Unlock()
	l.close()
}

func (e *Endpoint) current(l *link) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[l.peer] == l
}

func (e *Endpoint) deliver(l *link, channel int, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.links[l.peer] != l {
		return
	}
	e.queues[channel] = append(e.queues[channel], substrate.Packet{Data: data, From: l.peer, Channel: channel})
}

func (e *Endpoint) sendCandidate(l *link, candidate string) {
	if !e.current(l) {
		return
	}
	msg := signaling.Message{Type: signaling.MsgTypeCandidate, To: l.peer, Candidate: candidate}
	if err := e.sig.Send(msg); err != nil {
		util.LogDebug("[peer %s] send candidate: %v", l.peer, err)
	}
}

func (e *Endpoint) linkLost(l *link) {
	e.mu.Lock()
	lost := e.links[l.peer] == l
	if lost {
		delete(e.links, l.peer)
	}
	e.mu.Unlock()

	if lost {
		util.LogWarning("[peer %s] link lost", l.peer)
	}
	go l.close()
}

// ---------------------------------------------------------------------------
// Session requests
// ---------------------------------------------------------------------------

func (e *Endpoint) settleRequests() {
	e.mu.Lock()
	requests := e.requests
	e.requests = nil
	handler := e.handler
	e.mu.Unlock()

	for _, req := range requests {
		if handler != nil && handler(req.peer) {
			if _, err := e.acceptRequest(req); err != nil {
				util.LogError("[peer %s] accept session: %v", req.peer, err)
			}
			continue
		}
		msg := signaling.Message{Type: signaling.MsgTypeBye, To: req.peer, Reason: "session refused"}
		if err := e.sig.Send(msg); err != nil {
			util.LogDebug("[peer %s] send bye: %v", req.peer, err)
		}
	}
}

func (e *Endpoint) takeRequestLocked(peer substrate.PeerID) *request {
	for i, req := range e.requests {
		if req.peer == peer {
			e.requests = append(e.requests[:i], e.requests[i+1:]...)
			return req
		}
	}
	return nil
}

func (e *Endpoint) dropRequestLocked(peer substrate.PeerID) {
	e.takeRequestLocked(peer)
}

func (e *Endpoint) dropQueuedLocked(peer substrate.PeerID) {
	for ch, q := range e.queues {
		kept := q[:0]
		for _, pkt := range q {
			if pkt.From != peer {
				kept = append(kept, pkt)
			}
		}
		e.queues[ch] = kept
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// watch reads signaling messages until the client is closed.
func (e *Endpoint) watch() {
	defer close(e.done)
	for {
		msg, err := e.sig.Recv()
		if err != nil {
			if e.ctx.Err() == nil {
				util.LogError("Signaling connection lost: %v", err)
			}
			return
		}
		e.handleSignal(msg)
	}
}

func (e *Endpoint) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.MsgTypeOffer:
		e.handleOffer(msg)

	case signaling.MsgTypeAnswer:
		e.mu.Lock()
		l := e.links[msg.From]
		e.mu.Unlock()
		if l == nil || !l.awaitingAnswer() {
			util.LogDebug("[peer %s] unexpected answer", msg.From)
			return
		}
		if err := l.applyRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
			util.LogError("[peer %s] %v", msg.From, err)
			e.removeLink(l)
		}

	case signaling.MsgTypeCandidate:
		e.mu.Lock()
		l := e.links[msg.From]
		if l == nil {
			for _, req := range e.requests {
				if req.peer == msg.From {
					req.candidates = append(req.candidates, msg.Candidate)
				}
			}
		}
		e.mu.Unlock()
		if l != nil {
			if err := l.addCandidate(msg.Candidate); err != nil {
				util.LogDebug("[peer %s] %v", msg.From, err)
			}
		}

	case signaling.MsgTypeBye, signaling.MsgTypeError:
		util.LogDebug("[peer %s] %s: %s", msg.From, msg.Type, msg.Reason)
		e.mu.Lock()
		l := e.links[msg.From]
		e.mu.Unlock()
		if l != nil && l.awaitingAnswer() {
			e.removeLink(l)
		}

	default:
		util.LogDebug("[peer %s] unknown signaling message %q", msg.From, msg.Type)
	}
}

// handleOffer queues an offer as a session request. When both sides
// offered at once, the higher PeerID keeps its offer and the lower one
// yields; datagrams queued on the yielding link are lost.
func (e *Endpoint) handleOffer(msg signaling.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if l, ok := e.links[msg.From]; ok {
		if l.awaitingAnswer() && e.id > msg.From {
			util.LogDebug("[peer %s] offer collision, keeping ours", msg.From)
			return
		}
		// The remote restarted or yielded: its new offer replaces the link.
		delete(e.links, msg.From)
		go l.close()
	}

	req := &request{peer: msg.From, sdp: msg.SDP}
	for i, old := range e.requests {
		if old.peer == msg.From {
			e.requests[i] = req
			return
		}
	}
	e.requests = append(e.requests, req)
}
