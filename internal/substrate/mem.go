package substrate

import (
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
)

// Filter decides whether a datagram travelling through a Hub is delivered.
// Returning false drops it, which lets tests simulate loss.
type Filter func(from, to PeerID, data []byte, channel int) bool

// Hub is an in-process network linking any number of MemEndpoints.
// Datagrams are delivered immediately and in order; unreliable channels are
// not degraded unless a Filter says so.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[PeerID]*MemEndpoint
	filter    Filter
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[PeerID]*MemEndpoint)}
}

// SetFilter installs (or clears, with nil) the delivery filter.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Join attaches a new endpoint with the given identifier. Joining with an
// identifier already in use replaces the previous endpoint.
func (h *Hub) Join(id PeerID) *MemEndpoint {
	e := &MemEndpoint{
		hub:      h,
		id:       id,
		sessions: make(map[PeerID]bool),
		pending:  make(map[PeerID][]Packet),
		queues:   make(map[int][]Packet),
	}
	h.mu.Lock()
	h.endpoints[id] = e
	h.mu.Unlock()
	return e
}

func (h *Hub) route(from, to PeerID, data []byte, channel int) {
	h.mu.RLock()
	target, ok := h.endpoints[to]
	filter := h.filter
	h.mu.RUnlock()

	if !ok {
		return
	}
	if filter != nil && !filter(from, to, data, channel) {
		return
	}
	target.deliver(Packet{Data: data, From: from, Channel: channel})
}

func (h *Hub) leave(e *MemEndpoint) {
	h.mu.Lock()
	if h.endpoints[e.id] == e {
		delete(h.endpoints, e.id)
	}
	h.mu.Unlock()
}

// MemEndpoint is one peer attached to a Hub. It implements Substrate.
type MemEndpoint struct {
	hub *Hub
	id  PeerID

	mu       sync.Mutex
	closed   bool
	handler  func(PeerID) bool
	sessions map[PeerID]bool     // accepted sessions
	pending  map[PeerID][]Packet // buffered until the request is decided
	requests []PeerID            // undecided requests, arrival order
	queues   map[int][]Packet
}

var _ Substrate = (*MemEndpoint)(nil)

// LocalID returns the endpoint's identifier.
func (e *MemEndpoint) LocalID() PeerID { return e.id }

// Available reports whether the endpoint is still attached.
func (e *MemEndpoint) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// SendPacket copies data and hands it to the hub. Sending to an unknown peer
// silently drops the datagram, like any connectionless network would.
func (e *MemEndpoint) SendPacket(peer PeerID, data []byte, _ protocol.Reliability, channel int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrUnavailable
	}
	e.sessions[peer] = true
	e.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	e.hub.route(e.id, peer, buf, channel)
	return nil
}

// ReadPacket first settles pending session requests, then pops the oldest
// datagram queued on channel.
func (e *MemEndpoint) ReadPacket(channel int) (Packet, bool) {
	e.settleRequests()

	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[channel]
	if len(q) == 0 {
		return Packet{}, false
	}
	pkt := q[0]
	q[0] = Packet{}
	e.queues[channel] = q[1:]
	return pkt, true
}

// SetSessionRequestHandler registers the accept/reject decision.
// Without a handler every request is rejected.
func (e *MemEndpoint) SetSessionRequestHandler(fn func(PeerID) bool) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// CloseSession forgets the session with peer and discards anything still
// queued from it.
func (e *MemEndpoint) CloseSession(peer PeerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrUnavailable
	}
	delete(e.sessions, peer)
	delete(e.pending, peer)
	for i, id := range e.requests {
		if id == peer {
			e.requests = append(e.requests[:i], e.requests[i+1:]...)
			break
		}
	}
	for ch, q := range e.queues {
		kept := q[:0]
		for _, pkt := range q {
			if pkt.From != peer {
				kept = append(kept, pkt)
			}
		}
		e.queues[ch] = kept
	}
	return nil
}

// HasSession reports whether a session with peer is currently accepted.
func (e *MemEndpoint) HasSession(peer PeerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[peer]
}

// Close detaches the endpoint from the hub. Safe to call multiple times.
func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queues = make(map[int][]Packet)
	e.pending = make(map[PeerID][]Packet)
	e.requests = nil
	e.mu.Unlock()

	e.hub.leave(e)
	return nil
}

func (e *MemEndpoint) deliver(pkt Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.sessions[pkt.From] {
		e.queues[pkt.Channel] = append(e.queues[pkt.Channel], pkt)
		return
	}
	if _, waiting := e.pending[pkt.From]; !waiting {
		e.requests = append(e.requests, pkt.From)
	}
	e.pending[pkt.From] = append(e.pending[pkt.From], pkt)
}

// settleRequests runs the handler outside the lock so it may inspect or
// mutate session state freely.
func (e *MemEndpoint) settleRequests() {
	e.mu.Lock()
	requests := e.requests
	e.requests = nil
	handler := e.handler
	e.mu.Unlock()

	for _, peer := range requests {
		accept := handler != nil && handler(peer)

		e.mu.Lock()
		buffered, still := e.pending[peer]
		delete(e.pending, peer)
		if accept && still && !e.closed {
			e.sessions[peer] = true
			for _, pkt := range buffered {
				e.queues[pkt.Channel] = append(e.queues[pkt.Channel], pkt)
			}
		}
		e.mu.Unlock()
	}
}
