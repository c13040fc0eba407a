package session

import (
	"container/heap"
	"sort"
	"time"

	"github.com/1ureka/peerlink/internal/substrate"
)

// record is one accepted connection.
type record struct {
	ID    int
	Peer  substrate.PeerID
	Since time.Time
}

// registry maps peers to connection IDs and back. IDs are dense: a new
// connection receives the lowest ID not currently in use.
// It is owned by the server loop and needs no locking.
type registry struct {
	byPeer map[substrate.PeerID]*record
	byID   map[int]*record
	free   idHeap // released IDs below next
	next   int    // lowest ID never handed out
}

func newRegistry() *registry {
	return &registry{
		byPeer: make(map[substrate.PeerID]*record),
		byID:   make(map[int]*record),
	}
}

// add creates a record for peer. The caller checks capacity and that peer
// is not registered yet.
func (r *registry) add(peer substrate.PeerID, now time.Time) *record {
	rec := &record{ID: r.allocate(), Peer: peer, Since: now}
	r.byPeer[peer] = rec
	r.byID[rec.ID] = rec
	return rec
}

func (r *registry) allocate() int {
	if r.free.Len() > 0 {
		return heap.Pop(&r.free).(int)
	}
	id := r.next
	r.next++
	return id
}

func (r *registry) release(id int) {
	heap.Push(&r.free, id)
}

func (r *registry) lookup(peer substrate.PeerID) (*record, bool) {
	rec, ok := r.byPeer[peer]
	return rec, ok
}

func (r *registry) get(id int) (*record, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// removePeer deletes the record of peer, if any, and frees its ID.
func (r *registry) removePeer(peer substrate.PeerID) (*record, bool) {
	rec, ok := r.byPeer[peer]
	if !ok {
		return nil, false
	}
	r.remove(rec)
	return rec, true
}

// removeID deletes the record with id, if any, and frees the ID.
func (r *registry) removeID(id int) (*record, bool) {
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	r.remove(rec)
	return rec, true
}

func (r *registry) remove(rec *record) {
	delete(r.byPeer, rec.Peer)
	delete(r.byID, rec.ID)
	r.release(rec.ID)
}

func (r *registry) len() int {
	return len(r.byID)
}

// records returns every record ordered by ID.
func (r *registry) records() []*record {
	out := make([]*record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// clear forgets everything, including released IDs.
func (r *registry) clear() {
	r.byPeer = make(map[substrate.PeerID]*record)
	r.byID = make(map[int]*record)
	r.free = nil
	r.next = 0
}

// ---------------------------------------------------------------------------
// idHeap implements a min-heap of released connection IDs.
// ---------------------------------------------------------------------------

type idHeap []int

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(int)) }

func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
