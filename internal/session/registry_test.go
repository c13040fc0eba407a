package session

import (
	"testing"
	"time"

	"github.com/1ureka/peerlink/internal/substrate"
)

func TestRegistryAllocatesLowestFreeID(t *testing.T) {
	r := newRegistry()
	now := time.Now()

	for i := 0; i < 4; i++ {
		if rec := r.add(substrate.PeerID(100+i), now); rec.ID != i {
			t.Fatalf("add #%d got id %d", i, rec.ID)
		}
	}

	r.removeID(2)
	r.removePeer(100)

	testCases := []struct {
		peer substrate.PeerID
		want int
	}{
		{200, 0},
		{201, 2},
		{202, 4},
	}
	for _, tc := range testCases {
		if rec := r.add(tc.peer, now); rec.ID != tc.want {
			t.Errorf("add(%s) got id %d, want %d", tc.peer, rec.ID, tc.want)
		}
	}
	if r.len() != 5 {
		t.Errorf("len() = %d, want 5", r.len())
	}
}

func TestRegistryLookups(t *testing.T) {
	r := newRegistry()
	rec := r.add(42, time.Now())

	if got, ok := r.lookup(42); !ok || got != rec {
		t.Fatalf("lookup(42) = %v, %v", got, ok)
	}
	if got, ok := r.get(rec.ID); !ok || got.Peer != 42 {
		t.Fatalf("get(%d) = %v, %v", rec.ID, got, ok)
	}
	if _, ok := r.lookup(43); ok {
		t.Errorf("lookup(43) found a record")
	}

	if _, ok := r.removePeer(43); ok {
		t.Errorf("removePeer(43) removed something")
	}
	if _, ok := r.removeID(9); ok {
		t.Errorf("removeID(9) removed something")
	}
	if _, ok := r.removePeer(42); !ok {
		t.Fatalf("removePeer(42) failed")
	}
	if _, ok := r.get(rec.ID); ok {
		t.Errorf("id %d still present after removal", rec.ID)
	}
}

func TestRegistryRecordsOrderedAndClear(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	for _, peer := range []substrate.PeerID{7, 3, 9} {
		r.add(peer, now)
	}
	r.removeID(0)
	r.add(11, now)

	recs := r.records()
	for i, rec := range recs {
		if rec.ID != i {
			t.Fatalf("records()[%d].ID = %d", i, rec.ID)
		}
	}
	if recs[0].Peer != 11 {
		t.Errorf("records()[0].Peer = %s, want 11", recs[0].Peer)
	}

	r.clear()
	if r.len() != 0 {
		t.Fatalf("len() = %d after clear", r.len())
	}
	if rec := r.add(5, now); rec.ID != 0 {
		t.Errorf("first id after clear = %d, want 0", rec.ID)
	}
}
