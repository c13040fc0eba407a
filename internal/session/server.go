package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

// ServerEvents are the callbacks a Server reports to. Any of them may be nil.
type ServerEvents struct {
	OnConnected    func(id int)
	OnDisconnected func(id int)
	OnData         func(id int, data []byte, channel int)
	OnError        func(id int, err error)
}

// SendReport is the per-target outcome of Server.SendTo.
type SendReport struct {
	Sent   []int
	Failed map[int]error
}

// OK reports whether every target was sent to.
func (r SendReport) OK() bool {
	return len(r.Failed) == 0
}

// Server accepts up to MaxConnections peers and assigns each a connection ID.
// Like Client, its methods must not be called from the loop goroutine; event
// handlers may call them.
type Server struct {
	sub     substrate.Substrate
	framer  *Framer
	loop    *Loop
	emitter *emitter
	events  ServerEvents
	clk     clock.Clock
	max     int

	// Owned by the loop goroutine.
	reg *registry

	active    atomic.Bool
	conns     atomic.Int32
	closeOnce sync.Once
}

// StartServer starts listening for connections on sub.
func StartServer(ctx context.Context, sub substrate.Substrate, opts Options, events ServerEvents) (*Server, error) {
	if sub == nil || !sub.Available() {
		return nil, ErrSubstrateUnavailable
	}
	opts = opts.withDefaults()

	s := &Server{
		sub:     sub,
		framer:  NewFramer(sub, opts.Channels),
		emitter: newEmitter(),
		events:  events,
		clk:     opts.Clock,
		max:     opts.MaxConnections,
		reg:     newRegistry(),
	}
	s.loop = newLoop(ctx, opts.Clock, opts.UpdateRate, s.poll, s.shutdown)
	sub.SetSessionRequestHandler(s.acceptSession)
	s.active.Store(true)
	s.loop.start()

	util.LogInfo("Server listening as %s (max %d connections)", sub.LocalID(), s.max)
	return s, nil
}

// SendTo sends data to every connection in ids. Failures for individual
// targets are collected in the report; the error is set only when the call
// as a whole could not be attempted.
func (s *Server) SendTo(ids []int, channel int, data []byte) (SendReport, error) {
	report := SendReport{Failed: make(map[int]error)}
	if !s.sub.Available() {
		return report, ErrSubstrateUnavailable
	}
	if limit := s.framer.MaxPacketSize(channel); len(data) > limit {
		return report, fmt.Errorf("%w: %d bytes on channel %d (max %d)", ErrPacketTooLarge, len(data), channel, limit)
	}

	if err := s.loop.Do(func() {
		for _, id := range ids {
			rec, ok := s.reg.get(id)
			if !ok {
				report.Failed[id] = fmt.Errorf("%w: %d", ErrUnknownConnection, id)
				continue
			}
			if err := s.framer.SendData(rec.Peer, data, channel); err != nil {
				util.LogWarning("[conn %d] send failed: %v", id, err)
				report.Failed[id] = err
				continue
			}
			report.Sent = append(report.Sent, id)
		}
	}); err != nil {
		return report, err
	}
	return report, nil
}

// Disconnect closes connection id. The connection is forgotten immediately
// and OnDisconnected(id) is emitted.
func (s *Server) Disconnect(id int) error {
	var result error
	if err := s.loop.Do(func() {
		rec, ok := s.reg.removeID(id)
		if !ok {
			result = fmt.Errorf("%w: %d", ErrUnknownConnection, id)
			return
		}
		s.dropRecord(rec, true)
		util.LogInfo("[conn %d] disconnected by server", id)
	}); err != nil {
		return err
	}
	return result
}

// AddressOf returns the decimal peer identifier of connection id, or "" if
// there is no such connection.
func (s *Server) AddressOf(id int) string {
	addr := ""
	_ = s.loop.Do(func() {
		if rec, ok := s.reg.get(id); ok {
			addr = rec.Peer.String()
		}
	})
	return addr
}

// ConnectionIDs returns the active connection IDs in ascending order.
func (s *Server) ConnectionIDs() []int {
	var ids []int
	_ = s.loop.Do(func() {
		for _, rec := range s.reg.records() {
			ids = append(ids, rec.ID)
		}
	})
	sort.Ints(ids)
	return ids
}

// Connections returns the number of active connections.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

// IsActive reports whether the server is still running.
func (s *Server) IsActive() bool {
	return s.active.Load()
}

// Stop disconnects every peer and stops the loop. Safe to call repeatedly.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		s.loop.Stop()
		s.emitter.close()
		util.LogInfo("Server stopped")
	})
}

// ---------------------------------------------------------------------------
// Loop-side handlers
// ---------------------------------------------------------------------------

func (s *Server) poll() {
	s.framer.Poll(s)
}

func (s *Server) acceptSession(peer substrate.PeerID) bool {
	if _, ok := s.reg.lookup(peer); ok {
		return true
	}
	if s.reg.len() >= s.max {
		util.Stats.AddRejected()
		util.LogWarning("[peer %s] session request ignored: %d/%d connections", peer, s.reg.len(), s.max)
		return false
	}
	return true
}

func (s *Server) handleControl(tag protocol.Tag, from substrate.PeerID) {
	switch tag {
	case protocol.TagConnect:
		s.handleConnect(from)

	case protocol.TagDisconnect:
		rec, ok := s.reg.removePeer(from)
		if !ok {
			util.LogDebug("[peer %s] DISCONNECT from unknown peer", from)
			return
		}
		s.dropRecord(rec, false)
		util.LogInfo("[conn %d] peer %s disconnected", rec.ID, from)

	default:
		util.LogDebug("[peer %s] unexpected %s on server", from, tag)
	}
}

func (s *Server) handleConnect(from substrate.PeerID) {
	if rec, ok := s.reg.lookup(from); ok {
		// Our ACCEPT_CONNECT was lost or the client retried.
		if err := s.framer.SendControl(from, protocol.TagAcceptConnect); err != nil {
			util.LogWarning("[conn %d] resend ACCEPT_CONNECT: %v", rec.ID, err)
		}
		return
	}

	if s.reg.len() >= s.max {
		util.Stats.AddRejected()
		util.LogWarning("[peer %s] rejected: server full (%d/%d)", from, s.reg.len(), s.max)
		if err := s.framer.SendControl(from, protocol.TagDisconnect); err != nil {
			util.LogDebug("[peer %s] send DISCONNECT: %v", from, err)
		}
		if err := s.sub.CloseSession(from); err != nil {
			util.LogDebug("[peer %s] close session: %v", from, err)
		}
		return
	}

	if err := s.framer.SendControl(from, protocol.TagAcceptConnect); err != nil {
		util.LogError("[peer %s] send ACCEPT_CONNECT: %v", from, err)
		return
	}
	rec := s.reg.add(from, s.clk.Now())
	s.conns.Store(int32(s.reg.len()))
	util.Stats.AddConn()
	util.LogSuccess("[conn %d] peer %s connected (%d/%d)", rec.ID, from, s.reg.len(), s.max)

	if fn := s.events.OnConnected; fn != nil {
		id := rec.ID
		s.emitter.emit(func() { fn(id) })
	}
}

func (s *Server) handleData(data []byte, from substrate.PeerID, channel int) {
	rec, ok := s.reg.lookup(from)
	if !ok {
		util.Stats.AddDropped()
		util.LogError("[peer %s] %v: dropping %d bytes", from, ErrUnknownPeer, len(data))
		return
	}
	if fn := s.events.OnData; fn != nil {
		id := rec.ID
		s.emitter.emit(func() { fn(id, data, channel) })
	}
}

// dropRecord finishes the removal of a record already taken out of the
// registry. notify sends DISCONNECT to the peer first.
func (s *Server) dropRecord(rec *record, notify bool) {
	if notify {
		if err := s.framer.SendControl(rec.Peer, protocol.TagDisconnect); err != nil {
			util.LogDebug("[conn %d] send DISCONNECT: %v", rec.ID, err)
			s.emitError(rec.ID, err)
		}
	}
	if err := s.sub.CloseSession(rec.Peer); err != nil {
		util.LogDebug("[conn %d] close session: %v", rec.ID, err)
	}
	s.conns.Store(int32(s.reg.len()))
	util.Stats.RemoveConn()

	if fn := s.events.OnDisconnected; fn != nil {
		id := rec.ID
		s.emitter.emit(func() { fn(id) })
	}
}

func (s *Server) disconnectAll() {
	for _, rec := range s.reg.records() {
		s.reg.removeID(rec.ID)
		s.dropRecord(rec, true)
	}
	s.reg.clear()
	s.conns.Store(0)
}

func (s *Server) emitError(id int, err error) {
	if fn := s.events.OnError; fn != nil {
		s.emitter.emit(func() { fn(id, err) })
	}
}

// shutdown runs on the loop goroutine when the loop exits, whether through
// Stop or through cancellation of the parent context.
func (s *Server) shutdown() {
	s.disconnectAll()
	s.active.Store(false)
	s.sub.SetSessionRequestHandler(nil)
}
