package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server relays signaling messages between registered peers.
type Server struct {
	mu    sync.Mutex
	peers map[substrate.PeerID]*conn
}

// NewServer creates a server with no registered peers.
func NewServer() *Server {
	return &Server{peers: make(map[substrate.PeerID]*conn)}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled. ready, if not nil,
// receives the bound address once the listener is up.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start signaling server: %w", err)
	}
	if ready != nil {
		ready(listener.Addr())
	}

	srv := &http.Server{Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Peers returns the number of registered peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := substrate.ParsePeerID(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "Invalid peer id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, taken := s.peers[id]
	s.mu.Unlock()
	if taken {
		http.Error(w, "Peer id already registered", http.StatusConflict)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{id: id, ws: ws}

	// Re-check under the lock: two upgrades for one id may race.
	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		c.closeWith(websocket.ClosePolicyViolation, "already registered")
		return
	}
	s.peers[id] = c
	s.mu.Unlock()

	util.LogInfo("[signal] peer %s registered", id)
	s.serve(c)

	s.mu.Lock()
	if s.peers[id] == c {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	ws.Close()
	util.LogInfo("[signal] peer %s left", id)
}

// serve relays everything c sends until its socket fails.
func (s *Server) serve(c *conn) {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("[signal] read from %s: %v", c.id, err)
			}
			return
		}
		msg.From = c.id

		s.mu.Lock()
		target, ok := s.peers[msg.To]
		s.mu.Unlock()

		if !ok {
			util.LogDebug("[signal] %s -> %s: %s to unknown peer", msg.From, msg.To, msg.Type)
			if msg.Type == MsgTypeBye {
				continue
			}
			reply := Message{
				Type:   MsgTypeError,
				From:   msg.To,
				To:     c.id,
				Reason: fmt.Sprintf("peer %s is not registered", msg.To),
			}
			if err := c.send(reply); err != nil {
				return
			}
			continue
		}
		if err := target.send(msg); err != nil {
			util.LogDebug("[signal] relay to %s: %v", target.id, err)
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.peers))
	for _, c := range s.peers {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// conn is one registered peer. Writes are serialized; gorilla allows one
// concurrent writer.
type conn struct {
	id substrate.PeerID
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.mu.Unlock()
	c.ws.Close()
}
