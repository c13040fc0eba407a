package session

import (
	"context"
	"sync"

	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

// Transport owns one substrate and at most one Client and one Server on it.
// Only one of them may be running at a time since both would poll the same
// substrate queues. Every method is safe for concurrent use.
type Transport struct {
	ctx  context.Context
	sub  substrate.Substrate
	opts Options

	clientEvents ClientEvents
	serverEvents ServerEvents

	mu     sync.Mutex
	client *Client
	server *Server
}

// NewTransport creates a transport. Nothing runs until ClientConnect or
// ServerStart is called.
func NewTransport(ctx context.Context, sub substrate.Substrate, opts Options, client ClientEvents, server ServerEvents) *Transport {
	return &Transport{
		ctx:          ctx,
		sub:          sub,
		opts:         opts.withDefaults(),
		clientEvents: client,
		serverEvents: server,
	}
}

// Available reports whether the substrate can be used.
func (t *Transport) Available() bool {
	return t.sub != nil && t.sub.Available()
}

// MaxPacketSize returns the payload ceiling of channel.
func (t *Transport) MaxPacketSize(channel int) int {
	return t.opts.Channels.MaxPacketSize(channel)
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// ClientConnect starts a client session towards address. A previous client
// that is idle or disconnected is replaced.
func (t *Transport) ClientConnect(address string) error {
	if !t.Available() {
		return ErrSubstrateUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil && t.server.IsActive() {
		return ErrAlreadyRunning
	}
	if t.client != nil {
		switch t.client.State() {
		case StateConnecting, StateConnected:
			return ErrAlreadyRunning
		}
		t.client.Close()
		t.client = nil
	}

	c, err := NewClient(t.ctx, t.sub, t.opts, t.clientEvents)
	if err != nil {
		return err
	}
	if err := c.Connect(address); err != nil {
		c.Close()
		return err
	}
	t.client = c
	return nil
}

// ClientConnected reports whether the client session is established.
func (t *Transport) ClientConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnected()
}

// ClientSend sends data to the host. Failures are logged.
func (t *Transport) ClientSend(channel int, data []byte) bool {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()

	if c == nil {
		util.LogWarning("ClientSend: %v", ErrNotConnected)
		return false
	}
	if err := c.Send(channel, data); err != nil {
		util.LogWarning("ClientSend: %v", err)
		return false
	}
	return true
}

// ClientDisconnect tears down the client session, if any.
func (t *Transport) ClientDisconnect() {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

// ---------------------------------------------------------------------------
// Server side
// ---------------------------------------------------------------------------

// ServerStart starts accepting up to maxConnections peers.
func (t *Transport) ServerStart(maxConnections int) error {
	if !t.Available() {
		return ErrSubstrateUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil && t.server.IsActive() {
		return ErrAlreadyRunning
	}
	if t.client != nil {
		switch t.client.State() {
		case StateConnecting, StateConnected:
			return ErrAlreadyRunning
		}
		t.client.Close()
		t.client = nil
	}
	opts := t.opts
	opts.MaxConnections = maxConnections
	s, err := StartServer(t.ctx, t.sub, opts, t.serverEvents)
	if err != nil {
		return err
	}
	t.server = s
	return nil
}

// ServerActive reports whether a server is running.
func (t *Transport) ServerActive() bool {
	s := t.currentServer()
	return s != nil && s.IsActive()
}

// ServerSend sends data to every connection in ids. It reports true only if
// all of them were sent to; failures are logged.
func (t *Transport) ServerSend(ids []int, channel int, data []byte) bool {
	s := t.currentServer()
	if s == nil {
		util.LogWarning("ServerSend: %v", ErrClosed)
		return false
	}
	report, err := s.SendTo(ids, channel, data)
	if err != nil {
		util.LogWarning("ServerSend: %v", err)
		return false
	}
	return report.OK()
}

// ServerDisconnect closes connection id.
func (t *Transport) ServerDisconnect(id int) bool {
	s := t.currentServer()
	if s == nil {
		return false
	}
	if err := s.Disconnect(id); err != nil {
		util.LogDebug("ServerDisconnect: %v", err)
		return false
	}
	return true
}

// ServerAddress returns the peer address of connection id, or "".
func (t *Transport) ServerAddress(id int) string {
	s := t.currentServer()
	if s == nil {
		return ""
	}
	return s.AddressOf(id)
}

// ServerStop stops the server, if any.
func (t *Transport) ServerStop() {
	t.mu.Lock()
	s := t.server
	t.server = nil
	t.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Shutdown stops both sides.
func (t *Transport) Shutdown() {
	t.ClientDisconnect()
	t.ServerStop()
}

func (t *Transport) currentServer() *Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server
}
