package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

// State is the client connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ClientEvents are the callbacks a Client reports to. Any of them may be nil.
// They run on the emitter goroutine, in order.
type ClientEvents struct {
	OnConnected    func()
	OnDisconnected func()
	OnData         func(data []byte, channel int)
	OnError        func(err error)
}

// pendingConnect is one in-flight handshake. Whichever of ACCEPT_CONNECT,
// timeout or local Disconnect reaches the loop first clears Client.pending;
// the others find a different (or nil) pointer and do nothing.
type pendingConnect struct {
	timer *clock.Timer
	host  substrate.PeerID
}

// Client is the single-host session. Create it with NewClient, start the
// handshake with Connect and release it with Close.
//
// Public methods hand their work to the loop goroutine and wait for it, so
// they may be called from any goroutine except the loop's own. Event
// handlers run on the emitter goroutine and may call them.
type Client struct {
	sub     substrate.Substrate
	framer  *Framer
	loop    *Loop
	emitter *emitter
	events  ClientEvents
	timeout time.Duration

	// Owned by the loop goroutine.
	state   State
	host    substrate.PeerID
	pending *pendingConnect

	published atomic.Int32  // copy of state for lock-free readers
	bound     atomic.Uint64 // copy of host, kept after Close
	closeOnce sync.Once
}

// NewClient creates an idle client and starts its poll loop. The loop stops
// when ctx is cancelled or Close is called.
func NewClient(ctx context.Context, sub substrate.Substrate, opts Options, events ClientEvents) (*Client, error) {
	if sub == nil || !sub.Available() {
		return nil, ErrSubstrateUnavailable
	}
	opts = opts.withDefaults()

	c := &Client{
		sub:     sub,
		framer:  NewFramer(sub, opts.Channels),
		emitter: newEmitter(),
		events:  events,
		timeout: opts.ConnectTimeout,
	}
	c.loop = newLoop(ctx, opts.Clock, opts.UpdateRate, c.poll, c.shutdown)
	sub.SetSessionRequestHandler(c.acceptSession)
	c.loop.start()
	return c, nil
}

// Connect parses address and starts the handshake. It returns immediately;
// completion is reported through OnConnected, failure through OnError.
// A malformed address is returned here and leaves the client idle.
func (c *Client) Connect(address string) error {
	if !c.sub.Available() {
		return ErrSubstrateUnavailable
	}
	host, err := substrate.ParsePeerID(address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddressFormat, err)
	}

	var result error
	if err := c.loop.Do(func() { result = c.beginConnect(host) }); err != nil {
		return err
	}
	return result
}

// Send delivers data to the host on channel.
func (c *Client) Send(channel int, data []byte) error {
	if !c.sub.Available() {
		return ErrSubstrateUnavailable
	}
	var result error
	if err := c.loop.Do(func() {
		if c.state != StateConnected {
			result = ErrNotConnected
			return
		}
		result = c.framer.SendData(c.host, data, channel)
	}); err != nil {
		return err
	}
	return result
}

// Disconnect tears the session down. It is idempotent and never fails;
// a disconnected client cannot connect again.
func (c *Client) Disconnect() {
	_ = c.loop.Do(c.disconnect)
}

// Close disconnects and stops the loop. Pending events are still delivered.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.loop.Stop()
		c.emitter.close()
	})
}

// State returns the last published state.
func (c *Client) State() State {
	return State(c.published.Load())
}

// IsConnected reports whether the handshake completed and the session is
// still up.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Host returns the bound host identifier (zero before Connect). The last
// host stays readable after Disconnect and Close.
func (c *Client) Host() substrate.PeerID {
	return substrate.PeerID(c.bound.Load())
}

// MaxPacketSize returns the payload ceiling of channel.
func (c *Client) MaxPacketSize(channel int) int {
	return c.framer.MaxPacketSize(channel)
}

// ---------------------------------------------------------------------------
// Loop-side state machine
// ---------------------------------------------------------------------------

func (c *Client) setState(s State) {
	c.state = s
	c.published.Store(int32(s))
}

func (c *Client) poll() {
	c.framer.Poll(c)
}

func (c *Client) beginConnect(host substrate.PeerID) error {
	switch c.state {
	case StateConnecting, StateConnected:
		return fmt.Errorf("%w: client is %s", ErrAlreadyRunning, c.state)
	case StateDisconnected:
		return fmt.Errorf("%w: create a new client to reconnect", ErrClosed)
	}

	// Drop whatever the substrate still holds from an earlier attempt.
	if err := c.sub.CloseSession(host); err != nil {
		util.LogDebug("[peer %s] close stale session: %v", host, err)
	}
	if err := c.framer.SendControl(host, protocol.TagConnect); err != nil {
		return err
	}

	p := &pendingConnect{host: host}
	p.timer = c.loop.AfterFunc(c.timeout, func() { c.connectTimedOut(p) })
	c.pending = p
	c.host = host
	c.bound.Store(uint64(host))
	c.setState(StateConnecting)
	util.LogInfo("[peer %s] connecting (timeout %v)", host, c.timeout)
	return nil
}

// resolve disarms the pending handshake, if any.
func (c *Client) resolve() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.pending = nil
}

func (c *Client) connectTimedOut(p *pendingConnect) {
	if c.pending != p {
		return
	}
	c.pending = nil
	c.setState(StateIdle)
	if err := c.sub.CloseSession(p.host); err != nil {
		util.LogDebug("[peer %s] close session after timeout: %v", p.host, err)
	}
	util.LogWarning("[peer %s] timed out while connecting", p.host)

	err := fmt.Errorf("%w: no answer from %s within %v", ErrConnectTimeout, p.host, c.timeout)
	c.emitter.emit(c.errorEvent(err))
}

func (c *Client) acceptSession(peer substrate.PeerID) bool {
	if (c.state == StateConnecting || c.state == StateConnected) && peer == c.host {
		return true
	}
	util.Stats.AddRejected()
	util.LogWarning("[peer %s] session request from unknown host", peer)
	return false
}

func (c *Client) handleControl(tag protocol.Tag, from substrate.PeerID) {
	if from != c.host || c.state == StateIdle || c.state == StateDisconnected {
		util.Stats.AddDropped()
		util.LogWarning("[peer %s] ignoring %s while %s", from, tag, c.state)
		return
	}

	switch tag {
	case protocol.TagAcceptConnect:
		if c.state != StateConnecting {
			util.LogDebug("[peer %s] duplicate ACCEPT_CONNECT", from)
			return
		}
		c.resolve()
		c.setState(StateConnected)
		util.Stats.AddConn()
		util.LogSuccess("[peer %s] connection established", from)
		c.emitter.emit(c.events.OnConnected)

	case protocol.TagDisconnect:
		wasConnected := c.state == StateConnected
		c.resolve()
		c.setState(StateDisconnected)
		if err := c.sub.CloseSession(from); err != nil {
			util.LogDebug("[peer %s] close session: %v", from, err)
		}
		if wasConnected {
			util.Stats.RemoveConn()
			util.LogInfo("[peer %s] disconnected by host", from)
			c.emitter.emit(c.events.OnDisconnected)
			return
		}
		util.LogWarning("[peer %s] host rejected the connection", from)
		err := fmt.Errorf("%w: %s refused the connection", ErrCapacityExceeded, from)
		c.emitter.emit(c.errorEvent(err))

	default:
		util.LogDebug("[peer %s] unexpected %s on client", from, tag)
	}
}

func (c *Client) handleData(data []byte, from substrate.PeerID, channel int) {
	if from != c.host {
		util.Stats.AddDropped()
		util.LogError("[peer %s] received data from an unknown peer", from)
		return
	}
	if c.state != StateConnected {
		util.Stats.AddDropped()
		util.LogDebug("[peer %s] dropping data while %s", from, c.state)
		return
	}
	if fn := c.events.OnData; fn != nil {
		c.emitter.emit(func() { fn(data, channel) })
	}
}

func (c *Client) disconnect() {
	switch c.state {
	case StateIdle, StateDisconnected:
		return
	}
	wasConnected := c.state == StateConnected
	c.resolve()
	c.setState(StateDisconnected)

	if err := c.framer.SendControl(c.host, protocol.TagDisconnect); err != nil {
		util.LogDebug("[peer %s] send DISCONNECT: %v", c.host, err)
	}
	if err := c.sub.CloseSession(c.host); err != nil {
		util.LogDebug("[peer %s] close session: %v", c.host, err)
	}
	util.LogInfo("[peer %s] disconnected", c.host)

	if wasConnected {
		util.Stats.RemoveConn()
		c.emitter.emit(c.events.OnDisconnected)
	}
}

// shutdown runs on the loop goroutine when the loop exits.
func (c *Client) shutdown() {
	c.disconnect()
	c.resolve()
	c.sub.SetSessionRequestHandler(nil)
}

func (c *Client) errorEvent(err error) func() {
	fn := c.events.OnError
	if fn == nil {
		return nil
	}
	return func() { fn(err) }
}
