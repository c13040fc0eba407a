package session

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	testRate    = 2 * time.Millisecond
	waitTimeout = 2 * time.Second
	quietPeriod = 60 * time.Millisecond
)

func init() {
	util.DisableLogging()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.UpdateRate = testRate
	return opts
}

// mockOptions uses a mock clock; advance drives both the poll tick and
// the connect timer.
func mockOptions() (Options, *clock.Mock) {
	mock := clock.NewMock()
	opts := testOptions()
	opts.UpdateRate = 100 * time.Millisecond
	opts.Clock = mock
	return opts, mock
}

// advance moves the mock clock forward in poll-sized steps so the loop gets a
// chance to run between ticks.
func advance(mock *clock.Mock, d time.Duration) {
	const step = 250 * time.Millisecond
	for d > 0 {
		n := min(step, d)
		mock.Add(n)
		d -= n
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(quietPeriod):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Event recorders
// ---------------------------------------------------------------------------

type dataEvent struct {
	id      int
	data    []byte
	channel int
}

type clientRecorder struct {
	connected    chan struct{}
	disconnected chan struct{}
	data         chan dataEvent
	errs         chan error
}

func newClientRecorder() *clientRecorder {
	return &clientRecorder{
		connected:    make(chan struct{}, 16),
		disconnected: make(chan struct{}, 16),
		data:         make(chan dataEvent, 16),
		errs:         make(chan error, 16),
	}
}

func (r *clientRecorder) events() ClientEvents {
	return ClientEvents{
		OnConnected:    func() { r.connected <- struct{}{} },
		OnDisconnected: func() { r.disconnected <- struct{}{} },
		OnData:         func(data []byte, channel int) { r.data <- dataEvent{data: data, channel: channel} },
		OnError:        func(err error) { r.errs <- err },
	}
}

type serverRecorder struct {
	connected    chan int
	disconnected chan int
	data         chan dataEvent
	errs         chan error
}

func newServerRecorder() *serverRecorder {
	return &serverRecorder{
		connected:    make(chan int, 16),
		disconnected: make(chan int, 16),
		data:         make(chan dataEvent, 16),
		errs:         make(chan error, 16),
	}
}

func (r *serverRecorder) events() ServerEvents {
	return ServerEvents{
		OnConnected:    func(id int) { r.connected <- id },
		OnDisconnected: func(id int) { r.disconnected <- id },
		OnData:         func(id int, data []byte, channel int) { r.data <- dataEvent{id: id, data: data, channel: channel} },
		OnError:        func(_ int, err error) { r.errs <- err },
	}
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func startServer(t *testing.T, hub *substrate.Hub, id substrate.PeerID, maxConns int) (*Server, *serverRecorder) {
	t.Helper()
	opts := testOptions()
	opts.MaxConnections = maxConns
	rec := newServerRecorder()
	srv, err := StartServer(context.Background(), hub.Join(id), opts, rec.events())
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, rec
}

func newTestClient(t *testing.T, hub *substrate.Hub, id substrate.PeerID, opts Options) (*Client, *clientRecorder) {
	t.Helper()
	rec := newClientRecorder()
	c, err := NewClient(context.Background(), hub.Join(id), opts, rec.events())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c, rec
}

// connectClient joins a client and waits until both sides report the
// connection. It returns the connection ID the server assigned.
func connectClient(t *testing.T, hub *substrate.Hub, id substrate.PeerID, host substrate.PeerID, srvRec *serverRecorder) (*Client, *clientRecorder, int) {
	t.Helper()
	c, rec := newTestClient(t, hub, id, testOptions())
	if err := c.Connect(host.String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, rec.connected, "client OnConnected")
	connID := waitFor(t, srvRec.connected, "server OnConnected")
	return c, rec, connID
}

// rawPeer speaks the wire protocol directly to exercise edge cases a
// well-behaved Client never produces.
type rawPeer struct {
	ep *substrate.MemEndpoint
}

func newRawPeer(hub *substrate.Hub, id substrate.PeerID) *rawPeer {
	ep := hub.Join(id)
	ep.SetSessionRequestHandler(func(substrate.PeerID) bool { return true })
	return &rawPeer{ep: ep}
}

func (p *rawPeer) sendControl(t *testing.T, to substrate.PeerID, tag protocol.Tag) {
	t.Helper()
	if err := p.ep.SendPacket(to, protocol.EncodeControl(tag), protocol.Reliable, 0); err != nil {
		t.Fatalf("send %s: %v", tag, err)
	}
}

func (p *rawPeer) sendData(t *testing.T, to substrate.PeerID, data []byte, channel int) {
	t.Helper()
	if err := p.ep.SendPacket(to, protocol.EncodeData(data), protocol.Reliable, channel); err != nil {
		t.Fatalf("send DATA: %v", err)
	}
}

// expectControl waits for the next datagram on channel 0 and checks its tag.
func (p *rawPeer) expectControl(t *testing.T, want protocol.Tag) {
	t.Helper()
	var raw substrate.Packet
	eventually(t, want.String(), func() bool {
		var ok bool
		raw, ok = p.ep.ReadPacket(0)
		return ok
	})
	pkt, err := protocol.Decode(raw.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkt.Tag != want {
		t.Fatalf("got %s, want %s", pkt.Tag, want)
	}
}

// lockedBuffer collects log output written from the loop goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
