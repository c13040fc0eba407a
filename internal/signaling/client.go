package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/substrate"
)

// Client is one peer's registration on a signaling server.
type Client struct {
	id   substrate.PeerID
	conn *websocket.Conn
	mu   sync.Mutex // guards writes

	closeOnce sync.Once
}

// Connect dials the server and registers as id. rawURL is the server's
// WebSocket endpoint, e.g.:
//
//	ws://203.0.113.7:8787/ws
func Connect(ctx context.Context, rawURL string, id substrate.PeerID) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("id", id.String())
	u.RawQuery = q.Encode()

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return &Client{id: id, conn: conn}, nil
}

// ID returns the identifier this client registered with.
func (c *Client) ID() substrate.PeerID {
	return c.id
}

// Send writes msg, stamping it with the local ID.
func (c *Client) Send(msg Message) error {
	msg.From = c.id

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	return nil
}

// Recv blocks until the next message arrives. It must be called from a
// single goroutine.
func (c *Client) Recv() (Message, error) {
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return Message{}, fmt.Errorf("read signaling message: %w", err)
	}
	return msg, nil
}

// Close unregisters from the server. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
