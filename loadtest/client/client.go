// Package client is a simulated daymatch user for load tests. It dials the
// gateway with gobwas/ws, records the session handshake and dispatches
// server messages to per-type handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypePing         = "ping"
	TypeResolveMatch = "resolve_match"
	TypeOpenChat     = "open_chat"
	TypeCloseChat    = "close_chat"
	TypeSendMessage  = "send_message"
	TypeMarkRead     = "mark_read"
	TypeViewState    = "view_state"
	TypeAppState     = "app_state"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeMatch           = "match"
	TypeMessages        = "messages"
	TypeConnectionState = "connection_state"
	TypeMatchStatus     = "match_status"
	TypeMessageSent     = "message_sent"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	RateLimited      int64
	Errors           int64
}

// Client is one simulated user connection.
type Client struct {
	userID string
	conn   net.Conn

	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage)

	sessionID atomic.Value // string
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	rateLimited    atomic.Int64
	errors         atomic.Int64
}

// WithUser returns gatewayURL with the user_id query parameter set.
func WithUser(gatewayURL, userID string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New dials gatewayURL as userID and starts the read loop.
func New(ctx context.Context, gatewayURL, userID string) (*Client, error) {
	target, err := WithUser(gatewayURL, userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if br != nil {
		// The handshake reader may already hold session_created.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		userID:         userID,
		conn:           conn,
		handlers:       make(map[string]func(json.RawMessage)),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	c.sessionID.Store("")

	go c.readLoop()
	return c, nil
}

// UserID returns the user the client connected as.
func (c *Client) UserID() string { return c.userID }

// SessionID returns the gateway session id, empty until session_created.
func (c *Client) SessionID() string { return c.sessionID.Load().(string) }

// Send writes msg as a JSON text frame. Safe for concurrent use.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("client: write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// ResolveMatch asks the gateway for today's match.
func (c *Client) ResolveMatch() error {
	return c.Send(map[string]string{"type": TypeResolveMatch})
}

// OpenChat opens the conversation with partnerID for matchDate.
func (c *Client) OpenChat(partnerID, matchDate string) error {
	return c.Send(map[string]string{
		"type":       TypeOpenChat,
		"partner_id": partnerID,
		"match_date": matchDate,
	})
}

// SetViewOpen reports the chat view as visible or hidden.
func (c *Client) SetViewOpen(open bool) error {
	return c.Send(map[string]any{"type": TypeViewState, "open": open})
}

// SendText sends a chat message to the open conversation.
func (c *Client) SendText(text string) error {
	return c.Send(map[string]string{"type": TypeSendMessage, "text": text})
}

// CloseChat closes the open conversation.
func (c *Client) CloseChat() error {
	return c.Send(map[string]string{"type": TypeCloseChat})
}

// On registers handler for a server message type, replacing any previous
// one. Handlers run on the read loop and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.handlers[msgType] = handler
	c.handlerMu.Unlock()
}

// WaitForSession blocks until session_created arrives.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("client: connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		RateLimited:      c.rateLimited.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.errors.Add(1)
			continue
		}

		switch envelope.Type {
		case TypeSessionCreated:
			c.sessionID.Store(envelope.SessionID)
			c.readyOnce.Do(func() { close(c.ready) })
		case TypeRateLimited:
			c.rateLimited.Add(1)
		case TypeError:
			c.errors.Add(1)
		}

		c.handlerMu.RLock()
		handler := c.handlers[envelope.Type]
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
