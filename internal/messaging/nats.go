// Package messaging provides the NATS client shared by daymatch services and
// the NATS-backed realtime transport. It handles connection lifecycle,
// subject naming, and fan-out of connection status to joined channels.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns used across daymatch services.
const (
	SubjectChanges         = "db"               // + .<table>.<EVENT>.<match_date>
	SubjectRealtime        = "rt"               // + .<topic>.<event>
	SubjectPushNotify      = "push.notify"      // notification dispatch
	SubjectMatchRecomputed = "match.recomputed" // matchmaker run summary
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.Logger

	mu           sync.Mutex
	subs         map[string]*nats.Subscription
	onDisconnect []func(error)
	onClosed     []func()
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "daymatch",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	c := &NATSClient{
		log:  log.Named("nats"),
		subs: make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("disconnected", zap.Error(err))
			c.fireDisconnect(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Info("connection closed")
			c.fireClosed()
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	c.log.Info("connected", zap.String("url", nc.ConnectedUrl()))
	return c, nil
}

// Conn exposes the underlying connection.
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Unsubscribe removes a subscription made through Subscribe.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// OnDisconnect registers a callback fired whenever the connection drops.
func (c *NATSClient) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// OnClosed registers a callback fired once the connection is closed for good.
func (c *NATSClient) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", zap.Error(err))
	}

	c.log.Info("client closed")
}

func (c *NATSClient) fireDisconnect(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *NATSClient) fireClosed() {
	c.mu.Lock()
	fns := append([]func(){}, c.onClosed...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// ChangeSubject is the subject a row change is published on.
func ChangeSubject(table, event, partition string) string {
	return SubjectChanges + "." + Token(table) + "." + Token(event) + "." + Token(partition)
}

// ChangeFilterSubject is the wildcard subject matching a change filter.
// Empty event or partition match any value.
func ChangeFilterSubject(table, event, partition string) string {
	ev, part := "*", "*"
	if event != "" && event != "*" {
		ev = Token(event)
	}
	if partition != "" {
		part = Token(partition)
	}
	return SubjectChanges + "." + Token(table) + "." + ev + "." + part
}

// BroadcastSubject is the subject carrying event broadcasts on topic.
func BroadcastSubject(topic, event string) string {
	return SubjectRealtime + "." + Token(topic) + "." + Token(event)
}
