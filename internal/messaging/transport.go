package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/realtime"
)

// envelope wraps broadcast payloads so a member can drop its own echo.
type envelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Transport implements realtime.Transport over NATS subjects. Row changes
// arrive on db.* subjects published by the relay; broadcasts use rt.*.
type Transport struct {
	client *NATSClient
	log    *zap.Logger

	mu       sync.Mutex
	channels map[*natsChannel]struct{}
}

// NewTransport creates a transport and hooks connection status into every
// joined channel.
func NewTransport(client *NATSClient, log *zap.Logger) *Transport {
	t := &Transport{
		client:   client,
		log:      log.Named("realtime"),
		channels: make(map[*natsChannel]struct{}),
	}
	client.OnDisconnect(func(err error) {
		if err == nil {
			err = errors.New("nats: disconnected")
		}
		t.notifyAll(realtime.StatusChannelError, err)
	})
	client.OnClosed(func() {
		t.notifyAll(realtime.StatusClosed, nil)
	})
	return t
}

// Join subscribes to every subject spec needs and confirms the
// subscriptions with a server round trip bounded by ctx.
func (t *Transport) Join(ctx context.Context, topic string, spec realtime.Spec, h realtime.Handlers) (realtime.Channel, error) {
	ch := &natsChannel{
		transport: t,
		id:        uuid.NewString(),
		topic:     topic,
		handlers:  h,
	}

	conn := t.client.Conn()
	for _, f := range spec.Changes {
		filter := f
		subject := ChangeFilterSubject(filter.Table, string(filter.Event), filter.Partition)
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			var c realtime.Change
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				t.log.Warn("invalid change payload", zap.String("subject", msg.Subject), zap.Error(err))
				return
			}
			if filter.Matches(c) && h.OnChange != nil {
				h.OnChange(c)
			}
		})
		if err != nil {
			ch.unsubscribeAll()
			return nil, fmt.Errorf("messaging: join %s: subscribe %s: %w", topic, subject, err)
		}
		ch.subs = append(ch.subs, sub)
	}

	for _, event := range spec.Broadcasts {
		name := event
		subject := BroadcastSubject(topic, name)
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				t.log.Warn("invalid broadcast payload", zap.String("subject", msg.Subject), zap.Error(err))
				return
			}
			if env.From == ch.id || h.OnBroadcast == nil {
				return
			}
			h.OnBroadcast(name, env.Payload)
		})
		if err != nil {
			ch.unsubscribeAll()
			return nil, fmt.Errorf("messaging: join %s: subscribe %s: %w", topic, subject, err)
		}
		ch.subs = append(ch.subs, sub)
	}

	if err := conn.FlushWithContext(ctx); err != nil {
		ch.unsubscribeAll()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("messaging: join %s: %w", topic, realtime.ErrTimedOut)
		}
		return nil, fmt.Errorf("messaging: join %s: %w", topic, err)
	}

	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()
	return ch, nil
}

func (t *Transport) notifyAll(status realtime.Status, err error) {
	t.mu.Lock()
	targets := make([]*natsChannel, 0, len(t.channels))
	for ch := range t.channels {
		targets = append(targets, ch)
	}
	t.mu.Unlock()

	for _, ch := range targets {
		if ch.handlers.OnStatus != nil {
			ch.handlers.OnStatus(status, err)
		}
	}
}

type natsChannel struct {
	transport *Transport
	id        string
	topic     string
	handlers  realtime.Handlers

	mu   sync.Mutex
	subs []*nats.Subscription
	left bool
}

func (c *natsChannel) Topic() string { return c.topic }

func (c *natsChannel) Broadcast(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	left := c.left
	c.mu.Unlock()
	if left {
		return fmt.Errorf("messaging: broadcast on closed channel %s", c.topic)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", event, err)
	}
	data, err := json.Marshal(envelope{From: c.id, Payload: raw})
	if err != nil {
		return fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	if err := c.transport.client.Publish(BroadcastSubject(c.topic, event), data); err != nil {
		return fmt.Errorf("messaging: broadcast %s: %w", event, err)
	}
	return nil
}

func (c *natsChannel) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	c.transport.mu.Lock()
	delete(c.transport.channels, c)
	c.transport.mu.Unlock()

	return c.unsubscribeAll()
}

func (c *natsChannel) unsubscribeAll() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
