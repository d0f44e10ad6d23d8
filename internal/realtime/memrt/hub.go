// Package memrt is an in-process realtime transport. It delivers row changes
// and broadcasts synchronously on the publishing goroutine, which makes the
// engines deterministic under test. It also backs single-process
// deployments without NATS.
package memrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/whisper/daymatch/internal/realtime"
)

// Hub is a realtime.Transport held entirely in memory.
type Hub struct {
	mu        sync.Mutex
	channels  map[*channel]struct{}
	failJoins int
	down      bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[*channel]struct{})}
}

// Join implements realtime.Transport.
func (h *Hub) Join(ctx context.Context, topic string, spec realtime.Spec, handlers realtime.Handlers) (realtime.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", realtime.ErrTimedOut, err)
	}

	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return nil, realtime.ErrUnavailable
	}
	if h.failJoins > 0 {
		h.failJoins--
		h.mu.Unlock()
		return nil, realtime.ErrUnavailable
	}
	ch := &channel{hub: h, topic: topic, spec: spec, handlers: handlers}
	h.channels[ch] = struct{}{}
	h.mu.Unlock()

	return ch, nil
}

// PublishChange fans a row change out to every channel whose Spec accepts
// it.
func (h *Hub) PublishChange(c realtime.Change) {
	for _, ch := range h.snapshot() {
		if ch.spec.WantsChange(c) && ch.handlers.OnChange != nil {
			ch.handlers.OnChange(c)
		}
	}
}

// FailNextJoins makes the next n joins fail.
func (h *Hub) FailNextJoins(n int) {
	h.mu.Lock()
	h.failJoins = n
	h.mu.Unlock()
}

// SetDown makes every join fail until cleared.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// Disrupt reports status to every live channel on topic, as a broken
// connection would.
func (h *Hub) Disrupt(topic string, status realtime.Status, err error) {
	for _, ch := range h.snapshot() {
		if ch.topic == topic && ch.handlers.OnStatus != nil {
			ch.handlers.OnStatus(status, err)
		}
	}
}

// Joined returns how many live channels are on topic.
func (h *Hub) Joined(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.channels {
		if ch.topic == topic {
			n++
		}
	}
	return n
}

// Len returns the total number of live channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *Hub) snapshot() []*channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*channel, 0, len(h.channels))
	for ch := range h.channels {
		out = append(out, ch)
	}
	return out
}

type channel struct {
	hub      *Hub
	topic    string
	spec     realtime.Spec
	handlers realtime.Handlers
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.live() {
		return fmt.Errorf("memrt: broadcast on closed channel %s", c.topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memrt: marshal %s: %w", event, err)
	}
	for _, other := range c.hub.snapshot() {
		if other == c || other.topic != c.topic {
			continue
		}
		if other.spec.WantsBroadcast(event) && other.handlers.OnBroadcast != nil {
			other.handlers.OnBroadcast(event, data)
		}
	}
	return nil
}

func (c *channel) Leave() error {
	c.hub.mu.Lock()
	delete(c.hub.channels, c)
	c.hub.mu.Unlock()
	return nil
}

func (c *channel) live() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	_, ok := c.hub.channels[c]
	return ok
}
