// Package realtime defines the channel contract shared by the match
// subscription and chat engines: row-change notifications filtered by
// table, event type and partition, plus ephemeral broadcasts scoped to a
// topic. Transports live in internal/messaging (NATS) and
// internal/realtime/memrt (in-process).
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// Event is a row-change type as reported by the database trigger.
type Event string

const (
	EventInsert Event = "INSERT"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventAll    Event = "*"
)

// Broadcast event names.
const (
	BroadcastMessagesRead = "messages_read"
	BroadcastChatStatus   = "chat_status"
)

// Status is a channel lifecycle signal delivered through Handlers.OnStatus.
type Status int

const (
	StatusSubscribed Status = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusChannelError:
		return "channel_error"
	case StatusTimedOut:
		return "timed_out"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrTimedOut is returned by Join when the subscription could not be
	// confirmed before the context deadline.
	ErrTimedOut = errors.New("realtime: join timed out")

	// ErrChannelExists is returned by Registry.Join when a live channel is
	// already registered under the same key.
	ErrChannelExists = errors.New("realtime: channel already registered")

	// ErrUnavailable is returned when the transport cannot accept joins.
	ErrUnavailable = errors.New("realtime: transport unavailable")
)

// Change is one row-level change notification.
type Change struct {
	Table string          `json:"table"`
	Type  Event           `json:"type"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Partition returns the match_date of the changed row, preferring the new
// image. Both the matches and chat_messages tables are partitioned by it.
func (c Change) Partition() string {
	var row struct {
		MatchDate string `json:"match_date"`
	}
	for _, raw := range []json.RawMessage{c.New, c.Old} {
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, &row); err == nil && row.MatchDate != "" {
			return row.MatchDate
		}
	}
	return ""
}

// ChangeFilter selects row changes. Empty Partition and EventAll match
// everything for the table.
type ChangeFilter struct {
	Table     string
	Event     Event
	Partition string
}

// Matches reports whether c passes the filter.
func (f ChangeFilter) Matches(c Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Event != "" && f.Event != EventAll && f.Event != c.Type {
		return false
	}
	if f.Partition != "" && f.Partition != c.Partition() {
		return false
	}
	return true
}

// Spec declares what a channel listens to.
type Spec struct {
	Changes    []ChangeFilter
	Broadcasts []string
}

// WantsBroadcast reports whether s subscribes to the named event.
func (s Spec) WantsBroadcast(event string) bool {
	for _, e := range s.Broadcasts {
		if e == event {
			return true
		}
	}
	return false
}

// WantsChange reports whether any change filter accepts c.
func (s Spec) WantsChange(c Change) bool {
	for _, f := range s.Changes {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

// Handlers receive channel traffic. Handlers must not block; the engines
// only enqueue onto their own event queues.
type Handlers struct {
	OnChange    func(Change)
	OnBroadcast func(event string, payload json.RawMessage)
	OnStatus    func(status Status, err error)
}

// Channel is a joined realtime channel.
type Channel interface {
	Topic() string
	// Broadcast publishes payload to the other members of the topic.
	// Delivery is best-effort and not persisted.
	Broadcast(ctx context.Context, event string, payload any) error
	// Leave releases the channel. It is idempotent and does not invoke
	// OnStatus.
	Leave() error
}

// Transport joins channels. Join blocks until the subscription is confirmed
// or ctx ends; later failures are reported through Handlers.OnStatus.
type Transport interface {
	Join(ctx context.Context, topic string, spec Spec, h Handlers) (Channel, error)
}
