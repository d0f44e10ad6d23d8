package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/store"
)

// Event is anything delivered to a conversation's queue. Handlers switch on
// the concrete type.
type Event interface {
	event()
}

// MessageInserted is a new chat_messages row.
type MessageInserted struct {
	Message store.ChatMessage
}

// ReadReceiptReported is a participant's messages_read broadcast.
type ReadReceiptReported struct {
	UserID     string    `json:"userId"`
	MessageIDs []string  `json:"messageIds"`
	Timestamp  time.Time `json:"timestamp"`
}

// PresenceChanged is a participant's chat_status broadcast.
type PresenceChanged struct {
	UserID    string    `json:"userId"`
	IsOpen    bool      `json:"isOpen"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionStateChanged is a lifecycle signal from the channel joined as
// attempt Gen.
type ConnectionStateChanged struct {
	Gen    uint64
	Status realtime.Status
	Err    error
}

type (
	connectRequested struct{ reconnect bool }
	reconnectDue     struct{}
	refreshDue       struct{}
	markReadDue      struct{}
	barrier          struct{ done chan struct{} }
)

func (MessageInserted) event()        {}
func (ReadReceiptReported) event()    {}
func (PresenceChanged) event()        {}
func (ConnectionStateChanged) event() {}
func (connectRequested) event()       {}
func (reconnectDue) event()           {}
func (refreshDue) event()             {}
func (markReadDue) event()            {}
func (barrier) event()                {}

// decodeChange turns a chat_messages row change into an event.
func decodeChange(c realtime.Change) (Event, bool) {
	if c.Table != store.TableChatMessages || c.Type != realtime.EventInsert || len(c.New) == 0 {
		return nil, false
	}
	var row store.ChatMessage
	if err := json.Unmarshal(c.New, &row); err != nil {
		return nil, false
	}
	return MessageInserted{Message: row}, true
}

// decodeBroadcast turns a broadcast payload into an event.
func decodeBroadcast(name string, payload []byte) (Event, bool) {
	switch name {
	case realtime.BroadcastMessagesRead:
		var e ReadReceiptReported
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, false
		}
		return e, true
	case realtime.BroadcastChatStatus:
		var e PresenceChanged
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, false
		}
		return e, true
	}
	return nil, false
}

// eventQueue is an unbounded FIFO drained by a single goroutine. push never
// blocks, so transports may deliver on any goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// close drops pending events and stops run.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(handle func(Event)) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.signal
			q.mu.Lock()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		handle(e)
	}
}
