package chat

import (
	"sort"
	"time"

	"github.com/whisper/daymatch/internal/store"
)

// Message is one chat message as shown in a conversation.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	MatchDate  string    `json:"match_date"`
	IsRead     bool      `json:"is_read"`
}

func fromRow(m store.ChatMessage, read bool) Message {
	return Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		SentAt:     m.SentAt,
		MatchDate:  m.MatchDate,
		IsRead:     read,
	}
}

func before(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// MessageLog is a conversation's messages ordered by send time, then id.
// Each id appears at most once and read flags never go from read back to
// unread. It is not safe for concurrent use; the owning conversation
// serialises access.
type MessageLog struct {
	items []Message
	index map[string]int
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{index: make(map[string]int)}
}

// Upsert inserts m or, when its id is already present, merges its read
// flag. It reports whether m was new.
func (l *MessageLog) Upsert(m Message) bool {
	if i, ok := l.index[m.ID]; ok {
		if m.IsRead {
			l.items[i].IsRead = true
		}
		return false
	}

	pos := sort.Search(len(l.items), func(i int) bool { return before(m, l.items[i]) })
	l.items = append(l.items, Message{})
	copy(l.items[pos+1:], l.items[pos:])
	l.items[pos] = m
	for i := pos; i < len(l.items); i++ {
		l.index[l.items[i].ID] = i
	}
	return true
}

// Merge upserts every message and returns how many were new.
func (l *MessageLog) Merge(ms []Message) int {
	added := 0
	for _, m := range ms {
		if l.Upsert(m) {
			added++
		}
	}
	return added
}

// Has reports whether id is in the log.
func (l *MessageLog) Has(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Get returns the message with id.
func (l *MessageLog) Get(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.items[i], true
}

// MarkRead sets the read flag on the given ids whose receiver is
// receiverID and returns the ids that changed.
func (l *MessageLog) MarkRead(ids []string, receiverID string) []string {
	var changed []string
	for _, id := range ids {
		i, ok := l.index[id]
		if !ok || l.items[i].ReceiverID != receiverID || l.items[i].IsRead {
			continue
		}
		l.items[i].IsRead = true
		changed = append(changed, id)
	}
	return changed
}

// Unread returns the ids of unread messages received by receiverID.
func (l *MessageLog) Unread(receiverID string) []string {
	var ids []string
	for _, m := range l.items {
		if m.ReceiverID == receiverID && !m.IsRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Messages returns a copy in display order.
func (l *MessageLog) Messages() []Message {
	out := make([]Message, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	return len(l.items)
}
