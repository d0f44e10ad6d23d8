package chat

import (
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, to string, offset time.Duration) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Text: "text " + id, SentAt: t0.Add(offset), MatchDate: "2024-05-01"}
}

func ids(ms []Message) string {
	out := ""
	for _, m := range ms {
		out += m.ID + " "
	}
	return out
}

func TestMessageLog_OrdersBySentAtThenID(t *testing.T) {
	l := NewMessageLog()
	l.Upsert(msg("c", "a", "b", 2*time.Second))
	l.Upsert(msg("b", "a", "b", time.Second))
	l.Upsert(msg("z", "b", "a", 0))
	l.Upsert(msg("a", "a", "b", time.Second))

	if got, want := ids(l.Messages()), "z a b c "; got != want {
		t.Fatalf("order = %q, want %q", got, want)
	}
}

func TestMessageLog_DeduplicatesByID(t *testing.T) {
	l := NewMessageLog()
	if !l.Upsert(msg("m1", "a", "b", 0)) {
		t.Fatal("first insert should be new")
	}
	if l.Upsert(msg("m1", "a", "b", 0)) {
		t.Fatal("second insert should be a duplicate")
	}
	if added := l.Merge([]Message{msg("m1", "a", "b", 0), msg("m2", "b", "a", time.Second)}); added != 1 {
		t.Fatalf("merge added %d, want 1", added)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", l.Len())
	}
}

func TestMessageLog_ReadFlagIsMonotonic(t *testing.T) {
	l := NewMessageLog()
	read := msg("m1", "a", "b", 0)
	read.IsRead = true
	l.Upsert(read)

	l.Upsert(msg("m1", "a", "b", 0))
	if m, _ := l.Get("m1"); !m.IsRead {
		t.Fatal("an unread copy must not clear the read flag")
	}

	l.Upsert(msg("m2", "a", "b", time.Second))
	read2 := msg("m2", "a", "b", time.Second)
	read2.IsRead = true
	l.Upsert(read2)
	if m, _ := l.Get("m2"); !m.IsRead {
		t.Fatal("a read copy should set the flag")
	}
}

func TestMessageLog_MarkReadOnlyForReceiver(t *testing.T) {
	l := NewMessageLog()
	l.Upsert(msg("in", "bob", "alice", 0))
	l.Upsert(msg("out", "alice", "bob", time.Second))

	changed := l.MarkRead([]string{"in", "out", "missing"}, "alice")
	if len(changed) != 1 || changed[0] != "in" {
		t.Fatalf("changed = %v, want [in]", changed)
	}
	if again := l.MarkRead([]string{"in"}, "alice"); len(again) != 0 {
		t.Fatalf("second mark changed %v", again)
	}
	if unread := l.Unread("bob"); len(unread) != 1 || unread[0] != "out" {
		t.Fatalf("unread for bob = %v", unread)
	}
}

func TestMessageLog_ManyOutOfOrder(t *testing.T) {
	l := NewMessageLog()
	for i := 9; i >= 0; i-- {
		l.Upsert(msg(fmt.Sprintf("m%d", i), "a", "b", time.Duration(i)*time.Second))
	}
	ms := l.Messages()
	for i := 1; i < len(ms); i++ {
		if before(ms[i], ms[i-1]) {
			t.Fatalf("messages out of order at %d: %s before %s", i, ms[i-1].ID, ms[i].ID)
		}
	}
	for i, m := range ms {
		if got, _ := l.Get(m.ID); got.ID != ms[i].ID {
			t.Fatalf("index out of sync for %s", m.ID)
		}
	}
}
