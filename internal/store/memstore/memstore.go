// Package memstore is an in-memory implementation of the daymatch store.
// It mirrors the PostgreSQL semantics the engines depend on (canonical
// pairs, idempotent receipts, receiver-side read flags) and emits the same
// row changes the database triggers would.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/store"
)

// ChangeSink receives row changes after each committed write.
type ChangeSink interface {
	PublishChange(realtime.Change)
}

// Operation names accepted by FailOp.
const (
	OpEligibleUserIDs      = "EligibleUserIDs"
	OpTopKeywords          = "TopKeywords"
	OpDeleteMatches        = "DeleteMatches"
	OpInsertMatches        = "InsertMatches"
	OpMatchForUser         = "MatchForUser"
	OpInsertMessage        = "InsertMessage"
	OpConversationMessages = "ConversationMessages"
	OpInsertReadReceipts   = "InsertReadReceipts"
	OpProfile              = "Profile"
)

type receiptKey struct {
	messageID string
	userID    string
}

// Store is safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	profiles     map[string]store.Profile
	keywords     map[string][]store.KeywordCount
	matches      map[string]store.Match
	messages     map[string]store.ChatMessage
	receipts     map[receiptKey]time.Time
	failures     map[string]error
	keywordFails map[string]error
	calls        map[string]int
	sink         ChangeSink
}

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles:     make(map[string]store.Profile),
		keywords:     make(map[string][]store.KeywordCount),
		matches:      make(map[string]store.Match),
		messages:     make(map[string]store.ChatMessage),
		receipts:     make(map[receiptKey]time.Time),
		failures:     make(map[string]error),
		keywordFails: make(map[string]error),
		calls:        make(map[string]int),
	}
}

// SetChangeSink routes row changes to sink.
func (s *Store) SetChangeSink(sink ChangeSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// FailOp makes op return err until cleared with a nil err.
func (s *Store) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// FailKeywordsFor makes TopKeywords fail for one user.
func (s *Store) FailKeywordsFor(userID string, err error) {
	s.mu.Lock()
	s.keywordFails[userID] = err
	s.mu.Unlock()
}

// Calls returns how often op has been invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// PutProfile stores display metadata.
func (s *Store) PutProfile(p store.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// SetKeywords replaces a user's histogram.
func (s *Store) SetKeywords(userID string, counts map[string]int) {
	rows := make([]store.KeywordCount, 0, len(counts))
	for k, c := range counts {
		rows = append(rows, store.KeywordCount{UserID: userID, Keyword: k, Count: c})
	}
	s.mu.Lock()
	s.keywords[userID] = rows
	s.mu.Unlock()
}

// PutMatch inserts or replaces a match row, emitting INSERT or UPDATE.
func (s *Store) PutMatch(m store.Match) {
	s.mu.Lock()
	old, existed := s.matches[m.ID]
	s.matches[m.ID] = m
	sink := s.sink
	s.mu.Unlock()

	if existed {
		emit(sink, store.TableMatches, realtime.EventUpdate, &old, &m)
	} else {
		emit(sink, store.TableMatches, realtime.EventInsert, nil, &m)
	}
}

// RemoveMatch deletes a match row by id, emitting DELETE.
func (s *Store) RemoveMatch(id string) {
	s.mu.Lock()
	old, ok := s.matches[id]
	delete(s.matches, id)
	sink := s.sink
	s.mu.Unlock()

	if ok {
		emit(sink, store.TableMatches, realtime.EventDelete, &old, nil)
	}
}

// Matches returns the rows for date, sorted by user A.
func (s *Store) Matches(date string) []store.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Match
	for _, m := range s.matches {
		if m.MatchDate == date {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserAID < out[j].UserAID })
	return out
}

// Messages returns every stored message.
func (s *Store) Messages() []store.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// ReceiptCount returns the number of stored read receipts.
func (s *Store) ReceiptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// HasReceipt reports whether userID has a receipt for messageID.
func (s *Store) HasReceipt(messageID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[receiptKey{messageID, userID}]
	return ok
}

func (s *Store) EligibleUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpEligibleUserIDs); err != nil {
		return nil, err
	}
	var ids []string
	for uid, rows := range s.keywords {
		for _, r := range rows {
			if r.Count > 0 {
				ids = append(ids, uid)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) TopKeywords(ctx context.Context, userID string, limit int) ([]store.KeywordCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpTopKeywords); err != nil {
		return nil, err
	}
	if err := s.keywordFails[userID]; err != nil {
		return nil, fmt.Errorf("memstore: top keywords %s: %w", userID, err)
	}
	var rows []store.KeywordCount
	for _, r := range s.keywords[userID] {
		if r.Count > 0 {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Keyword < rows[j].Keyword
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Store) DeleteMatches(ctx context.Context, date string) (int64, error) {
	s.mu.Lock()
	if err := s.enter(ctx, OpDeleteMatches); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	var removed []store.Match
	for id, m := range s.matches {
		if m.MatchDate == date {
			removed = append(removed, m)
			delete(s.matches, id)
		}
	}
	sink := s.sink
	s.mu.Unlock()

	for i := range removed {
		emit(sink, store.TableMatches, realtime.EventDelete, &removed[i], nil)
	}
	return int64(len(removed)), nil
}

func (s *Store) InsertMatches(ctx context.Context, matches []store.Match) error {
	s.mu.Lock()
	if err := s.enter(ctx, OpInsertMatches); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, m := range matches {
		if m.UserAID >= m.UserBID {
			s.mu.Unlock()
			return fmt.Errorf("memstore: insert matches: non-canonical pair %s/%s", m.UserAID, m.UserBID)
		}
		for _, existing := range s.matches {
			if existing.MatchDate == m.MatchDate && existing.UserAID == m.UserAID && existing.UserBID == m.UserBID {
				s.mu.Unlock()
				return fmt.Errorf("memstore: insert matches: duplicate pair %s/%s on %s", m.UserAID, m.UserBID, m.MatchDate)
			}
		}
	}
	for _, m := range matches {
		s.matches[m.ID] = m
	}
	sink := s.sink
	s.mu.Unlock()

	for i := range matches {
		emit(sink, store.TableMatches, realtime.EventInsert, nil, &matches[i])
	}
	return nil
}

func (s *Store) MatchForUser(ctx context.Context, userID, date string) (*store.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpMatchForUser); err != nil {
		return nil, err
	}
	for _, m := range s.matches {
		if m.MatchDate == date && m.Involves(userID) {
			found := m
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *store.ChatMessage) error {
	s.mu.Lock()
	if err := s.enter(ctx, OpInsertMessage); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, dup := s.messages[msg.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("memstore: insert message %s: duplicate id", msg.ID)
	}
	stored := *msg
	s.messages[msg.ID] = stored
	sink := s.sink
	s.mu.Unlock()

	emit(sink, store.TableChatMessages, realtime.EventInsert, nil, &stored)
	return nil
}

func (s *Store) ConversationMessages(ctx context.Context, userID, partnerID, date string) ([]store.MessageWithReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpConversationMessages); err != nil {
		return nil, err
	}
	var out []store.MessageWithReceipt
	for _, m := range s.messages {
		if m.MatchDate != date || m.IsDeleted {
			continue
		}
		between := (m.SenderID == userID && m.ReceiverID == partnerID) ||
			(m.SenderID == partnerID && m.ReceiverID == userID)
		if !between {
			continue
		}
		_, read := s.receipts[receiptKey{m.ID, m.ReceiverID}]
		out = append(out, store.MessageWithReceipt{ChatMessage: m, IsRead: read})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertReadReceipts(ctx context.Context, userID string, messageIDs []string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpInsertReadReceipts); err != nil {
		return err
	}
	for _, id := range messageIDs {
		k := receiptKey{id, userID}
		if _, ok := s.receipts[k]; !ok {
			s.receipts[k] = readAt
		}
	}
	return nil
}

func (s *Store) Profile(ctx context.Context, userID string) (*store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpProfile); err != nil {
		return nil, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("memstore: profile %s: %w", userID, store.ErrNotFound)
	}
	return &p, nil
}

// enter counts the call and applies injected failures. Caller holds s.mu.
func (s *Store) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.failures[op]; err != nil {
		return fmt.Errorf("memstore: %s: %w", op, err)
	}
	return nil
}

func emit[T any](sink ChangeSink, table string, event realtime.Event, before, after *T) {
	if sink == nil {
		return
	}
	c := realtime.Change{Table: table, Type: event}
	if before != nil {
		c.Old, _ = json.Marshal(before)
	}
	if after != nil {
		c.New, _ = json.Marshal(after)
	}
	sink.PublishChange(c)
}
