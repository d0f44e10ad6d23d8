package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to DATABASE_URL, applies migrations and clears the
// tables. Tests are skipped when no database is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("skipping integration test: DATABASE_URL not set")
	}
	require.NoError(t, Migrate(dsn, false))

	db, err := Open(dsn)
	require.NoError(t, err)

	clear := func() {
		for _, table := range []string{"read_receipts", "chat_messages", "matches", "keyword_counts", "profiles"} {
			db.Exec("DELETE FROM " + table)
		}
	}
	clear()
	t.Cleanup(func() {
		clear()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return New(db)
}

func TestStore_TopKeywordsAndEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []KeywordCount{
		{UserID: "alice", Keyword: "x", Count: 5},
		{UserID: "alice", Keyword: "y", Count: 2},
		{UserID: "bob", Keyword: "x", Count: 4},
		{UserID: "carol", Keyword: "w", Count: 0},
	}
	require.NoError(t, s.db.Create(&rows).Error)

	ids, err := s.EligibleUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)

	top, err := s.TopKeywords(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "x", top[0].Keyword)
}

func TestStore_MatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := "2024-05-01"

	require.NoError(t, s.InsertMatches(ctx, []Match{
		{ID: uuid.NewString(), UserAID: "alice", UserBID: "bob", MatchDate: date, SimilarityScore: 1},
	}))

	m, err := s.MatchForUser(ctx, "bob", date)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "alice", m.Partner("bob"))

	n, err := s.DeleteMatches(ctx, date)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	m, err = s.MatchForUser(ctx, "bob", date)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestStore_CanonicalPairEnforced(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertMatches(context.Background(), []Match{
		{ID: uuid.NewString(), UserAID: "bob", UserBID: "alice", MatchDate: "2024-05-01"},
	})
	assert.Error(t, err)
}

func TestStore_ConversationAndReceipts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := "2024-05-01"
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := &ChatMessage{ID: uuid.NewString(), SenderID: "alice", ReceiverID: "bob", Text: "hi", SentAt: base, MatchDate: date}
	second := &ChatMessage{ID: uuid.NewString(), SenderID: "bob", ReceiverID: "alice", Text: "hey", SentAt: base.Add(time.Second), MatchDate: date}
	otherDay := &ChatMessage{ID: uuid.NewString(), SenderID: "alice", ReceiverID: "bob", Text: "old", SentAt: base.Add(-24 * time.Hour), MatchDate: "2024-04-30"}
	for _, m := range []*ChatMessage{second, first, otherDay} {
		require.NoError(t, s.InsertMessage(ctx, m))
	}

	// Duplicate receipts are a no-op.
	require.NoError(t, s.InsertReadReceipts(ctx, "bob", []string{first.ID}, base))
	require.NoError(t, s.InsertReadReceipts(ctx, "bob", []string{first.ID}, base.Add(time.Minute)))

	msgs, err := s.ConversationMessages(ctx, "bob", "alice", date)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.False(t, msgs[1].IsRead)

	var count int64
	require.NoError(t, s.db.Model(&ReadReceipt{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestStore_ProfileNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
