// Package store provides PostgreSQL-backed persistence for daily matches,
// chat messages, read receipts and the read-only keyword and profile tables.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned by point lookups that find no row.
var ErrNotFound = errors.New("store: not found")

// Store manages daymatch rows in PostgreSQL.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL through GORM.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return db, nil
}

// New creates a store over an open GORM handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// EligibleUserIDs returns every user with at least one positive keyword
// count, sorted by id.
func (s *Store) EligibleUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&KeywordCount{}).
		Where("count > 0").
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: eligible users: %w", err)
	}
	return ids, nil
}

// TopKeywords returns a user's histogram ordered by count descending, capped
// at limit entries.
func (s *Store) TopKeywords(ctx context.Context, userID string, limit int) ([]KeywordCount, error) {
	var rows []KeywordCount
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND count > 0", userID).
		Order("count DESC, keyword ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: top keywords %s: %w", userID, err)
	}
	return rows, nil
}

// DeleteMatches removes every match for date and returns the row count.
func (s *Store) DeleteMatches(ctx context.Context, date string) (int64, error) {
	res := s.db.WithContext(ctx).Where("match_date = ?", date).Delete(&Match{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: delete matches %s: %w", date, res.Error)
	}
	return res.RowsAffected, nil
}

// InsertMatches bulk-inserts a day's pairings.
func (s *Store) InsertMatches(ctx context.Context, matches []Match) error {
	if len(matches) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(matches, 500).Error; err != nil {
		return fmt.Errorf("store: insert matches: %w", err)
	}
	return nil
}

// MatchForUser returns the user's match for date. Returns nil if the user is
// unmatched.
func (s *Store) MatchForUser(ctx context.Context, userID, date string) (*Match, error) {
	var m Match
	err := s.db.WithContext(ctx).
		Where("match_date = ? AND (user_a_id = ? OR user_b_id = ?)", date, userID, userID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: match for %s on %s: %w", userID, date, err)
	}
	return &m, nil
}

// InsertMessage persists a chat message.
func (s *Store) InsertMessage(ctx context.Context, msg *ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// ConversationMessages returns both directions of a day's conversation,
// ordered by sent time, with the receiver's read receipt left-joined.
func (s *Store) ConversationMessages(ctx context.Context, userID, partnerID, date string) ([]MessageWithReceipt, error) {
	var rows []MessageWithReceipt
	err := s.db.WithContext(ctx).
		Table("chat_messages AS m").
		Select("m.id, m.sender_id, m.receiver_id, m.text, m.sent_at, m.match_date, m.is_deleted, r.message_id IS NOT NULL AS is_read").
		Joins("LEFT JOIN read_receipts AS r ON r.message_id = m.id AND r.user_id = m.receiver_id").
		Where("m.match_date = ? AND m.is_deleted = FALSE", date).
		Where("(m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)",
			userID, partnerID, partnerID, userID).
		Order("m.sent_at ASC, m.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: conversation %s/%s on %s: %w", userID, partnerID, date, err)
	}
	return rows, nil
}

// InsertReadReceipts records receipts for userID. Existing receipts are left
// untouched.
func (s *Store) InsertReadReceipts(ctx context.Context, userID string, messageIDs []string, readAt time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	rows := make([]ReadReceipt, 0, len(messageIDs))
	for _, id := range messageIDs {
		rows = append(rows, ReadReceipt{MessageID: id, UserID: userID, ReadAt: readAt})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("store: insert read receipts: %w", err)
	}
	return nil
}

// Profile returns a user's display metadata.
func (s *Store) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: profile %s: %w", userID, err)
	}
	return &p, nil
}
