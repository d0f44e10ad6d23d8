package store

import "time"

// Table names as seen by the change feed.
const (
	TableMatches      = "matches"
	TableChatMessages = "chat_messages"
)

// KeywordCount is one histogram entry produced by keyword extraction.
type KeywordCount struct {
	UserID  string `gorm:"column:user_id;primaryKey" json:"user_id"`
	Keyword string `gorm:"column:keyword;primaryKey" json:"keyword"`
	Count   int    `gorm:"column:count" json:"count"`
}

func (KeywordCount) TableName() string { return "keyword_counts" }

// Match pairs two users for one service-local day. UserAID < UserBID.
type Match struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	UserAID         string    `gorm:"column:user_a_id" json:"user_a_id"`
	UserBID         string    `gorm:"column:user_b_id" json:"user_b_id"`
	MatchDate       string    `gorm:"column:match_date" json:"match_date"`
	SimilarityScore int       `gorm:"column:similarity_score" json:"similarity_score"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Match) TableName() string { return TableMatches }

// Involves reports whether userID is one side of the match.
func (m Match) Involves(userID string) bool {
	return m.UserAID == userID || m.UserBID == userID
}

// Partner returns the other side of the match, or "" if userID is not a
// participant.
func (m Match) Partner(userID string) string {
	switch userID {
	case m.UserAID:
		return m.UserBID
	case m.UserBID:
		return m.UserAID
	default:
		return ""
	}
}

// ChatMessage is a day-scoped message between matched users. IDs are
// assigned by the sender so the optimistic local copy and every later
// delivery share one identity.
type ChatMessage struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	SenderID   string    `gorm:"column:sender_id" json:"sender_id"`
	ReceiverID string    `gorm:"column:receiver_id" json:"receiver_id"`
	Text       string    `gorm:"column:text" json:"text"`
	SentAt     time.Time `gorm:"column:sent_at" json:"sent_at"`
	MatchDate  string    `gorm:"column:match_date" json:"match_date"`
	IsDeleted  bool      `gorm:"column:is_deleted" json:"is_deleted"`
}

func (ChatMessage) TableName() string { return TableChatMessages }

// MessageWithReceipt is a ChatMessage with the receiver's read state
// attached.
type MessageWithReceipt struct {
	ChatMessage `gorm:"embedded"`
	IsRead      bool `gorm:"column:is_read"`
}

// ReadReceipt records that UserID has seen MessageID.
type ReadReceipt struct {
	MessageID string    `gorm:"column:message_id;primaryKey" json:"message_id"`
	UserID    string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	ReadAt    time.Time `gorm:"column:read_at" json:"read_at"`
}

func (ReadReceipt) TableName() string { return "read_receipts" }

// Profile is the display metadata owned by the account subsystem.
type Profile struct {
	ID          string `gorm:"column:id;primaryKey" json:"id"`
	DisplayName string `gorm:"column:display_name" json:"display_name"`
}

func (Profile) TableName() string { return "profiles" }
