package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserPrefix is the Redis key prefix for the per-user set of session ids.
	UserPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// App states mirrored from the client.
	AppForeground = "foreground"
	AppBackground = "background"
)

// Session represents a gateway session stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`     // which gateway instance
	PartnerID  string `redis:"partner_id"` // empty if no conversation is open
	MatchDate  string `redis:"match_date"`
	AppState   string `redis:"app_state"`   // foreground | background
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new foreground session for userID with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"partner_id":  "",
		"match_date":  "",
		"app_state":   AppForeground,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, UserPrefix+userID, sessionID)
	pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// ForUser returns the ids of the live sessions held by userID. Ids whose
// session hash has expired are pruned from the set.
func (s *Store) ForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, SessionPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("session: list %s: %w", userID, err)
		}
		if n == 0 {
			s.client.SRem(ctx, UserPrefix+userID, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// SetChat records the open conversation and refreshes the TTL.
func (s *Store) SetChat(ctx context.Context, sessionID, partnerID, matchDate string) error {
	return s.update(ctx, sessionID, "partner_id", partnerID, "match_date", matchDate)
}

// ClearChat removes the open conversation.
func (s *Store) ClearChat(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, "partner_id", "", "match_date", "")
}

// SetAppState records whether the client app is foregrounded.
func (s *Store) SetAppState(ctx context.Context, sessionID, state string) error {
	return s.update(ctx, sessionID, "app_state", state)
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, SessionPrefix+sessionID, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserPrefix+userID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, sessionID string, fields ...interface{}) error {
	key := SessionPrefix + sessionID
	fields = append(fields, "last_active", time.Now().Unix())
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: update %s: %w", sessionID, err)
	}
	return nil
}
