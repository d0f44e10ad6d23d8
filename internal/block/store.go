// Package block provides read access to user block relationships backed by
// Redis. Each blocker owns a set of the users they block:
//
//	Key:     block:<blocker_id>
//	Members: <blocked_id>...
//
// The safety subsystem maintains the sets; the matchmaker only reads them.
package block

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// BlockPrefix is the Redis key prefix for block sets.
const BlockPrefix = "block:"

// Edge is a directed "Blocker blocks Blocked" relationship.
type Edge struct {
	Blocker string
	Blocked string
}

// Store manages block sets in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Block records that blocker blocks blocked.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	if err := s.client.SAdd(ctx, BlockPrefix+blocker, blocked).Err(); err != nil {
		return fmt.Errorf("block: add %s->%s: %w", blocker, blocked, err)
	}
	return nil
}

// Unblock removes a single edge.
func (s *Store) Unblock(ctx context.Context, blocker, blocked string) error {
	if err := s.client.SRem(ctx, BlockPrefix+blocker, blocked).Err(); err != nil {
		return fmt.Errorf("block: remove %s->%s: %w", blocker, blocked, err)
	}
	return nil
}

// Blocked reports whether either user blocks the other.
func (s *Store) Blocked(ctx context.Context, a, b string) (bool, error) {
	pipe := s.client.Pipeline()
	ab := pipe.SIsMember(ctx, BlockPrefix+a, b)
	ba := pipe.SIsMember(ctx, BlockPrefix+b, a)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("block: check %s/%s: %w", a, b, err)
	}
	return ab.Val() || ba.Val(), nil
}

// Edges returns every block edge. Keys are walked with SCAN so large
// keyspaces are not blocked.
func (s *Store) Edges(ctx context.Context) ([]Edge, error) {
	var edges []Edge
	iter := s.client.Scan(ctx, 0, BlockPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		blocker := strings.TrimPrefix(key, BlockPrefix)
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("block: members %s: %w", key, err)
		}
		for _, blocked := range members {
			edges = append(edges, Edge{Blocker: blocker, Blocked: blocked})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("block: scan: %w", err)
	}
	return edges, nil
}
