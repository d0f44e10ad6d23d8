package block

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// test block keys before returning. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, BlockPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestBlocked_EitherDirection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Block(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Block() error: %v", err)
	}

	for _, pair := range [][2]string{{"test_a", "test_b"}, {"test_b", "test_a"}} {
		blocked, err := store.Blocked(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("Blocked() error: %v", err)
		}
		if !blocked {
			t.Errorf("expected %s/%s to be blocked", pair[0], pair[1])
		}
	}

	blocked, err := store.Blocked(ctx, "test_a", "test_c")
	if err != nil {
		t.Fatalf("Blocked() error: %v", err)
	}
	if blocked {
		t.Error("expected test_a/test_c not blocked")
	}
}

func TestEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Block(ctx, "test_a", "test_b")
	store.Block(ctx, "test_a", "test_c")
	store.Block(ctx, "test_d", "test_a")

	edges, err := store.Edges(ctx)
	if err != nil {
		t.Fatalf("Edges() error: %v", err)
	}

	want := map[Edge]bool{
		{Blocker: "test_a", Blocked: "test_b"}: true,
		{Blocker: "test_a", Blocked: "test_c"}: true,
		{Blocker: "test_d", Blocked: "test_a"}: true,
	}
	got := 0
	for _, e := range edges {
		if want[e] {
			got++
		}
	}
	if got != len(want) {
		t.Errorf("expected %d test edges, found %d in %v", len(want), got, edges)
	}
}

func TestUnblock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Block(ctx, "test_x", "test_y")
	if err := store.Unblock(ctx, "test_x", "test_y"); err != nil {
		t.Fatalf("Unblock() error: %v", err)
	}

	blocked, err := store.Blocked(ctx, "test_x", "test_y")
	if err != nil {
		t.Fatalf("Blocked() error: %v", err)
	}
	if blocked {
		t.Error("expected not blocked after Unblock()")
	}
}
