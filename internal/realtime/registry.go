package realtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Purpose distinguishes the channel kinds a user session holds.
type Purpose string

const (
	PurposeMatches Purpose = "matches"
	PurposeChat    Purpose = "chat"
)

// Key identifies a channel by purpose, match date and sorted user pair. A
// matches subscription carries a single user.
type Key struct {
	Purpose   Purpose
	MatchDate string
	UserA     string
	UserB     string
}

// NewKey canonicalises the user order so (a, b) and (b, a) share a key.
func NewKey(purpose Purpose, matchDate string, users ...string) Key {
	sorted := append([]string(nil), users...)
	sort.Strings(sorted)
	k := Key{Purpose: purpose, MatchDate: matchDate}
	if len(sorted) > 0 {
		k.UserA = sorted[0]
	}
	if len(sorted) > 1 {
		k.UserB = sorted[1]
	}
	return k
}

// Topic renders the key as a transport topic. Both chat participants derive
// the same topic.
func (k Key) Topic() string {
	parts := []string{string(k.Purpose)}
	if k.MatchDate != "" {
		parts = append(parts, k.MatchDate)
	}
	for _, u := range []string{k.UserA, k.UserB} {
		if u != "" {
			parts = append(parts, u)
		}
	}
	return strings.Join(parts, ":")
}

func (k Key) String() string {
	return k.Topic()
}

// Registry enforces at most one live channel per Key. One Registry is owned
// by each user session.
type Registry struct {
	transport Transport

	mu   sync.Mutex
	live map[Key]struct{}
}

// NewRegistry creates a registry joining through transport.
func NewRegistry(transport Transport) *Registry {
	return &Registry{
		transport: transport,
		live:      make(map[Key]struct{}),
	}
}

// Join opens the channel for key. The key is reserved for the duration of
// the join so concurrent joins for the same key cannot both succeed.
func (r *Registry) Join(ctx context.Context, key Key, spec Spec, h Handlers) (Channel, error) {
	r.mu.Lock()
	if _, ok := r.live[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, key)
	}
	r.live[key] = struct{}{}
	r.mu.Unlock()

	ch, err := r.transport.Join(ctx, key.Topic(), spec, h)
	if err != nil {
		r.release(key)
		return nil, err
	}
	return &registeredChannel{Channel: ch, key: key, registry: r}, nil
}

// Active returns the keys of all live channels.
func (r *Registry) Active() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.live))
	for k := range r.live {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Topic() < keys[j].Topic() })
	return keys
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Registry) release(key Key) {
	r.mu.Lock()
	delete(r.live, key)
	r.mu.Unlock()
}

type registeredChannel struct {
	Channel
	key      Key
	registry *Registry
	once     sync.Once
}

func (c *registeredChannel) Leave() error {
	var err error
	c.once.Do(func() {
		err = c.Channel.Leave()
		c.registry.release(c.key)
	})
	return err
}
