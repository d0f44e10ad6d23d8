// Package profile serves partner display cards (name and top keywords)
// through an explicit TTL cache. Expiry is evaluated against an injected
// clock so tests control time; go-cache holds the entries and evicts them
// in the background.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/whisper/daymatch/internal/store"
)

// CardKeywords is how many of the partner's top keywords a card shows.
const CardKeywords = 5

// Card is the display metadata shown for a partner.
type Card struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	TopKeywords []string `json:"top_keywords,omitempty"`
}

// Loader reads the source rows for a card.
type Loader interface {
	Profile(ctx context.Context, userID string) (*store.Profile, error)
	TopKeywords(ctx context.Context, userID string, limit int) ([]store.KeywordCount, error)
}

type entry struct {
	card      Card
	fetchedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	loader Loader
	ttl    time.Duration
	clk    clockwork.Clock
	items  *gocache.Cache
}

// NewCache creates a cache whose entries are served for ttl after loading.
func NewCache(loader Loader, ttl time.Duration, clk clockwork.Clock) *Cache {
	return &Cache{
		loader: loader,
		ttl:    ttl,
		clk:    clk,
		// Wall-clock eviction only reclaims memory; freshness is decided by
		// clk in Get.
		items: gocache.New(2*ttl, 4*ttl),
	}
}

// Get returns the card for userID, loading it when absent or expired.
func (c *Cache) Get(ctx context.Context, userID string) (*Card, error) {
	if v, ok := c.items.Get(userID); ok {
		e := v.(entry)
		if c.clk.Now().Sub(e.fetchedAt) < c.ttl {
			card := e.card
			return &card, nil
		}
	}

	p, err := c.loader.Profile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("profile: load %s: %w", userID, err)
	}
	rows, err := c.loader.TopKeywords(ctx, userID, CardKeywords)
	if err != nil {
		return nil, fmt.Errorf("profile: keywords %s: %w", userID, err)
	}

	card := Card{UserID: userID, DisplayName: p.DisplayName}
	for _, r := range rows {
		card.TopKeywords = append(card.TopKeywords, r.Keyword)
	}
	c.items.Set(userID, entry{card: card, fetchedAt: c.clk.Now()}, gocache.DefaultExpiration)
	return &card, nil
}

// Invalidate drops one user's card.
func (c *Cache) Invalidate(userID string) {
	c.items.Delete(userID)
}

// InvalidateAll drops every card.
func (c *Cache) InvalidateAll() {
	c.items.Flush()
}

// Len returns the number of cached cards, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}
