package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/daymatch/internal/clocktest"
	"github.com/whisper/daymatch/internal/store"
	"github.com/whisper/daymatch/internal/store/memstore"
)

func newTestCache(t *testing.T) (*Cache, *memstore.Store, *clocktest.Clock) {
	t.Helper()
	st := memstore.New()
	st.PutProfile(store.Profile{ID: "bob", DisplayName: "Bob"})
	st.SetKeywords("bob", map[string]int{"coffee": 9, "jazz": 4})
	clk := clocktest.New(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewCache(st, time.Minute, clk), st, clk
}

func TestCache_ServesFromCacheUntilExpiry(t *testing.T) {
	c, st, clk := newTestCache(t)
	ctx := context.Background()

	card, err := c.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", card.DisplayName)
	assert.Equal(t, []string{"coffee", "jazz"}, card.TopKeywords)

	st.PutProfile(store.Profile{ID: "bob", DisplayName: "Robert"})
	clk.Advance(59 * time.Second)
	card, err = c.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", card.DisplayName)
	assert.Equal(t, 1, st.Calls(memstore.OpProfile))

	clk.Advance(time.Second)
	card, err = c.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Robert", card.DisplayName)
	assert.Equal(t, 2, st.Calls(memstore.OpProfile))
}

func TestCache_Invalidate(t *testing.T) {
	c, st, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "bob")
	require.NoError(t, err)

	c.Invalidate("bob")
	_, err = c.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Calls(memstore.OpProfile))

	c.InvalidateAll()
	assert.Zero(t, c.Len())
}

func TestCache_LoadErrorNotCached(t *testing.T) {
	c, st, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	st.FailOp(memstore.OpTopKeywords, errors.New("timeout"))
	_, err = c.Get(ctx, "bob")
	assert.Error(t, err)
	assert.Zero(t, c.Len())
}
