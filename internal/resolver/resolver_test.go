package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/calendar"
	"github.com/whisper/daymatch/internal/clocktest"
	"github.com/whisper/daymatch/internal/profile"
	"github.com/whisper/daymatch/internal/store"
	"github.com/whisper/daymatch/internal/store/memstore"
)

const today = "2024-05-01"

func newCalendar(t *testing.T) (*calendar.Calendar, *clocktest.Clock) {
	t.Helper()
	clk := clocktest.New(time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC))
	cal, err := calendar.New("UTC", clk)
	require.NoError(t, err)
	return cal, clk
}

type enricherFunc func(ctx context.Context, userID string) (*profile.Card, error)

func (f enricherFunc) Get(ctx context.Context, userID string) (*profile.Card, error) {
	return f(ctx, userID)
}

func TestResolve_MatchedAndUnmatched(t *testing.T) {
	cal, clk := newCalendar(t)
	st := memstore.New()
	st.PutMatch(store.Match{ID: "m1", UserAID: "alice", UserBID: "bob", MatchDate: today})
	st.PutMatch(store.Match{ID: "m0", UserAID: "alice", UserBID: "carol", MatchDate: "2024-04-30"})

	r := New(st, nil, cal, clk, time.Second, zap.NewNop())
	ctx := context.Background()

	m, err := r.Resolve(ctx, "bob", TriggerDirect)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, Match{MatchID: "m1", PartnerID: "alice", MatchDate: today}, *m)

	m, err = r.Resolve(ctx, "carol", TriggerDirect)
	require.NoError(t, err)
	assert.Nil(t, m, "yesterday's match must not resolve")

	s := r.State("bob")
	assert.Equal(t, TriggerDirect, s.Trigger)
	assert.Equal(t, "alice", s.Match.PartnerID)
}

func TestResolve_ErrorKeepsPreviousMatch(t *testing.T) {
	cal, clk := newCalendar(t)
	st := memstore.New()
	st.PutMatch(store.Match{ID: "m1", UserAID: "alice", UserBID: "bob", MatchDate: today})
	r := New(st, nil, cal, clk, time.Second, zap.NewNop())
	ctx := context.Background()

	_, err := r.Resolve(ctx, "alice", TriggerDirect)
	require.NoError(t, err)

	boom := errors.New("connection refused")
	st.FailOp(memstore.OpMatchForUser, boom)
	_, err = r.Resolve(ctx, "alice", TriggerSubscription)
	assert.ErrorIs(t, err, boom)

	s := r.State("alice")
	assert.ErrorIs(t, s.Err, boom)
	require.NotNil(t, s.Match)
	assert.Equal(t, "bob", s.Match.PartnerID)
}

// gatedStore parks every lookup until the test answers it.
type gatedStore struct {
	requests chan chan *store.Match
}

func (g *gatedStore) MatchForUser(ctx context.Context, userID, date string) (*store.Match, error) {
	reply := make(chan *store.Match)
	g.requests <- reply
	return <-reply, nil
}

func TestResolve_OlderResultNeverOverwritesNewer(t *testing.T) {
	cal, clk := newCalendar(t)
	g := &gatedStore{requests: make(chan chan *store.Match)}
	r := New(g, nil, cal, clk, time.Second, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Match, 2)
	resolve := func(i int) {
		defer wg.Done()
		m, err := r.Resolve(ctx, "alice", TriggerDirect)
		assert.NoError(t, err)
		results[i] = m
	}

	wg.Add(2)
	go resolve(0)
	first := <-g.requests
	go resolve(1)
	second := <-g.requests

	second <- &store.Match{ID: "new", UserAID: "alice", UserBID: "dave", MatchDate: today}
	first <- &store.Match{ID: "old", UserAID: "alice", UserBID: "bob", MatchDate: today}
	wg.Wait()

	assert.Equal(t, "bob", results[0].PartnerID, "each caller still gets its own answer")
	s := r.State("alice")
	require.NotNil(t, s.Match)
	assert.Equal(t, "new", s.Match.MatchID)
	assert.Equal(t, uint64(2), s.Seq)
}

func TestResolve_EnrichesPartnerAsynchronously(t *testing.T) {
	cal, clk := newCalendar(t)
	st := memstore.New()
	st.PutMatch(store.Match{ID: "m1", UserAID: "alice", UserBID: "bob", MatchDate: today})

	enricher := enricherFunc(func(ctx context.Context, userID string) (*profile.Card, error) {
		return &profile.Card{UserID: userID, DisplayName: "Bob"}, nil
	})
	r := New(st, enricher, cal, clk, time.Second, zap.NewNop())

	var mu sync.Mutex
	var seen []State
	r.Watch("alice", func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	_, err := r.Resolve(context.Background(), "alice", TriggerDirect)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s := r.State("alice")
		return s.Partner != nil && s.Partner.DisplayName == "Bob"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Nil(t, seen[0].Partner)
	assert.Equal(t, "Bob", seen[1].Partner.DisplayName)
}

func TestResolve_EnrichmentFailureIsIgnored(t *testing.T) {
	cal, clk := newCalendar(t)
	st := memstore.New()
	st.PutMatch(store.Match{ID: "m1", UserAID: "alice", UserBID: "bob", MatchDate: today})

	called := make(chan struct{})
	enricher := enricherFunc(func(ctx context.Context, userID string) (*profile.Card, error) {
		defer close(called)
		return nil, store.ErrNotFound
	})
	r := New(st, enricher, cal, clk, time.Second, zap.NewNop())

	m, err := r.Resolve(context.Background(), "alice", TriggerDirect)
	require.NoError(t, err)
	require.NotNil(t, m)

	<-called
	s := r.State("alice")
	assert.NoError(t, s.Err)
	assert.Nil(t, s.Partner)
	assert.Equal(t, "bob", s.Match.PartnerID)
}

func TestWatch_Cancel(t *testing.T) {
	cal, clk := newCalendar(t)
	r := New(memstore.New(), nil, cal, clk, time.Second, zap.NewNop())

	calls := 0
	cancel := r.Watch("alice", func(State) { calls++ })
	_, err := r.Resolve(context.Background(), "alice", TriggerDirect)
	require.NoError(t, err)
	cancel()
	_, err = r.Resolve(context.Background(), "alice", TriggerDirect)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	r.Forget("alice")
	assert.Equal(t, uint64(0), r.State("alice").Seq)
}
