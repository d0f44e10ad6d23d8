package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/clocktest"
	"github.com/whisper/daymatch/internal/profile"
	"github.com/whisper/daymatch/internal/push"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/realtime/memrt"
	"github.com/whisper/daymatch/internal/store"
	"github.com/whisper/daymatch/internal/store/memstore"
)

const today = "2024-05-01"

type countingJoiner struct {
	inner Joiner
	mu    sync.Mutex
	n     int
}

func (j *countingJoiner) Join(ctx context.Context, key realtime.Key, spec realtime.Spec, h realtime.Handlers) (realtime.Channel, error) {
	j.mu.Lock()
	j.n++
	j.mu.Unlock()
	return j.inner.Join(ctx, key, spec, h)
}

func (j *countingJoiner) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

type env struct {
	clk   *clocktest.Clock
	hub   *memrt.Hub
	st    *memstore.Store
	notes chan push.Notification
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clk:   clocktest.New(t0),
		hub:   memrt.NewHub(),
		st:    memstore.New(),
		notes: make(chan push.Notification, 16),
	}
	e.st.SetChangeSink(e.hub)
	e.st.PutProfile(store.Profile{ID: "alice", DisplayName: "Alice"})
	e.st.PutProfile(store.Profile{ID: "bob", DisplayName: "Bob"})
	return e
}

func (e *env) manager(t *testing.T, userID string) (*Manager, *countingJoiner) {
	t.Helper()
	j := &countingJoiner{inner: realtime.NewRegistry(e.hub)}
	m := NewManager(userID, Deps{
		Store:  e.st,
		Joiner: j,
		Notifier: push.Func(func(ctx context.Context, n push.Notification) error {
			e.notes <- n
			return nil
		}),
		Names: profile.NewCache(e.st, time.Minute, e.clk),
		Clock: e.clk,
	}, DefaultConfig(), zap.NewNop())
	t.Cleanup(m.Close)
	return m, j
}

// flush waits until every event queued so far for m's conversation has
// been handled.
func flush(t *testing.T, m *Manager) {
	t.Helper()
	c := m.current()
	if c == nil {
		return
	}
	done := make(chan struct{})
	if !c.queue.push(barrier{done: done}) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation queue did not drain")
	}
}

func chatTopic(a, b string) string {
	return realtime.NewKey(realtime.PurposeChat, today, a, b).Topic()
}

func insertChange(t *testing.T, m store.ChatMessage) realtime.Change {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return realtime.Change{Table: store.TableChatMessages, Type: realtime.EventInsert, New: raw}
}

func (e *env) openPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	ctx := context.Background()
	a, _ := e.manager(t, "alice")
	b, _ := e.manager(t, "bob")
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	require.NoError(t, b.Open(ctx, "alice", today))
	flush(t, b)
	flush(t, a)
	return a, b
}

// stateRecorder collects the distinct connection states a manager reports.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func recordStates(m *Manager) *stateRecorder {
	r := &stateRecorder{}
	m.OnUpdate(func(s Snapshot) {
		r.mu.Lock()
		if len(r.states) == 0 || r.states[len(r.states)-1] != s.State {
			r.states = append(r.states, s.State)
		}
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

// pendingTimers counts the armed timers of one conversation.
func pendingTimers(c *conversation) int {
	n := 0
	for _, d := range []interface{ Pending() bool }{c.reconnectTimer, c.resumeTimer, c.refreshTimer, c.markReadTimer} {
		if d.Pending() {
			n++
		}
	}
	return n
}

// partnerStore counts history queries per partner.
type partnerStore struct {
	Store
	mu    sync.Mutex
	calls map[string]int
}

func (s *partnerStore) ConversationMessages(ctx context.Context, userID, partnerID, date string) ([]store.MessageWithReceipt, error) {
	s.mu.Lock()
	s.calls[partnerID]++
	s.mu.Unlock()
	return s.Store.ConversationMessages(ctx, userID, partnerID, date)
}

func (s *partnerStore) queries(partnerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[partnerID]
}

// gatedTransport holds the first join until release is closed, ignoring
// cancellation the way a slow handshake does.
type gatedTransport struct {
	realtime.Transport
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Join(ctx context.Context, topic string, spec realtime.Spec, h realtime.Handlers) (realtime.Channel, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Transport.Join(ctx, topic, spec, h)
}

func TestOpen_LoadsHistoryAndMarksReceivedRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.st.InsertMessage(ctx, &store.ChatMessage{ID: "m2", SenderID: "alice", ReceiverID: "bob", Text: "hi", SentAt: t0.Add(time.Second), MatchDate: today}))
	require.NoError(t, e.st.InsertMessage(ctx, &store.ChatMessage{ID: "m1", SenderID: "bob", ReceiverID: "alice", Text: "hey", SentAt: t0, MatchDate: today}))
	require.NoError(t, e.st.InsertMessage(ctx, &store.ChatMessage{ID: "old", SenderID: "bob", ReceiverID: "alice", Text: "yesterday", SentAt: t0.Add(-24 * time.Hour), MatchDate: "2024-04-30"}))

	a, _ := e.manager(t, "alice")
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)

	snap := a.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, "m2", snap.Messages[1].ID)
	assert.True(t, snap.Messages[0].IsRead)
	assert.True(t, e.st.HasReceipt("m1", "alice"))
	assert.False(t, e.st.HasReceipt("m2", "alice"))
	assert.Equal(t, Connected, snap.State)
	assert.Equal(t, 1, e.hub.Joined(chatTopic("alice", "bob")))
}

func TestOpen_RejectsInvalidConversation(t *testing.T) {
	e := newEnv(t)
	a, _ := e.manager(t, "alice")
	ctx := context.Background()

	assert.ErrorIs(t, a.Open(ctx, "", today), ErrInvalidConversation)
	assert.ErrorIs(t, a.Open(ctx, "alice", today), ErrInvalidConversation)
	assert.ErrorIs(t, a.Open(ctx, "bob", "05/01/2024"), ErrInvalidConversation)
	_, _, ok := a.ActivePartner()
	assert.False(t, ok)
}

func TestSend_RoundTripWithReadReceipt(t *testing.T) {
	e := newEnv(t)
	a, b := e.openPair(t)

	sent, err := a.Send(context.Background(), "hello bob")
	require.NoError(t, err)
	assert.Len(t, a.Snapshot().Messages, 1, "sender sees the message immediately")

	flush(t, b)
	got := b.Snapshot().Messages
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, "hello bob", got[0].Text)
	assert.False(t, got[0].IsRead)

	e.clk.Advance(DefaultConfig().MarkReadDelay)
	flush(t, b)
	assert.True(t, e.st.HasReceipt(sent.ID, "bob"))
	assert.True(t, b.Snapshot().Messages[0].IsRead)

	flush(t, a)
	assert.True(t, a.Snapshot().Messages[0].IsRead, "sender learns about the receipt")
}

func TestSend_DuplicateDeliveryIsIgnored(t *testing.T) {
	e := newEnv(t)
	a, b := e.openPair(t)

	sent, err := b.Send(context.Background(), "once")
	require.NoError(t, err)
	flush(t, a)

	row := store.ChatMessage{ID: sent.ID, SenderID: "bob", ReceiverID: "alice", Text: "once", SentAt: sent.SentAt, MatchDate: today}
	e.hub.PublishChange(insertChange(t, row))
	e.hub.PublishChange(insertChange(t, row))
	flush(t, a)

	assert.Len(t, a.Snapshot().Messages, 1)
}

func TestReceive_OrdersOutOfOrderArrivals(t *testing.T) {
	e := newEnv(t)
	a, _ := e.openPair(t)

	later := store.ChatMessage{ID: "late", SenderID: "bob", ReceiverID: "alice", Text: "second", SentAt: t0.Add(2 * time.Second), MatchDate: today}
	earlier := store.ChatMessage{ID: "early", SenderID: "bob", ReceiverID: "alice", Text: "first", SentAt: t0.Add(time.Second), MatchDate: today}
	stranger := store.ChatMessage{ID: "x", SenderID: "carol", ReceiverID: "alice", Text: "psst", SentAt: t0, MatchDate: today}
	e.hub.PublishChange(insertChange(t, later))
	e.hub.PublishChange(insertChange(t, earlier))
	e.hub.PublishChange(insertChange(t, stranger))
	flush(t, a)

	ms := a.Snapshot().Messages
	require.Len(t, ms, 2)
	assert.Equal(t, "early", ms[0].ID)
	assert.Equal(t, "late", ms[1].ID)
}

func TestSend_Validation(t *testing.T) {
	e := newEnv(t)
	a, _ := e.manager(t, "alice")
	ctx := context.Background()

	_, err := a.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrNoConversation)

	require.NoError(t, a.Open(ctx, "bob", today))
	_, err = a.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, e.st.Messages())
}

func TestSend_PushOnlyWhenPartnerAway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, _ := e.manager(t, "alice")
	b, _ := e.manager(t, "bob")
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)

	_, err := a.Send(ctx, "are you there?")
	require.NoError(t, err)
	select {
	case n := <-e.notes:
		assert.Equal(t, push.Notification{ReceiverID: "bob", Message: "are you there?", SenderID: "alice", SenderName: "Alice"}, n)
	case <-time.After(time.Second):
		t.Fatal("expected a push notification")
	}

	require.NoError(t, b.Open(ctx, "alice", today))
	flush(t, b)
	flush(t, a)
	require.True(t, a.Snapshot().PartnerOpen)

	_, err = a.Send(ctx, "oh hi")
	require.NoError(t, err)

	b.SetViewOpen(false)
	flush(t, a)
	require.False(t, a.Snapshot().PartnerOpen)

	_, err = a.Send(ctx, "bye then")
	require.NoError(t, err)
	select {
	case n := <-e.notes:
		assert.Equal(t, "bye then", n.Message, "the message sent while bob was looking must not notify")
	case <-time.After(time.Second):
		t.Fatal("expected a push notification")
	}
}

func TestSend_RejectedAfterPartnerGoneUntilReopened(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, _ := e.manager(t, "alice")
	require.NoError(t, a.Open(ctx, "bob", today))

	a.SetMatchStatus("partner disconnected; closing this conversation", true)
	_, err := a.Send(ctx, "still there?")
	assert.ErrorIs(t, err, ErrConversationInvalid)
	assert.Empty(t, e.st.Messages())
	assert.Equal(t, "partner disconnected; closing this conversation", a.Snapshot().MatchStatus)

	a.Close()
	require.NoError(t, a.Open(ctx, "bob", today))
	_, err = a.Send(ctx, "still there?")
	assert.NoError(t, err)
	assert.Len(t, e.st.Messages(), 1)
}

func TestSend_ReconnectsWhenDisconnected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, j := e.manager(t, "alice")

	e.hub.FailNextJoins(1)
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	require.Equal(t, Disconnected, a.Snapshot().State)
	require.ErrorIs(t, a.Snapshot().Err, ErrChannel)

	_, err := a.Send(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, Connected, a.Snapshot().State)
	assert.Equal(t, 2, j.count())
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.openPair(t)
	a.SetViewOpen(false)

	m1, err := b.Send(ctx, "one")
	require.NoError(t, err)
	m2, err := b.Send(ctx, "two")
	require.NoError(t, err)
	own, err := a.Send(ctx, "mine")
	require.NoError(t, err)
	flush(t, a)

	calls := e.st.Calls(memstore.OpInsertReadReceipts)
	require.NoError(t, a.MarkRead(ctx, []string{m1.ID, m2.ID, own.ID}))
	assert.Equal(t, calls+1, e.st.Calls(memstore.OpInsertReadReceipts))
	assert.Equal(t, 2, e.st.ReceiptCount())
	assert.False(t, e.st.HasReceipt(own.ID, "alice"))

	require.NoError(t, a.MarkRead(ctx, []string{m1.ID, m2.ID}))
	assert.Equal(t, calls+1, e.st.Calls(memstore.OpInsertReadReceipts))

	require.NoError(t, e.st.InsertReadReceipts(ctx, "alice", []string{m1.ID}, t0))
	assert.Equal(t, 2, e.st.ReceiptCount())
}

func TestMarkRead_FailureIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.openPair(t)

	e.st.FailOp(memstore.OpInsertReadReceipts, errors.New("deadlock detected"))
	sent, err := b.Send(ctx, "hi")
	require.NoError(t, err)
	flush(t, a)
	e.clk.Advance(DefaultConfig().MarkReadDelay)
	flush(t, a)
	require.False(t, e.st.HasReceipt(sent.ID, "alice"))

	e.st.FailOp(memstore.OpInsertReadReceipts, nil)
	a.SetViewOpen(false)
	a.SetViewOpen(true)
	e.clk.Advance(DefaultConfig().MarkReadDelay)
	flush(t, a)
	assert.True(t, e.st.HasReceipt(sent.ID, "alice"))
}

func TestReconnect_RetriesWithGrowingDelay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, j := e.manager(t, "alice")
	rec := recordStates(a)

	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	require.Equal(t, Connected, a.Snapshot().State)

	e.hub.FailNextJoins(1)
	e.hub.Disrupt(chatTopic("alice", "bob"), realtime.StatusChannelError, errors.New("socket reset"))
	flush(t, a)
	snap := a.Snapshot()
	assert.Equal(t, Disconnected, snap.State)
	assert.ErrorIs(t, snap.Err, ErrChannel)

	base := DefaultConfig().ReconnectBaseDelay
	e.clk.Advance(base)
	flush(t, a)
	assert.Equal(t, Disconnected, a.Snapshot().State, "first retry fails")

	e.clk.Advance(base)
	flush(t, a)
	assert.Equal(t, Disconnected, a.Snapshot().State, "second retry waits 2x base")

	e.clk.Advance(base)
	flush(t, a)
	assert.Equal(t, Connected, a.Snapshot().State)
	assert.NoError(t, a.Snapshot().Err)
	assert.Equal(t, 3, j.count())
	assert.Contains(t, rec.get(), Reconnecting)
}

func TestReconnect_ReconcilesRowsStoredWhileDown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, _ := e.manager(t, "alice")
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	e.clk.Advance(10 * time.Second)
	flush(t, a)
	require.Equal(t, Connected, a.Snapshot().State)

	e.hub.Disrupt(chatTopic("alice", "bob"), realtime.StatusChannelError, errors.New("socket reset"))
	flush(t, a)
	require.Equal(t, Disconnected, a.Snapshot().State)
	require.Zero(t, e.hub.Joined(chatTopic("alice", "bob")))

	// Stored while alice is off the topic, so no change reaches her.
	gap := store.ChatMessage{ID: "m-gap", SenderID: "bob", ReceiverID: "alice", Text: "still there?", SentAt: t0.Add(11 * time.Second), MatchDate: today}
	require.NoError(t, e.st.InsertMessage(ctx, &gap))
	calls := e.st.Calls(memstore.OpConversationMessages)

	e.clk.Advance(DefaultConfig().ReconnectBaseDelay)
	flush(t, a)
	snap := a.Snapshot()
	require.Equal(t, Connected, snap.State)
	assert.Equal(t, calls+1, e.st.Calls(memstore.OpConversationMessages))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m-gap", snap.Messages[0].ID)
	assert.True(t, e.st.HasReceipt("m-gap", "alice"))

	e.clk.Advance(10 * time.Minute)
	flush(t, a)
	assert.Len(t, a.Snapshot().Messages, 1)
	assert.Equal(t, calls+1, e.st.Calls(memstore.OpConversationMessages))
}

func TestReconnect_HeldKeyDoesNotSpendBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	gate := &gatedTransport{Transport: e.hub, entered: make(chan struct{}), release: make(chan struct{})}
	reg := realtime.NewRegistry(gate)
	a := NewManager("alice", Deps{Store: e.st, Joiner: reg, Clock: e.clk}, DefaultConfig(), zap.NewNop())
	t.Cleanup(a.Close)

	require.NoError(t, a.Open(ctx, "bob", today))
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first join never started")
	}

	// Reopening the same pair while the first join is still in flight.
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	snap := a.Snapshot()
	assert.Equal(t, Disconnected, snap.State)
	assert.NoError(t, snap.Err)
	assert.False(t, snap.Terminal)
	c := a.current()
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	assert.Zero(t, attempts)
	assert.True(t, c.reconnectTimer.Pending())

	close(gate.release)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	e.clk.Advance(DefaultConfig().ReconnectBaseDelay)
	flush(t, a)
	snap = a.Snapshot()
	assert.Equal(t, Connected, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 1, e.hub.Joined(chatTopic("alice", "bob")))
}

func TestReconnect_StopsAtCap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, j := e.manager(t, "alice")
	cfg := DefaultConfig()

	e.hub.SetDown(true)
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)

	for attempt := 1; attempt <= cfg.MaxReconnectAttempts; attempt++ {
		e.clk.Advance(time.Duration(attempt) * cfg.ReconnectBaseDelay)
		flush(t, a)
	}

	snap := a.Snapshot()
	assert.Equal(t, Disconnected, snap.State)
	assert.True(t, snap.Terminal)
	assert.ErrorIs(t, snap.Err, ErrReconnectExhausted)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, j.count())

	e.hub.SetDown(false)
	e.clk.Advance(time.Hour)
	flush(t, a)
	assert.Equal(t, Disconnected, a.Snapshot().State)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, j.count())
}

func TestBackgroundForeground_ReconcilesOnce(t *testing.T) {
	e := newEnv(t)
	a, b := e.openPair(t)
	e.clk.Advance(5 * time.Second)
	flush(t, a)
	flush(t, b)
	rec := recordStates(a)

	a.Background()
	snap := a.Snapshot()
	assert.Equal(t, Disconnected, snap.State)
	assert.False(t, snap.ViewOpen)
	assert.True(t, snap.Backgrounded)
	assert.Equal(t, 1, e.hub.Joined(chatTopic("alice", "bob")), "only bob remains on the topic")
	flush(t, b)
	assert.False(t, b.Snapshot().PartnerOpen)

	// Missed while away.
	sent, err := b.Send(context.Background(), "you there?")
	require.NoError(t, err)
	e.clk.Advance(30 * time.Second)
	flush(t, b)

	calls := e.st.Calls(memstore.OpConversationMessages)
	a.Foreground()
	e.clk.Advance(DefaultConfig().ForegroundDebounce - time.Millisecond)
	flush(t, a)
	assert.Equal(t, Disconnected, a.Snapshot().State)

	e.clk.Advance(time.Millisecond)
	flush(t, a)
	snap = a.Snapshot()
	assert.Equal(t, Connected, snap.State)
	assert.True(t, snap.ViewOpen)
	assert.Equal(t, calls+1, e.st.Calls(memstore.OpConversationMessages))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, sent.ID, snap.Messages[0].ID)
	assert.True(t, e.st.HasReceipt(sent.ID, "alice"))

	e.clk.Advance(time.Minute)
	flush(t, a)
	assert.Equal(t, calls+1, e.st.Calls(memstore.OpConversationMessages))

	states := rec.get()
	if len(states) > 0 && states[0] == Connected {
		states = states[1:]
	}
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Connected}, states)

	flush(t, b)
	assert.True(t, b.Snapshot().PartnerOpen)
}

func TestBackgroundForeground_TogglesCoalesce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, j := e.manager(t, "alice")
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	joins := j.count()

	a.Background()
	a.Foreground()
	a.Background()
	a.Foreground()
	e.clk.Advance(DefaultConfig().ForegroundDebounce)
	flush(t, a)

	assert.Equal(t, Connected, a.Snapshot().State)
	assert.Equal(t, joins+1, j.count())
}

func TestClose_DropsTimersAndAnnouncesPresence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.openPair(t)

	_, err := a.Send(ctx, "ping")
	require.NoError(t, err)
	_, err = b.Send(ctx, "pong")
	require.NoError(t, err)
	flush(t, a)
	flush(t, b)
	require.NotZero(t, e.clk.Pending())

	b.Close()
	flush(t, a)
	assert.False(t, a.Snapshot().PartnerOpen)

	a.Close()
	assert.Zero(t, e.clk.Pending())
	assert.Zero(t, e.hub.Len())

	calls := e.st.Calls(memstore.OpConversationMessages)
	receipts := e.st.ReceiptCount()
	e.clk.Advance(time.Minute)
	assert.Equal(t, calls, e.st.Calls(memstore.OpConversationMessages))
	assert.Equal(t, receipts, e.st.ReceiptCount())

	snap := a.Snapshot()
	assert.False(t, snap.Open)
	assert.Empty(t, snap.Messages)
}

func TestOpen_SwitchingDropsPreviousConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	st := &partnerStore{Store: e.st, calls: make(map[string]int)}
	a := NewManager("alice", Deps{Store: st, Joiner: realtime.NewRegistry(e.hub), Clock: e.clk}, DefaultConfig(), zap.NewNop())
	t.Cleanup(a.Close)
	b, _ := e.manager(t, "bob")
	require.NoError(t, a.Open(ctx, "bob", today))
	flush(t, a)
	require.NoError(t, b.Open(ctx, "alice", today))
	flush(t, b)
	flush(t, a)

	// Send arms the refresh timer, the received row the mark-read timer.
	_, err := a.Send(ctx, "ping")
	require.NoError(t, err)
	_, err = b.Send(ctx, "pong")
	require.NoError(t, err)
	flush(t, a)
	flush(t, b)
	b.Close()
	flush(t, a)

	// A lost channel arms the reconnect timer.
	e.hub.Disrupt(chatTopic("alice", "bob"), realtime.StatusChannelError, errors.New("socket reset"))
	flush(t, a)
	old := a.current()
	require.True(t, old.refreshTimer.Pending())
	require.True(t, old.markReadTimer.Pending())
	require.True(t, old.reconnectTimer.Pending())
	require.Equal(t, pendingTimers(old), e.clk.Pending())

	bobQueries := st.queries("bob")
	receipts := e.st.ReceiptCount()
	require.NoError(t, a.Open(ctx, "carol", today))
	flush(t, a)
	assert.Zero(t, pendingTimers(old))
	assert.Equal(t, pendingTimers(a.current()), e.clk.Pending())

	e.clk.Advance(time.Minute)
	flush(t, a)
	assert.Equal(t, bobQueries, st.queries("bob"))
	assert.Equal(t, receipts, e.st.ReceiptCount())
	assert.Zero(t, e.hub.Joined(chatTopic("alice", "bob")))
	assert.Equal(t, 1, e.hub.Joined(chatTopic("alice", "carol")))
	assert.Equal(t, pendingTimers(a.current()), e.clk.Pending())

	partner, date, ok := a.ActivePartner()
	require.True(t, ok)
	assert.Equal(t, "carol", partner)
	assert.Equal(t, today, date)
	assert.Empty(t, a.Snapshot().Messages)
}
