// Package chat runs one user's live conversation with their match: the
// realtime channel, message history, read receipts and partner presence.
//
// Transport callbacks only enqueue events. Each conversation drains its own
// queue on a single goroutine, so row inserts, broadcasts and connection
// changes are applied in arrival order. Closing or switching conversations
// drops the old queue along with every timer it armed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/calendar"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/profile"
	"github.com/whisper/daymatch/internal/push"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/store"
)

var (
	ErrChannel             = errors.New("chat: realtime channel error")
	ErrReconnectExhausted  = errors.New("chat: reconnect attempts exhausted; reopen the conversation")
	ErrConversationInvalid = errors.New("chat: conversation is no longer valid")
	ErrNoConversation      = errors.New("chat: no open conversation")
	ErrInvalidConversation = errors.New("chat: invalid conversation")
)

// ConnectionState is the state of the conversation's realtime channel.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Store is the persistence a conversation needs.
type Store interface {
	InsertMessage(ctx context.Context, msg *store.ChatMessage) error
	ConversationMessages(ctx context.Context, userID, partnerID, date string) ([]store.MessageWithReceipt, error)
	InsertReadReceipts(ctx context.Context, userID string, messageIDs []string, readAt time.Time) error
}

// Joiner opens keyed realtime channels. *realtime.Registry implements it.
type Joiner interface {
	Join(ctx context.Context, key realtime.Key, spec realtime.Spec, h realtime.Handlers) (realtime.Channel, error)
}

// NameSource resolves a user's display name for push notifications.
type NameSource interface {
	Get(ctx context.Context, userID string) (*profile.Card, error)
}

// Config holds the conversation timings.
type Config struct {
	ReconnectBaseDelay     time.Duration // attempt n waits n*base
	MaxReconnectAttempts   int
	ForegroundDebounce     time.Duration
	ReadRefreshDelay       time.Duration
	ReadRefreshMinInterval time.Duration
	MarkReadDelay          time.Duration
	SendReconnectWait      time.Duration
	JoinTimeout            time.Duration
	OpTimeout              time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay:     2 * time.Second,
		MaxReconnectAttempts:   3,
		ForegroundDebounce:     500 * time.Millisecond,
		ReadRefreshDelay:       time.Second,
		ReadRefreshMinInterval: 2 * time.Second,
		MarkReadDelay:          300 * time.Millisecond,
		SendReconnectWait:      1500 * time.Millisecond,
		JoinTimeout:            10 * time.Second,
		OpTimeout:              10 * time.Second,
	}
}

// Deps are the collaborators of a Manager. Notifier and Names may be nil.
type Deps struct {
	Store    Store
	Joiner   Joiner
	Notifier push.Notifier
	Names    NameSource
	Clock    clockwork.Clock
}

// Snapshot is the externally visible conversation state.
type Snapshot struct {
	PartnerID    string
	MatchDate    string
	Open         bool
	Messages     []Message
	State        ConnectionState
	Err          error
	Terminal     bool
	MatchStatus  string
	Invalid      bool
	PartnerOpen  bool
	ViewOpen     bool
	Backgrounded bool
}

// Manager owns at most one open conversation for a user.
type Manager struct {
	userID   string
	store    Store
	joiner   Joiner
	notifier push.Notifier
	names    NameSource
	clk      clockwork.Clock
	config   Config
	log      *zap.Logger

	mu           sync.Mutex
	conv         *conversation
	backgrounded bool
	listener     func(Snapshot)
}

// NewManager creates a manager for userID.
func NewManager(userID string, deps Deps, config Config, log *zap.Logger) *Manager {
	clk := deps.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Manager{
		userID:   userID,
		store:    deps.Store,
		joiner:   deps.Joiner,
		notifier: deps.Notifier,
		names:    deps.Names,
		clk:      clk,
		config:   config,
		log:      log.Named("chat").With(zap.String("user_id", userID)),
	}
}

// OnUpdate registers fn to receive a snapshot after every visible change.
// fn runs on internal goroutines and must not block.
func (m *Manager) OnUpdate(fn func(Snapshot)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

// Open tears down any current conversation, loads the history with
// partnerID for date, and starts connecting. A failed history load is
// reported in the snapshot and retried by the next refresh.
func (m *Manager) Open(ctx context.Context, partnerID, date string) error {
	if partnerID == "" || partnerID == m.userID || !calendar.ValidDate(date) {
		return fmt.Errorf("%w: partner %q on %q", ErrInvalidConversation, partnerID, date)
	}

	m.mu.Lock()
	old := m.conv
	c := newConversation(m, partnerID, date, m.backgrounded)
	m.conv = c
	m.mu.Unlock()

	if old != nil {
		old.teardown()
	}
	metrics.ActiveChats.Inc()
	go c.queue.run(c.handle)

	c.load(ctx)
	c.queue.push(connectRequested{})
	m.emit()
	return nil
}

// Close tears down the current conversation, announcing closed presence
// before the channel is released.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.conv
	m.conv = nil
	m.mu.Unlock()

	if c != nil {
		c.teardown()
		m.emit()
	}
}

// Send validates and persists a message to the current partner.
func (m *Manager) Send(ctx context.Context, text string) (*Message, error) {
	if err := ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	c := m.current()
	if c == nil {
		return nil, ErrNoConversation
	}
	return c.send(ctx, text)
}

// MarkRead records read receipts for received messages not yet read.
func (m *Manager) MarkRead(ctx context.Context, ids []string) error {
	c := m.current()
	if c == nil {
		return ErrNoConversation
	}
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	return c.markRead(opCtx, ids, true)
}

// SetViewOpen reports whether the user is looking at the conversation.
func (m *Manager) SetViewOpen(open bool) {
	if c := m.current(); c != nil {
		c.setViewOpen(open)
	}
}

// Background drops the channel while the app is not in the foreground.
func (m *Manager) Background() {
	m.mu.Lock()
	m.backgrounded = true
	c := m.conv
	m.mu.Unlock()
	if c != nil {
		c.background()
	}
}

// Foreground reconnects after a short debounce and forces one read-status
// reconciliation. The reconnect budget starts over.
func (m *Manager) Foreground() {
	m.mu.Lock()
	m.backgrounded = false
	c := m.conv
	m.mu.Unlock()
	if c != nil {
		c.foreground()
	}
}

// ActivePartner returns the partner and date of the open conversation.
func (m *Manager) ActivePartner() (string, string, bool) {
	c := m.current()
	if c == nil {
		return "", "", false
	}
	return c.partnerID, c.date, true
}

// SetMatchStatus shows a match status on the open conversation.
func (m *Manager) SetMatchStatus(status string, invalidate bool) {
	if c := m.current(); c != nil {
		c.setMatchStatus(status, invalidate)
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	c := m.current()
	if c == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return Snapshot{State: Disconnected, Backgrounded: m.backgrounded}
	}
	return c.snapshot()
}

func (m *Manager) current() *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv
}

func (m *Manager) emit() {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(m.Snapshot())
	}
}
