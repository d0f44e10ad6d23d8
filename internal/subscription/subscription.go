// Package subscription keeps one live change-feed subscription per user on
// the matches table and re-resolves the user's match whenever a row that
// references them changes. An open conversation whose partner no longer
// matches is told to close.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/resolver"
	"github.com/whisper/daymatch/internal/store"
)

// Status messages shown on an open conversation.
const (
	StatusNewMatch    = "new match; closing this conversation"
	StatusPartnerGone = "partner disconnected; closing this conversation"
)

// ErrSubscription wraps every subscription failure.
var ErrSubscription = errors.New("subscription: match change feed failed")

// State is the subscription lifecycle.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Joiner opens keyed realtime channels. *realtime.Registry implements it.
type Joiner interface {
	Join(ctx context.Context, key realtime.Key, spec realtime.Spec, h realtime.Handlers) (realtime.Channel, error)
}

// Resolver re-resolves a user's match.
type Resolver interface {
	Resolve(ctx context.Context, userID string, trigger resolver.Trigger) (*resolver.Match, error)
}

// ChatView is the open conversation, if any.
type ChatView interface {
	// ActivePartner returns the partner and match date of the open
	// conversation.
	ActivePartner() (partnerID, matchDate string, ok bool)
	// SetMatchStatus shows status on the open conversation. invalidate
	// rejects further sends until the conversation is reopened; an empty
	// status with invalidate false restores it.
	SetMatchStatus(status string, invalidate bool)
}

// Snapshot is the externally visible subscription state.
type Snapshot struct {
	UserID string
	State  State
	Status string
	Err    error
}

// Config holds subscription timeouts.
type Config struct {
	JoinTimeout    time.Duration
	ResolveTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{JoinTimeout: 10 * time.Second, ResolveTimeout: 10 * time.Second}
}

// Manager owns one user's match subscription.
type Manager struct {
	joiner   Joiner
	resolver Resolver
	chat     ChatView
	config   Config
	log      *zap.Logger

	mu       sync.Mutex
	userID   string
	state    State
	channel  realtime.Channel
	status   string
	err      error
	gen      uint64
	listener func(Snapshot)
}

// New creates a manager. chat may be nil.
func New(joiner Joiner, res Resolver, chat ChatView, config Config, log *zap.Logger) *Manager {
	return &Manager{
		joiner:   joiner,
		resolver: res,
		chat:     chat,
		config:   config,
		log:      log.Named("subscription"),
	}
}

// OnUpdate registers fn to receive snapshots after every change. fn must
// not block.
func (m *Manager) OnUpdate(fn func(Snapshot)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

// Subscribe starts listening for userID. Subscribing the user already
// subscribed (or subscribing) is a no-op; a different user replaces the
// current subscription. Failures are returned and kept in Snapshot().Err;
// there is no automatic retry.
func (m *Manager) Subscribe(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.state != Unsubscribed && m.userID == userID {
		m.mu.Unlock()
		return nil
	}
	old := m.channel
	m.channel = nil
	m.gen++
	gen := m.gen
	m.userID = userID
	m.state = Subscribing
	m.status = ""
	m.err = nil
	m.mu.Unlock()
	m.emit()

	if old != nil {
		if err := old.Leave(); err != nil {
			m.log.Warn("leave previous subscription", zap.Error(err))
		}
	}

	spec := realtime.Spec{Changes: []realtime.ChangeFilter{{Table: store.TableMatches, Event: realtime.EventAll}}}
	handlers := realtime.Handlers{
		OnChange: func(c realtime.Change) { m.handleChange(gen, c) },
		OnStatus: func(s realtime.Status, err error) { m.handleStatus(gen, s, err) },
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.config.JoinTimeout)
	ch, err := m.joiner.Join(joinCtx, realtime.NewKey(realtime.PurposeMatches, "", userID), spec, handlers)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Leave()
		}
		return nil
	}
	if err != nil {
		m.state = Unsubscribed
		m.err = fmt.Errorf("%w: %v", ErrSubscription, err)
		wrapped := m.err
		m.mu.Unlock()
		metrics.SubscriptionErrors.Inc()
		m.log.Warn("subscribe failed", zap.String("user_id", userID), zap.Error(err))
		m.emit()
		return wrapped
	}
	m.state = Subscribed
	m.channel = ch
	m.mu.Unlock()

	m.log.Debug("subscribed", zap.String("user_id", userID))
	m.emit()
	return nil
}

// Unsubscribe tears down the live channel and clears the status.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	m.gen++
	m.state = Unsubscribed
	m.status = ""
	m.err = nil
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Leave(); err != nil {
			m.log.Warn("leave subscription", zap.Error(err))
		}
	}
	m.emit()
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{UserID: m.userID, State: m.state, Status: m.status, Err: m.err}
}

func (m *Manager) handleChange(gen uint64, c realtime.Change) {
	m.mu.Lock()
	if gen != m.gen || m.state != Subscribed {
		m.mu.Unlock()
		return
	}
	userID := m.userID
	m.mu.Unlock()

	if !touches(c, userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ResolveTimeout)
	defer cancel()
	match, err := m.resolver.Resolve(ctx, userID, resolver.TriggerSubscription)
	if err != nil {
		m.log.Warn("re-resolve after match change", zap.String("user_id", userID), zap.Error(err))
		return
	}
	m.reconcileChat(gen, match)
}

// reconcileChat compares the resolved match with the open conversation.
func (m *Manager) reconcileChat(gen uint64, match *resolver.Match) {
	if m.chat == nil {
		return
	}
	partnerID, date, ok := m.chat.ActivePartner()
	if !ok {
		return
	}

	var status string
	switch {
	case match == nil:
		status = StatusPartnerGone
	case match.PartnerID != partnerID || match.MatchDate != date:
		status = StatusNewMatch
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.mu.Unlock()

	m.chat.SetMatchStatus(status, status != "")
	m.emit()
}

func (m *Manager) handleStatus(gen uint64, s realtime.Status, err error) {
	if s == realtime.StatusSubscribed {
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.state != Subscribed {
		m.mu.Unlock()
		return
	}
	ch := m.channel
	m.channel = nil
	m.gen++
	m.state = Unsubscribed
	if err == nil {
		err = errors.New(s.String())
	}
	m.err = fmt.Errorf("%w: %s: %v", ErrSubscription, s, err)
	userID := m.userID
	m.mu.Unlock()

	metrics.SubscriptionErrors.Inc()
	m.log.Warn("match subscription lost", zap.String("user_id", userID), zap.Stringer("status", s), zap.Error(err))
	if ch != nil {
		_ = ch.Leave()
	}
	m.emit()
}

func (m *Manager) emit() {
	m.mu.Lock()
	fn := m.listener
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// touches reports whether a matches-table change references userID. Inserts
// carry only the new image and deletes only the old one.
func touches(c realtime.Change, userID string) bool {
	for _, raw := range []json.RawMessage{c.New, c.Old} {
		if len(raw) == 0 {
			continue
		}
		var row store.Match
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if row.Involves(userID) {
			return true
		}
	}
	return false
}
