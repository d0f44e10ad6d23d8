package gateway

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/chat"
	"github.com/whisper/daymatch/internal/protocol"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/resolver"
	"github.com/whisper/daymatch/internal/subscription"
)

// Engine is one connection's view of the system. Its registry holds at most
// one channel per key, so a reconnecting conversation can never stack
// duplicate subscriptions.
type Engine struct {
	g        *Gateway
	connID   string
	userID   string
	registry *realtime.Registry
	chat     *chat.Manager
	subs     *subscription.Manager
	log      *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	unwatch func()

	mu       sync.Mutex // guards the last* fields
	lastList listKey
	lastConn protocol.ConnectionStateMsg
	lastStat protocol.MatchStatusMsg
	sentConn bool
}

// listKey changes whenever the visible message list does.
type listKey struct {
	partnerID string
	matchDate string
	count     int
	lastID    string
	read      int
}

func newEngine(g *Gateway, connID, userID string) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		g:        g,
		connID:   connID,
		userID:   userID,
		registry: realtime.NewRegistry(g.deps.Transport),
		log:      g.log.With(zap.String("session_id", connID), zap.String("user_id", userID)),
		ctx:      ctx,
		cancel:   cancel,
	}

	deps := chat.Deps{
		Store:    g.deps.Store,
		Joiner:   e.registry,
		Notifier: g.deps.Notifier,
		Clock:    g.deps.Clock,
	}
	if g.deps.Profiles != nil {
		deps.Names = g.deps.Profiles
	}
	e.chat = chat.NewManager(userID, deps, g.config.Chat, g.log)
	e.chat.OnUpdate(e.pushChat)

	e.subs = subscription.New(e.registry, g.deps.Resolver, e.chat, g.config.Subscription, g.log)
	e.subs.OnUpdate(e.pushSubscription)
	return e
}

// UserID returns the user the engine speaks for.
func (e *Engine) UserID() string { return e.userID }

// Chat returns the engine's chat manager.
func (e *Engine) Chat() *chat.Manager { return e.chat }

// Subscription returns the engine's match subscription.
func (e *Engine) Subscription() *subscription.Manager { return e.subs }

// Registry returns the engine's channel registry.
func (e *Engine) Registry() *realtime.Registry { return e.registry }

func (e *Engine) start() {
	e.unwatch = e.g.deps.Resolver.Watch(e.userID, e.pushMatch)

	go func() {
		// Failures reach the client through pushSubscription.
		_ = e.subs.Subscribe(e.ctx, e.userID)
		if e.ctx.Err() != nil {
			e.subs.Unsubscribe()
			return
		}
		e.resolve(resolver.TriggerDirect)
	}()
}

func (e *Engine) stop() {
	e.cancel()
	if e.unwatch != nil {
		e.unwatch()
	}
	e.subs.Unsubscribe()
	e.chat.Close()
}

func (e *Engine) resolve(trigger resolver.Trigger) {
	ctx, cancel := context.WithTimeout(e.ctx, e.g.config.OpTimeout)
	defer cancel()
	// The outcome reaches the client through the resolver watch.
	if _, err := e.g.deps.Resolver.Resolve(ctx, e.userID, trigger); err != nil {
		e.log.Warn("resolve match", zap.Error(err))
	}
}

func (e *Engine) pushMatch(st resolver.State) {
	msg := protocol.MatchMsg{}
	if st.Match != nil {
		msg.MatchID = st.Match.MatchID
		msg.PartnerID = st.Match.PartnerID
		msg.MatchDate = st.Match.MatchDate
	}
	if st.Partner != nil {
		msg.Partner = &protocol.PartnerCard{
			DisplayName: st.Partner.DisplayName,
			TopKeywords: st.Partner.TopKeywords,
		}
	}
	if st.Err != nil {
		msg.Error = st.Err.Error()
	}
	e.g.send(e.connID, protocol.TypeMatch, msg)
}

func (e *Engine) pushSubscription(s subscription.Snapshot) {
	if s.State == subscription.Unsubscribed && s.Err != nil && e.ctx.Err() == nil {
		e.g.sendError(e.connID, "subscription_failed", s.Err.Error())
	}
}

// pushChat sends the parts of s that changed since the last snapshot.
func (e *Engine) pushChat(s chat.Snapshot) {
	key := listKey{partnerID: s.PartnerID, matchDate: s.MatchDate, count: len(s.Messages)}
	if n := len(s.Messages); n > 0 {
		key.lastID = s.Messages[n-1].ID
	}
	for _, m := range s.Messages {
		if m.IsRead {
			key.read++
		}
	}

	conn := protocol.ConnectionStateMsg{
		State:       s.State.String(),
		Terminal:    s.Terminal,
		PartnerOpen: s.PartnerOpen,
	}
	if s.Err != nil {
		conn.Error = s.Err.Error()
	}
	status := protocol.MatchStatusMsg{Status: s.MatchStatus, Invalid: s.Invalid}

	e.mu.Lock()
	sendList := s.Open && key != e.lastList
	sendConn := !e.sentConn || conn != e.lastConn
	sendStat := status != e.lastStat
	e.lastList = key
	e.lastConn = conn
	e.lastStat = status
	e.sentConn = true
	e.mu.Unlock()

	if sendList {
		list := protocol.MessagesMsg{
			PartnerID: s.PartnerID,
			MatchDate: s.MatchDate,
			Messages:  make([]protocol.ChatMessage, len(s.Messages)),
		}
		for i, m := range s.Messages {
			list.Messages[i] = wireMessage(m)
		}
		e.g.send(e.connID, protocol.TypeMessages, list)
	}
	if sendConn {
		e.g.send(e.connID, protocol.TypeConnectionState, conn)
	}
	if sendStat {
		e.g.send(e.connID, protocol.TypeMatchStatus, status)
	}
}

func wireMessage(m chat.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		SentAt:     m.SentAt,
		IsRead:     m.IsRead,
	}
}

// errorCode maps chat errors onto protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, chat.ErrInvalidUTF8):
		return "invalid_message"
	case errors.Is(err, chat.ErrNoConversation):
		return "no_conversation"
	case errors.Is(err, chat.ErrInvalidConversation):
		return "invalid_conversation"
	case errors.Is(err, chat.ErrConversationInvalid):
		return "conversation_invalid"
	default:
		return "internal_error"
	}
}
