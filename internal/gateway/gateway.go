// Package gateway hosts one engine per WebSocket connection: the user's
// match resolver watch, match subscription and chat manager. It turns
// client messages into engine calls and engine snapshots into server
// messages.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/chat"
	"github.com/whisper/daymatch/internal/profile"
	"github.com/whisper/daymatch/internal/protocol"
	"github.com/whisper/daymatch/internal/push"
	"github.com/whisper/daymatch/internal/ratelimit"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/resolver"
	"github.com/whisper/daymatch/internal/subscription"
	"github.com/whisper/daymatch/internal/ws"
)

// Sender writes an encoded server message to a connection. *ws.Server
// implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Limiter throttles client actions. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Sessions mirrors engine state into the session record. *session.Store
// implements it.
type Sessions interface {
	SetChat(ctx context.Context, sessionID, partnerID, matchDate string) error
	ClearChat(ctx context.Context, sessionID string) error
	SetAppState(ctx context.Context, sessionID, state string) error
}

// Config holds per-engine settings.
type Config struct {
	Chat         chat.Config
	Subscription subscription.Config
	SendRule     ratelimit.Rule
	OpenRule     ratelimit.Rule
	OpTimeout    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Chat:         chat.DefaultConfig(),
		Subscription: subscription.DefaultConfig(),
		SendRule:     ratelimit.RuleSend,
		OpenRule:     ratelimit.RuleOpen,
		OpTimeout:    10 * time.Second,
	}
}

// Deps are the collaborators shared by every engine. Notifier, Profiles,
// Sessions and Limiter may be nil.
type Deps struct {
	Store     chat.Store
	Transport realtime.Transport
	Resolver  *resolver.Resolver
	Profiles  *profile.Cache
	Notifier  push.Notifier
	Clock     clockwork.Clock
	Sender    Sender
	Sessions  Sessions
	Limiter   Limiter
}

// Gateway owns the engines of every live connection.
type Gateway struct {
	deps   Deps
	config Config
	log    *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine // by connection id
	users   map[string]int     // live engines per user
}

// New creates a gateway.
func New(deps Deps, config Config, log *zap.Logger) *Gateway {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Gateway{
		deps:    deps,
		config:  config,
		log:     log.Named("gateway"),
		engines: make(map[string]*Engine),
		users:   make(map[string]int),
	}
}

// Register installs the client message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeResolveMatch, g.withEngine(g.handleResolveMatch))
	d.Register(protocol.TypeOpenChat, g.withEngine(g.handleOpenChat))
	d.Register(protocol.TypeCloseChat, g.withEngine(g.handleCloseChat))
	d.Register(protocol.TypeSendMessage, g.withEngine(g.handleSendMessage))
	d.Register(protocol.TypeMarkRead, g.withEngine(g.handleMarkRead))
	d.Register(protocol.TypeViewState, g.withEngine(g.handleViewState))
	d.Register(protocol.TypeAppState, g.withEngine(g.handleAppState))
}

// Connect starts an engine for c: it watches the user's match state,
// subscribes to match changes and resolves today's match.
func (g *Gateway) Connect(c *ws.Connection) {
	e := newEngine(g, c.ID, c.UserID)

	g.mu.Lock()
	if _, dup := g.engines[c.ID]; dup {
		g.mu.Unlock()
		return
	}
	g.engines[c.ID] = e
	g.users[c.UserID]++
	g.mu.Unlock()

	e.start()
}

// Disconnect stops the engine of c and releases its channels.
func (g *Gateway) Disconnect(c *ws.Connection) {
	g.mu.Lock()
	e, ok := g.engines[c.ID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.engines, c.ID)
	g.users[c.UserID]--
	last := g.users[c.UserID] <= 0
	if last {
		delete(g.users, c.UserID)
	}
	g.mu.Unlock()

	e.stop()
	if last {
		g.deps.Resolver.Forget(c.UserID)
	}
}

// Engine returns the engine of connection connID, or nil.
func (g *Gateway) Engine(connID string) *Engine {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engines[connID]
}

// Len returns the number of live engines.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.engines)
}

// Close stops every engine.
func (g *Gateway) Close() {
	g.mu.Lock()
	engines := make([]*Engine, 0, len(g.engines))
	for _, e := range g.engines {
		engines = append(engines, e)
	}
	g.engines = make(map[string]*Engine)
	g.users = make(map[string]int)
	g.mu.Unlock()

	for _, e := range engines {
		e.stop()
	}
}

func (g *Gateway) withEngine(fn func(e *Engine, msg any)) ws.MessageHandler {
	return func(conn *ws.Connection, msg any) {
		e := g.Engine(conn.ID)
		if e == nil {
			g.log.Warn("message for unknown connection", zap.String("session_id", conn.ID))
			return
		}
		fn(e, msg)
	}
}

func (g *Gateway) send(connID, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error("encode server message", zap.String("msg_type", msgType), zap.Error(err))
		return
	}
	if err := g.deps.Sender.SendMessage(connID, data); err != nil {
		g.log.Debug("send server message",
			zap.String("session_id", connID), zap.String("msg_type", msgType), zap.Error(err))
	}
}

func (g *Gateway) sendError(connID, code, message string) {
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
