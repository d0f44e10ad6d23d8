package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/protocol"
	"github.com/whisper/daymatch/internal/ratelimit"
	"github.com/whisper/daymatch/internal/resolver"
	"github.com/whisper/daymatch/internal/session"
)

func (g *Gateway) opContext(e *Engine) (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, g.config.OpTimeout)
}

// allow applies rule to the engine's user and tells the client when it is
// throttled. Limiter errors fail open.
func (g *Gateway) allow(e *Engine, rule ratelimit.Rule) bool {
	if g.deps.Limiter == nil {
		return true
	}
	ctx, cancel := g.opContext(e)
	defer cancel()
	if ok, _ := g.deps.Limiter.Allow(ctx, e.userID, rule); ok {
		return true
	}
	metrics.RateLimited.WithLabelValues(rule.Name).Inc()
	wait := g.deps.Limiter.RetryAfter(ctx, e.userID, rule)
	g.send(e.connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     rule.Name,
		RetryAfter: int((wait + time.Second - 1) / time.Second),
	})
	return false
}

func (g *Gateway) handleResolveMatch(e *Engine, _ any) {
	e.resolve(resolver.TriggerDirect)
}

func (g *Gateway) handleOpenChat(e *Engine, msg any) {
	m := msg.(protocol.OpenChatMsg)
	if !g.allow(e, g.config.OpenRule) {
		return
	}
	ctx, cancel := g.opContext(e)
	defer cancel()

	if err := e.chat.Open(ctx, m.PartnerID, m.MatchDate); err != nil {
		g.sendError(e.connID, errorCode(err), err.Error())
		return
	}
	if g.deps.Sessions != nil {
		if err := g.deps.Sessions.SetChat(ctx, e.connID, m.PartnerID, m.MatchDate); err != nil {
			e.log.Warn("record open chat", zap.Error(err))
		}
	}
}

func (g *Gateway) handleCloseChat(e *Engine, _ any) {
	e.chat.Close()
	if g.deps.Sessions != nil {
		ctx, cancel := g.opContext(e)
		defer cancel()
		if err := g.deps.Sessions.ClearChat(ctx, e.connID); err != nil {
			e.log.Warn("record closed chat", zap.Error(err))
		}
	}
}

func (g *Gateway) handleSendMessage(e *Engine, msg any) {
	m := msg.(protocol.SendMessageMsg)
	if !g.allow(e, g.config.SendRule) {
		return
	}
	ctx, cancel := g.opContext(e)
	defer cancel()

	sent, err := e.chat.Send(ctx, m.Text)
	if err != nil {
		g.sendError(e.connID, errorCode(err), err.Error())
		return
	}
	g.send(e.connID, protocol.TypeMessageSent, protocol.MessageSentMsg{Message: wireMessage(*sent)})
}

func (g *Gateway) handleMarkRead(e *Engine, msg any) {
	m := msg.(protocol.MarkReadMsg)
	if err := e.chat.MarkRead(e.ctx, m.MessageIDs); err != nil {
		g.sendError(e.connID, errorCode(err), err.Error())
	}
}

func (g *Gateway) handleViewState(e *Engine, msg any) {
	e.chat.SetViewOpen(msg.(protocol.ViewStateMsg).Open)
}

func (g *Gateway) handleAppState(e *Engine, msg any) {
	state := msg.(protocol.AppStateMsg).State
	switch state {
	case protocol.AppBackground:
		e.chat.Background()
	case protocol.AppForeground:
		e.chat.Foreground()
		// A match may have changed while the app was away.
		go e.resolve(resolver.TriggerDirect)
	}
	if g.deps.Sessions != nil {
		ctx, cancel := g.opContext(e)
		defer cancel()
		stored := session.AppForeground
		if state == protocol.AppBackground {
			stored = session.AppBackground
		}
		if err := g.deps.Sessions.SetAppState(ctx, e.connID, stored); err != nil {
			e.log.Warn("record app state", zap.Error(err))
		}
	}
}
