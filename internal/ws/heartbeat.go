package ws

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval before eviction
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those with
// no inbound frame for Interval + Timeout. Sessions of live connections get
// their TTL extended. It stops when the server's done channel closes.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info("heartbeat timeout",
				zap.String("session_id", c.ID),
				zap.String("user_id", c.UserID),
				zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(s.config.WriteTimeout); err != nil {
			s.log.Debug("heartbeat ping failed", zap.String("session_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
			continue
		}
		if s.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
			if err := s.sessions.RefreshTTL(ctx, c.ID); err != nil {
				s.log.Debug("refresh session ttl", zap.String("session_id", c.ID), zap.Error(err))
			}
			cancel()
		}
	}
}
