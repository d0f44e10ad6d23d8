// Package relay forwards PostgreSQL row-change notifications to NATS. The
// database triggers NOTIFY a JSON {table, type, old, new} document on the
// row_changes channel; the relay republishes each one on
// db.<table>.<EVENT>.<match_date>.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/realtime"
)

// Channel is the PostgreSQL NOTIFY channel written by the triggers.
const Channel = "row_changes"

// Publisher receives decoded row changes.
type Publisher interface {
	PublishChange(realtime.Change) error
}

// Config controls listener reconnection and keepalive.
type Config struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
		PingInterval: 90 * time.Second,
	}
}

// Relay listens on Channel and publishes every notification.
type Relay struct {
	dsn    string
	pub    Publisher
	config Config
	log    *zap.Logger
}

// New creates a relay for the database at dsn.
func New(dsn string, pub Publisher, config Config, log *zap.Logger) *Relay {
	return &Relay{dsn: dsn, pub: pub, config: config, log: log.Named("relay")}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	listener := pq.NewListener(r.dsn, r.config.MinReconnect, r.config.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				r.log.Info("listener connected")
			case pq.ListenerEventDisconnected:
				r.log.Warn("listener disconnected", zap.Error(err))
			case pq.ListenerEventReconnected:
				r.log.Info("listener reconnected")
			case pq.ListenerEventConnectionAttemptFailed:
				r.log.Warn("listener connection attempt failed", zap.Error(err))
			}
		})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("relay: listen %s: %w", Channel, err)
	}
	r.log.Info("listening", zap.String("channel", Channel))

	ticker := time.NewTicker(r.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// The connection was re-established; notifications sent in
				// between are lost and subscribers rely on reconciliation.
				r.log.Warn("notifications may have been missed during reconnect")
				continue
			}
			r.Handle(n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					r.log.Warn("listener ping", zap.Error(err))
				}
			}()
		}
	}
}

// Handle decodes one NOTIFY payload and publishes it.
func (r *Relay) Handle(payload string) {
	var c realtime.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil || c.Table == "" {
		metrics.RelayedChanges.WithLabelValues("unknown", "invalid").Inc()
		r.log.Warn("invalid notification payload", zap.Error(err), zap.Int("bytes", len(payload)))
		return
	}
	if string(c.Old) == "null" {
		c.Old = nil
	}
	if string(c.New) == "null" {
		c.New = nil
	}

	if err := r.pub.PublishChange(c); err != nil {
		metrics.RelayedChanges.WithLabelValues(c.Table, "failed").Inc()
		r.log.Error("publish change",
			zap.String("table", c.Table),
			zap.String("type", string(c.Type)),
			zap.String("match_date", c.Partition()),
			zap.Error(err))
		return
	}
	metrics.RelayedChanges.WithLabelValues(c.Table, "published").Inc()
	r.log.Debug("change relayed",
		zap.String("table", c.Table),
		zap.String("type", string(c.Type)),
		zap.String("match_date", c.Partition()))
}
