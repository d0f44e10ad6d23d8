// Package ws is the WebSocket gateway transport: it upgrades HTTP requests
// with gobwas/ws, multiplexes reads through epoll onto a bounded worker
// pool, keeps connections alive with ping frames, and dispatches client
// messages to registered handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/protocol"
	"github.com/whisper/daymatch/internal/ratelimit"
)

// MaxFrameBytes caps an inbound data frame.
const MaxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // deadline for reading a ready frame
	WriteTimeout   time.Duration // deadline for each outbound frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SessionStore records gateway sessions. *session.Store implements it.
type SessionStore interface {
	Create(ctx context.Context, sessionID, userID string) error
	RefreshTTL(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// ConnectLimiter throttles upgrades per client IP. *ratelimit.Limiter
// implements it.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server upgrades /ws requests, registers each connection with epoll and
// reads ready frames on a bounded worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionStore // may be nil
	limiter      ConnectLimiter
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
	log          *zap.Logger
}

// NewServer creates a Server. onMessage runs on a worker goroutine for
// every complete text frame.
func NewServer(config ServerConfig, sessions SessionStore, onMessage func(conn *Connection, data []byte), log *zap.Logger) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		log:        log.Named("ws"),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetLimiter enables per-IP connection throttling.
func (s *Server) SetLimiter(l ConnectLimiter) { s.limiter = l }

// SetOnConnect registers a callback run after a connection is registered
// and before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once when a connection is
// removed, before its session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Handle adds a route next to /ws and /health. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.httpServer == nil {
		if err := s.prepare(); err != nil {
			return err
		}
	}

	s.log.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// prepare creates the poller and starts the event loop and heartbeat.
func (s *Server) prepare() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			metrics.RateLimited.WithLabelValues(ratelimit.RuleConnect.Name).Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("remote_ip", ip), zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), userID, ip, s.epoll.Wrap(raw), time.Now())
	log := s.log.With(zap.String("session_id", c.ID), zap.String("user_id", userID))

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, userID); err != nil {
			log.Warn("create session", zap.Error(err))
		}
		cancel()
	}

	hello, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    userID,
	})
	if err == nil {
		err = c.WriteMessage(hello, s.config.WriteTimeout)
	}
	if err != nil {
		log.Warn("send session_created", zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(c.Conn); err != nil {
		log.Error("epoll add", zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	log.Info("connection opened", zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error("epoll wait", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Read errors other
// than a timeout remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same connection twice.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}
	if header.Length > MaxFrameBytes {
		s.log.Info("frame too large", zap.String("session_id", c.ID), zap.Int64("bytes", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.log.Warn("delete session", zap.String("session_id", c.ID), zap.Error(err))
		}
	}

	s.log.Info("connection closed",
		zap.String("session_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// SendMessage writes a text frame to the connection with connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data, s.config.WriteTimeout)
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, removes every connection and closes
// the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	close(s.done)

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.log.Info("server stopped")
	return err
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
