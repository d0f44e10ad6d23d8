package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/calendar"
	"github.com/whisper/daymatch/internal/chat"
	"github.com/whisper/daymatch/internal/config"
	"github.com/whisper/daymatch/internal/gateway"
	"github.com/whisper/daymatch/internal/logger"
	"github.com/whisper/daymatch/internal/messaging"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/profile"
	"github.com/whisper/daymatch/internal/push"
	"github.com/whisper/daymatch/internal/ratelimit"
	"github.com/whisper/daymatch/internal/resolver"
	"github.com/whisper/daymatch/internal/session"
	"github.com/whisper/daymatch/internal/store"
	"github.com/whisper/daymatch/internal/subscription"
	"github.com/whisper/daymatch/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{
		Production: cfg.App.Production(),
		Level:      cfg.App.LogLevel,
		FilePath:   cfg.App.LogFilePath,
	})
	defer log.Sync()

	// --- PostgreSQL ---
	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	st := store.New(db)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		pingCancel()
		log.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, pingCancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatal("failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	pingCancel()

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "gateway-1"
	}
	sessions := session.NewStore(rdb, serverName)
	limiter := ratelimit.NewLimiter(rdb, log)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "daymatch-gateway-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	transport := messaging.NewTransport(natsClient, log)

	clk := clockwork.NewRealClock()
	cal, err := calendar.New(cfg.Calendar.TimeZone, clk)
	if err != nil {
		log.Fatal("invalid time zone", zap.String("time_zone", cfg.Calendar.TimeZone), zap.Error(err))
	}
	profiles := profile.NewCache(st, cfg.Cache.ProfileTTL, clk)
	res := resolver.New(st, profiles, cal, clk, cfg.Chat.OpTimeout, log)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Gateway.Addr
	serverConfig.WorkerPoolSize = cfg.Gateway.Workers
	serverConfig.MaxConnections = cfg.Gateway.MaxConns
	serverConfig.ReadTimeout = cfg.Gateway.ReadTimeout
	serverConfig.WriteTimeout = cfg.Gateway.WriteTimeout

	dispatcher := ws.NewMessageDispatcher(serverConfig.WriteTimeout, log)
	server := ws.NewServer(serverConfig, sessions, dispatcher.Dispatch, log)

	gwConfig := gateway.DefaultConfig()
	gwConfig.Chat = chat.Config{
		ReconnectBaseDelay:     cfg.Chat.ReconnectBaseDelay,
		MaxReconnectAttempts:   cfg.Chat.MaxReconnectAttempts,
		ForegroundDebounce:     cfg.Chat.ForegroundDebounce,
		ReadRefreshDelay:       cfg.Chat.ReadRefreshDelay,
		ReadRefreshMinInterval: cfg.Chat.ReadRefreshMinInterval,
		MarkReadDelay:          cfg.Chat.MarkReadDelay,
		SendReconnectWait:      cfg.Chat.SendReconnectWait,
		JoinTimeout:            cfg.Chat.JoinTimeout,
		OpTimeout:              cfg.Chat.OpTimeout,
	}
	gwConfig.Subscription = subscription.Config{
		JoinTimeout:    cfg.Chat.JoinTimeout,
		ResolveTimeout: cfg.Chat.OpTimeout,
	}
	gwConfig.SendRule = ratelimit.RuleSend.WithLimit(cfg.Gateway.SendsPerMin)
	gwConfig.OpTimeout = cfg.Chat.OpTimeout

	gw := gateway.New(gateway.Deps{
		Store:     st,
		Transport: transport,
		Resolver:  res,
		Profiles:  profiles,
		Notifier:  push.NewNATSNotifier(natsClient),
		Clock:     clk,
		Sender:    server,
		Sessions:  sessions,
		Limiter:   limiter,
	}, gwConfig, log)
	gw.Register(dispatcher)

	server.SetLimiter(limiter)
	server.SetOnConnect(gw.Connect)
	server.SetOnDisconnect(gw.Disconnect)
	server.Handle("/metrics", metrics.Handler())

	log.Info("gateway starting",
		zap.String("listen_addr", serverConfig.ListenAddr),
		zap.Int("worker_pool", serverConfig.WorkerPoolSize),
		zap.Int("max_connections", serverConfig.MaxConnections),
		zap.Duration("read_timeout", serverConfig.ReadTimeout),
		zap.Duration("write_timeout", serverConfig.WriteTimeout),
		zap.String("nats_url", natsConfig.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("server_name", serverName),
		zap.String("time_zone", cfg.Calendar.TimeZone))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	gw.Close()
	natsClient.Close()
	if err := rdb.Close(); err != nil {
		log.Warn("redis close", zap.Error(err))
	}
}
