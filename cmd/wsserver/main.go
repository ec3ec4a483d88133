package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/attachment"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/config"
	"github.com/whisper/directchat/internal/heartbeat"
	"github.com/whisper/directchat/internal/logging"
	"github.com/whisper/directchat/internal/messaging"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/ratelimit"
	"github.com/whisper/directchat/internal/session"
	"github.com/whisper/directchat/internal/store"
	mongostore "github.com/whisper/directchat/internal/store/mongo"
	pgstore "github.com/whisper/directchat/internal/store/postgres"
	"github.com/whisper/directchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("server_name", cfg.ServerName).
		Str("store", cfg.StoreDriver).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Dur("heartbeat_timeout", cfg.HeartbeatTimeout).
		Bool("echo_to_sender", cfg.EchoToSender).
		Msg("chat server starting")

	// --- Persistence ---
	messages, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := messages.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("message store close error")
		}
	}()

	files, err := attachment.NewStore(cfg.UploadsDir, cfg.MaxAttachmentBytes)
	if err != nil {
		return err
	}

	// --- Redis (optional) ---
	var (
		sessions *session.Store
		limiter  *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer sessions.Close()
		limiter = ratelimit.NewLimiter(sessions.Client(), logging.Component(log, "ratelimit"))
	}

	// --- Routing ---
	gateway := auth.NewJWTGateway(cfg.JWTSecret)
	registry := presence.NewMemoryRegistry()
	broadcaster := presence.NewBroadcaster(registry, logging.Component(log, "presence"))

	var opts []chat.Option
	if limiter != nil {
		opts = append(opts, chat.WithLimiter(limiter))
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logging.Component(log, "nats"))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer natsClient.Close()
		opts = append(opts, chat.WithRelay(natsClient))
	}

	router := chat.NewRouter(registry, messages, files, chat.Config{
		EchoToSender: cfg.EchoToSender,
		MessageRule:  ratelimit.MessageRule(cfg.MessageRateLimit, cfg.MessageRateWindow),
	}, logging.Component(log, "router"), opts...)

	if natsClient != nil {
		routerLog := logging.Component(log, "relay")
		if err := natsClient.SubscribeDelivery(func(m store.Message) {
			if err := router.Deliver(m); err != nil {
				routerLog.Debug().Err(err).Str("message", m.ID).Msg("relayed delivery incomplete")
			}
		}); err != nil {
			return fmt.Errorf("nats: subscribe deliveries: %w", err)
		}
	}

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.SendQueueSize = cfg.SendQueueSize
	serverConfig.InboxSize = cfg.InboxSize
	serverConfig.TokenCookie = cfg.TokenCookie
	serverConfig.Heartbeat = heartbeat.Config{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	server, err := ws.NewServer(serverConfig, ws.Deps{
		Auth:        gateway,
		Registry:    registry,
		Broadcaster: broadcaster,
		Handler:     router,
		Sessions:    sessions,
		Limiter:     limiter,
		Log:         logging.Component(log, "ws"),
	})
	if err != nil {
		return err
	}

	history := ws.NewHistoryHandler(gateway, messages, cfg.TokenCookie, logging.Component(log, "history"))
	server.Handle("/messages/{userId}", ws.CORS(cfg.CORSOrigin, history))
	server.Handle("/uploads/", ws.Uploads("/uploads/", files.Dir()))
	server.Handle("/metrics", metrics.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("received signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if natsClient != nil {
		_ = natsClient.UnsubscribeDelivery()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	return <-errCh
}

// openStore connects the configured message store.
func openStore(ctx context.Context, cfg config.Config) (store.MessageStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverMongo:
		mc := mongostore.DefaultConfig()
		mc.URI = cfg.MongoURL
		mc.Database = cfg.MongoDatabase
		s, err := mongostore.NewStore(connectCtx, mc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		pc := pgstore.DefaultConfig()
		pc.DSN = cfg.PostgresDSN
		s, err := pgstore.NewStore(connectCtx, pc)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}
