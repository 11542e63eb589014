package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whisper/rooms/internal/auth"
	"github.com/whisper/rooms/internal/config"
	"github.com/whisper/rooms/internal/messaging"
	"github.com/whisper/rooms/internal/metrics"
	"github.com/whisper/rooms/internal/presence"
	"github.com/whisper/rooms/internal/ratelimit"
	"github.com/whisper/rooms/internal/realtime"
	"github.com/whisper/rooms/internal/session"
	"github.com/whisper/rooms/internal/store"
	"github.com/whisper/rooms/internal/store/memory"
	"github.com/whisper/rooms/internal/store/postgres"
	"github.com/whisper/rooms/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("roomserver", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("ROOMS_CONFIG"), "path to the YAML config file (env ROOMS_CONFIG)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Printf("Whisper rooms server starting")
	log.Printf("config:\n%s", cfg)

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.Redis.Addr, cfg.Server.Name)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer sessionStore.Close()

	verifier := auth.NewVerifier([]byte(cfg.Auth.TokenSecret), sessionStore)

	// --- Message store ---
	messages, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway := realtime.NewGateway(messages, presence.NewTracker())
	gateway.SetStoreTimeout(cfg.Store.Timeout)
	if cfg.RateLimit.MessageLimit > 0 {
		rule := ratelimit.RuleMessage
		rule.Limit = cfg.RateLimit.MessageLimit
		rule.Window = cfg.RateLimit.MessageWindow
		gateway.SetThrottle(ratelimit.NewThrottle(ratelimit.NewLimiter(sessionStore.Client()), rule))
	}

	// --- NATS ---
	// The event bus is optional: without it no domain events leave the
	// process and revocations only take effect on reconnect.
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "rooms-" + cfg.Server.Name
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Printf("[nats] unavailable, continuing without event bus: %v", err)
		} else {
			defer natsClient.Close()
			gateway.SetPublisher(messaging.NewPublisher(natsClient))
			if err := natsClient.SubscribeSessionRevoked(func(sessionID string) {
				if n := gateway.DisconnectSession(sessionID); n > 0 {
					log.Printf("[nats] session=%s revoked, closed %d connection(s)", sessionID, n)
				}
			}); err != nil {
				log.Printf("[nats] revocation subscription failed: %v", err)
			}
		}
	}

	// --- WebSocket server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.Server.ListenAddr
	wsConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatInterval,
		Timeout:  cfg.Server.HeartbeatTimeout,
	}

	server := ws.NewServer(wsConfig, verifier, gateway)
	server.SetSessionToucher(sessionStore)
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

// openStore builds the configured message store and returns a cleanup
// function for it.
func openStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Printf("store: using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	default:
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(db), func() {
			if err := db.Close(); err != nil {
				log.Printf("store: close: %v", err)
			}
		}, nil
	}
}
