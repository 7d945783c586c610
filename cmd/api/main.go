// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/auth"
	"github.com/moy-bank/support-gateway/internal/config"
	"github.com/moy-bank/support-gateway/internal/gateway"
	"github.com/moy-bank/support-gateway/internal/handler"
	"github.com/moy-bank/support-gateway/internal/inbox"
	"github.com/moy-bank/support-gateway/internal/middleware"
	"github.com/moy-bank/support-gateway/internal/model"
	natsclient "github.com/moy-bank/support-gateway/internal/nats"
	"github.com/moy-bank/support-gateway/internal/room"
	"github.com/moy-bank/support-gateway/internal/service"
	"github.com/moy-bank/support-gateway/internal/store"
	"github.com/moy-bank/support-gateway/pkg/logger"
	"github.com/moy-bank/support-gateway/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting support gateway", zap.String("store", cfg.StoreBackend))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open conversation store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close conversation store", zap.Error(err))
		}
	}()
	st = store.WithMetrics(st, cfg.StoreBackend)

	verifier, err := newVerifier(cfg)
	if err != nil {
		log.Fatal("failed to create token verifier", zap.Error(err))
	}

	// Rooms and inbox
	rooms := room.NewRegistry()
	projector := inbox.NewProjector(rooms, cfg.InboxPreviewLength, log)
	seedCtx, cancelSeed := context.WithTimeout(ctx, time.Minute)
	if err := projector.Seed(seedCtx, st); err != nil {
		log.Warn("failed to seed inbox, starting with a partial inbox", zap.Error(err))
	}
	cancelSeed()

	// Initialize services
	messageSvc := service.NewMessageService(st, rooms, projector, log)
	conversationSvc := service.NewConversationService(st, projector, log)

	// Websocket gateway
	gw := gateway.NewServer(gateway.Config{
		IdleTimeout:       cfg.WSIdleTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		WriteTimeout:      cfg.WSWriteTimeout,
		SendBuffer:        cfg.WSSendBuffer,
		OriginPatterns:    cfg.AllowedOrigins,
	}, verifier, rooms, messageSvc, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(st, cfg.StoreBackend)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, rooms, handler.StreamConfig{
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		Buffer:            cfg.WSSendBuffer,
	}, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Websocket endpoint authenticates during the handshake.
	r.Handle("/ws", gw)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)
		r.Use(middleware.CORS(cfg.AllowedOrigins))
		r.Use(middleware.Auth(verifier))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.With(middleware.RequireRole(model.RoleAgent)).Get("/inbox", conversationHandler.Inbox)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversationHandler.Get)
			r.Get("/messages", messageHandler.List)
			r.Get("/stream", streamHandler.Stream)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket connections forced closed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	opts := []auth.Option{auth.WithLeeway(cfg.JWTLeeway)}
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	for kid, secret := range cfg.JWTKeys {
		opts = append(opts, auth.WithKey(kid, secret))
	}
	return auth.NewVerifier(cfg.JWTSecret, opts...)
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory store, messages are lost on restart")
		return store.NewMemoryStore(), nil

	case config.StoreBadger:
		db, err := store.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return db, nil

	default:
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		// Connect to NATS
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:       cfg.NATSURL,
			Name:      "support-gateway",
			CAFile:    cfg.NATSCAFile,
			CertFile:  cfg.NATSCertFile,
			KeyFile:   cfg.NATSKeyFile,
			Token:     cfg.NATSToken,
			CredsFile: cfg.NATSCredsFile,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}

		// Ensure JetStream stream exists
		streams := natsclient.NewStreamManager(client, natsclient.StreamConfig{
			Replicas: cfg.NATSStreamReplicas,
			MaxBytes: cfg.NATSStreamMaxBytes,
		})
		if err := streams.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		return streams, nil
	}
}
