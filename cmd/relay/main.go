// Half-duplex bot relay server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/halfduplex/internal/api"
	"github.com/ashureev/halfduplex/internal/config"
	"github.com/ashureev/halfduplex/internal/identity"
	"github.com/ashureev/halfduplex/internal/metrics"
	"github.com/ashureev/halfduplex/internal/middleware"
	"github.com/ashureev/halfduplex/internal/relay"
	"github.com/ashureev/halfduplex/internal/store"
	"github.com/ashureev/halfduplex/internal/strategy"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting relay", "port", cfg.Port, "dev", cfg.IsDevelopment(), "transport", cfg.Bot.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Transcript ledger is optional.
	var repo store.Repository
	if cfg.Transcript.Enabled {
		repo, err = store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()

		if err := repo.Ping(ctx); err != nil {
			slog.Error("Database health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Database connected", "path", cfg.DBPath)

		store.StartRetentionWorker(ctx, repo, cfg.Transcript.TTL)
		slog.Info("Retention worker started", "ttl", cfg.Transcript.TTL)
	} else {
		slog.Info("Transcript ledger disabled")
	}

	bot, err := strategy.NewPublishedBot(strategy.PublishedBotConfig{
		BotSchema:              cfg.Bot.Schema,
		EnvironmentEndpointURL: cfg.Bot.EnvironmentURL,
		GetToken:               strategy.StaticToken(cfg.Bot.Token),
		Transport:              cfg.Bot.Transport,
	})
	if err != nil {
		slog.Error("Failed to initialize bot strategy", "error", err)
		os.Exit(1)
	}
	slog.Info("Bot strategy ready", "base_url", bot.BaseURL().Redacted())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	sessions := relay.NewSessionManager()
	apiHandler := api.NewHandler(repo, logger)
	wsHandler := relay.NewHandler(relay.Config{
		Strategy:                   bot,
		Repo:                       repo,
		Sessions:                   sessions,
		Logger:                     logger,
		Metrics:                    recorder,
		Retry:                      cfg.Retry,
		RequestTimeout:             cfg.RequestTimeout,
		Locale:                     cfg.Bot.Locale,
		EmitStartConversationEvent: cfg.Bot.EmitStartConversationEvent,
		MaxMessageBytes:            cfg.WSMaxMessageBytes,
		AllowedOrigin:              cfg.FrontendURL,
		IsDev:                      cfg.IsDevelopment(),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.Route("/api", apiHandler.Routes)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Note: websocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked websockets are not tracked by Shutdown.
	sessions.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
