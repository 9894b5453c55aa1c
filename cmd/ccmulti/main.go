package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cchttp "github.com/vincent-163/claude-code-multi/internal/adapter/http"
	ccnats "github.com/vincent-163/claude-code-multi/internal/adapter/nats"
	ccotel "github.com/vincent-163/claude-code-multi/internal/adapter/otel"
	"github.com/vincent-163/claude-code-multi/internal/adapter/postgres"
	"github.com/vincent-163/claude-code-multi/internal/adapter/ristretto"
	"github.com/vincent-163/claude-code-multi/internal/adapter/ws"
	"github.com/vincent-163/claude-code-multi/internal/config"
	"github.com/vincent-163/claude-code-multi/internal/logger"
	"github.com/vincent-163/claude-code-multi/internal/middleware"
	"github.com/vincent-163/claude-code-multi/internal/port/eventsink"
	"github.com/vincent-163/claude-code-multi/internal/port/eventstore"
	"github.com/vincent-163/claude-code-multi/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"sessions_dir", cfg.Sessions.Dir,
		"max_sessions", cfg.Sessions.MaxSessions,
		"command", cfg.Sessions.Command,
	)

	ctx := context.Background()

	// --- Telemetry ---

	otelShutdown, err := ccotel.Init(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := ccotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	var sinks []eventsink.Sink
	sinks = append(sinks, ccotel.NewObserver(metrics))

	var archive eventstore.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("postgres connected, migrations applied")

		store := postgres.NewEventStore(pool)
		sinks = append(sinks, store)
		archive = store
	}

	if cfg.NATS.URL != "" {
		mirror, err := ccnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = mirror.Close() }()
		sinks = append(sinks, mirror)
	}

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Session manager ---

	mgr := session.NewManager(session.Config{
		Dir:           cfg.Sessions.Dir,
		MaxSessions:   cfg.Sessions.MaxSessions,
		BufferCap:     cfg.Sessions.BufferCap,
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		Command:       cfg.Sessions.Command,
		BaseArgs:      cfg.Sessions.BaseArgs,
	}, cache, sinks, log)
	mgr.StartSweeper()

	// --- HTTP ---

	handlers := cchttp.NewHandlers(mgr, archive, metrics, log)
	stream := ws.NewStreamer(mgr, log)

	r := chi.NewRouter()
	r.Use(cchttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cchttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(cchttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(ccotel.HTTPMiddleware(cfg.Logging.Service))

	cchttp.MountRoutes(r, handlers, stream)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No ReadTimeout/WriteTimeout: SSE and WebSocket connections are
		// long-lived by design.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := mgr.DestroyAll(shutdownCtx); err != nil {
		log.Warn("session teardown incomplete", "error", err)
	}
	mgr.Close()
	return nil
}
