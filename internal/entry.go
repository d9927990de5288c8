// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/starford/larder/internal/api"
	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/localdb"
	"github.com/starford/larder/internal/mcpserver"
	"github.com/starford/larder/internal/notify"
	"github.com/starford/larder/internal/pgstore"
	"github.com/starford/larder/internal/sse"
	"github.com/starford/larder/internal/storage"
	"github.com/starford/larder/internal/tracker"
)

// App holds the wired components shared by every command.
type App struct {
	Config     *Config
	Logger     *slog.Logger
	Backend    backend.Backend
	Blobs      *storage.FS
	Auth       *auth.Provider
	Permission *notify.PermissionGate
	Broker     *sse.Broker
	Sessions   *tracker.Manager
}

// Open wires the backend, the identity provider and the session manager.
// No session is started until one is requested.
func Open(ctx context.Context, opts ...Option) (*App, error) {
	app := &application{logOutput: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("backend_driver", cfg.Backend.Driver),
		slog.String("blobs_root", cfg.Backend.Blobs.Root),
		slog.String("log_level", cfg.App.LogLevel.String()))

	be, err := openBackend(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewFS(cfg.Backend.Blobs.Root, cfg.Backend.Blobs.PublicBaseURL)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if _, statErr := os.Stat(blobs.Root()); errors.Is(statErr, fs.ErrNotExist) {
		logger.Warn("image bucket missing; uploads will fail until it is created",
			slog.String("blobs_root", blobs.Root()))
	}

	provider := auth.NewProvider(be, cfg.Auth.ProviderConfig(), logger)
	perm := notify.NewPermissionGate(cfg.Notify.PermissionState(), app.prompt)
	broker := sse.NewBroker(500 * time.Millisecond)

	topts := cfg.TrackerOptions()
	if app.oneShot {
		topts.NoTimers = true
		topts.ResyncInterval = 0
	}
	sessions := tracker.NewManager(provider, tracker.Deps{
		Records:    be,
		Feed:       be,
		Blobs:      blobs,
		Notifier:   notify.Multi{notify.LogNotifier{Logger: logger}, broker},
		Permission: perm,
		View:       broker,
		Logger:     logger,
	}, topts)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Backend:    be,
		Blobs:      blobs,
		Auth:       provider,
		Permission: perm,
		Broker:     broker,
		Sessions:   sessions,
	}, nil
}

func openBackend(ctx context.Context, cfg BackendConfig, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Driver {
	case DriverPostgres:
		store, err := pgstore.Open(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		return store, nil
	default:
		db, err := localdb.Open(cfg.SQLite.Path,
			localdb.WithLogger(logger),
			localdb.WithPollInterval(cfg.SQLite.PollInterval))
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		return db, nil
	}
}

// Close stops the live session and releases the backend.
func (a *App) Close() error {
	a.Sessions.Stop()
	a.Broker.Close()
	return a.Backend.Close()
}

// Handler builds the HTTP handler: health checks and the API under /api.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(a.Config.App.HTTP.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.Config.App.HTTP.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.Backend.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", api.NewRouter(api.Deps{
		Auth:       a.Auth,
		Sessions:   a.Sessions,
		Permission: a.Permission,
		Broker:     a.Broker,
		Blobs:      a.Blobs,
	}))
	return r
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	a, err := Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger

	// Resume the stored session so the alert timers run without a client.
	if _, err := a.Sessions.Session(ctx); err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			logger.Info("No stored session; waiting for sign in")
		} else {
			logger.Warn("resume session failed", slog.String("error", err.Error()))
		}
	}

	httpServer := &http.Server{
		Addr:    a.Config.App.HTTP.Address(),
		Handler: a.Handler(),
	}

	logger.Info("Server starting...", slog.String("http_address", a.Config.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", a.Config.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// SSE streams end when the broker closes; close it before Shutdown
		// waits on them.
		a.Broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// ServeMCP serves the MCP tools on stdin/stdout. Logs go to stderr.
func ServeMCP(ctx context.Context, opts ...Option) error {
	a, err := Open(ctx, append(opts, WithLogOutput(os.Stderr))...)
	if err != nil {
		return err
	}
	defer a.Close()

	return mcpserver.New(a.Sessions).ServeStdio()
}
