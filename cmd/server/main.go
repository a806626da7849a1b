// assistd - per-user assistant session orchestrator
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

	"github.com/avolkov/assistd/internal/api"
	"github.com/avolkov/assistd/internal/config"
	"github.com/avolkov/assistd/internal/dispatch"
	"github.com/avolkov/assistd/internal/events"
	"github.com/avolkov/assistd/internal/identity"
	"github.com/avolkov/assistd/internal/ledger"
	"github.com/avolkov/assistd/internal/lifecycle"
	"github.com/avolkov/assistd/internal/meter"
	"github.com/avolkov/assistd/internal/middleware"
	"github.com/avolkov/assistd/internal/orchestrator"
	"github.com/avolkov/assistd/internal/reminder"
	"github.com/avolkov/assistd/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sup, err := lifecycle.NewDockerSupervisor(cfg.ContainerRuntime)
	if err != nil {
		slog.Error("Failed to initialize container supervisor", "error", err)
		os.Exit(1)
	}

	networkID, err := sup.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure session network", "error", err)
		os.Exit(1)
	}
	slog.Info("Session network ready", "network_id", networkID)

	// Initialize services.
	hub := events.NewHub()

	led := ledger.New(repo)
	met := meter.New(led, cfg.ReservationGrace)

	mgr := lifecycle.NewManager(repo, sup, hub, lifecycle.Config{
		IdleTimeout:      cfg.IdleTimeout,
		ProvisionTimeout: cfg.ProvisionTimeout,
		WakeTimeout:      cfg.WakeTimeout,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
	})

	dispatcher := dispatch.NewDockerDispatcher(sup.Client())

	orch := orchestrator.New(mgr, met, dispatcher, hub, orchestrator.Config{
		MessageCostCents:  cfg.MessageCostCents,
		ReminderCostCents: cfg.ReminderCostCents,
	})

	scheduler := reminder.NewScheduler(repo, orch, reminder.Config{
		RetryBudget:  cfg.ReminderRetryBudget,
		RetryBackoff: cfg.ReminderRetryBackoff,
	})
	orch.SetReminderSweeper(scheduler)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	healthHandler := api.NewHealthHandler(repo)
	sessionHandler := api.NewSessionHandler(baseHandler, orch, mgr)
	reminderHandler := api.NewReminderHandler(baseHandler, scheduler)
	creditHandler := api.NewCreditHandler(baseHandler, led, met, cfg.WebhookSecret)
	eventsHandler := api.NewEventsHandler(hub)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes, no identity required.
	healthHandler.RegisterHealth(r)
	creditHandler.RegisterWebhook(r)

	// Routes behind anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, led, cfg.FreeTierCents, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		reminderHandler.RegisterRoutes(r)
		creditHandler.RegisterRoutes(r)
		eventsHandler.RegisterRoutes(r)
	})

	// Create server. WriteTimeout stays 0 so the event stream can run
	// indefinitely.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweeps.
	go runTicker(ctx, cfg.IdleSweepEvery, func(now time.Time) {
		if slept := orch.TickIdleSweep(ctx, now); slept > 0 {
			slog.Info("Idle sweep put sessions to sleep", "count", slept)
		}
	})
	go runTicker(ctx, cfg.ReminderSweepEvery, func(now time.Time) {
		orch.TickReminderSweep(ctx, now)
	})
	go runTicker(ctx, cfg.ReservationGrace/2, func(now time.Time) {
		if released := orch.TickReconcile(now); released > 0 {
			slog.Warn("Reconciled abandoned reservations", "count", released)
		}
	})
	slog.Info("Background sweeps started",
		"idle_every", cfg.IdleSweepEvery,
		"reminder_every", cfg.ReminderSweepEvery,
	)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func runTicker(ctx context.Context, every time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}
