package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	crhttp "github.com/crankshaft-ci/crankshaft/internal/adapter/http"
	crnats "github.com/crankshaft-ci/crankshaft/internal/adapter/nats"
	"github.com/crankshaft-ci/crankshaft/internal/adapter/otel"
	"github.com/crankshaft-ci/crankshaft/internal/adapter/postgres"
	"github.com/crankshaft-ci/crankshaft/internal/adapter/ristretto"
	"github.com/crankshaft-ci/crankshaft/internal/adapter/ws"
	"github.com/crankshaft-ci/crankshaft/internal/config"
	"github.com/crankshaft-ci/crankshaft/internal/domain/template"
	"github.com/crankshaft-ci/crankshaft/internal/lock"
	"github.com/crankshaft-ci/crankshaft/internal/logger"
	"github.com/crankshaft-ci/crankshaft/internal/resilience"
	"github.com/crankshaft-ci/crankshaft/internal/service"
	"github.com/crankshaft-ci/crankshaft/internal/slot"
	"github.com/crankshaft-ci/crankshaft/internal/workspace"
)

func main() {
	// Bootstrap logger until the config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

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
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"slots", cfg.Scheduler.Slots,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	natsQueue, err := crnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = natsQueue.Close() }()

	queue := resilience.NewGuardedQueue(natsQueue,
		resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	runCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer runCache.Close()

	// --- Observability ---

	shutdownTelemetry, err := otel.Init(ctx, "crankshaft", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	hub := ws.NewHub()
	bus := otel.NewRecorder(hub, metrics)

	// --- Templates ---

	registry := template.NewRegistry(template.BuiltinTemplates()...)
	if cfg.Templates.CustomDir != "" {
		custom, err := template.LoadFromDirectory(cfg.Templates.CustomDir)
		if err != nil {
			return fmt.Errorf("custom templates: %w", err)
		}
		for _, t := range custom {
			if err := registry.Register(t); err != nil {
				return fmt.Errorf("custom templates: %w", err)
			}
		}
		slog.Info("custom templates loaded", "dir", cfg.Templates.CustomDir, "count", len(custom))
	}

	// --- Coordination core ---

	store := postgres.NewStore(pool, cfg.Postgres.MergeRetries)
	locks := lock.NewManager(bus)
	slots := slot.NewPool(cfg.Scheduler.Slots, bus)
	phaseQueue := service.NewPhaseQueue(bus)
	workspaces := workspace.NewManager(cfg.Runtime.WorkspaceRoot, cfg.Runtime.MaxWorkspaceOps)

	launcher := service.NewLauncher(store, locks, slots, workspaces, queue, bus, cfg.Runtime, cfg.Locks)
	scheduler := service.NewScheduler(phaseQueue, slots, store, launcher, cfg.Scheduler.PollInterval)
	scheduler.Start(ctx)

	continuation := service.NewContinuation(store, registry, phaseQueue, launcher, scheduler, queue, bus)
	stopSubscribers, err := continuation.Start(ctx)
	if err != nil {
		return fmt.Errorf("continuation subscribers: %w", err)
	}
	defer stopSubscribers()

	runSvc := service.NewRunService(store, registry, phaseQueue, launcher, scheduler, bus, runCache, cfg.Cache.TTL)

	// --- HTTP ---

	handlers := crhttp.NewHandlers(runSvc, continuation, locks, slots, phaseQueue)

	r := chi.NewRouter()
	r.Use(crhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(crhttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(otel.HTTPMiddleware("crankshaft"))

	r.Get("/health", healthHandler(cfg, queue, slots))
	r.Get("/ws", hub.HandleWS)
	crhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")
	cancel() // stops the scheduler loop and cancels live phase supervision

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports service health including the broker breaker state.
func healthHandler(cfg *config.Config, queue *resilience.GuardedQueue, slots *slot.Pool) http.HandlerFunc {
	type healthStatus struct {
		Status        string `json:"status"`
		NATS          string `json:"nats"`
		BrokerBreaker string `json:"broker_breaker"`
		SlotsOccupied int    `json:"slots_occupied"`
		SlotsTotal    int    `json:"slots_total"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:        "ok",
			NATS:          cfg.NATS.URL,
			BrokerBreaker: queue.State().String(),
			SlotsOccupied: slots.Occupied(),
			SlotsTotal:    slots.Size(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
