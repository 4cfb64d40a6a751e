// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velotype/keypulse/internal/config"
	"github.com/velotype/keypulse/internal/delivery"
	deliverypostgres "github.com/velotype/keypulse/internal/delivery/postgres"
	"github.com/velotype/keypulse/internal/delivery/webpush"
	"github.com/velotype/keypulse/internal/jobs"
	jobspostgres "github.com/velotype/keypulse/internal/jobs/postgres"
	"github.com/velotype/keypulse/internal/pkg/metrics"
	"github.com/velotype/keypulse/internal/pkg/postgres"
	"github.com/velotype/keypulse/internal/timeutil"
	"github.com/velotype/keypulse/internal/version"
)

// App represents the application instance.
type App struct {
	config          *config.Config
	logger          *slog.Logger
	db              *pgxpool.Pool
	server          *http.Server
	metricsServer   *http.Server
	backgroundStop  context.CancelFunc
	dispatcher      *jobs.Dispatcher
	deliveryService *delivery.Service
}

// Options carries collaborators supplied by the embedding platform.
type Options struct {
	// Facts provides the stats, streak and tip lookups used to fill
	// payload content. The engine consumes these, it never computes them.
	Facts delivery.FactSource
}

// New creates a new application instance.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := postgres.MigrateUp(cfg.Database.URL, cfg.Database.Migrations); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pusher, err := webpush.NewSender(webpush.Config{
		Enabled:         cfg.Push.Enabled,
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
		RateLimit:       cfg.Push.RateLimit,
		RateBurst:       cfg.Push.RateBurst,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create webpush sender: %w", err)
	}

	clock := timeutil.NewClock()
	jobsRepo := jobspostgres.NewRepository(db)
	deliveryRepo := deliverypostgres.NewRepository(db)

	deliveryService := delivery.NewService(delivery.ServiceConfig{
		DedupWindow:        cfg.Delivery.DedupWindow,
		DedupSweepInterval: cfg.Delivery.DedupSweepInterval,
		SendTimeout:        cfg.Delivery.SendTimeout,
	}, deliveryRepo, opts.Facts, pusher, clock)

	generator := jobs.NewGenerator(jobsRepo, deliveryRepo, clock)

	dispatcher := jobs.NewDispatcher(jobs.DispatcherConfig{
		TickInterval:         cfg.Scheduler.TickInterval,
		StartDelay:           cfg.Scheduler.StartDelay,
		BatchSize:            cfg.Scheduler.BatchSize,
		MaxAttempts:          cfg.Scheduler.MaxAttempts,
		BaseRetryDelay:       cfg.Scheduler.BaseRetryDelay,
		MaxConcurrency:       cfg.Scheduler.MaxConcurrency,
		RegenerateInterval:   cfg.Scheduler.RegenerateInterval,
		CleanupInterval:      cfg.Scheduler.CleanupInterval,
		JobRetentionDays:     cfg.Scheduler.JobRetentionDays,
		HistorySweepInterval: cfg.Scheduler.HistorySweepInterval,
		HistoryRetentionDays: cfg.Scheduler.HistoryRetentionDays,
	}, jobsRepo, deliveryService, generator, deliveryRepo, clock)

	backgroundCtx, backgroundStop := context.WithCancel(context.Background())

	app := &App{
		config:          cfg,
		logger:          logger,
		db:              db,
		backgroundStop:  backgroundStop,
		dispatcher:      dispatcher,
		deliveryService: deliveryService,
	}

	go metrics.CollectDBPoolMetrics(backgroundCtx, db, 15*time.Second)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on a separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	dispatcher.Start(backgroundCtx)

	return app, nil
}

// Run starts the HTTP servers and blocks until the main server exits.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Stop claiming new work before anything else is torn down.
	a.dispatcher.Stop()
	a.deliveryService.Close()
	a.backgroundStop()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(version.Version))
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
