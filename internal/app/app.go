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
	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/herald/api/openapi"
	"github.com/bissquit/herald/internal/config"
	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/memory"
	notificationspostgres "github.com/bissquit/herald/internal/notifications/postgres"
	"github.com/bissquit/herald/internal/pkg/auth"
	"github.com/bissquit/herald/internal/pkg/ctxlog"
	"github.com/bissquit/herald/internal/pkg/httputil"
	"github.com/bissquit/herald/internal/pkg/metrics"
	"github.com/bissquit/herald/internal/pkg/postgres"
	"github.com/bissquit/herald/internal/pkg/redis"
	"github.com/bissquit/herald/internal/version"
	"github.com/bissquit/herald/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *goredis.Client
	repo          notifications.Repository
	server        *http.Server
	metricsServer *http.Server

	backgroundCtx    context.Context
	backgroundCancel context.CancelFunc

	worker    *notifications.Worker
	scheduler *notifications.JobScheduler
}

// New creates a new application instance. Background processing starts
// immediately; HTTP listeners start with Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, err
	}

	if err := app.initRedis(); err != nil {
		app.closeStores()
		return nil, err
	}

	app.backgroundCtx, app.backgroundCancel = context.WithCancel(context.Background())

	service, err := app.initEngine()
	if err != nil {
		app.backgroundCancel()
		app.closeStores()
		return nil, err
	}

	router := app.setupRouter(service)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
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

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit).Set(1)

	go app.collectPoolMetrics(app.backgroundCtx)
	go app.collectQueueMetrics(app.backgroundCtx)

	return app, nil
}

func (a *App) initStorage() error {
	cfg := a.config

	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		a.logger.Warn("using in-memory storage: queue state is lost on restart")
		a.repo = memory.NewRepository()
		return nil

	case config.StorageDriverPostgres:
		if cfg.Database.MigrateOnStart {
			if err := migrations.Up(cfg.Database.URL); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
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
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.repo = notificationspostgres.NewRepository(db)
		return nil

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func (a *App) initRedis() error {
	if a.config.Redis.URL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Database.ConnectTimeout)
	defer cancel()

	client, err := redis.Connect(ctx, redis.Config{
		URL:             a.config.Redis.URL,
		PoolSize:        a.config.Redis.PoolSize,
		ConnectAttempts: a.config.Redis.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	return nil
}

// initEngine builds the delivery pipeline and starts the worker and jobs.
func (a *App) initEngine() (*notifications.Service, error) {
	cfg := a.config

	senders, err := buildSenders(cfg, a.repo, a.redis)
	if err != nil {
		return nil, fmt.Errorf("create senders: %w", err)
	}

	dispatcher := notifications.NewDispatcher(senders...)
	renderer := notifications.NewRenderer(a.repo)

	slog.Info("notifications configured",
		"storage", cfg.Storage.Driver,
		"channels", dispatcher.Channels(),
		"worker_enabled", cfg.Worker.Enabled,
		"jobs_enabled", cfg.Jobs.Enabled,
		"realtime", a.redis != nil,
	)

	if cfg.Worker.Enabled {
		a.worker = notifications.NewWorker(notifications.WorkerConfig{
			BatchSize:      cfg.Worker.BatchSize,
			PollInterval:   cfg.Worker.PollInterval,
			MaxRetries:     cfg.Worker.MaxRetries,
			RetryDelayBase: cfg.Retry.DelayBase,
		}, a.repo, a.repo, dispatcher, renderer)
		a.worker.Start(a.backgroundCtx)
	}

	if cfg.Jobs.Enabled {
		scheduler, err := NewJobScheduler(cfg, a.repo)
		if err != nil {
			a.stopEngine()
			return nil, fmt.Errorf("create job scheduler: %w", err)
		}
		a.scheduler = scheduler
		a.scheduler.Start(a.backgroundCtx)
	}

	return notifications.NewService(a.repo, cfg.Worker.MaxRetries), nil
}

// NewJobScheduler builds the reconciliation scheduler from configuration.
func NewJobScheduler(cfg *config.Config, repo notifications.Repository) (*notifications.JobScheduler, error) {
	reconciler := notifications.NewReconciler(repo, repo, cfg.Worker.StuckTimeout)
	return notifications.NewJobScheduler(notifications.JobsConfig{
		PromoteScheduled:  cfg.Jobs.PromoteScheduled,
		PromoteFailed:     cfg.Jobs.PromoteFailed,
		PurgeExpiredInApp: cfg.Jobs.PurgeExpiredInApp,
		RecoverStuck:      cfg.Jobs.RecoverStuck,
		Attempts:          cfg.Jobs.Attempts,
		RetryDelay:        cfg.Jobs.RetryDelay,
		Timeout:           cfg.Jobs.Timeout,
	}, reconciler)
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop background processing first so no item is claimed after the stores close
	a.stopEngine()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

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

	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) stopEngine() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.backgroundCancel != nil {
		a.backgroundCancel()
	}
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		if a.db != nil {
			metrics.RecordDBPoolMetrics(a.db)
		}
		if a.redis != nil {
			metrics.RecordRedisPoolMetrics(a.redis)
		}
	}
	record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.repo.GetQueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			notifications.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the delivery worker, or nil if it is disabled.
func (a *App) Worker() *notifications.Worker {
	return a.worker
}

// Repository returns the notifications store.
func (a *App) Repository() notifications.Repository {
	return a.repo
}

func (a *App) setupRouter(service *notifications.Service) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/v1/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(openapi.Spec)
	})

	authenticator := auth.NewAuthenticator(auth.Config{
		SecretKey:     a.config.Auth.SecretKey,
		Issuer:        a.config.Auth.Issuer,
		TokenDuration: a.config.Auth.TokenDuration,
	})
	notificationsHandler := notifications.NewHandler(service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(authenticator))

			notificationsHandler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleOperator))
				notificationsHandler.RegisterOperatorRoutes(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				notificationsHandler.RegisterAdminRoutes(r)
			})
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
