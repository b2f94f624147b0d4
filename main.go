package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chorus/presence-service/auth"
	"chorus/presence-service/config"
	"chorus/presence-service/db"
	"chorus/presence-service/directory"
	"chorus/presence-service/handlers"
	"chorus/presence-service/metrics"
	"chorus/presence-service/services"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

// backend is the store wiring for one STORE_BACKEND.
type backend struct {
	store   store.Store
	evictor store.Evictor
	feed    store.ChangeFeed
	closers []io.Closer
}

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the presence store
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open presence store", "backend", cfg.StoreBackend, "error", err)
	}
	defer func() {
		for _, c := range be.closers {
			_ = c.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var dir directory.Directory = directory.Static{}
	if cfg.DirectoryURL != "" {
		dir = directory.NewHTTPDirectory(cfg.DirectoryURL, cfg.DirectoryToken, cfg.DirectoryTimeout)
	} else {
		logger.Warn("DIRECTORY_URL not set, every online subject gets a placeholder profile")
	}

	clock := quartz.NewReal()

	// Initialize services
	presence := services.NewPresenceService(be.store, be.evictor, dir, m, logger, services.PresenceOptions{
		TTL:           cfg.PresenceTTL,
		StoreTimeout:  cfg.StoreTimeout,
		LookupTimeout: cfg.DirectoryTimeout,
		Clock:         clock,
	})

	hub := services.NewChangeHub(be.feed, clock, m, logger, cfg.ChangeMinGap)
	hub.Start()

	sweepDone := make(chan struct{})
	if cfg.SweepInterval > 0 {
		sweeper := services.NewSweeper(be.evictor, clock, m, logger, cfg.PresenceTTL, cfg.SweepInterval, cfg.StoreTimeout)
		go func() {
			defer close(sweepDone)
			_ = sweeper.Run(ctx)
		}()
	} else {
		close(sweepDone)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Presence:    presence,
		Changes:     hub,
		Verifier:    auth.NewJWTVerifier(cfg.JWTSecret),
		Gatherer:    reg,
		Logger:      logger,
		Environment: cfg.Environment,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Presence Service",
			"port", cfg.Port,
			"backend", cfg.StoreBackend,
			"ttl", cfg.PresenceTTL,
			"sweep_interval", cfg.SweepInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Closing the hub ends open change streams so Shutdown does not wait on them.
	hub.Stop()
	cancel()
	<-sweepDone

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}

func openBackend(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		return openPostgres(cfg, logger)
	default:
		return openRedis(ctx, cfg, logger)
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*backend, error) {
	scoped, admin, err := store.NewRedisClients(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Managed Redis often forbids CONFIG SET; the operator then enables
	// keyspace events and clients fall back to polling until then.
	if err := store.EnableKeyspaceEvents(ctx, admin); err != nil {
		logger.Warn("Could not enable keyspace notifications, change stream may stay silent", "error", err)
	}

	rs := store.NewRedisStore(scoped)
	return &backend{
		store:   rs,
		evictor: store.NewRedisEvictor(admin),
		feed:    rs,
		closers: []io.Closer{scoped, admin},
	}, nil
}

func openPostgres(cfg *config.Config, logger *utils.Logger) (*backend, error) {
	admin, err := db.Connect(cfg.DatabaseAdminURL, cfg.Environment)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(admin); err != nil {
		_ = db.Close(admin)
		return nil, err
	}

	scoped, err := db.Connect(cfg.DatabaseURL, cfg.Environment)
	if err != nil {
		_ = db.Close(admin)
		return nil, err
	}
	logger.Info("Connected to PostgreSQL")

	return &backend{
		store:   store.NewPostgresStore(scoped),
		evictor: store.NewPostgresEvictor(admin),
		feed:    store.NewPGListener(cfg.DatabaseURL, db.NotifyChannel),
		closers: []io.Closer{closerFunc(func() error { return db.Close(scoped) }), closerFunc(func() error { return db.Close(admin) })},
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
