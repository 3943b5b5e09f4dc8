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

	"github.com/gin-gonic/gin"

	"github.com/irfndi/optiroute/internal/api"
	"github.com/irfndi/optiroute/internal/api/handlers"
	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/database"
	"github.com/irfndi/optiroute/internal/logging"
	"github.com/irfndi/optiroute/internal/middleware"
	"github.com/irfndi/optiroute/internal/observability"
)

const serviceName = "optiroute"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// main dispatches CLI subcommands and otherwise starts the HTTP server.
func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
		case "route":
			if err := runRouteCLI(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Route command failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "catalog":
			if err := runCatalogCLI(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Catalog command failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "migrate":
			if err := runMigrate(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		default:
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, initializes telemetry, storage and the routing
// pipeline, then serves HTTP until SIGINT or SIGTERM.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := observability.InitSentry(cfg.Sentry, version, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Sentry: %v\n", err)
	}
	defer observability.Flush(2 * time.Second)

	logger := logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	defer func() { _ = logger.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.start(ctx); err != nil {
		return err
	}

	router := api.NewRouter(cfg.Server.AllowedOrigins)
	api.SetupRoutes(router, app.routeDependencies())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.LogStartup(serviceName, version, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.LogShutdown(serviceName, sig.String())
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
		return fmt.Errorf("server failed: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Logger().Info("Server exited gracefully")
	return nil
}

// routeDependencies assembles the HTTP layer around the application.
func (a *application) routeDependencies() api.Dependencies {
	health := handlers.NewHealthHandler(version).
		AddCheck("database", a.db, true).
		AddCheck("catalog", handlers.HealthCheckFunc(func(ctx context.Context) error {
			_, err := a.catalog.Snapshot(ctx)
			return err
		}), false)
	var redisCheck handlers.HealthChecker
	if a.redis != nil {
		redisCheck = a.redis
	}
	health.AddCheck("redis", redisCheck, false)

	adminOpts := []handlers.AdminOption{
		handlers.WithQuotaUpdater(database.NewCatalogRepository(a.db)),
		handlers.WithAdminLogger(a.logger.WithComponent("admin")),
	}
	var broadcast handlers.InvalidationPublisher
	if a.publisher != nil {
		broadcast = a.publisher
	}
	adminOpts = append(adminOpts, handlers.WithCatalogInvalidation(a.catalog, broadcast))
	if a.queue != nil {
		adminOpts = append(adminOpts, handlers.WithJobAdmin(a.queue))
	}
	for name, p := range a.stats() {
		health.AddStats(name, p)
		adminOpts = append(adminOpts, handlers.WithStats(name, p))
	}

	deps := api.Dependencies{
		Router:     a.orchestrator,
		Health:     health,
		Usage:      handlers.NewUsageHandler(a.usage, a.catalog),
		Admin:      handlers.NewAdminHandler(adminOpts...),
		AdminToken: a.cfg.Security.AdminToken,
		Gatherer:   a.registry,
		Logger:     a.logger.WithComponent("api"),
	}

	if a.cfg.RateLimit.Enabled {
		rl := middleware.DefaultRateLimitConfig()
		rl.Requests = a.cfg.RateLimit.Requests
		rl.Window = a.cfg.RateLimit.Window
		rl.OnReject = func(string) { a.metrics.RateLimited() }
		deps.RateLimiter = middleware.NewRateLimiter(rl, a.redisClient(), a.logger.WithComponent("ratelimit"))
	}
	return deps
}
