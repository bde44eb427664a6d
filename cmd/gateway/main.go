package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/api"
	"github.com/leozw/helpdesk-gateway/internal/auth"
	"github.com/leozw/helpdesk-gateway/internal/bus"
	"github.com/leozw/helpdesk-gateway/internal/config"
	"github.com/leozw/helpdesk-gateway/internal/manager"
	"github.com/leozw/helpdesk-gateway/internal/memguard"
	"github.com/leozw/helpdesk-gateway/internal/metrics"
	"github.com/leozw/helpdesk-gateway/internal/monitor"
	"github.com/leozw/helpdesk-gateway/internal/pool"
	"github.com/leozw/helpdesk-gateway/internal/ratelimit"
	"github.com/leozw/helpdesk-gateway/internal/storage"
	"github.com/leozw/helpdesk-gateway/internal/storage/postgres"
	"github.com/leozw/helpdesk-gateway/internal/storage/redis"
	"github.com/leozw/helpdesk-gateway/pkg/keycloak"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Database
	db, err := postgres.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := postgres.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis
	cache := redis.NewClient(cfg.Redis.URL)
	defer cache.Close()

	// Distribution backbone. An unreachable backbone at startup is
	// fatal: a gateway that cannot see cross-process events would
	// silently serve stale rooms.
	eventBus, err := bus.NewBus(cache.Client, cfg.Redis.Channel, logger)
	if err != nil {
		logger.Fatal("Failed to connect to event backbone", zap.Error(err))
	}
	defer eventBus.Close()

	repo := postgres.NewRepository(db)
	store := storage.NewStore(repo, cache)

	var verifier auth.TokenVerifier
	if cfg.Keycloak.URL != "" {
		verifier = auth.NewKeycloakVerifier(keycloak.NewClient(cfg.Keycloak.URL, cfg.Keycloak.Realm))
		logger.Info("Using Keycloak token verification", zap.String("realm", cfg.Keycloak.Realm))
	} else {
		verifier = auth.NewHMACVerifier(cfg.Auth.JWTSecret)
	}

	gate := auth.NewGate(verifier, store, auth.GateConfig{
		CacheTTL:      cfg.Auth.CacheTTL,
		CacheMaxSize:  cfg.Auth.CacheMaxSize,
		MaxAttempts:   cfg.Auth.MaxAttempts,
		AttemptWindow: cfg.Auth.AttemptWindow,
		LookupTimeout: cfg.Auth.ConnectTimeout,
	}, logger)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.MaxPerSecond, cfg.RateLimit.MaxPerMinute, cfg.RateLimit.BlockDuration, logger)

	sampler, err := memguard.ProcessSampler()
	if err != nil {
		logger.Fatal("Failed to attach memory sampler", zap.Error(err))
	}
	guard := memguard.NewGuard(sampler, cfg.Memory.MaxBytes, cfg.Memory.SoftRatio, logger)

	connPool := pool.NewPool(cfg.Limits.MaxPerTenant, cfg.Limits.MaxPerUser, logger)
	collector := metrics.NewCollector(cfg.Mimir, prometheus.DefaultRegisterer)

	mgr := manager.NewManager(manager.Deps{
		Gate:     gate,
		Limiter:  limiter,
		Guard:    guard,
		Pool:     connPool,
		Backbone: eventBus,
		Store:    store,
		Metrics:  collector,
		Limits:   cfg.Limits,
		Memory:   cfg.Memory,
		Batch:    cfg.Batch,
		Logger:   logger,
	})
	eventBus.Subscribe(mgr.HandleRemote)

	mon := monitor.NewMonitor(monitor.Sources{
		ConnectionCount: connPool.Count,
		ConnectionCap:   cfg.Limits.MaxConnections,
		MemoryUsage:     guard.Usage,
		LatencyP95:      collector.LatencyP95,
		ErrorRate:       collector.ErrorRate,
	}, monitor.DefaultThresholds(), cfg.Monitor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mgr.Run(ctx)
	go mon.Run(ctx)
	go collector.StartRemoteWrite(ctx, prometheus.DefaultGatherer, logger)

	server := api.NewServer(cfg, mgr, mon, repo, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Gateway started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")

	// Stop admitting, flush pending batches, close every session with
	// a shutdown frame, then drain the HTTP server.
	mgr.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Gateway exited")
}
