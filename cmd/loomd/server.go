package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomrun/loom/api/handlers"
	"github.com/loomrun/loom/config"
	"github.com/loomrun/loom/internal/database"
	"github.com/loomrun/loom/internal/metrics"
	"github.com/loomrun/loom/internal/server"
	"github.com/loomrun/loom/internal/telemetry"
	"github.com/loomrun/loom/interrupt"
	"github.com/loomrun/loom/lease"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/scheduler"
	"github.com/loomrun/loom/store"
)

// Server owns the control plane process: the durable store, the coordination
// stack, both HTTP listeners, and the background maintenance loops.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	pool        *database.PoolManager
	redisClient *redis.Client

	st          *store.Store
	leases      *lease.Manager
	interrupts  *interrupt.Registry
	coordinator *runtime.Coordinator
	scheduler   *scheduler.Scheduler

	httpManager    *server.Manager
	metricsManager *server.Manager
	collector      *metrics.Collector

	configWatcher *config.Watcher

	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer builds an unstarted server.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// Start brings the whole stack up: store, coordination, recovery, background
// loops, and both listeners.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("loom", s.logger)

	if err := s.initStore(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	s.initCoordination()

	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	report, err := s.coordinator.RecoverOnStart(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("startup recovery: %w", err)
	}
	s.logger.Info("startup recovery complete",
		zap.Int64("orphans_requeued", report.OrphansRequeued),
		zap.Int("leases_expired", len(report.LeasesExpired)),
		zap.Int("stale_interrupts", len(report.StaleInterrupts)),
	)

	s.startBackgroundLoops(ctx)

	if err := s.initConfigWatcher(ctx); err != nil {
		cancel()
		return fmt.Errorf("init config watcher: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		cancel()
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		cancel()
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_cache", s.redisClient != nil),
	)
	return nil
}

func (s *Server) initStore() error {
	pool, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool
	s.st = store.New(pool.DB(), s.logger)

	// sqlite deployments get their schema through gorm at startup; the SQL
	// migrations under internal/migration cover postgres and mysql.
	if s.cfg.Database.Driver == "sqlite" {
		if err := s.st.AutoMigrate(); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}

	if s.cfg.Redis.Addr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
	}
	return nil
}

func (s *Server) initCoordination() {
	rt := s.cfg.Runtime

	s.leases = lease.NewManager(s.st, lease.Config{
		TTL:            rt.LeaseTTL,
		HeartbeatGrace: rt.HeartbeatGrace,
	}, s.logger)

	s.interrupts = interrupt.NewRegistry(s.st, interrupt.Config{
		ResumeTimeout: rt.InterruptResumeTimeout,
	}, s.logger)

	var cache *runtime.ResultCache
	if s.redisClient != nil {
		cache = runtime.NewResultCache(s.redisClient, s.cfg.Redis.KeyPrefix, s.cfg.Redis.ResultTTL, s.logger)
	}

	s.coordinator = runtime.NewCoordinator(s.st, s.leases, s.interrupts, cache, runtime.Config{
		CheckpointInterval: rt.CheckpointInterval,
		Retry: runtime.RetryPolicy{
			MaxAttempts:      rt.Retry.MaxAttempts,
			InitialDelay:     rt.Retry.InitialDelay,
			MaxDelay:         rt.Retry.MaxDelay,
			Multiplier:       rt.Retry.Multiplier,
			Jitter:           rt.Retry.Jitter,
			RetryableClasses: rt.Retry.RetryableClasses,
		},
	}, s.logger)

	s.scheduler = scheduler.New(s.st, s.leases, scheduler.Config{
		MaxLeasesPerWorker: rt.MaxLeasesPerWorker,
		DispatchBatch:      rt.DispatchBatch,
	}, s.logger)
}

// startBackgroundLoops runs the lease expiry scan and the stale interrupt
// sweep until shutdown.
func (s *Server) startBackgroundLoops(ctx context.Context) {
	interval := s.cfg.Runtime.ExpiryScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.leases.Run(ctx, interval); err != nil && ctx.Err() == nil {
			s.logger.Error("lease expiry loop stopped", zap.Error(err))
		}
	}()

	if s.cfg.Runtime.InterruptResumeTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.interruptSweepLoop(ctx, interval)
		}()
	}
}

func (s *Server) interruptSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rejected, err := s.interrupts.SweepStale(ctx)
			if err != nil {
				s.logger.Warn("interrupt sweep failed", zap.Error(err))
				continue
			}
			for _, id := range rejected {
				s.collector.RecordInterrupt("swept")
				s.logger.Info("stale interrupt rejected", zap.String("interrupt_id", id))
			}
		}
	}
}

func (s *Server) initConfigWatcher(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(s.configPath, 0, s.logger)
	if err != nil {
		return err
	}
	watcher.Subscribe(func(cfg *config.Config) {
		// Listener and store settings need a restart; only log-level class
		// changes would apply live, so for now the reload is informational.
		s.logger.Info("configuration file reloaded",
			zap.String("path", s.configPath),
		)
		s.cfg = cfg
	})
	s.configWatcher = watcher

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = watcher.Watch(ctx)
	}()
	return nil
}

func (s *Server) startHTTPServer() error {
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "database",
		Fn:        s.pool.Ping,
	})
	if s.redisClient != nil {
		health.RegisterCheck(handlers.HealthCheckFunc{
			CheckName: "redis",
			Fn: func(ctx context.Context) error {
				return s.redisClient.Ping(ctx).Err()
			},
		})
	}

	jobs := handlers.NewJobsHandler(s.coordinator, s.logger)
	workers := handlers.NewWorkersHandler(s.coordinator, s.scheduler, s.logger)
	interruptsH := handlers.NewInterruptsHandler(s.coordinator, s.logger)

	mux := handlers.NewRouter(jobs, workers, interruptsH, health)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		middlewares = append(middlewares, CORS(s.cfg.Server.CORSAllowedOrigins))
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal, then shuts everything
// down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the background loops, both listeners, and the store.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown complete")
}
