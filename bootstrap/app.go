package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"lmsguard/api"
	"lmsguard/audit"
	"lmsguard/config"
	"lmsguard/core"
	"lmsguard/csrf"
	"lmsguard/proctor"
	"lmsguard/ratelimit"
	"lmsguard/util/goroutine"

	"go.uber.org/zap"
)

// redisPingTimeout bounds the startup connectivity check.
const redisPingTimeout = 5 * time.Second

// App represents the lmsguard process with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Pipeline stages
	Guard         *csrf.Guard
	MemoryLimiter *ratelimit.MemoryLimiter
	Limiter       ratelimit.Limiter
	Gate          *proctor.Gate
	Dispatcher    *audit.Dispatcher
	AuditLogger   *audit.Logger
	APIServer     *api.API

	// Redis is nil unless shared rate limiting is enabled.
	Redis *core.RedisCache

	// Lifecycle
	serverErr    chan error
	serviceWg    sync.WaitGroup
	started      bool
	shutdownOnce sync.Once
}

// NewApp loads configuration from configPath and builds every component.
// Nothing runs in the background until Start.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, _, err := InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds the application from an already loaded configuration.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	logConfigSummary(cfg, sugar)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serverErr: make(chan error, 1),
	}

	a.Guard = csrf.NewGuard(csrf.Options{
		TTL:           cfg.CSRF.TokenTTL,
		SweepInterval: cfg.CSRF.SweepInterval,
		Shards:        cfg.CSRF.Shards,
	}, sugar.Named("csrf"))

	if err := a.initRateLimiter(ctx); err != nil {
		return nil, err
	}

	a.Gate = proctor.NewGate(proctor.Options{
		UserAgentMarker: cfg.Proctoring.UserAgentMarker,
		LoopbackBypass:  cfg.Proctoring.LoopbackBypass,
		DenyMessage:     cfg.Proctoring.DenyMessage,
	})

	if cfg.Audit.Enabled {
		a.Dispatcher = audit.NewDispatcher(audit.NewZapSink(sugar), cfg.Audit.BufferSize, sugar)
		a.AuditLogger = audit.NewLogger(
			audit.NewPolicy(cfg.Audit.CriticalPrefixes, cfg.Audit.CriticalMethods),
			a.Dispatcher,
			time.Now)
	} else {
		sugar.Warn("Audit logging is disabled")
	}

	a.APIServer = api.NewAPI(cfg, api.Deps{
		Guard:   a.Guard,
		Limiter: a.Limiter,
		Gate:    a.Gate,
		Audit:   a.AuditLogger,
	}, sugar.Named("api"))

	if err := a.mountGateway(); err != nil {
		if a.Redis != nil {
			_ = a.Redis.Close()
		}
		return nil, err
	}
	return a, nil
}

// initRateLimiter always builds the in-memory limiter; with Redis enabled it becomes the
// fallback behind a circuit breaker.
func (a *App) initRateLimiter(ctx context.Context) error {
	cfg := a.Config
	limits := ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit configuration: %w", err)
	}

	a.MemoryLimiter = ratelimit.NewMemoryLimiter(limits, ratelimit.MemoryOptions{
		Shards:          cfg.RateLimit.Shards,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
	}, a.Sugar.Named("ratelimit"))
	a.Limiter = a.MemoryLimiter

	if !cfg.RateLimit.Redis.Enabled {
		return nil
	}

	redisCfg := cfg.RateLimit.Redis
	breaker, err := core.NewBreaker(core.BreakerConfig{
		MaxFailures: redisCfg.BreakerFailures,
		Cooldown:    redisCfg.BreakerCooldown,
	}, nil)
	if err != nil {
		return err
	}

	a.Redis = core.NewRedisCache(redisCfg.Addr, redisCfg.Password, redisCfg.DB, redisCfg.PoolSize, a.Sugar)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := a.Redis.Ping(pingCtx); err != nil {
		// Requests fall back to the in-memory limiter until Redis answers.
		a.Sugar.Warnw("Redis unavailable at startup",
			"addr", redisCfg.Addr,
			"detail", ClassifyRedisError(err, redisCfg.Addr))
	} else {
		a.Sugar.Infow("Connected to Redis", "addr", redisCfg.Addr)
	}

	a.Limiter = ratelimit.NewRedisLimiter(limits, a.Redis, a.MemoryLimiter, breaker, a.Sugar.Named("ratelimit"))
	return nil
}

// mountGateway places the configured route groups in front of the upstream LMS backend.
func (a *App) mountGateway() error {
	gw := a.Config.Gateway
	if gw.UpstreamURL == "" {
		a.Sugar.Warn("No upstream_url configured; only built-in routes are served")
		return nil
	}
	upstream, err := api.NewUpstreamProxy(gw.UpstreamURL, a.Sugar.Named("proxy"))
	if err != nil {
		return err
	}
	a.APIServer.MountRoutes(gw.Routes, upstream)
	a.Sugar.Infow("Gateway configured", "upstream", gw.UpstreamURL, "routes", len(gw.Routes))
	return nil
}

// Start launches the background workers and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	a.Guard.Start(ctx)
	a.MemoryLimiter.Start(ctx)
	if a.Dispatcher != nil {
		a.Dispatcher.Start()
	}

	a.startAPIServer()
	return nil
}

func (a *App) startAPIServer() {
	cfg := a.Config.API
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("api-server", a.Sugar)

		var err error
		if cfg.TLS {
			a.Sugar.Infow("Starting API server with TLS", "addr", a.APIServer.Addr())
			err = a.APIServer.StartTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			a.Sugar.Infow("Starting API server", "addr", a.APIServer.Addr())
			err = a.APIServer.Start()
		}
		if err != nil {
			a.Sugar.Errorw("API server failed", "error", err)
			a.serverErr <- err
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal arrives, ctx is cancelled or the
// server fails. The server error, if any, is returned.
func (a *App) WaitForShutdown(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Received shutdown signal", "signal", sig.String())
		return nil
	case <-ctx.Done():
		return nil
	case err := <-a.serverErr:
		return err
	}
}

// Shutdown stops every component. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		a.shutdown(ctx)
	})
}

func (a *App) shutdown(ctx context.Context) {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop accepting requests
	a.Sugar.Info("Phase 1: Stopping API server...")
	stopCtx, cancel := context.WithTimeout(ctx, a.Config.API.ShutdownTimeout)
	if err := a.APIServer.Stop(stopCtx); err != nil {
		a.Sugar.Errorw("API server shutdown error", "error", err)
	}
	cancel()
	a.serviceWg.Wait()

	// Phase 2 - Stop background sweeps
	a.Sugar.Info("Phase 2: Stopping CSRF janitor and rate limit cleanup...")
	a.Guard.Stop()
	a.MemoryLimiter.Stop()

	// Phase 3 - Drain audit records; nothing emits once the server is down
	if a.Dispatcher != nil {
		a.Sugar.Info("Phase 3: Draining audit records...")
		a.Dispatcher.Close()
		if dropped := a.Dispatcher.Dropped(); dropped > 0 {
			a.Sugar.Warnw("Audit records dropped during run", "count", dropped)
		}
	}

	// Phase 4 - Close connections
	if a.Redis != nil {
		a.Sugar.Info("Phase 4: Closing Redis connection...")
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
