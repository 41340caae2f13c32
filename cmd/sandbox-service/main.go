package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"codesandbox/internal/common/cache"
	commonmw "codesandbox/internal/common/http/middleware"
	"codesandbox/internal/dispatch/controller"
	dispatchmw "codesandbox/internal/dispatch/middleware"
	"codesandbox/internal/dispatch/service"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/sandbox_service.yaml"

const runRouteKey = "run"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	registry, err := language.NewRegistryFromSpecs(appCfg.Language.specs(), appCfg.Language.defaults())
	if err != nil {
		logger.Error(ctx, "init language registry failed", zap.Error(err))
		return
	}
	workspaces, err := workspace.NewManager(appCfg.Sandbox.WorkRoot)
	if err != nil {
		logger.Error(ctx, "init workspace manager failed", zap.Error(err))
		return
	}
	runner, err := engine.NewRunner(appCfg.Sandbox.Engine)
	if err != nil {
		logger.Error(ctx, "init sandbox engine failed", zap.Error(err))
		return
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics observer.MetricsRecorder = observer.Noop{}
	if appCfg.Metrics.Enabled {
		metrics = observer.NewPrometheus(promRegistry)
	}

	pipeline, err := sandbox.NewPipeline(sandbox.Config{
		Languages:  registry,
		Workspaces: workspaces,
		Runner:     runner,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Error(ctx, "init pipeline failed", zap.Error(err))
		return
	}

	dispatchSvc, err := service.NewService(service.Config{
		Pipeline:       pipeline,
		Metrics:        metrics,
		PoolSize:       appCfg.Dispatch.PoolSize,
		QueueTimeout:   appCfg.Dispatch.QueueTimeout,
		DeadlineMargin: appCfg.Dispatch.DeadlineMargin,
		MaxCodeBytes:   appCfg.Dispatch.MaxCodeBytes,
		MaxInputBytes:  appCfg.Dispatch.MaxInputBytes,
	})
	if err != nil {
		logger.Error(ctx, "init dispatch service failed", zap.Error(err))
		return
	}

	limiter, closeLimiter, err := buildRateLimiter(ctx, appCfg)
	if err != nil {
		logger.Error(ctx, "init rate limiter failed", zap.Error(err))
		return
	}
	defer closeLimiter()

	httpServer, err := buildHTTPServer(appCfg, dispatchSvc, limiter, metrics, promRegistry)
	if err != nil {
		logger.Error(ctx, "init http server failed", zap.Error(err))
		return
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "sandbox http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("pool_size", appCfg.Dispatch.PoolSize),
			zap.Strings("languages", languageIDs(registry)),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	// In-flight submissions finish within their own deadlines.
	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
}

func buildRateLimiter(ctx context.Context, cfg *AppConfig) (service.RateLimiter, func(), error) {
	noop := func() {}
	if !cfg.RateLimit.Enabled {
		return nil, noop, nil
	}
	if cfg.RateLimit.Backend == rateLimitBackendLocal {
		return service.NewLocalRateLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window), noop, nil
	}
	redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
	if err != nil {
		return nil, noop, err
	}
	logger.Info(ctx, "redis rate limiter enabled", zap.String("addr", cfg.Redis.Addr))
	closeFn := func() {
		_ = redisCache.Close()
	}
	return service.NewRateLimitService(redisCache, cfg.RateLimit.Max, cfg.RateLimit.Window, cfg.RateLimit.RedisTimeout), closeFn, nil
}

func buildHTTPServer(cfg *AppConfig, svc *service.Service, limiter service.RateLimiter, metrics observer.MetricsRecorder, reg *prometheus.Registry) (*http.Server, error) {
	router := gin.New()
	// Rate limits key on ClientIP; only listed proxies may set it via headers.
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("set trusted proxies: %w", err)
	}
	router.Use(commonmw.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())
	router.Use(commonmw.CORSMiddleware(cfg.CORS))
	router.Use(commonmw.BodyLimit(cfg.Server.MaxBodyBytes))

	sandboxController := controller.NewSandboxController(svc)
	rateLimit := dispatchmw.RateLimitMiddleware(limiter, runRouteKey, metrics)

	router.POST("/run", rateLimit, sandboxController.Run)
	router.GET("/healthz", sandboxController.Health)

	api := router.Group("/api/v1/sandbox")
	api.POST("/run", rateLimit, sandboxController.Run)
	api.GET("/languages", sandboxController.Languages)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	var handler http.Handler = router
	if cfg.Server.Gzip {
		handler = gzhttp.GzipHandler(router)
	}

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, nil
}

func languageIDs(reg *language.Registry) []string {
	infos := reg.List()
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids
}
