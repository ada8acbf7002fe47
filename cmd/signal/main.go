package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"dropnet/internal/infrastructure/distributed"
	"dropnet/internal/infrastructure/middleware"
	"dropnet/internal/infrastructure/monitoring"
	"dropnet/internal/infrastructure/reliability"
	"dropnet/internal/infrastructure/repositories"
	"dropnet/internal/infrastructure/signal"
	"dropnet/pkg/config"
	"dropnet/pkg/logger"
	"dropnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/dropnet/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	ctxLog := logger.NewContextLogger(zapLogger)

	// Initialize tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "dropnet-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	presenceRepo := repoFactory.CreatePresenceRepository()
	routedPresence := presenceRepo
	if repoFactory.UsingRedis() {
		routedPresence = reliability.WrapPresenceRepository(presenceRepo, cfg, log)
	}

	// Initialize monitoring
	var opts []signal.ServerOption
	opts = append(opts, signal.WithServerLogger(log))
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		opts = append(opts, signal.WithSignalingMetrics(collector))
	}

	// Replicas sharing Redis reach each other's peers through pub/sub.
	if client := repoFactory.RedisClient(); client != nil {
		opts = append(opts, signal.WithRelay(distributed.NewRedisSignalRelay(client, distributed.DefaultRelayChannel, log)))
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddPresenceCheck(presenceRepo, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 2*time.Second)
	}

	wsServer := signal.NewWebSocketServer(routedPresence, signal.NewServerConfig(cfg), opts...)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(ctxLog),
		middleware.TracingMiddleware(ctxLog),
		middleware.ErrorHandlerMiddleware(ctxLog),
	)
	router.NoRoute(middleware.NotFoundHandler())

	router.GET("/ws",
		middleware.NewWebSocketConnectionLimiter(cfg),
		gin.WrapF(wsServer.HandleWebSocket),
	)

	// Plain HTTP endpoints share the per-IP request budget.
	api := router.Group("/")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":      "healthy",
				"server_id":   cfg.Signal.ServerID,
				"timestamp":   time.Now(),
				"uptime":      time.Since(startTime).String(),
				"connections": len(wsServer.GetConnectedPeers()),
			})
		})

		api.GET("/ready", func(c *gin.Context) {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()

			status := healthChecker.CheckAll(ctx)
			code := http.StatusOK
			if status.Status != "healthy" {
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, status)
		})

		if cfg.Monitoring.PrometheusEnabled {
			api.GET("/metrics", gin.WrapH(promhttp.Handler()))
			log.Info("Prometheus metrics enabled")
		}
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go func() {
		if err := wsServer.RunRelay(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("signal relay stopped", "error", err)
		}
	}()

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting dropnet signaling server",
			"address", cfg.Signal.Address,
			"server_id", cfg.Signal.ServerID,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down dropnet signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	wsServer.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	stopRelay()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("dropnet signaling server stopped")
}
