package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	signalinfra "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	startTime := time.Now()

	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	addr := pflag.String("addr", "", "listen address, overrides server.address")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// invalid file contents are fatal; Load already falls back when the file is missing
		logger.New("info").Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	var metrics *monitoring.PrometheusCollector
	registry := prometheus.NewRegistry()
	if cfg.Monitoring.PrometheusEnabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitoring.NewPrometheusCollector(registry)
	}

	rendezvous := services.NewRendezvousService(services.RendezvousConfig{
		HandshakeTimeout:      cfg.Signal.HandshakeTimeout,
		ReconnectQueryTimeout: cfg.Signal.ReconnectQueryTimeout,
	}, rendezvousMetrics(metrics), log.Named("rendezvous"))

	wsServer := signalinfra.NewWebSocketServer(rendezvous, signalinfra.ServerConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		OutboundBuffer:    cfg.Signal.OutboundBuffer,
		MessagesPerSecond: wsMessageRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, zapLogger.Named("signal"))

	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddCapacityCheck("sessions", wsServer.ConnectionCount, wsCapacity(cfg), 30*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, middleware.NewWebSocketConnectLimiter(cfg), gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"sessions":  rendezvous.SessionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// websocket sessions outlive any write timeout; frames carry their own deadlines
		WriteTimeout: 0,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	health.StartBackgroundChecks(bgCtx)

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting rendezvous server", "address", cfg.Server.Address, "path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// hijacked websocket connections are not tracked by http.Server
	wsServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("rendezvous server stopped")
}

// rendezvousMetrics avoids handing the service a typed nil.
func rendezvousMetrics(c *monitoring.PrometheusCollector) ports.RendezvousMetrics {
	if c == nil {
		return ports.NopMetrics{}
	}
	return c
}

func wsMessageRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}

func wsCapacity(cfg *config.Config) int {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MaxConcurrent
}
