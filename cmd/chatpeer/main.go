package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/repositories"
	signalinfra "peerlink/internal/infrastructure/signal"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatpeer:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	server := pflag.StringP("server", "s", "", "rendezvous server URL, overrides client.server_url")
	name := pflag.StringP("username", "u", "", "username, overrides client.username")
	storage := pflag.String("storage", "", "storage driver: memory, redis or sqlite")
	logLevel := pflag.String("log-level", "warn", "log level")
	metricsAddr := pflag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *server != "" {
		cfg.Client.ServerURL = *server
	}
	if *name != "" {
		cfg.Client.Username = *name
	}
	if *storage != "" {
		cfg.Storage.Driver = *storage
	}
	if err := validation.ValidateURL(cfg.Client.ServerURL); err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	if err := validation.ValidateUsername(cfg.Client.Username); err != nil {
		return err
	}

	con, err := newConsole(prompt(cfg.Client.Username))
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer con.Close()

	zapLogger := logger.NewWithWriter(*logLevel, con.Stderr())
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-client",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log.Named("storage"))
	if err != nil {
		return err
	}
	defer repoFactory.Close()
	store := repoFactory.CreateKeyValueStore()

	var metrics ports.DeliveryMetrics = ports.NopMetrics{}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = monitoring.NewPrometheusCollector(reg)
		go func() {
			err := http.ListenAndServe(*metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Warnw("metrics endpoint stopped", "address", *metricsAddr, "error", err)
		}()
	}

	var username atomic.Value
	username.Store(cfg.Client.Username)

	client := signalinfra.NewClient(signalinfra.ClientConfig{
		URL:          cfg.Client.ServerURL,
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
		Outbox:       cfg.Signal.OutboundBuffer,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  cfg.Client.Reconnect.MaxAttempts,
			InitialDelay: cfg.Client.Reconnect.InitialDelay,
			MaxDelay:     cfg.Client.Reconnect.MaxDelay,
			Multiplier:   2,
			Jitter:       true,
		},
	}, func() string { return username.Load().(string) }, log.Named("link"))

	transports, err := webrtcinfra.NewTransportFactory(webrtcinfra.ConfigFromApp(cfg), log.Named("webrtc"))
	if err != nil {
		return err
	}

	loop := services.NewEventLoop(256, log.Named("loop"))
	svc := services.NewPeerService(services.PeerServiceConfig{
		DataChannelLabel: cfg.Client.DataChannelLabel,
		RetryInterval:    cfg.Client.RetryInterval,
		SweepInterval:    cfg.Client.SweepInterval,
		Username:         cfg.Client.Username,
	}, client, store, transports, loop.Post, metrics, log.Named("peer"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go loop.Run(ctx)

	var loadErr error
	if err := loop.Call(ctx, func() { loadErr = svc.Load(ctx) }); err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}

	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddStorageCheck(repoFactory.HealthCheck, 0, 2*time.Second)
	health.AddCheck("rendezvous", func(context.Context) error {
		if !client.Connected() {
			return domain.ErrNotConnected
		}
		return nil
	}, 0, time.Second)

	sh := &shell{
		ctx:            ctx,
		svc:            svc,
		call:           func(fn func()) error { return loop.Call(ctx, fn) },
		link:           client,
		health:         health,
		out:            con,
		started:        time.Now(),
		requestTimeout: cfg.Client.RequestTimeout,
		onRename: func(n string) {
			username.Store(n)
			con.SetPrompt(prompt(n))
		},
	}
	svc.OnNotice(sh.onNotice)

	client.OnMessage(func(msg domain.SignalMessage, ack uint64) {
		loop.Post(func() {
			if err := svc.HandleServerMessage(msg, ack); err != nil {
				log.Warnw("failed to handle server message", "type", msg.SignalType(), "error", err)
			}
		})
	})
	client.OnConnected(func() {
		loop.Post(svc.OnRendezvousConnected)
		con.Logf("connected to %s", cfg.Client.ServerURL)
	})
	client.OnLost(func() {
		con.Logf("lost the rendezvous server, reconnecting")
	})

	go svc.RunSweeper(ctx)
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			con.Logf("giving up on the rendezvous server: %v", err)
			cancel()
		}
	}()
	// unblocks Readline on a signal or when the client gives up
	stop := context.AfterFunc(ctx, con.Close)
	defer stop()

	con.Println("type /help for commands")
	for {
		line, err := con.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warnw("console read failed", "error", err)
			}
			break
		}
		if sh.exec(line) {
			break
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if ctx.Err() == nil {
		if err := loop.Call(shutdownCtx, svc.Shutdown); err != nil {
			log.Warnw("failed to close peer connections", "error", err)
		}
	}
	cancel()
	client.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	return nil
}

func prompt(username string) string {
	if username == "" {
		return color("> ", cBold)
	}
	return color(username+"> ", cBold)
}
