package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-offline/pkg/api"
	"github.com/zoff-tech/go-offline/pkg/broker"
	"github.com/zoff-tech/go-offline/pkg/config"
	"github.com/zoff-tech/go-offline/pkg/connectivity"
	"github.com/zoff-tech/go-offline/pkg/processor"
	"github.com/zoff-tech/go-offline/pkg/queue"
	"github.com/zoff-tech/go-offline/pkg/store"
	"github.com/zoff-tech/go-offline/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/offline-sidecar")
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}
	setupLogging(cfg.Log)

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	kv, err := store.NewStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("type", cfg.Storage.Type).Msg("failed to initialize store")
	}
	defer kv.Close()

	if cfg.Broker.Type == "" {
		log.Fatal().Msg("broker.type must be set")
	}

	// The broker's connection state only drives the queue with connectivity.type=broker
	brokerStatus := connectivity.NewManual(false)
	mb, err := broker.NewBroker(ctx, &cfg.Broker, func(online bool) { brokerStatus.SetOnline(online) })
	if err != nil {
		log.Fatal().Err(err).Str("type", cfg.Broker.Type).Msg("failed to initialize broker")
	}
	defer mb.Close()

	sig, err := newSignal(ctx, cfg.Connectivity, brokerStatus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize connectivity signal")
	}

	publisher := processor.NewPublisher(mb, cfg.Broker.TopicPrefix)
	q := queue.New(kv, sig,
		queue.WithLogger(log.Logger.With().Str("component", "queue").Logger()),
		queue.WithStorageKey(cfg.Queue.StorageKey),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithBaseDelay(cfg.Queue.RetryBackoff),
		queue.WithReplayFunc(publisher.Replay),
	)
	q.Initialize(ctx)
	q.Start()
	defer q.Close()

	// Anything restored from storage goes out right away when we start online
	if sig.Online() {
		if err := q.TriggerRetryAll(); err != nil {
			log.Warn().Err(err).Msg("initial retry not started")
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(q, publisher.Action),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func setupLogging(cfg config.LogSettings) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func newSignal(ctx context.Context, cfg config.ConnectivitySettings, brokerStatus *connectivity.Manual) (connectivity.Signal, error) {
	switch cfg.Type {
	case "static", "":
		return connectivity.NewManual(true), nil
	case "http":
		probe := connectivity.NewHTTPProbe(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout)
		go probe.Run(ctx)
		return probe, nil
	case "broker":
		return brokerStatus, nil
	default:
		return nil, errors.New("unsupported connectivity type: " + cfg.Type)
	}
}
