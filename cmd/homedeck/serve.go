package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/api"
	"github.com/homedeck/homedeck/internal/api/handler"
	"github.com/homedeck/homedeck/internal/api/middleware"
	"github.com/homedeck/homedeck/internal/auth"
	"github.com/homedeck/homedeck/internal/config"
	"github.com/homedeck/homedeck/internal/database"
	"github.com/homedeck/homedeck/internal/observation"
	"github.com/homedeck/homedeck/internal/provider/resilience"
	"github.com/homedeck/homedeck/internal/registry"
	"github.com/homedeck/homedeck/internal/source/httpsource"
	"github.com/homedeck/homedeck/internal/telemetry"
	"github.com/homedeck/homedeck/internal/worker"
)

func serveCommand(log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	log = log.Level(level)

	log.Info().
		Str("build_time", BuildTime).
		Int("sources", len(cfg.Sources)).
		Msg("starting homedeck")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		return fmt.Errorf("initialize http metrics: %w", err)
	}
	sourceMetrics, err := telemetry.NewSourceMetrics()
	if err != nil {
		return fmt.Errorf("initialize source metrics: %w", err)
	}

	store, checks, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(registry.Config{Logger: log, Metrics: sourceMetrics})
	defer func() {
		if closeErr := reg.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to stop sources")
		}
	}()

	for _, sc := range cfg.Sources {
		src, buildErr := buildSource(sc, store, log)
		if buildErr != nil {
			return buildErr
		}
		if _, regErr := reg.Register(sc.SupervisorConfig(src)); regErr != nil {
			return fmt.Errorf("register source %s: %w", sc.ID, regErr)
		}
	}

	var tokens *auth.TokenService
	if cfg.HTTP.OperatorKey != "" {
		tokens, err = auth.NewTokenService(auth.TokenConfig{SigningKey: cfg.HTTP.OperatorKey})
		if err != nil {
			return fmt.Errorf("initialize operator tokens: %w", err)
		}
	} else {
		log.Warn().Msg("http.operator_key not set - source and event endpoints are closed")
	}

	router := api.NewRouter(api.RouterConfig{
		Version:          Version,
		BuildTime:        BuildTime,
		Logger:           log,
		ServiceName:      serviceName,
		Metrics:          httpMetrics,
		Sources:          reg,
		Checks:           checks,
		Tokens:           tokens,
		ControlRateLimit: cfg.HTTP.ControlRateLimit,
		RequireTLS:       cfg.HTTP.RequireTLS,
	})

	// Event streams hold their request open; they end when shutdown starts.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	// No WriteTimeout: /v1/events streams indefinitely.
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	server.RegisterOnShutdown(cancelStreams)

	metricsServer := newMetricsServer(cfg.Metrics.Addr, reg)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", serveErr)
		}
	}()
	go func() {
		log.Info().Str("addr", metricsServer.Addr).Msg("metrics listening")
		if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", serveErr)
		}
	}()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		startSources(ctx, reg, cfg.Sources, log)
	}()

	retention, err := worker.NewRetentionJob(worker.RetentionConfig{
		Store:    store,
		MaxAge:   cfg.Observations.Retention,
		Interval: cfg.Observations.PruneInterval,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	background.Add(1)
	go func() {
		defer background.Done()
		retention.Run(ctx)
	}()

	if cfg.PubSub.Enabled() {
		subscriber, subErr := worker.NewPubSubSubscriber(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			Handler: worker.NewControlHandler(worker.ControlConfig{
				Controller: reg,
				Logger:     log,
			}),
			Logger: log,
		})
		if subErr != nil {
			return subErr
		}
		defer func() {
			if closeErr := subscriber.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("failed to close pubsub client")
			}
		}()

		background.Add(1)
		go func() {
			defer background.Done()
			if recvErr := subscriber.Start(ctx); recvErr != nil && ctx.Err() == nil {
				log.Error().Err(recvErr).Msg("pubsub control subscriber stopped")
			}
		}()
	}

	// Wait for a signal or a listener failure
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("listener failed, shutting down")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server forced to shutdown")
	}
	background.Wait()

	log.Info().Msg("homedeck stopped")
	return runErr
}

// openStore returns the observation store, the readiness checks it adds and
// a cleanup function. Without a database host observations are kept in
// memory.
func openStore(ctx context.Context, cfg database.Config, log zerolog.Logger) (observation.Repository, map[string]handler.Pinger, func(), error) {
	if !cfg.Enabled() {
		log.Warn().Msg("database not configured - observations are kept in memory")
		return observation.NewInMemoryRepository(), nil, func() {}, nil
	}

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("database connected")

	checks := map[string]handler.Pinger{"database": pool}
	return observation.NewPostgresRepository(pool), checks, pool.Close, nil
}

func buildSource(sc config.SourceConfig, store observation.Repository, log zerolog.Logger) (*httpsource.Source, error) {
	clientCfg := resilience.DefaultClientConfig(sc.ID)
	clientCfg.UserAgent = serviceName + "/" + Version
	clientCfg.Logger = log
	if sc.RequestTimeout > 0 {
		clientCfg.Timeout = sc.RequestTimeout
	}
	if sc.RequestRetries > 0 {
		clientCfg.MaxRetries = uint64(sc.RequestRetries)
	}

	src, err := httpsource.New(httpsource.Config{
		ID:           sc.ID,
		URL:          sc.URL,
		HistoryURL:   sc.HistoryURL,
		Cadence:      sc.BaseInterval,
		Header:       sc.Header(),
		Client:       resilience.NewClient(clientCfg),
		Store:        store,
		MaxBodyBytes: sc.MaxBodyBytes,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("build source %s: %w", sc.ID, err)
	}
	return src, nil
}

// startSources starts every enabled source concurrently. Failures are logged
// and leave the source Faulted for an operator to restart.
func startSources(ctx context.Context, reg *registry.Registry, sources []config.SourceConfig, log zerolog.Logger) {
	var wg sync.WaitGroup
	for _, sc := range sources {
		if sc.Disabled {
			log.Info().Str("source_id", sc.ID).Msg("source disabled, not starting")
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := reg.Start(ctx, id); err != nil {
				log.Error().Err(err).Str("source_id", id).Msg("failed to start source")
			}
		}(sc.ID)
	}
	wg.Wait()
	log.Info().Msg("source startup complete")
}

func newMetricsServer(addr string, reg *registry.Registry) *http.Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		registry.NewCollector(reg),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}
