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

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/collabpulse/internal/adapter/httpserver"
	natsadapter "github.com/pscheid92/collabpulse/internal/adapter/nats"
	redisadapter "github.com/pscheid92/collabpulse/internal/adapter/redis"
	"github.com/pscheid92/collabpulse/internal/adapter/websocket"
	"github.com/pscheid92/collabpulse/internal/admission"
	"github.com/pscheid92/collabpulse/internal/app"
	"github.com/pscheid92/collabpulse/internal/broadcast"
	"github.com/pscheid92/collabpulse/internal/coordination"
	"github.com/pscheid92/collabpulse/internal/heartbeat"
	"github.com/pscheid92/collabpulse/internal/metrics"
	"github.com/pscheid92/collabpulse/internal/platform/config"
	"github.com/pscheid92/collabpulse/internal/platform/logging"
	"github.com/pscheid92/collabpulse/internal/platform/version"
	"github.com/pscheid92/collabpulse/internal/registry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.uber.org/automaxprocs/maxprocs"
)

type redisResult struct {
	client  *goredis.Client
	breaker *redisadapter.CircuitBreakerHook
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// The global logger is still the zerolog default here.
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	return cfg
}

func setupRedis(cfg *config.Config, reg prometheus.Registerer, logger zerolog.Logger) redisResult {
	breaker := redisadapter.NewCircuitBreakerHook(redisadapter.DefaultBreakerSettings(), reg, logger)
	client, err := redisadapter.NewClient(cfg.RedisURL, redisadapter.NewMetricsHook(reg), breaker)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Redis client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// The limiter falls back to the local window while Redis is down, so keep starting.
		logger.Warn().Err(err).Msg("Redis unreachable at startup")
	}

	return redisResult{client: client, breaker: breaker}
}

func breakerHealthCheck(breaker *redisadapter.CircuitBreakerHook) func(context.Context) error {
	return func(context.Context) error {
		if state := breaker.State(); state == gobreaker.StateOpen {
			return fmt.Errorf("redis circuit breaker is %s", state)
		}
		return nil
	}
}

func setupLimiter(cfg *config.Config, rdb *goredis.Client, clock clockwork.Clock, logger zerolog.Logger) admission.RateLimiter {
	local := admission.NewWindowLimiter(clock, cfg.RateLimitWindow)
	if rdb == nil {
		return local
	}
	shared := redisadapter.NewWindowLimiter(rdb, clock, cfg.RateLimitWindow)
	return redisadapter.NewFallbackLimiter(shared, local, logger)
}

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, appSvc *app.Service, subscriber *natsadapter.Subscriber, stopBackground context.CancelFunc, logger zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received, cleaning up...")

		if subscriber != nil {
			if err := subscriber.Close(); err != nil {
				logger.Error().Err(err).Msg("NATS shutdown error")
			}
		}

		// Close connections first so upgraded handlers return and the server can drain.
		appSvc.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown error")
		}

		stopBackground()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Msgf(format, args...)
	})); err != nil {
		logger.Warn().Err(err).Msg("Failed to set GOMAXPROCS")
	}
	logger.Info().Str("env", cfg.AppEnv).Str("port", cfg.Port).Str("version", version.Get().String()).Msg("Application starting")

	metricsReg := metrics.NewRegistry()
	aggregator := metrics.NewAggregator(metricsReg, cfg.MetricsBufferSize, logger)
	defer aggregator.Stop()

	var healthChecks []httpserver.HealthCheck

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		r := setupRedis(cfg, metricsReg, logger)
		rdb = r.client
		defer func() { _ = rdb.Close() }()
		healthChecks = append(healthChecks,
			httpserver.HealthCheck{Name: "redis_breaker", Check: breakerHealthCheck(r.breaker)},
		)
	}

	reg := registry.New(cfg.MaxConnections, clock, logger, registry.WithRecorder(aggregator))
	aggregator.TrackActive(reg.Size)
	healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "registry", Check: reg.HealthCheck})

	controller := admission.NewController(
		reg,
		admission.NewOriginPolicy(cfg.AllowedOrigins),
		setupLimiter(cfg, rdb, clock, logger),
		cfg.RateLimitMaxAttempts,
		logger,
	)
	monitor := heartbeat.New(clock, cfg.HeartbeatInterval, cfg.MissedHeartbeatThreshold, reg, aggregator, logger)
	coordinator := broadcast.NewCoordinator(reg, clock, logger,
		broadcast.WithDefaultTimeout(cfg.BroadcastDefaultTimeout),
		broadcast.WithMaxConcurrency(cfg.BroadcastMaxConcurrency),
		broadcast.WithRecorder(aggregator),
	)
	appSvc := app.NewService(reg, controller, monitor, coordinator, logger, app.WithAdmissionRecorder(aggregator))

	bgCtx, stopBackground := context.WithCancel(context.Background())

	sampler := metrics.NewSystemSampler(metricsReg, clock, cfg.SystemSampleInterval, logger)
	go sampler.Run(bgCtx)

	var serverOpts []httpserver.Option
	if rdb != nil {
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		instances := coordination.NewInstanceRegistry(rdb, instanceID, cfg.InstanceHeartbeat, version.Version, appSvc.ActiveConnections, clock, logger)
		go instances.Start(bgCtx)
		serverOpts = append(serverOpts, httpserver.WithInstances(instances))
	}

	var subscriber *natsadapter.Subscriber
	if cfg.NATSURL != "" {
		var err error
		subscriber, err = natsadapter.Connect(natsadapter.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    "collabpulse",
			Workers: cfg.NATSWorkers,
		}, appSvc, metricsReg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		if err := subscriber.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start NATS subscriber")
		}
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "nats", Check: subscriber.HealthCheck})
	}

	serverOpts = append(serverOpts, httpserver.WithHealthChecks(healthChecks...), httpserver.WithClock(clock))
	srv := httpserver.NewServer(cfg, appSvc, metricsReg, websocket.NewUpgrader(), logger, serverOpts...)

	done := runGracefulShutdown(cfg, srv, appSvc, subscriber, stopBackground, logger)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Server error")
		os.Exit(1)
	}

	<-done
}
