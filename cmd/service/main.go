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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/epsgram-notifier/internal/cache"
	"github.com/kjstillabower/epsgram-notifier/internal/circuitbreaker"
	"github.com/kjstillabower/epsgram-notifier/internal/client"
	"github.com/kjstillabower/epsgram-notifier/internal/config"
	"github.com/kjstillabower/epsgram-notifier/internal/delivery"
	httphandler "github.com/kjstillabower/epsgram-notifier/internal/http"
	"github.com/kjstillabower/epsgram-notifier/internal/lifecycle"
	"github.com/kjstillabower/epsgram-notifier/internal/locations"
	"github.com/kjstillabower/epsgram-notifier/internal/observability"
	"github.com/kjstillabower/epsgram-notifier/internal/plotstore"
	"github.com/kjstillabower/epsgram-notifier/internal/scheduler"
	"github.com/kjstillabower/epsgram-notifier/internal/service"
	"github.com/kjstillabower/epsgram-notifier/internal/state"
)

func main() {
	logger, err := observability.NewLogger("epsgram-notifier")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	registry, err := locations.New(cfg.Locations)
	if err != nil {
		logger.Fatal("locations", zap.Error(err))
	}
	logger.Info("locations loaded", zap.Int("count", registry.Len()), zap.Strings("regions", registry.Regions()))
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}
	observability.RegisterUpstreamGauges(cfg.DegradedWindow)

	var upstreamLimiter *rate.Limiter
	if cfg.ChartsAPIRPS > 0 {
		upstreamLimiter = rate.NewLimiter(rate.Limit(cfg.ChartsAPIRPS), cfg.ChartsAPIBurst)
	}
	chartsClient, err := client.New(client.Options{
		BaseURL:       cfg.ChartsAPIURL,
		Timeout:       cfg.ChartsAPITimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		Limiter:       upstreamLimiter,
	})
	if err != nil {
		logger.Fatal("charts client", zap.Error(err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.ForbiddenThreshold,
		SuccessThreshold: 1,
		Timeout:          cfg.ForbiddenCooldown,
		Component:        "charts_api",
		IsFailure:        func(err error) bool { return errors.Is(err, client.ErrForbidden) },
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
			observability.CircuitBreakerState.Set(observability.CircuitBreakerStateValue(int(to)))
			if to == circuitbreaker.StateOpen {
				logger.Error("chart API keeps refusing requests, pausing upstream calls",
					zap.String("from", from.String()),
					zap.Duration("cooldown", cfg.ForbiddenCooldown))
				return
			}
			logger.Info("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	chartsClient.SetCircuitBreaker(breaker)
	observability.CircuitBreakerState.Set(0)

	plots, err := plotstore.New(cfg.PlotsDir, logger)
	if err != nil {
		logger.Fatal("plot store", zap.Error(err))
	}
	if cfg.ArchiveBucket != "" {
		mirror, err := plotstore.NewS3Mirror(context.Background(), cfg.ArchiveRegion, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			logger.Fatal("plot archive", zap.Error(err))
		}
		plots.SetMirror(mirror)
		logger.Info("plot archive enabled", zap.String("bucket", cfg.ArchiveBucket), zap.String("prefix", cfg.ArchivePrefix))
	}

	plotService := service.New(chartsClient, registry, plots, service.Options{
		Product:      cfg.Product,
		Package:      cfg.Package,
		Variants:     cfg.Variants,
		LinkTTL:      cfg.CacheTTL,
		FetchTimeout: cfg.RequestTimeout,
		Logger:       logger,
	})

	linkCache, memcacheCloser, err := newLinkCache(cfg, logger)
	if err != nil {
		logger.Fatal("link cache", zap.Error(err))
	}
	plotService.SetLinkCache(linkCache, cfg.CacheBackend)

	var states *state.Store
	if cfg.StatePath != "" {
		states, err = state.Open(cfg.StatePath)
		if err != nil {
			logger.Fatal("state store", zap.Error(err))
		}
		plotService.SetStateStore(states)
		logger.Info("state store opened", zap.String("path", states.Path()))
	}

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		MinRequests:      cfg.DegradedMinRequests,
		BreakerState:     breaker.State,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	var inboundLimiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		inboundLimiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(plotService, registry, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        inboundLimiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
	}
	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, initCancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	if err := plotService.Init(initCtx); err != nil {
		logger.Error("startup basetime sync incomplete", zap.Error(err))
	}
	initCancel()
	lifecycle.SetReady(true)
	logger.Info("basetimes initialized", zap.String("global", formatTime(plotService.GlobalBasetime())))

	subscriptions, err := delivery.NewFileRegistry(cfg.SubscriptionsFile)
	if err != nil {
		logger.Fatal("subscriptions", zap.Error(err))
	}
	logger.Info("subscriptions loaded",
		zap.Int("subscribers", subscriptions.SubscriberCount()),
		zap.Int("locations", len(subscriptions.SubscribedLocations())))
	sinks, mqttSink, err := newSinks(cfg, logger)
	if err != nil {
		logger.Fatal("delivery sinks", zap.Error(err))
	}
	broadcaster := delivery.NewBroadcaster(subscriptions, logger, sinks...)

	driver := scheduler.New(plotService, subscriptions, broadcaster, cfg.SchedulerInterval, cfg.CycleTimeout, logger)
	if ctx.Err() == nil {
		if err := driver.Start(); err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
	}

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	driver.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if mqttSink != nil {
		mqttSink.Close()
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if states != nil {
		if err := states.Close(); err != nil {
			logger.Error("state store close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newLinkCache builds the chart link cache for the configured backend. The
// memcached client is returned separately for health pings and Close.
func newLinkCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, nil
	}
}

// newSinks returns the delivery sinks: the log sink always, MQTT when a
// broker is configured.
func newSinks(cfg *config.Config, logger *zap.Logger) ([]delivery.Sink, *delivery.MQTTSink, error) {
	sinks := []delivery.Sink{delivery.NewLogSink(logger)}
	if cfg.MQTTBroker == "" {
		return sinks, nil, nil
	}
	mqttSink, err := delivery.NewMQTTSink(delivery.MQTTOptions{
		Broker:      cfg.MQTTBroker,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		QoS:         byte(cfg.MQTTQoS),
		Timeout:     cfg.MQTTTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("mqtt delivery enabled", zap.String("broker", cfg.MQTTBroker))
	return append(sinks, mqttSink), mqttSink, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
