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

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	httphandler "github.com/kjstillabower/weather-lookup-service/internal/http"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/scheduler"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

const breakerComponent = "weather_api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains and releases everything it opened.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.WeatherAPIKey == "" {
		logger.Warn("WEATHER_API_KEY not set; upstream lookups will fail")
	}
	clock := clockwork.NewRealClock()

	weatherClient := client.NewWeatherAPIClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = newBreaker(cfg, logger)
		weatherClient.SetCircuitBreaker(breaker)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	store, closer, err := cache.Open(cfg.StoreConfig(), clock)
	if err != nil {
		return err
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	weather := service.NewWeatherCache(weatherClient, store, service.Options{
		TTL:             cfg.CacheTTL,
		Clock:           clock,
		Coalesce:        cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
		MinLength:       cfg.LocationMinLength,
		MaxLength:       cfg.LocationMaxLength,
		Logger:          logger,
	})
	observability.SetTrackedLocations(cfg.TrackedLocations)

	jobs, err := newScheduler(ctx, cfg, logger, store, weather)
	if err != nil {
		return err
	}
	jobs.Start()

	tracker := traffic.NewTracker(clock, 0)
	inFlight := &httphandler.InFlightTracker{}
	handler := httphandler.NewHandler(weather, httphandler.Options{
		DefaultLocation: cfg.DefaultLocation,
		MinLength:       cfg.LocationMinLength,
		MaxLength:       cfg.LocationMaxLength,
		Breaker:         breaker,
		Traffic:         tracker,
		Health: httphandler.HealthConfig{
			DegradedWindow:      cfg.DegradedWindow,
			DegradedErrorPct:    cfg.DegradedErrorPct,
			DegradedMinRequests: cfg.DegradedMinRequests,
			CacheBackend:        cfg.CacheBackend,
		},
		Clock:  clock,
		Logger: logger,
	})
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:         logger,
		InFlight:       inFlight,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		Traffic:        tracker,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		runErr = fmt.Errorf("server: %w", err)
	}

	handler.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if n := inFlight.Count(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := inFlight.WaitForZero(shutdownCtx, 50*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
		}
	}
	if err := jobs.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
	if err := observability.FlushTelemetry(logger, closer); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("telemetry flush: %w", err))
	}
	return runErr
}

// newBreaker trips on upstream failures only; a location the provider rejects
// is a healthy answer.
func newBreaker(cfg *config.Config, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        breakerComponent,
		IsSuccessful: func(err error) bool {
			return fetcherr.Is(err, fetcherr.InvalidLocation)
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String(), float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", breakerComponent),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// newScheduler registers the in-memory sweep and the cache warming job.
// Warming without an interval runs once, synchronously, before serving.
func newScheduler(ctx context.Context, cfg *config.Config, logger *zap.Logger, store cache.Store, weather *service.WeatherCache) (*scheduler.Scheduler, error) {
	jobs, err := scheduler.New(logger)
	if err != nil {
		return nil, err
	}
	if sweeper, ok := store.(scheduler.Sweeper); ok && cfg.SweepInterval > 0 {
		if err := jobs.AddSweep(ctx, sweeper, cfg.SweepInterval); err != nil {
			return nil, err
		}
	}
	if !cfg.WarmingEnabled || len(cfg.WarmingLocations) == 0 {
		return jobs, nil
	}
	warmer := cache.NewCacheWarmer(weather, logger)
	if cfg.WarmingInterval > 0 {
		if err := jobs.AddWarming(ctx, warmer, cfg.WarmingLocations, cfg.WarmingInterval); err != nil {
			return nil, err
		}
		return jobs, nil
	}
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := warmer.Warm(warmCtx, cfg.WarmingLocations); err != nil {
		logger.Warn("cache warming failed", zap.Error(err))
	}
	return jobs, nil
}
