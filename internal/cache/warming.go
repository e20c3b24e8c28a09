package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// WeatherGetter is implemented by the service layer's WeatherCache.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type WeatherGetter interface {
	Get(ctx context.Context, location string) (models.WeatherSnapshot, error)
}

// CacheWarmer warms the cache by looking up a list of locations. Live entries
// are left alone; missing or expired ones are fetched and stored.
type CacheWarmer struct {
	getter WeatherGetter
	logger *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given getter and logger.
func NewCacheWarmer(getter WeatherGetter, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{getter: getter, logger: logger}
}

// Warm looks up each location concurrently. Returns the joined errors of the
// locations that failed, or nil.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return nil
	}
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(locations))
	for _, loc := range locations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.getter.Get(ctx, loc); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}
