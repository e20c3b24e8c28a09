package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// DefaultTTL is used when Options.TTL is not positive.
const DefaultTTL = 900 * time.Second

// Options configures a WeatherCache. Zero values select defaults.
type Options struct {
	TTL   time.Duration
	Clock clockwork.Clock

	// Coalesce collapses concurrent misses for one key into a single upstream call.
	Coalesce bool
	// CoalesceTimeout bounds how long a caller waits on a shared call (0 = until it completes).
	CoalesceTimeout time.Duration

	// Location length bounds in runes after trimming.
	MinLength int
	MaxLength int

	Logger *zap.Logger
}

// WeatherCache serves weather lookups cache-aside: a live entry is returned
// without touching the upstream, anything else is fetched, stored with the
// configured TTL and returned. Failed fetches are never stored.
type WeatherCache struct {
	fetcher  client.Fetcher
	store    cache.Store
	ttl      time.Duration
	clock    clockwork.Clock
	minLen   int
	maxLen   int
	logger   *zap.Logger
	stampede *stampedeTracker
	coalesce *requestCoalescer // nil when disabled
}

// NewWeatherCache wires fetcher and store into a WeatherCache.
func NewWeatherCache(fetcher client.Fetcher, store cache.Store, opts Options) *WeatherCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MinLength <= 0 {
		opts.MinLength = validation.DefaultMinLength
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = validation.DefaultMaxLength
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	wc := &WeatherCache{
		fetcher:  fetcher,
		store:    store,
		ttl:      opts.TTL,
		clock:    opts.Clock,
		minLen:   opts.MinLength,
		maxLen:   opts.MaxLength,
		logger:   opts.Logger,
		stampede: newStampedeTracker(),
	}
	if opts.Coalesce {
		wc.coalesce = newRequestCoalescer(opts.Clock, opts.CoalesceTimeout)
	}
	return wc
}

// TTL returns the configured entry lifetime.
func (c *WeatherCache) TTL() time.Duration {
	return c.ttl
}

// Get returns current conditions for location. A returned snapshot has
// Cached=true and CacheExpiresAt set only when it was served from the cache.
// Errors are *fetcherr.Error.
func (c *WeatherCache) Get(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, c.logger)
	observability.RecordWeatherQuery(location)

	query, err := validation.ValidateLocation(location, c.minLen, c.maxLen)
	if err != nil {
		observability.LookupFailuresTotal.WithLabelValues(fetcherr.InvalidLocation.String()).Inc()
		logger.Debug("location rejected", zap.String("location", location), zap.Error(err))
		return models.WeatherSnapshot{}, fetcherr.New(fetcherr.InvalidLocation, location, err)
	}
	key := cache.NormalizeKey(query)

	if entry, ok := c.lookup(ctx, logger, key); ok {
		observability.CacheHitsTotal.WithLabelValues("weather").Inc()
		snap := entry.Value
		expires := entry.ExpiresAt()
		snap.Cached = true
		snap.CacheExpiresAt = &expires
		logger.Debug("weather served",
			zap.String("location", query),
			zap.Bool("cached", true),
			zap.Time("cache_expires_at", expires),
			zap.Duration("duration", time.Since(start)))
		return snap, nil
	}
	observability.CacheMissesTotal.WithLabelValues("weather").Inc()

	snap, err := c.fetch(ctx, logger, location, query, key)
	if err != nil {
		kind, _ := fetcherr.KindOf(err)
		observability.LookupFailuresTotal.WithLabelValues(kind.String()).Inc()
		logger.Debug("upstream fetch failed",
			zap.String("location", query),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return models.WeatherSnapshot{}, err
	}

	logger.Debug("weather served",
		zap.String("location", query),
		zap.Bool("cached", false),
		zap.Duration("duration", time.Since(start)))
	return snap, nil
}

// lookup returns the live entry for key. Store errors and expired entries are misses.
func (c *WeatherCache) lookup(ctx context.Context, logger *zap.Logger, key string) (cache.Entry, bool) {
	opStart := time.Now()
	entry, ok, err := c.store.Get(ctx, key)
	elapsed := time.Since(opStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeStoreError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(elapsed)
		logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return cache.Entry{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(elapsed)
	if !ok || !entry.LiveAt(c.clock.Now()) {
		return cache.Entry{}, false
	}
	return entry, true
}

// fetch calls the upstream with the caller's raw location and stores a
// successful result under key; query is the trimmed form used for logs. With
// coalescing enabled, concurrent misses on the same key share one call, and the
// result is stored even if every waiter has given up.
func (c *WeatherCache) fetch(ctx context.Context, logger *zap.Logger, location, query, key string) (models.WeatherSnapshot, error) {
	concurrent, done := c.stampede.begin(key)
	defer done()
	locLabel := observability.MetricLocationLabel(query)
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrent))
	}
	logger.Debug("cache miss, fetching upstream", zap.String("location", query))

	if c.coalesce == nil {
		snap, err := c.fetcher.Fetch(ctx, location)
		if err != nil {
			return models.WeatherSnapshot{}, classify(query, err)
		}
		c.save(ctx, logger, key, snap)
		return snap, nil
	}

	// The shared call must not die with whichever caller started it; the
	// fetcher's own timeout bounds it.
	shared := context.WithoutCancel(ctx)
	waitStart := time.Now()
	snap, led, err := c.coalesce.Do(ctx, key, func() (models.WeatherSnapshot, error) {
		snap, err := c.fetcher.Fetch(shared, location)
		if err != nil {
			return models.WeatherSnapshot{}, err
		}
		c.save(shared, logger, key, snap)
		return snap, nil
	})
	observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return models.WeatherSnapshot{}, classify(query, err)
	}
	if !led {
		observability.RequestCoalescingHitsTotal.WithLabelValues(locLabel).Inc()
	}
	return snap, nil
}

// save stores snap under key. Failures are logged and counted only.
func (c *WeatherCache) save(ctx context.Context, logger *zap.Logger, key string, snap models.WeatherSnapshot) {
	snap.Cached = false
	snap.CacheExpiresAt = nil
	entry := cache.Entry{Value: snap, InsertedAt: c.clock.Now(), TTL: c.ttl}

	opStart := time.Now()
	err := c.store.Set(ctx, key, entry)
	elapsed := time.Since(opStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeStoreError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(elapsed)
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(elapsed)
}

// Invalidate removes the entry for location and reports whether one existed.
// Store failures are logged and reported as false.
func (c *WeatherCache) Invalidate(ctx context.Context, location string) bool {
	logger := observability.LoggerFromContext(ctx, c.logger)
	key := cache.NormalizeKey(location)
	if c.coalesce != nil {
		c.coalesce.Forget(key)
	}

	existed, err := c.store.Delete(ctx, key)
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("delete", categorizeStoreError(err)).Inc()
		observability.CacheInvalidationsTotal.WithLabelValues("single", "error").Inc()
		logger.Warn("cache delete failed", zap.String("location", location), zap.Error(err))
		return false
	case existed:
		observability.CacheInvalidationsTotal.WithLabelValues("single", "removed").Inc()
	default:
		observability.CacheInvalidationsTotal.WithLabelValues("single", "absent").Inc()
	}
	logger.Info("cache invalidated", zap.String("location", location), zap.Bool("cache_cleared", existed))
	return existed
}

// InvalidateAll removes every entry. Store failures are logged only.
func (c *WeatherCache) InvalidateAll(ctx context.Context) {
	logger := observability.LoggerFromContext(ctx, c.logger)
	if err := c.store.Flush(ctx); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("flush", categorizeStoreError(err)).Inc()
		observability.CacheInvalidationsTotal.WithLabelValues("all", "error").Inc()
		logger.Warn("cache flush failed", zap.Error(err))
		return
	}
	observability.CacheInvalidationsTotal.WithLabelValues("all", "removed").Inc()
	logger.Info("cache flushed")
}

// Ping checks the store backend when it supports it.
func (c *WeatherCache) Ping(ctx context.Context) error {
	p, ok := c.store.(interface{ Ping() error })
	if !ok {
		return nil
	}
	return p.Ping()
}

// classify guarantees every failure leaving Get carries a kind. Unclassified
// errors (a plain fetcher error, an abandoned wait) mean the upstream is unavailable.
func classify(query string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := fetcherr.KindOf(err); ok {
		return err
	}
	if errors.Is(err, errCoalesceTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fetcherr.New(fetcherr.Unavailable, query, fmt.Errorf("await upstream: %w", err))
	}
	return fetcherr.New(fetcherr.Unavailable, query, err)
}

// categorizeStoreError returns a stable label for store error metrics.
func categorizeStoreError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "connection"
	}
	return "backend"
}
