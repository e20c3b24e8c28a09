package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// Health status values.
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthShuttingDown = "shutting-down"
)

// Cache-clear response messages.
const (
	CacheClearedMessage      = "Cache cleared successfully"
	CacheAlreadyEmptyMessage = "Cache was already empty"
	CacheFlushedMessage      = "All cache entries cleared"
)

// WeatherLookup is the cache-aside lookup the handlers serve.
type WeatherLookup interface {
	Get(ctx context.Context, location string) (models.WeatherSnapshot, error)
	Invalidate(ctx context.Context, location string) bool
	InvalidateAll(ctx context.Context)
	Ping(ctx context.Context) error
}

// HealthConfig holds the thresholds for the degraded health state.
type HealthConfig struct {
	// DegradedWindow is the sliding window for the lookup error rate.
	DegradedWindow time.Duration
	// DegradedErrorPct marks the service degraded when the error rate reaches it.
	DegradedErrorPct int
	// DegradedMinRequests is the sample size below which the error rate is ignored.
	DegradedMinRequests int
	// CacheBackend is reported in the health checks.
	CacheBackend string
}

// Options configures a Handler.
type Options struct {
	DefaultLocation string
	MinLength       int
	MaxLength       int

	Breaker *circuitbreaker.CircuitBreaker // optional
	Traffic *traffic.Tracker               // optional
	Health  HealthConfig

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather         WeatherLookup
	defaultLocation string
	minLen, maxLen  int
	breaker         *circuitbreaker.CircuitBreaker
	traffic         *traffic.Tracker
	health          HealthConfig
	clock           clockwork.Clock
	logger          *zap.Logger

	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(weather WeatherLookup, opts Options) *Handler {
	if opts.MinLength <= 0 {
		opts.MinLength = validation.DefaultMinLength
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = validation.DefaultMaxLength
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health.DegradedWindow <= 0 {
		opts.Health.DegradedWindow = time.Minute
	}
	return &Handler{
		weather:         weather,
		defaultLocation: opts.DefaultLocation,
		minLen:          opts.MinLength,
		maxLen:          opts.MaxLength,
		breaker:         opts.Breaker,
		traffic:         opts.Traffic,
		health:          opts.Health,
		clock:           opts.Clock,
		logger:          opts.Logger,
	}
}

// SetShuttingDown flips /health to shutting-down. Called once on SIGINT/SIGTERM.
func (h *Handler) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// location returns the location query parameter, or the default when absent.
// A present but blank parameter is returned as is and fails validation.
func (h *Handler) location(r *http.Request) string {
	values := r.URL.Query()
	if !values.Has("location") {
		return h.defaultLocation
	}
	return values.Get("location")
}

// GetWeather handles GET /api/weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	location := h.location(r)
	if _, err := validation.ValidateLocation(location, h.minLen, h.maxLen); err != nil {
		logger.Debug("invalid location parameter", zap.String("location", location), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, models.NewErrorResult(fetcherr.InvalidLocationMessage, h.clock.Now()))
		return
	}

	snap, err := h.weather.Get(r.Context(), location)
	if err != nil {
		h.writeLookupError(w, r, location, err)
		return
	}
	h.recordSuccess()
	writeJSON(w, http.StatusOK, models.NewSuccessResult(snap, h.clock.Now()))
}

// writeLookupError maps a lookup failure to its response. A location the
// provider rejects is the caller's problem and does not count against health.
func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, location string, err error) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if fetcherr.Is(err, fetcherr.InvalidLocation) {
		h.recordSuccess()
		logger.Debug("location rejected by provider", zap.String("location", location), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, models.NewErrorResult(fetcherr.InvalidLocationMessage, h.clock.Now()))
		return
	}
	h.recordError()
	kind, _ := fetcherr.KindOf(err)
	logger.Error("weather lookup failed",
		zap.String("location", location),
		zap.String("kind", kind.String()),
		zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, models.NewErrorResult(fetcherr.PublicMessage(err), h.clock.Now()))
}

// cacheClearData is the data payload of a cache-clear response.
type cacheClearData struct {
	CacheCleared bool   `json:"cache_cleared"`
	Location     string `json:"location,omitempty"`
}

type cacheClearResult struct {
	Status    string         `json:"status"`
	Data      cacheClearData `json:"data"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
}

// ClearCache handles DELETE /api/weather/cache.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	location := h.location(r)
	query, err := validation.ValidateLocation(location, h.minLen, h.maxLen)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, models.NewErrorResult(fetcherr.InvalidLocationMessage, h.clock.Now()))
		return
	}

	cleared := h.weather.Invalidate(r.Context(), query)
	message := CacheAlreadyEmptyMessage
	if cleared {
		message = CacheClearedMessage
	}
	writeJSON(w, http.StatusOK, cacheClearResult{
		Status:    models.StatusSuccess,
		Data:      cacheClearData{CacheCleared: cleared, Location: query},
		Message:   message,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// ClearAllCache handles DELETE /api/weather/cache/all.
func (h *Handler) ClearAllCache(w http.ResponseWriter, r *http.Request) {
	h.weather.InvalidateAll(r.Context())
	writeJSON(w, http.StatusOK, cacheClearResult{
		Status:    models.StatusSuccess,
		Data:      cacheClearData{CacheCleared: true},
		Message:   CacheFlushedMessage,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]any{
		"status":    result.status,
		"service":   "weather-lookup-service",
		"checks":    result.checks,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting down, breaker open, upstream
// error rate over threshold, cache backend unreachable. Degraded still answers 200
// because cached lookups keep working.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{"weatherApi": "healthy", "cache": "healthy"}
	if h.health.CacheBackend != "" {
		checks["cacheBackend"] = h.health.CacheBackend
	}
	if h.shuttingDown.Load() {
		return healthResult{HealthShuttingDown, http.StatusServiceUnavailable, "signal", checks}
	}

	status, reason := HealthHealthy, ""
	if h.breaker != nil && h.breaker.State() == circuitbreaker.StateOpen {
		checks["weatherApi"] = "unhealthy"
		status, reason = HealthDegraded, "circuit_open"
	} else if h.errorRateExceeded() {
		checks["weatherApi"] = "unhealthy"
		status, reason = HealthDegraded, "error_rate"
	}
	if err := h.weather.Ping(ctx); err != nil {
		checks["cache"] = "unhealthy"
		if status == HealthHealthy {
			status, reason = HealthDegraded, "cache_unreachable"
		}
	}
	return healthResult{status, http.StatusOK, reason, checks}
}

func (h *Handler) errorRateExceeded() bool {
	if h.traffic == nil || h.health.DegradedErrorPct <= 0 {
		return false
	}
	stats := h.traffic.Window(h.health.DegradedWindow)
	if stats.Successes+stats.Errors < h.health.DegradedMinRequests {
		return false
	}
	return stats.ErrorRate()*100 >= float64(h.health.DegradedErrorPct)
}

func (h *Handler) recordSuccess() {
	if h.traffic != nil {
		h.traffic.RecordSuccess()
	}
}

func (h *Handler) recordError() {
	if h.traffic != nil {
		h.traffic.RecordError()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
