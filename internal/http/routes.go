package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

// RouterOptions configures the middleware chain around the handlers.
type RouterOptions struct {
	Logger         *zap.Logger
	InFlight       *InFlightTracker
	Limiter        *rate.Limiter // nil disables rate limiting
	Traffic        *traffic.Tracker
	RequestTimeout time.Duration // 0 disables the per-request deadline
}

// NewRouter registers the API, health and metrics routes. Rate limiting and
// the request timeout apply to /api/weather routes only.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(opts.Logger))
	r.Use(MetricsMiddleware(opts.InFlight))

	// API routes sit on the root router so a wrong method answers 405.
	api := func(fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		if opts.RequestTimeout > 0 {
			next = TimeoutMiddleware(opts.RequestTimeout)(next)
		}
		return RateLimitMiddleware(opts.Limiter, opts.Traffic)(next)
	}
	r.Handle("/api/weather", api(h.GetWeather)).Methods(http.MethodGet)
	r.Handle("/api/weather/cache", api(h.ClearCache)).Methods(http.MethodDelete)
	r.Handle("/api/weather/cache/all", api(h.ClearAllCache)).Methods(http.MethodDelete)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return r
}
