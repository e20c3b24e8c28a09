package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Fetcher retrieves current conditions for a raw location query.
// Failures are *fetcherr.Error values.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (models.WeatherSnapshot, error)
}

// WeatherAPIClient calls the WeatherAPI.com current-conditions endpoint.
// One request per Fetch; there is no retry loop.
type WeatherAPIClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewWeatherAPIClient returns a client bounded by timeout. An empty apiKey is
// accepted; every Fetch then fails with a Configuration error.
func NewWeatherAPIClient(apiKey, apiURL string, timeout time.Duration) *WeatherAPIClient {
	return &WeatherAPIClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetCircuitBreaker wraps upstream calls in cb. A nil cb disables the breaker.
func (c *WeatherAPIClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type currentResponse struct {
	Location *struct {
		Name    string `json:"name"`
		Region  string `json:"region"`
		Country string `json:"country"`
	} `json:"location"`
	Current *struct {
		TempC     float64 `json:"temp_c"`
		TempF     float64 `json:"temp_f"`
		Condition struct {
			Text string `json:"text"`
			Icon string `json:"icon"`
		} `json:"condition"`
		Humidity    int     `json:"humidity"`
		WindKph     float64 `json:"wind_kph"`
		WindMph     float64 `json:"wind_mph"`
		WindDir     string  `json:"wind_dir"`
		PressureMb  float64 `json:"pressure_mb"`
		FeelsLikeC  float64 `json:"feelslike_c"`
		FeelsLikeF  float64 `json:"feelslike_f"`
		VisKm       float64 `json:"vis_km"`
		UV          float64 `json:"uv"`
		LastUpdated string  `json:"last_updated"`
	} `json:"current"`
}

// Fetch issues one bounded GET for location and maps the outcome to a snapshot
// or a classified *fetcherr.Error.
func (c *WeatherAPIClient) Fetch(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	if c.apiKey == "" {
		observability.WeatherAPIErrorsTotal.WithLabelValues(fetcherr.Configuration.String()).Inc()
		return models.WeatherSnapshot{}, fetcherr.Newf(fetcherr.Configuration, location, "weather API key not configured")
	}
	if c.apiURL == "" {
		observability.WeatherAPIErrorsTotal.WithLabelValues(fetcherr.Configuration.String()).Inc()
		return models.WeatherSnapshot{}, fetcherr.Newf(fetcherr.Configuration, location, "weather API URL not configured")
	}

	call := func() (models.WeatherSnapshot, error) { return c.callAPI(ctx, location) }
	var (
		snap models.WeatherSnapshot
		err  error
	)
	if c.breaker != nil {
		snap, err = circuitbreaker.Execute(c.breaker, call)
		if circuitbreaker.IsOpen(err) {
			err = fetcherr.New(fetcherr.Unavailable, location, err)
		}
	} else {
		snap, err = call()
	}
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.WeatherSnapshot{}, err
	}
	return snap, nil
}

func (c *WeatherAPIClient) callAPI(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, location)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherSnapshot{}, fetcherr.New(fetcherr.Configuration, location, fmt.Errorf("build request: %w", err))
	}
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherSnapshot{}, fetcherr.New(fetcherr.Unavailable, location, fmt.Errorf("request timeout: %w", err))
		}
		return models.WeatherSnapshot{}, fetcherr.New(fetcherr.Unavailable, location, fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := classifyStatus(resp.StatusCode, location); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return models.WeatherSnapshot{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.WeatherSnapshot{}, fetcherr.New(fetcherr.Unavailable, location, fmt.Errorf("read response body: %w", err))
	}

	var payload currentResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.WeatherSnapshot{}, fetcherr.New(fetcherr.MalformedResponse, location, fmt.Errorf("parse response: %w", err))
	}
	if payload.Location == nil || payload.Current == nil {
		return models.WeatherSnapshot{}, fetcherr.Newf(fetcherr.MalformedResponse, location, "response missing current or location")
	}
	return mapResponse(payload), nil
}

func (c *WeatherAPIClient) buildRequest(ctx context.Context, location string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("key", c.apiKey)
	params.Set("q", location)
	params.Set("aqi", "no")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// classifyStatus maps a non-2xx provider status to its error kind.
func classifyStatus(code int, location string) error {
	switch code {
	case http.StatusBadRequest:
		return fetcherr.Newf(fetcherr.InvalidLocation, location, "provider rejected location: HTTP %d", code)
	case http.StatusUnauthorized:
		return fetcherr.Newf(fetcherr.Configuration, location, "invalid API key: HTTP %d", code)
	case http.StatusForbidden:
		return fetcherr.Newf(fetcherr.QuotaExceeded, location, "API quota exceeded: HTTP %d", code)
	}
	if code < 200 || code >= 300 {
		return fetcherr.Newf(fetcherr.Unavailable, location, "weather service unavailable: HTTP %d", code)
	}
	return nil
}

func mapResponse(p currentResponse) models.WeatherSnapshot {
	loc, cur := p.Location, p.Current
	return models.WeatherSnapshot{
		Location:              loc.Name + ", " + loc.Country,
		Region:                loc.Region,
		Country:               loc.Country,
		TemperatureCelsius:    cur.TempC,
		TemperatureFahrenheit: cur.TempF,
		Condition:             cur.Condition.Text,
		ConditionIconURL:      cur.Condition.Icon,
		Humidity:              cur.Humidity,
		WindSpeedKph:          cur.WindKph,
		WindSpeedMph:          cur.WindMph,
		WindDirection:         cur.WindDir,
		PressureMb:            cur.PressureMb,
		FeelsLikeCelsius:      cur.FeelsLikeC,
		FeelsLikeFahrenheit:   cur.FeelsLikeF,
		VisibilityKm:          cur.VisKm,
		UVIndex:               cur.UV,
		LastUpdated:           cur.LastUpdated,
	}
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusForbidden:
		return "quota_exceeded"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
