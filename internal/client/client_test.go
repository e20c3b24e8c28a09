package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

const testAPIKey = "test-api-key-12345"

const perthPayload = `{
  "location": {"name": "Perth", "region": "Western Australia", "country": "Australia"},
  "current": {
    "temp_c": 22.5, "temp_f": 72.5,
    "condition": {"text": "Sunny", "icon": "//cdn.weatherapi.com/weather/64x64/day/113.png"},
    "humidity": 65, "wind_kph": 15.2, "wind_mph": 9.4, "wind_dir": "SW",
    "pressure_mb": 1013.0, "feelslike_c": 24.0, "feelslike_f": 75.2,
    "vis_km": 10.0, "uv": 6.0, "last_updated": "2025-09-16 15:30"
  }
}`

func newServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestWeatherAPIClient_Fetch_Success(t *testing.T) {
	var gotQuery map[string]string
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		gotQuery = map[string]string{"key": q.Get("key"), "q": q.Get("q"), "aqi": q.Get("aqi")}
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(perthPayload))
	}))
	defer srv.Close()

	c := NewWeatherAPIClient(testAPIKey, srv.URL, 2*time.Second)
	got, err := c.Fetch(context.Background(), "  Perth, Australia ")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	wantQuery := map[string]string{"key": testAPIKey, "q": "  Perth, Australia ", "aqi": "no"}
	if diff := cmp.Diff(wantQuery, gotQuery); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}

	want := models.WeatherSnapshot{
		Location:              "Perth, Australia",
		Region:                "Western Australia",
		Country:               "Australia",
		TemperatureCelsius:    22.5,
		TemperatureFahrenheit: 72.5,
		Condition:             "Sunny",
		ConditionIconURL:      "//cdn.weatherapi.com/weather/64x64/day/113.png",
		Humidity:              65,
		WindSpeedKph:          15.2,
		WindSpeedMph:          9.4,
		WindDirection:         "SW",
		PressureMb:            1013.0,
		FeelsLikeCelsius:      24.0,
		FeelsLikeFahrenheit:   75.2,
		VisibilityKm:          10.0,
		UVIndex:               6.0,
		LastUpdated:           "2025-09-16 15:30",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Fetch() mismatch (-want +got):\n%s", diff)
	}
	if got.Cached || got.CacheExpiresAt != nil {
		t.Errorf("fresh snapshot has Cached=%v CacheExpiresAt=%v", got.Cached, got.CacheExpiresAt)
	}
}

// TestWeatherAPIClient_Fetch_StatusMapping verifies each provider status maps to
// its documented error kind.
func TestWeatherAPIClient_Fetch_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   fetcherr.Kind
	}{
		{"400 invalid location", http.StatusBadRequest, `{"error":{"message":"No matching location found."}}`, fetcherr.InvalidLocation},
		{"401 bad key", http.StatusUnauthorized, `{}`, fetcherr.Configuration},
		{"403 quota", http.StatusForbidden, `{}`, fetcherr.QuotaExceeded},
		{"404 other", http.StatusNotFound, `{}`, fetcherr.Unavailable},
		{"429 other", http.StatusTooManyRequests, `{}`, fetcherr.Unavailable},
		{"500", http.StatusInternalServerError, `{}`, fetcherr.Unavailable},
		{"503", http.StatusServiceUnavailable, `{}`, fetcherr.Unavailable},
		{"200 missing current", http.StatusOK, `{"location":{"name":"Perth","country":"Australia"}}`, fetcherr.MalformedResponse},
		{"200 missing location", http.StatusOK, `{"current":{"temp_c":1}}`, fetcherr.MalformedResponse},
		{"200 unrelated body", http.StatusOK, `{"invalid":"response"}`, fetcherr.MalformedResponse},
		{"200 not json", http.StatusOK, `<html>oops</html>`, fetcherr.MalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status, tt.body)
			c := NewWeatherAPIClient(testAPIKey, srv.URL, 2*time.Second)

			_, err := c.Fetch(context.Background(), "Perth, Australia")
			if err == nil {
				t.Fatal("Fetch() error = nil, want error")
			}
			kind, ok := fetcherr.KindOf(err)
			if !ok || kind != tt.want {
				t.Errorf("Fetch() kind = %v (ok=%v), want %v; err = %v", kind, ok, tt.want, err)
			}
			var fe *fetcherr.Error
			if errors.As(err, &fe) && fe.Location != "Perth, Australia" {
				t.Errorf("error Location = %q, want raw location", fe.Location)
			}
		})
	}
}

func TestWeatherAPIClient_Fetch_MissingConfig(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, perthPayload)

	tests := []struct {
		name   string
		apiKey string
		apiURL string
	}{
		{"missing key", "", srv.URL},
		{"missing url", testAPIKey, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWeatherAPIClient(tt.apiKey, tt.apiURL, time.Second)
			_, err := c.Fetch(context.Background(), "Perth, Australia")
			if !fetcherr.Is(err, fetcherr.Configuration) {
				t.Errorf("Fetch() error = %v, want Configuration", err)
			}
		})
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("upstream called %d times without configuration, want 0", n)
	}
}

func TestWeatherAPIClient_Fetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewWeatherAPIClient(testAPIKey, srv.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := c.Fetch(context.Background(), "Perth, Australia")
	if !fetcherr.Is(err, fetcherr.Unavailable) {
		t.Fatalf("Fetch() error = %v, want Unavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Fetch() took %v, want bounded by timeout", elapsed)
	}
	if got := CategorizeError(err); got != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %v, want timeout", got)
	}
}

func TestWeatherAPIClient_Fetch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewWeatherAPIClient(testAPIKey, url, time.Second)
	_, err := c.Fetch(context.Background(), "Perth, Australia")
	if !fetcherr.Is(err, fetcherr.Unavailable) {
		t.Errorf("Fetch() error = %v, want Unavailable", err)
	}
}

func TestWeatherAPIClient_Fetch_CorrelationID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(perthPayload))
	}))
	defer srv.Close()

	c := NewWeatherAPIClient(testAPIKey, srv.URL, time.Second)
	ctx := observability.WithCorrelationID(context.Background(), "corr-123")
	if _, err := c.Fetch(ctx, "Perth, Australia"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", got)
	}
}

// TestWeatherAPIClient_Fetch_CircuitBreaker verifies that an open breaker short-circuits
// the upstream call as Unavailable, and that caller errors do not trip it.
func TestWeatherAPIClient_Fetch_CircuitBreaker(t *testing.T) {
	t.Run("opens on upstream failures", func(t *testing.T) {
		srv, calls := newServer(t, http.StatusServiceUnavailable, `{}`)
		c := NewWeatherAPIClient(testAPIKey, srv.URL, time.Second)
		c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 2,
			Timeout:          time.Minute,
			IsSuccessful:     func(err error) bool { return fetcherr.Is(err, fetcherr.InvalidLocation) },
		}))

		for i := 0; i < 2; i++ {
			_, _ = c.Fetch(context.Background(), "Perth, Australia")
		}
		_, err := c.Fetch(context.Background(), "Perth, Australia")
		if !fetcherr.Is(err, fetcherr.Unavailable) || !circuitbreaker.IsOpen(err) {
			t.Errorf("Fetch() on open circuit error = %v, want Unavailable wrapping open state", err)
		}
		if n := atomic.LoadInt32(calls); n != 2 {
			t.Errorf("upstream calls = %d, want 2", n)
		}
	})

	t.Run("invalid location does not trip", func(t *testing.T) {
		srv, calls := newServer(t, http.StatusBadRequest, `{}`)
		c := NewWeatherAPIClient(testAPIKey, srv.URL, time.Second)
		c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 1,
			Timeout:          time.Minute,
			IsSuccessful:     func(err error) bool { return fetcherr.Is(err, fetcherr.InvalidLocation) },
		}))

		for i := 0; i < 3; i++ {
			if _, err := c.Fetch(context.Background(), "Atlantis"); !fetcherr.Is(err, fetcherr.InvalidLocation) {
				t.Fatalf("Fetch() error = %v, want InvalidLocation", err)
			}
		}
		if n := atomic.LoadInt32(calls); n != 3 {
			t.Errorf("upstream calls = %d, want 3", n)
		}
	})
}

func TestStatusLabel(t *testing.T) {
	tests := map[int]string{
		200: "success",
		204: "success",
		400: "client_error",
		403: "quota_exceeded",
		500: "server_error",
		302: "error",
	}
	for code, want := range tests {
		if got := statusLabel(code); got != want {
			t.Errorf("statusLabel(%d) = %q, want %q", code, got, want)
		}
	}
}
