//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey  string
	APIURL  string
	Backend cache.BackendConfig
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	return IntegrationTestConfig{
		APIKey: apiKey,
		APIURL: getenv("WEATHER_API_URL", "http://api.weatherapi.com/v1/current.json"),
		Backend: cache.BackendConfig{
			Backend:               getenv("INTEGRATION_CACHE_BACKEND", cache.BackendInMemory),
			MemcachedAddrs:        getenv("MEMCACHED_ADDRS", "localhost:11211"),
			MemcachedTimeout:      500 * time.Millisecond,
			MemcachedMaxIdleConns: 2,
			RedisURL:              getenv("REDIS_URL", "redis://localhost:6379/15"),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetupIntegrationCache builds a WeatherCache against the live API and the
// configured backend. A remote backend that cannot be reached skips the test.
// The cache is flushed before and after the test.
func SetupIntegrationCache(t *testing.T, cfg IntegrationTestConfig, ttl time.Duration) *service.WeatherCache {
	t.Helper()
	store, closer, err := cache.Open(cfg.Backend, clockwork.NewRealClock())
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	if closer != nil {
		t.Cleanup(func() { _ = closer.Close() })
	}

	wc := service.NewWeatherCache(client.NewWeatherAPIClient(cfg.APIKey, cfg.APIURL, 10*time.Second), store, service.Options{
		TTL:      ttl,
		Coalesce: true,
	})
	if err := wc.Ping(context.Background()); err != nil {
		t.Skipf("%s backend not reachable: %v", cfg.Backend.Backend, err)
	}
	wc.InvalidateAll(context.Background())
	t.Cleanup(func() { wc.InvalidateAll(context.Background()) })
	return wc
}
