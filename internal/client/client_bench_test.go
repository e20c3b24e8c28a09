package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// BenchmarkWeatherAPIClient_Fetch benchmarks a full request/decode cycle against a local server.
func BenchmarkWeatherAPIClient_Fetch(b *testing.B) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(perthPayload))
	}))
	defer srv.Close()

	c := NewWeatherAPIClient(testAPIKey, srv.URL, 2*time.Second)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Fetch(ctx, "Perth, Australia"); err != nil {
			b.Fatalf("Fetch() error = %v", err)
		}
	}
}
