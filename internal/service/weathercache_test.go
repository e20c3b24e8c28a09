package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

var epoch = time.Date(2025, 9, 16, 15, 30, 0, 0, time.UTC)

var perth = models.WeatherSnapshot{
	Location:              "Perth, Australia",
	Region:                "Western Australia",
	Country:               "Australia",
	TemperatureCelsius:    22.5,
	TemperatureFahrenheit: 72.5,
	Condition:             "Partly cloudy",
	ConditionIconURL:      "//cdn.weatherapi.com/weather/64x64/day/116.png",
	Humidity:              65,
	WindSpeedKph:          15.1,
	WindSpeedMph:          9.4,
	WindDirection:         "SW",
	LastUpdated:           "2025-09-16 15:30",
}

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	locations []string
	snap      models.WeatherSnapshot
	err       error
	started   chan struct{} // signalled (non-blocking) when Fetch is entered
	release   chan struct{} // Fetch blocks until closed when non-nil
	ctxErr    error         // ctx.Err() observed after release
}

func (f *fakeFetcher) Fetch(ctx context.Context, location string) (models.WeatherSnapshot, error) {
	f.mu.Lock()
	f.calls++
	f.locations = append(f.locations, location)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	if f.err != nil {
		return models.WeatherSnapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// brokenStore fails every operation.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errStoreDown
}
func (brokenStore) Set(context.Context, string, cache.Entry) error { return errStoreDown }
func (brokenStore) Delete(context.Context, string) (bool, error)   { return false, errStoreDown }
func (brokenStore) Flush(context.Context) error                    { return errStoreDown }

func newTestCache(f *fakeFetcher, opts Options) (*WeatherCache, *cache.InMemoryStore, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := cache.NewInMemoryStore(clock)
	opts.Clock = clock
	if opts.TTL == 0 {
		opts.TTL = 900 * time.Second
	}
	return NewWeatherCache(f, store, opts), store, clock
}

func TestWeatherCache_FetchesRawLocation(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, _, _ := newTestCache(f, Options{})

	if _, err := wc.Get(context.Background(), "  Perth, Australia "); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"  Perth, Australia "}, f.locations); diff != "" {
		t.Errorf("fetched locations mismatch (-want +got):\n%s", diff)
	}
}

// TestWeatherCache_TTLLifecycle walks one location through fresh, cached and
// expired states with a 900s TTL.
func TestWeatherCache_TTLLifecycle(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, _, clock := newTestCache(f, Options{})
	ctx := context.Background()

	got, err := wc.Get(ctx, "Perth, Australia")
	if err != nil {
		t.Fatalf("Get() t=0 error = %v", err)
	}
	if diff := cmp.Diff(perth, got); diff != "" {
		t.Errorf("Get() t=0 mismatch (-want +got):\n%s", diff)
	}

	clock.Advance(10 * time.Second)
	got, err = wc.Get(ctx, "Perth, Australia")
	if err != nil {
		t.Fatalf("Get() t=10 error = %v", err)
	}
	if !got.Cached {
		t.Error("Get() t=10 Cached = false, want true")
	}
	wantExpiry := epoch.Add(900 * time.Second)
	if got.CacheExpiresAt == nil || !got.CacheExpiresAt.Equal(wantExpiry) {
		t.Errorf("Get() t=10 CacheExpiresAt = %v, want %v", got.CacheExpiresAt, wantExpiry)
	}
	if f.Calls() != 1 {
		t.Errorf("upstream calls after hit = %d, want 1", f.Calls())
	}

	clock.Advance(891 * time.Second)
	got, err = wc.Get(ctx, "Perth, Australia")
	if err != nil {
		t.Fatalf("Get() t=901 error = %v", err)
	}
	if got.Cached || got.CacheExpiresAt != nil {
		t.Errorf("Get() t=901 Cached = %v, CacheExpiresAt = %v; want fresh", got.Cached, got.CacheExpiresAt)
	}
	if f.Calls() != 2 {
		t.Errorf("upstream calls after expiry = %d, want 2", f.Calls())
	}
}

func TestWeatherCache_ExpiresExactlyAtTTL(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, _, clock := newTestCache(f, Options{TTL: time.Minute})
	ctx := context.Background()

	if _, err := wc.Get(ctx, "Perth"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	got, err := wc.Get(ctx, "Perth")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cached {
		t.Error("entry served at exactly InsertedAt+TTL, want refetch")
	}
}

func TestWeatherCache_EquivalentLocationsShareEntry(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, _, _ := newTestCache(f, Options{})
	ctx := context.Background()

	if _, err := wc.Get(ctx, "Perth, Australia"); err != nil {
		t.Fatal(err)
	}
	got, err := wc.Get(ctx, "  PERTH, australia ")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Cached || f.Calls() != 1 {
		t.Errorf("Cached = %v, calls = %d; want hit on equivalent location", got.Cached, f.Calls())
	}
}

func TestWeatherCache_HitDoesNotAlterStoredValue(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, store, _ := newTestCache(f, Options{})
	ctx := context.Background()

	if _, err := wc.Get(ctx, "Perth"); err != nil {
		t.Fatal(err)
	}
	if _, err := wc.Get(ctx, "Perth"); err != nil {
		t.Fatal(err)
	}
	entry, ok, err := store.Get(ctx, cache.NormalizeKey("Perth"))
	if err != nil || !ok {
		t.Fatalf("store.Get() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(perth, entry.Value); diff != "" {
		t.Errorf("stored value changed (-want +got):\n%s", diff)
	}
}

func TestWeatherCache_Invalidate(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, _, _ := newTestCache(f, Options{})
	ctx := context.Background()

	if wc.Invalidate(ctx, "Perth") {
		t.Error("Invalidate() on empty cache = true, want false")
	}
	if _, err := wc.Get(ctx, "Perth"); err != nil {
		t.Fatal(err)
	}
	if !wc.Invalidate(ctx, " perth ") {
		t.Error("Invalidate() after Get = false, want true")
	}
	if wc.Invalidate(ctx, "Perth") {
		t.Error("second Invalidate() = true, want false")
	}

	got, err := wc.Get(ctx, "Perth")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cached || f.Calls() != 2 {
		t.Errorf("Get() after Invalidate: Cached = %v, calls = %d; want one refetch", got.Cached, f.Calls())
	}
}

func TestWeatherCache_InvalidateAll(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, store, _ := newTestCache(f, Options{})
	ctx := context.Background()

	for _, loc := range []string{"Perth", "London", "Tokyo"} {
		if _, err := wc.Get(ctx, loc); err != nil {
			t.Fatal(err)
		}
	}
	wc.InvalidateAll(ctx)
	if store.Len() != 0 {
		t.Errorf("store.Len() after InvalidateAll = %d, want 0", store.Len())
	}
}

func TestWeatherCache_FailuresNotCached(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    fetcherr.Kind
		message string
	}{
		{"missing current", fetcherr.Newf(fetcherr.MalformedResponse, "Perth", "response missing current or location"), fetcherr.MalformedResponse, fetcherr.GenericMessage},
		{"quota", fetcherr.Newf(fetcherr.QuotaExceeded, "Perth", "HTTP 403"), fetcherr.QuotaExceeded, fetcherr.GenericMessage},
		{"provider rejected", fetcherr.Newf(fetcherr.InvalidLocation, "Perth", "HTTP 400"), fetcherr.InvalidLocation, fetcherr.InvalidLocationMessage},
		{"unclassified", errors.New("boom"), fetcherr.Unavailable, fetcherr.GenericMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{err: tt.err}
			wc, store, _ := newTestCache(f, Options{})
			ctx := context.Background()

			_, err := wc.Get(ctx, "Perth")
			if !fetcherr.Is(err, tt.kind) {
				t.Fatalf("Get() error = %v, want kind %s", err, tt.kind)
			}
			if got := fetcherr.PublicMessage(err); got != tt.message {
				t.Errorf("PublicMessage() = %q, want %q", got, tt.message)
			}
			if store.Len() != 0 {
				t.Errorf("store.Len() = %d after failure, want 0", store.Len())
			}
			_, _ = wc.Get(ctx, "Perth")
			if f.Calls() != 2 {
				t.Errorf("calls = %d, want 2 (failure must not be cached)", f.Calls())
			}
		})
	}
}

func TestWeatherCache_InvalidLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"one rune", "a"},
		{"too long", strings.Repeat("x", 256)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{snap: perth}
			wc, _, _ := newTestCache(f, Options{})

			_, err := wc.Get(context.Background(), tt.location)
			if !fetcherr.Is(err, fetcherr.InvalidLocation) {
				t.Fatalf("Get(%q) error = %v, want InvalidLocation", tt.location, err)
			}
			if f.Calls() != 0 {
				t.Errorf("upstream called %d times for invalid input", f.Calls())
			}
		})
	}
}

func TestWeatherCache_CustomLengthBounds(t *testing.T) {
	f := &fakeFetcher{snap: perth}
	wc, _, _ := newTestCache(f, Options{MinLength: 4, MaxLength: 6})
	ctx := context.Background()

	if _, err := wc.Get(ctx, "Rio"); !fetcherr.Is(err, fetcherr.InvalidLocation) {
		t.Errorf("Get(Rio) error = %v, want InvalidLocation", err)
	}
	if _, err := wc.Get(ctx, "Perth"); err != nil {
		t.Errorf("Get(Perth) error = %v", err)
	}
}

// TestWeatherCache_StoreErrorsDegradeToMiss verifies a failing store never
// fails a lookup and is logged.
func TestWeatherCache_StoreErrorsDegradeToMiss(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := &fakeFetcher{snap: perth}
	wc := NewWeatherCache(f, brokenStore{}, Options{
		Clock:  clockwork.NewFakeClockAt(epoch),
		Logger: zap.New(core),
	})
	ctx := context.Background()

	got, err := wc.Get(ctx, "Perth")
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if got.Cached {
		t.Error("Get() Cached = true with broken store")
	}
	if n := logs.FilterMessage("cache get failed, treating as miss").Len(); n != 1 {
		t.Errorf("get-failure logs = %d, want 1", n)
	}
	if n := logs.FilterMessage("cache set failed").Len(); n != 1 {
		t.Errorf("set-failure logs = %d, want 1", n)
	}

	if wc.Invalidate(ctx, "Perth") {
		t.Error("Invalidate() with broken store = true, want false")
	}
	wc.InvalidateAll(ctx)
	if n := logs.FilterMessage("cache flush failed").Len(); n != 1 {
		t.Errorf("flush-failure logs = %d, want 1", n)
	}
}

func TestWeatherCache_LoggerFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fakeFetcher{snap: perth}
	wc, _, _ := newTestCache(f, Options{Logger: zap.NewNop()})

	ctx := observability.WithLogger(context.Background(), zap.New(core))
	if _, err := wc.Get(ctx, "Perth"); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("weather served").Len() != 1 {
		t.Error("request-scoped logger was not used")
	}
}

func TestWeatherCache_CoalescesConcurrentMisses(t *testing.T) {
	f := &fakeFetcher{snap: perth, release: make(chan struct{})}
	wc, _, _ := newTestCache(f, Options{Coalesce: true, CoalesceTimeout: 5 * time.Second})
	key := cache.NormalizeKey("Perth")

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.WeatherSnapshot, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = wc.Get(context.Background(), "Perth")
		}(i)
	}
	waitFor(t, func() bool { return wc.stampede.inProgress(key) == n })
	time.Sleep(20 * time.Millisecond) // let every caller join the in-flight call
	close(f.release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if diff := cmp.Diff(perth, results[i]); diff != "" {
			t.Errorf("caller %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if f.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", f.Calls())
	}
}

func TestWeatherCache_CoalescedErrorReachesAllWaiters(t *testing.T) {
	f := &fakeFetcher{err: fetcherr.Newf(fetcherr.Unavailable, "Perth", "HTTP 503"), release: make(chan struct{})}
	wc, store, _ := newTestCache(f, Options{Coalesce: true})
	key := cache.NormalizeKey("Perth")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = wc.Get(context.Background(), "Perth")
		}(i)
	}
	waitFor(t, func() bool { return wc.stampede.inProgress(key) == n })
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	for i, err := range errs {
		if !fetcherr.Is(err, fetcherr.Unavailable) {
			t.Errorf("caller %d error = %v, want Unavailable", i, err)
		}
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", store.Len())
	}
}

// TestWeatherCache_CanceledWaiterDoesNotCancelSharedCall verifies that the
// caller who started a coalesced call can leave without aborting it.
func TestWeatherCache_CanceledWaiterDoesNotCancelSharedCall(t *testing.T) {
	f := &fakeFetcher{snap: perth, started: make(chan struct{}, 1), release: make(chan struct{})}
	wc, store, _ := newTestCache(f, Options{Coalesce: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := wc.Get(ctx, "Perth")
		errCh <- err
	}()
	<-f.started
	cancel()

	err := <-errCh
	if !fetcherr.Is(err, fetcherr.Unavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want Unavailable wrapping context.Canceled", err)
	}

	close(f.release)
	waitFor(t, func() bool { return store.Len() == 1 })

	f.mu.Lock()
	ctxErr := f.ctxErr
	f.mu.Unlock()
	if ctxErr != nil {
		t.Errorf("shared call context error = %v, want nil", ctxErr)
	}

	got, err := wc.Get(context.Background(), "Perth")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Cached || f.Calls() != 1 {
		t.Errorf("Cached = %v, calls = %d; want result of the shared call", got.Cached, f.Calls())
	}
}

// TestWeatherCache_CoalesceTimeout verifies that only a caller that joined an
// in-flight call is bounded by the coalesce timeout; the caller that started it
// waits for its own fetch.
func TestWeatherCache_CoalesceTimeout(t *testing.T) {
	f := &fakeFetcher{snap: perth, started: make(chan struct{}, 1), release: make(chan struct{})}
	wc, store, clock := newTestCache(f, Options{Coalesce: true, CoalesceTimeout: 5 * time.Second})

	leaderCh := make(chan error, 1)
	go func() {
		_, err := wc.Get(context.Background(), "Perth")
		leaderCh <- err
	}()
	<-f.started

	joinerCh := make(chan error, 1)
	go func() {
		_, err := wc.Get(context.Background(), "perth")
		joinerCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("joiner timer never armed: %v", err)
	}
	clock.Advance(6 * time.Second)

	select {
	case err := <-joinerCh:
		if !fetcherr.Is(err, fetcherr.Unavailable) || !errors.Is(err, errCoalesceTimeout) {
			t.Errorf("joiner Get() error = %v, want Unavailable wrapping coalesce timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("joiner Get() did not return after coalesce timeout")
	}

	select {
	case err := <-leaderCh:
		t.Fatalf("leader Get() returned %v before its fetch finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(f.release)
	if err := <-leaderCh; err != nil {
		t.Errorf("leader Get() error = %v, want nil", err)
	}
	if store.Len() != 1 || f.Calls() != 1 {
		t.Errorf("entries = %d, calls = %d; want 1 and 1", store.Len(), f.Calls())
	}
}

// TestWeatherCache_SlowFetchSingleCaller verifies that a lone caller is not
// affected by the coalesce timeout.
func TestWeatherCache_SlowFetchSingleCaller(t *testing.T) {
	f := &fakeFetcher{snap: perth, started: make(chan struct{}, 1), release: make(chan struct{})}
	wc, _, clock := newTestCache(f, Options{Coalesce: true, CoalesceTimeout: 50 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() {
		_, err := wc.Get(context.Background(), "Perth")
		errCh <- err
	}()
	<-f.started
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	close(f.release)

	if err := <-errCh; err != nil {
		t.Errorf("Get() error = %v, want nil", err)
	}
}

func TestWeatherCache_InvalidateForgetsInFlightCall(t *testing.T) {
	first := make(chan struct{})
	f := &fakeFetcher{snap: perth, started: make(chan struct{}, 2), release: first}
	wc, _, _ := newTestCache(f, Options{Coalesce: true})

	go func() { _, _ = wc.Get(context.Background(), "Perth") }()
	<-f.started

	wc.Invalidate(context.Background(), "Perth")

	// A new call for the same key now starts its own fetch instead of joining.
	done := make(chan struct{})
	go func() {
		_, _ = wc.Get(context.Background(), "Perth")
		close(done)
	}()
	<-f.started
	if f.Calls() != 2 {
		t.Errorf("calls = %d, want 2 after Invalidate", f.Calls())
	}
	close(first)
	<-done
}

func TestWeatherCache_Defaults(t *testing.T) {
	wc := NewWeatherCache(&fakeFetcher{}, cache.NewInMemoryStore(nil), Options{})
	if wc.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", wc.TTL(), DefaultTTL)
	}
	if wc.coalesce != nil {
		t.Error("coalescing enabled by default")
	}
	if err := wc.Ping(context.Background()); err != nil {
		t.Errorf("Ping() on in-memory store = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
