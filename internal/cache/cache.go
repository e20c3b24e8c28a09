package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// Entry is one cached snapshot together with the time it was stored.
type Entry struct {
	Value      models.WeatherSnapshot `json:"value"`
	InsertedAt time.Time              `json:"inserted_at"`
	TTL        time.Duration          `json:"ttl"`
}

// ExpiresAt returns InsertedAt + TTL.
func (e Entry) ExpiresAt() time.Time {
	return e.InsertedAt.Add(e.TTL)
}

// LiveAt reports whether the entry is still fresh at now (now < InsertedAt + TTL).
func (e Entry) LiveAt(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// Store is the storage backend behind the weather cache. Keys are produced by
// NormalizeKey. Get may return entries that have expired by the caller's clock;
// freshness is decided by the caller with Entry.LiveAt.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Flush removes every weather entry.
	Flush(ctx context.Context) error
}

// InMemoryStore implements Store using a map guarded by a mutex.
// Expired entries are removed on access and by Sweep.
type InMemoryStore struct {
	clock clockwork.Clock

	mu   sync.Mutex
	data map[string]Entry
}

// NewInMemoryStore creates an empty store. A nil clock uses the real clock.
func NewInMemoryStore(clock clockwork.Clock) *InMemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryStore{
		clock: clock,
		data:  make(map[string]Entry),
	}
}

// Get returns (entry, true, nil) on a live hit and (zero, false, nil) on a miss.
// Expired entries are deleted.
func (s *InMemoryStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.LiveAt(s.clock.Now()) {
		delete(s.data, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores entry under key, replacing any previous entry (last write wins).
func (s *InMemoryStore) Set(ctx context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry
	return nil
}

// Delete removes key. An expired entry still counts as existing until swept.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

// Flush drops every entry.
func (s *InMemoryStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Entry)
	return nil
}

// Sweep evicts all expired entries and returns how many were removed.
func (s *InMemoryStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.data {
		if !e.LiveAt(now) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
