package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// errCoalesceTimeout is returned to a waiter that gave up on a shared call.
var errCoalesceTimeout = errors.New("timed out waiting for in-flight request")

// requestCoalescer collapses concurrent upstream calls for the same key into one.
// Every caller waiting on a key receives the result of the single call.
type requestCoalescer struct {
	group   singleflight.Group
	clock   clockwork.Clock
	timeout time.Duration

	mu      sync.Mutex
	leaders map[string]*struct{} // key -> token of the call that leads it
}

func newRequestCoalescer(clock clockwork.Clock, timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{clock: clock, timeout: timeout, leaders: make(map[string]*struct{})}
}

// Do runs fn unless a call for key is already in flight, in which case it waits
// for that call. led reports whether this caller started the call.
// The leader waits for its own call like an uncoalesced caller would. A joiner
// stops waiting when ctx is done or the coalesce timeout elapses; the shared
// call keeps running for the remaining waiters.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func() (models.WeatherSnapshot, error)) (models.WeatherSnapshot, bool, error) {
	rc.mu.Lock()
	if rc.leaders[key] == nil {
		token := new(struct{})
		rc.leaders[key] = token
		ch := rc.group.DoChan(key, func() (any, error) {
			defer rc.release(key, token)
			return fn()
		})
		rc.mu.Unlock()
		return rc.wait(ctx, ch, nil, true)
	}
	ch := rc.group.DoChan(key, func() (any, error) {
		return fn()
	})
	rc.mu.Unlock()

	var expired <-chan time.Time
	if rc.timeout > 0 {
		timer := rc.clock.NewTimer(rc.timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	return rc.wait(ctx, ch, expired, false)
}

func (rc *requestCoalescer) wait(ctx context.Context, ch <-chan singleflight.Result, expired <-chan time.Time, led bool) (models.WeatherSnapshot, bool, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.WeatherSnapshot{}, led, res.Err
		}
		return res.Val.(models.WeatherSnapshot), led, nil
	case <-ctx.Done():
		return models.WeatherSnapshot{}, led, ctx.Err()
	case <-expired:
		return models.WeatherSnapshot{}, led, errCoalesceTimeout
	}
}

// release clears the leader mark for key if it still belongs to token.
func (rc *requestCoalescer) release(key string, token *struct{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.leaders[key] == token {
		delete(rc.leaders, key)
	}
}

// Forget drops the in-flight call for key so the next caller starts a new one.
func (rc *requestCoalescer) Forget(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.leaders, key)
	rc.group.Forget(key)
}
