package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Stats is the outcome count within one window.
type Stats struct {
	Successes int
	Errors    int
	Denied    int
}

// Requests returns all outcomes, denials included.
func (s Stats) Requests() int {
	return s.Successes + s.Errors + s.Denied
}

// ErrorRate returns Errors / (Successes + Errors), or 0 with no served requests.
// Denials are excluded.
func (s Stats) ErrorRate() float64 {
	served := s.Successes + s.Errors
	if served == 0 {
		return 0
	}
	return float64(s.Errors) / float64(served)
}

// Tracker keeps sliding windows of lookup outcomes. The HTTP layer records
// into it and the health check reads the upstream error rate back out.
type Tracker struct {
	clock  clockwork.Clock
	maxAge time.Duration

	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// NewTracker returns a tracker that retains outcomes for maxAge. A nil clock
// uses the real clock; a non-positive maxAge keeps five minutes.
func NewTracker(clock clockwork.Clock, maxAge time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Tracker{clock: clock, maxAge: maxAge}
}

// RecordSuccess records a lookup that produced weather data.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a lookup that failed upstream.
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.record(&t.deniedTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Window returns the outcomes recorded within the last window.
func (t *Tracker) Window(window time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return Stats{
		Successes: countSince(t.successTimes, cutoff),
		Errors:    countSince(t.errorTimes, cutoff),
		Denied:    countSince(t.deniedTimes, cutoff),
	}
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

// countSince counts timestamps not before cutoff. Slices are in append order.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
