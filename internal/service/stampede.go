package service

import "sync"

// stampedeTracker counts misses in progress per key. More than one at a time
// for the same key is a stampede: coalescing hides it from the upstream, the
// tracker makes it visible in metrics.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[string]int)}
}

// begin registers a miss for key and returns the number of misses now in
// progress for it, plus a func that must be called once the miss resolves.
func (st *stampedeTracker) begin(key string) (int, func()) {
	st.mu.Lock()
	st.active[key]++
	n := st.active[key]
	st.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.active[key] <= 1 {
				delete(st.active, key)
				return
			}
			st.active[key]--
		})
	}
}

func (st *stampedeTracker) inProgress(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}
