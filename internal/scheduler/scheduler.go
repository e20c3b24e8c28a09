package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Sweeper evicts expired cache entries and reports how many were removed.
type Sweeper interface {
	Sweep() int
}

// Warmer pre-fetches a list of locations into the cache.
type Warmer interface {
	Warm(ctx context.Context, locations []string) error
}

// Scheduler runs the service's background jobs. Jobs never overlap with
// themselves: a run that is still going when the next is due is rescheduled.
type Scheduler struct {
	sched  gocron.Scheduler
	logger *zap.Logger
}

// New creates a stopped scheduler. Options are passed to gocron (e.g. gocron.WithClock in tests).
func New(logger *zap.Logger, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{sched: sched, logger: logger}, nil
}

// AddSweep evicts expired entries from store every interval.
func (s *Scheduler) AddSweep(ctx context.Context, store Sweeper, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return s.addJob(ctx, "cache_sweep_job", interval, false, func(context.Context) {
		if n := store.Sweep(); n > 0 {
			observability.CacheSweepEvictionsTotal.Add(float64(n))
			s.logger.Debug("swept expired cache entries", zap.Int("evicted", n))
		}
	})
}

// AddWarming refreshes locations every interval, starting immediately.
// Failures are logged; the job keeps running.
func (s *Scheduler) AddWarming(ctx context.Context, warmer Warmer, locations []string, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("warming interval must be positive")
	}
	if len(locations) == 0 {
		return errors.New("no warming locations configured")
	}
	locs := append([]string(nil), locations...)
	return s.addJob(ctx, "cache_warming_job", interval, true, func(ctx context.Context) {
		if err := warmer.Warm(ctx, locs); err != nil {
			s.logger.Warn("scheduled cache warming failed", zap.Error(err))
		}
	})
}

func (s *Scheduler) addJob(ctx context.Context, name string, interval time.Duration, immediate bool, task func(context.Context)) error {
	opts := []gocron.JobOption{
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(name),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	if _, err := s.sched.NewJob(gocron.DurationJob(interval), gocron.NewTask(task), opts...); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	jobs := s.sched.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
