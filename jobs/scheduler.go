// Package jobs owns the timers. The Scheduler decides when work runs; the
// services it calls decide what runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ledgersync/logger"
	"ledgersync/metrics"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
)

type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	running  atomic.Bool
	cancel   context.CancelFunc
}

// Scheduler runs registered jobs on their own interval. A tick that finds
// the previous run of the same job unfinished is dropped, never queued.
type Scheduler struct {
	log zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	serving context.Context
	wg      sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		log:  logger.Component("scheduler"),
		jobs: map[string]*job{},
	}
}

// Register adds a job. When the scheduler is already serving, the job's
// ticker starts immediately.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	j := &job{name: name, interval: interval, fn: fn}
	s.jobs[name] = j
	if s.serving != nil {
		s.start(s.serving, j)
	}
	return nil
}

// Unregister stops the job's ticker. A run in progress finishes normally.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	}
	delete(s.jobs, name)
	return true
}

func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick runs the job once, synchronously. ran is false when a previous run
// was still in flight.
func (s *Scheduler) Tick(ctx context.Context, name string) (ran bool, err error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (bool, error) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.JobSkips.WithLabelValues(j.name).Inc()
		s.log.Debug().Str("job", j.name).Msg("[Scheduler] previous run still in flight, tick skipped")
		return false, nil
	}
	defer j.running.Store(false)

	if err := j.fn(ctx); err != nil {
		s.log.Error().Err(err).Str("job", j.name).Msg("❌ job failed")
		return true, err
	}
	return true, nil
}

// Serve implements suture.Service. It blocks until ctx is cancelled and
// waits for running jobs to return.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving != nil {
		s.mu.Unlock()
		return errors.New("scheduler already serving")
	}
	s.serving = ctx
	for _, j := range s.jobs {
		s.start(ctx, j)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.log.Info().Int("jobs", count).Msg("✅ Scheduler started")
	<-ctx.Done()

	s.mu.Lock()
	s.serving = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) String() string {
	return "scheduler"
}

// start must be called with mu held.
func (s *Scheduler) start(parent context.Context, j *job) {
	ctx, cancel := context.WithCancel(parent)
	j.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					_, _ = s.run(ctx, j)
				}()
			}
		}
	}()
}
