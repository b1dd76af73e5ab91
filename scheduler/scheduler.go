// Package scheduler runs the gateway's periodic jobs: intent expiry, auto
// release, webhook sweeps, payout batches, ingest ticks and the recon export.
// Each job carries a single-flight lease so a slow run is never stacked on by
// the next tick; overlapping ticks are skipped and counted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"parapay/observability"
)

// Job is one named periodic task. Run receives the scheduler's context and
// should honor its cancellation; long work is expected to bound its own I/O.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type managed struct {
	job  Job
	busy atomic.Bool
}

// Scheduler drives registered jobs until its context ends.
type Scheduler struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs []*managed
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a job. Panics on a nil Run or non-positive interval; both are
// wiring mistakes, not runtime conditions.
func (s *Scheduler) Add(job Job) {
	if job.Run == nil {
		panic(fmt.Sprintf("scheduler: job %q has no run function", job.Name))
	}
	if job.Every <= 0 {
		panic(fmt.Sprintf("scheduler: job %q has interval %s", job.Name, job.Every))
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &managed{job: job})
	s.mu.Unlock()
}

// Run starts one ticker loop per job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]*managed, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range jobs {
		wg.Add(1)
		go func(m *managed) {
			defer wg.Done()
			s.loop(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, m *managed) {
	ticker := time.NewTicker(m.job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.attempt(ctx, m)
		}
	}
}

// attempt takes the job's lease and runs it in its own goroutine so a slow
// run cannot block the ticker; a tick that finds the lease taken is skipped.
func (s *Scheduler) attempt(ctx context.Context, m *managed) {
	if !m.busy.CompareAndSwap(false, true) {
		observability.Scheduler().RecordSkip(m.job.Name)
		s.logger.Debug("previous run still live, tick skipped", "job", m.job.Name)
		return
	}
	go func() {
		defer m.busy.Store(false)
		start := time.Now()
		err := m.job.Run(ctx)
		elapsed := time.Since(start)
		observability.Scheduler().ObserveRun(m.job.Name, elapsed, err)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("job failed", "job", m.job.Name, "duration", elapsed, "error", err)
			return
		}
		s.logger.Debug("job finished", "job", m.job.Name, "duration", elapsed)
	}()
}

// Trigger runs one registered job immediately under its lease. It reports
// whether the job ran (false when unknown or already running) and the run's
// error.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	var target *managed
	for _, m := range s.jobs {
		if m.job.Name == name {
			target = m
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false, fmt.Errorf("scheduler: unknown job %q", name)
	}
	if !target.busy.CompareAndSwap(false, true) {
		observability.Scheduler().RecordSkip(name)
		return false, nil
	}
	defer target.busy.Store(false)
	start := time.Now()
	err := target.job.Run(ctx)
	observability.Scheduler().ObserveRun(name, time.Since(start), err)
	return true, err
}
