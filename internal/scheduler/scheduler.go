// Package scheduler runs gated jobs off one periodic trigger. Each
// job's gate decides whether "now" falls in a firing slot; the
// scheduler guarantees the same job never runs twice concurrently and
// fires each slot at most once. Per-job run state is owned here, not in
// package globals.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one schedulable unit of work. Run blocks until done; the
// orchestrator writes its own audit record, the scheduler only
// sequences invocations and logs terminal errors.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Gate decides when a job fires. slot uniquely identifies the firing
// window (e.g. a date, or date+checkpoint); the scheduler fires at most
// once per slot.
type Gate interface {
	Due(now time.Time) (slot string, ok bool)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(now time.Time) (string, bool)

func (f GateFunc) Due(now time.Time) (string, bool) { return f(now) }

type managedJob struct {
	job  Job
	gate Gate

	mu       sync.Mutex
	running  bool
	lastSlot string
}

// Scheduler drives all registered jobs from one ticker.
type Scheduler struct {
	interval time.Duration
	jobs     []*managedJob
	log      *slog.Logger
	now      func() time.Time // injectable clock
	wg       sync.WaitGroup
}

// New creates a scheduler ticking at the given interval.
func New(interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		log:      log.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Register adds a gated job.
func (s *Scheduler) Register(job Job, gate Gate) {
	s.jobs = append(s.jobs, &managedJob{job: job, gate: gate})
}

// Run blocks until ctx is cancelled, firing due jobs on every tick. A
// firing that would overlap a still-running instance of the same job is
// skipped silently; other jobs are unaffected.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx) // fire anything already due at startup

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every gate once. Exported for tests and one-shot runs.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	for _, mj := range s.jobs {
		slot, ok := mj.gate.Due(now)
		if !ok {
			continue
		}

		mj.mu.Lock()
		if mj.running || mj.lastSlot == slot {
			if mj.running {
				s.log.Debug("job still running, firing skipped", "job", mj.job.Name(), "slot", slot)
			}
			mj.mu.Unlock()
			continue
		}
		mj.running = true
		mj.lastSlot = slot
		mj.mu.Unlock()

		s.wg.Add(1)
		go func(mj *managedJob, slot string) {
			defer s.wg.Done()
			defer func() {
				mj.mu.Lock()
				mj.running = false
				mj.mu.Unlock()
			}()
			s.log.Info("job firing", "job", mj.job.Name(), "slot", slot)
			if err := mj.job.Run(ctx); err != nil {
				s.log.Error("job failed", "job", mj.job.Name(), "slot", slot, "err", err)
			}
		}(mj, slot)
	}
}
