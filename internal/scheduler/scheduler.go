// Package scheduler runs the recurring maintenance jobs at their
// wall-clock slots. Every job is singleton across the cluster: the first
// node to take the SETNX advisory lock for a slot runs it, the rest skip.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker is the advisory-lock slice of the shared KV.
type Locker interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Job is one recurring task.
type Job struct {
	// Name keys the cluster lock; two jobs must not share one.
	Name string
	// Next returns the next wall-clock run after t.
	Next func(t time.Time) time.Time
	// LockTTL bounds how long the slot lock is held; it must exceed the
	// job's worst-case runtime so a second node cannot start mid-run.
	LockTTL time.Duration
	// Run does the work. The context carries the job timeout.
	Run func(ctx context.Context, scheduled time.Time) error
}

// Scheduler drives a set of jobs.
type Scheduler struct {
	locker Locker
	holder string
	jobs   []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// New builds a scheduler. The holder id distinguishes this node in the
// lock value for debugging.
func New(locker Locker) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		locker: locker,
		holder: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per job.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Printf("started %d jobs (holder %s)", len(s.jobs), s.holder)
}

// Stop cancels all loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	for {
		next := job.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx, job, next)
	}
}

// runOnce takes the slot lock and runs. The lock key embeds the slot
// time, so a node that wakes late for the same slot still collides with
// the one that ran it, while the next slot gets a fresh key.
func (s *Scheduler) runOnce(ctx context.Context, job Job, scheduled time.Time) {
	lockKey := fmt.Sprintf("bc:job:%s:%s", job.Name, scheduled.UTC().Format("200601021504"))

	acquired, err := s.locker.AcquireLock(ctx, lockKey, s.holder, job.LockTTL)
	if err != nil {
		s.logger.Printf("job %s: lock acquire failed: %v", job.Name, err)
		return
	}
	if !acquired {
		return
	}
	// The lock expires on its own; releasing it early would let a
	// laggard node re-run the slot.

	runCtx, cancel := context.WithTimeout(ctx, job.LockTTL)
	defer cancel()

	start := time.Now()
	if err := job.Run(runCtx, scheduled); err != nil {
		s.logger.Printf("job %s failed after %s: %v", job.Name, time.Since(start).Round(time.Millisecond), err)
		return
	}
	s.logger.Printf("job %s completed in %s", job.Name, time.Since(start).Round(time.Millisecond))
}

// Wall-clock helpers for the standard jobs.

// NextHourlyAt returns the next HH:MM boundary at the given minute.
func NextHourlyAt(minute int) func(time.Time) time.Time {
	return func(t time.Time) time.Time {
		t = t.UTC()
		next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.Add(time.Hour)
		}
		return next
	}
}

// NextDailyAt returns the next daily HH:MM boundary.
func NextDailyAt(hour, minute int) func(time.Time) time.Time {
	return func(t time.Time) time.Time {
		t = t.UTC()
		next := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// NextEvery returns a fixed-interval cadence aligned to the interval.
func NextEvery(interval time.Duration) func(time.Time) time.Time {
	return func(t time.Time) time.Time {
		return t.Truncate(interval).Add(interval)
	}
}
