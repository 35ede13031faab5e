// Package sched provides a single due-time-ordered scheduler shared by every
// monitoring loop. Consolidating the timers in one place avoids timer
// proliferation across monitors and makes test time-travel practical through
// the injectable Clock.
package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"hivemind/pkg/logx"
)

// JobFunc is invoked when a scheduled job comes due.
type JobFunc func(ctx context.Context)

// Job is a cancellable handle to a scheduled unit of work.
type Job struct {
	Name     string
	due      time.Time
	interval time.Duration // Zero for one-shot jobs
	fn       JobFunc
	index    int // heap index, -1 when not queued

	mu        sync.Mutex
	cancelled bool
}

// Cancel prevents future runs of the job. A job already running is not
// interrupted; recovery handlers re-check state before acting, so a late
// firing is a harmless no-op by design of the callers.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)         { j := x.(*Job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Scheduler runs jobs at their due times from a single goroutine, spawning a
// goroutine per firing so a slow job never delays the wheel.
type Scheduler struct {
	clock  Clock
	logger *logx.Logger

	mu      sync.Mutex
	jobs    jobHeap
	wake    chan struct{}
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler on the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		logger: logx.NewLogger("sched"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start begins dispatching jobs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting scheduler")
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts dispatching and waits for the loop and any in-flight job
// goroutines to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// ScheduleOnce queues fn to run after delay.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, fn JobFunc) *Job {
	return s.add(name, delay, 0, fn)
}

// ScheduleEvery queues fn to run repeatedly at the given interval, first
// firing one interval from now.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn JobFunc) *Job {
	return s.add(name, interval, interval, fn)
}

func (s *Scheduler) add(name string, delay, interval time.Duration, fn JobFunc) *Job {
	job := &Job{
		Name:     name,
		due:      s.clock.Now().Add(delay),
		interval: interval,
		fn:       fn,
		index:    -1,
	}

	s.mu.Lock()
	heap.Push(&s.jobs, job)
	s.mu.Unlock()

	s.logger.Debug("Scheduled job %s (delay %s, interval %s)", name, delay, interval)
	s.kick()
	return job
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued jobs. Used by tests and stats.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Len()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.dispatchDue(ctx)

		var timerCh <-chan time.Time
		var timer Timer
		s.mu.Lock()
		if s.jobs.Len() > 0 {
			wait := s.jobs[0].due.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
			timer = s.clock.NewTimer(wait)
			timerCh = timer.C()
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("Scheduler loop stopped by context")
			return
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerCh:
		}
	}
}

// dispatchDue pops and fires every job whose due time has arrived.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.clock.Now()

	for {
		s.mu.Lock()
		if s.jobs.Len() == 0 || s.jobs[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(&s.jobs).(*Job)
		cancelled := job.isCancelled()
		if !cancelled && job.interval > 0 {
			// Re-queue repeating jobs before running so a slow run
			// cannot starve the schedule.
			job.due = now.Add(job.interval)
			heap.Push(&s.jobs, job)
		}
		s.mu.Unlock()

		if cancelled {
			s.logger.Debug("Skipping cancelled job %s", job.Name)
			continue
		}

		s.wg.Add(1)
		go func(j *Job) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Job %s panicked: %v", j.Name, r)
				}
			}()
			j.fn(ctx)
		}(job)
	}
}
