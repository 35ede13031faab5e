// Package selfheal keeps named external processes alive with a per-process
// circuit breaker. This layer operates on process names only and is fully
// independent of the logical Agent/Task model.
package selfheal

import (
	"context"
	"sync"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/logx"
	"hivemind/pkg/metrics"
	"hivemind/pkg/sched"
)

const (
	processFailurePenalty = 20 // Health deducted per observed failure
	restartFailurePenalty = 10 // Additional deduction when a restart attempt errors
	restartSuccessBonus   = 30 // Health restored by a successful restart
	successNudge          = 5  // Health nudge on an independently observed online status
)

// BreakerState is the circuit state tracked per process name. It is
// ephemeral and never persisted.
type BreakerState struct {
	ConsecutiveFailures int
	LastFailureTime     time.Time
	LastRestartTime     time.Time
	RestartCount        int
	CircuitOpen         bool
	HealthScore         int // Clamped [0,100], separate from Agent health
	Terminal            bool
}

// Supervisor polls the process manager and restarts failed processes with
// exponential backoff, opening a circuit after repeated failures so a
// flapping process cannot burn the restart budget instantly.
type Supervisor struct {
	cfg    config.SelfHealConfig
	pm     ProcessManager
	clock  sched.Clock
	sched  *sched.Scheduler
	logger *logx.Logger

	mu            sync.Mutex
	states        map[string]*BreakerState
	selfHeartbeat time.Time
}

// NewSupervisor creates a self-healing supervisor. The scheduler is shared
// with the rest of the system; backoff restarts are queued on it.
func NewSupervisor(cfg config.SelfHealConfig, pm ProcessManager, clock sched.Clock, scheduler *sched.Scheduler) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		pm:     pm,
		clock:  clock,
		sched:  scheduler,
		logger: logx.NewLogger("selfheal"),
		states: make(map[string]*BreakerState),
	}
}

// Schedule registers the supervisor's sweep and self-check jobs on the
// shared scheduler.
func (s *Supervisor) Schedule() {
	interval := s.cfg.Interval.Std()
	s.sched.ScheduleEvery("selfheal-sweep", interval, s.Sweep)
	s.sched.ScheduleEvery("selfheal-selfcheck", interval, s.SelfCheck)
}

// Sweep polls the process manager once, handling every stopped or errored
// process and crediting every online one.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.mu.Lock()
	s.selfHeartbeat = s.clock.Now()
	s.mu.Unlock()

	procs, err := s.pm.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list processes: %v", err)
		return
	}

	for _, proc := range procs {
		switch proc.Status {
		case ProcessStopped, ProcessErrored:
			s.HandleProcessFailure(ctx, proc.Name)
		case ProcessOnline:
			s.RecordProcessSuccess(proc.Name)
		}
	}
}

// HandleProcessFailure runs the circuit-breaker decision for one failed
// process and, when allowed, schedules a backoff-delayed restart.
func (s *Supervisor) HandleProcessFailure(ctx context.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(name)
	now := s.clock.Now()

	if st.Terminal {
		return
	}

	if st.CircuitOpen {
		if now.Sub(st.LastFailureTime) < s.cfg.ResetTimeout.Std() {
			s.logger.Debug("Circuit open for %s, still cooling down", name)
			return
		}
		// Cooldown elapsed: close the circuit and re-evaluate from a
		// clean consecutive-failure count.
		st.CircuitOpen = false
		st.ConsecutiveFailures = 0
		metrics.CircuitState.WithLabelValues(name).Set(0)
		s.logger.Info("Circuit for %s closed after cooldown", name)
	}

	// The restart budget is a rolling window anchored on the last restart.
	if st.RestartCount > 0 && now.Sub(st.LastRestartTime) > s.cfg.RestartWindow.Std() {
		st.RestartCount = 0
	}
	if st.RestartCount >= s.cfg.MaxRestarts {
		st.CircuitOpen = true
		st.Terminal = true
		st.HealthScore = 0
		metrics.CircuitState.WithLabelValues(name).Set(1)
		s.logger.Error("Process %s exhausted %d restarts in window: manual intervention required",
			name, s.cfg.MaxRestarts)
		return
	}

	st.ConsecutiveFailures++
	st.LastFailureTime = now
	st.HealthScore = clamp(st.HealthScore - processFailurePenalty)
	if st.ConsecutiveFailures >= s.cfg.FailureThreshold {
		st.CircuitOpen = true
		metrics.CircuitState.WithLabelValues(name).Set(1)
		s.logger.Warn("Circuit for %s opened after %d consecutive failures", name, st.ConsecutiveFailures)
	}

	backoff := s.backoffFor(st.ConsecutiveFailures)
	s.logger.Info("Scheduling restart of %s in %s (failure %d, health %d)",
		name, backoff, st.ConsecutiveFailures, st.HealthScore)
	s.sched.ScheduleOnce("restart-"+name, backoff, func(jobCtx context.Context) {
		s.attemptRestart(jobCtx, name)
	})
}

// attemptRestart performs a scheduled restart and adjusts the breaker state
// for the outcome. A restart that fires after the process has already
// recovered (streak cleared, or the process manager reports it online) is
// a no-op and does not consume the restart budget.
func (s *Supervisor) attemptRestart(ctx context.Context, name string) {
	s.mu.Lock()
	st := s.state(name)
	if st.Terminal || st.ConsecutiveFailures == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.processOnline(ctx, name) {
		s.logger.Info("Skipping scheduled restart of %s: process is back online", name)
		s.RecordProcessSuccess(name)
		return
	}

	s.mu.Lock()
	if st.Terminal || st.ConsecutiveFailures == 0 {
		s.mu.Unlock()
		return
	}
	st.RestartCount++
	st.LastRestartTime = s.clock.Now()
	s.mu.Unlock()

	err := s.pm.Restart(ctx, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		st.HealthScore = clamp(st.HealthScore - restartFailurePenalty)
		s.logger.Error("Restart of %s failed (health %d): %v", name, st.HealthScore, err)
		return
	}
	st.ConsecutiveFailures = 0
	st.HealthScore = clamp(st.HealthScore + restartSuccessBonus)
	s.logger.Info("Restarted %s (restart %d, health %d)", name, st.RestartCount, st.HealthScore)
}

// processOnline reports whether the process manager currently lists the
// process as online. Listing errors count as not online.
func (s *Supervisor) processOnline(ctx context.Context, name string) bool {
	procs, err := s.pm.List(ctx)
	if err != nil {
		return false
	}
	for _, proc := range procs {
		if proc.Name == name {
			return proc.Status == ProcessOnline
		}
	}
	return false
}

// RecordProcessSuccess resets the failure streak for a process observed
// online and nudges a degraded health score back up.
func (s *Supervisor) RecordProcessSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(name)
	st.ConsecutiveFailures = 0
	if st.HealthScore < 100 && !st.Terminal {
		st.HealthScore = clamp(st.HealthScore + successNudge)
	}
}

// SelfCheck restarts the supervisor's own process when its sweep heartbeat
// has gone stale, so a wedged supervisor does not silently stop healing.
func (s *Supervisor) SelfCheck(ctx context.Context) {
	s.mu.Lock()
	last := s.selfHeartbeat
	s.mu.Unlock()

	if last.IsZero() || s.cfg.SelfProcessName == "" {
		return
	}
	if s.clock.Now().Sub(last) <= 3*s.cfg.Interval.Std() {
		return
	}

	s.logger.Error("Self-heartbeat stale, restarting own process %s", s.cfg.SelfProcessName)
	if err := s.pm.Restart(ctx, s.cfg.SelfProcessName); err != nil {
		s.logger.Error("Self-restart failed: %v", err)
	}
}

// State returns a copy of the breaker state for a process, for inspection.
func (s *Supervisor) State(name string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state(name)
}

// States returns a snapshot of all breaker states keyed by process name.
func (s *Supervisor) States() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.states))
	for name, st := range s.states {
		out[name] = *st
	}
	return out
}

func (s *Supervisor) state(name string) *BreakerState {
	st, ok := s.states[name]
	if !ok {
		st = &BreakerState{HealthScore: 100}
		s.states[name] = st
	}
	return st
}

// backoffFor computes the exponential restart delay for the nth consecutive
// failure, capped at the configured ceiling.
func (s *Supervisor) backoffFor(failures int) time.Duration {
	backoff := time.Second
	for i := 1; i < failures; i++ {
		backoff *= time.Duration(s.cfg.BackoffMultiplier)
		if backoff >= s.cfg.BackoffCap.Std() {
			return s.cfg.BackoffCap.Std()
		}
	}
	if backoff > s.cfg.BackoffCap.Std() {
		return s.cfg.BackoffCap.Std()
	}
	return backoff
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
