// Package scheduler owns the timing of one data source: a periodic
// timer, external triggers, and the guarantee that at most one update
// run per source is ever in flight.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/metric"
)

// State is the scheduler's position in its run cycle
type State int

const (
	// Idle means no timer is pending and no run is in flight
	Idle State = iota
	// Armed means the timer is pending
	Armed
	// Running means a fan-out is in flight
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// RunFunc executes one update run for the source. The manager injects
// it; the scheduler only decides when it fires.
type RunFunc func(ctx context.Context, ds *datasource.DataSource, cause inventory.UpdateCause)

// Scheduler drives one data source. All transitions are serialized by
// its mutex; the run itself happens outside the lock.
type Scheduler struct {
	mu      sync.Mutex
	source  *datasource.DataSource
	run     RunFunc
	logger  *slog.Logger
	metrics *metric.Metrics

	state   State
	timer   *time.Timer
	lastRun time.Time

	// pending holds the coalesced follow-up trigger received while a
	// run was in flight, nil if none.
	pending *inventory.UpdateCause

	ctx    context.Context
	cancel context.CancelFunc
	// done closes when the current run finishes, for Cancel to wait on
	done chan struct{}
}

// New creates an idle scheduler for one source
func New(ds *datasource.DataSource, run RunFunc, logger *slog.Logger, metrics *metric.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		source:  ds,
		run:     run,
		logger:  logger.With("component", "scheduler", "source", ds.ID),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.setState(Idle)
	return s
}

// Source returns the descriptor this scheduler drives
func (s *Scheduler) Source() *datasource.DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// LastRun returns when the last run started, zero if never
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// State returns the current scheduler state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartWithDelay arms the periodic timer to fire after delay. It is a
// no-op for disabled sources and sources without an active schedule.
func (s *Scheduler) StartWithDelay(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.schedulable() || s.state != Idle {
		return
	}
	s.armLocked(delay)
}

// Trigger requests a run for the given cause. Schedule-resetting causes
// cancel the pending timer and re-arm after the run; node-scoped causes
// leave the timer alone. A trigger arriving while a run is in flight is
// coalesced if it resets the schedule and dropped otherwise.
func (s *Scheduler) Trigger(cause inventory.UpdateCause) {
	s.mu.Lock()

	if s.ctx.Err() != nil || !s.source.Enabled {
		s.mu.Unlock()
		return
	}

	if s.state == Running {
		if cause.ResetsSchedule() && s.pending == nil {
			s.pending = &cause
			s.logger.Debug("trigger coalesced behind running update", "cause", cause.Kind)
		} else {
			s.logger.Debug("trigger dropped, update already running", "cause", cause.Kind)
		}
		s.mu.Unlock()
		return
	}

	if cause.ResetsSchedule() {
		s.stopTimerLocked()
	}
	s.beginRunLocked()
	s.mu.Unlock()

	go s.execute(cause)
}

// Cancel stops the timer, signals any running fan-out, and waits for it
// to observe the cancellation. The scheduler is unusable afterwards.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancel()
	s.stopTimerLocked()
	done := s.done
	s.setState(Idle)
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	s.logger.Debug("scheduler cancelled")
}

// Replace swaps the descriptor; runs that start afterwards use the new one.
func (s *Scheduler) Replace(ds *datasource.DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = ds
}

func (s *Scheduler) execute(cause inventory.UpdateCause) {
	s.mu.Lock()
	ds := s.source
	ctx := s.ctx
	done := s.done
	s.mu.Unlock()

	s.run(ctx, ds, cause)
	close(done)

	s.mu.Lock()
	var followUp *inventory.UpdateCause
	if s.ctx.Err() != nil {
		s.setState(Idle)
		s.mu.Unlock()
		return
	}

	followUp = s.pending
	s.pending = nil
	if followUp != nil {
		s.beginRunLocked()
		s.mu.Unlock()
		go s.execute(*followUp)
		return
	}

	if cause.ResetsSchedule() && s.schedulable() {
		s.armLocked(s.source.RunParams.Schedule.Period)
	} else if s.state == Running {
		// fire-and-forget run finished without touching the timer
		if s.timer != nil {
			s.setState(Armed)
		} else {
			s.setState(Idle)
		}
	}
	s.mu.Unlock()
}

// beginRunLocked transitions to Running and sets up the completion
// channel. Caller holds the lock.
func (s *Scheduler) beginRunLocked() {
	s.lastRun = time.Now()
	s.done = make(chan struct{})
	s.setState(Running)
}

// armLocked schedules the next periodic fire. Caller holds the lock.
func (s *Scheduler) armLocked(delay time.Duration) {
	s.stopTimerLocked()
	s.timer = time.AfterFunc(delay, s.onTimer)
	s.setState(Armed)
	s.logger.Debug("schedule armed", "delay", delay)
}

func (s *Scheduler) onTimer() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.Trigger(inventory.NewCause(inventory.CauseScheduled, "scheduler", "periodic refresh"))
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// schedulable reports whether the source wants periodic runs
func (s *Scheduler) schedulable() bool {
	return s.source.Enabled && s.source.RunParams.Schedule.Enabled
}

func (s *Scheduler) setState(state State) {
	s.state = state
	if s.metrics != nil {
		s.metrics.RecordSchedulerState(string(s.source.ID), int(state))
	}
}
