// Package cron drives sync cycles on an interval or cron schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// MinInterval is the shortest duration schedule accepted.
const MinInterval = time.Minute

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ParseSchedule accepts a Go duration ("15m", "1h30m") or a 5-field cron
// expression ("*/15 * * * *").
func ParseSchedule(raw string) (cronlib.Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty schedule")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < MinInterval {
			return nil, fmt.Errorf("interval %s is below the minimum of %s", d, MinInterval)
		}
		return cronlib.Every(d), nil
	}
	sched, err := cronParser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", raw, err)
	}
	return sched, nil
}

// NextRunTime parses the schedule and returns the next run time after the given time.
func NextRunTime(raw string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(raw)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// RunFunc runs one cycle. trigger is "schedule" or "manual".
type RunFunc func(ctx context.Context, trigger string) error

// Config holds the dependencies for the scheduler.
type Config struct {
	Run          RunFunc
	Schedule     cronlib.Schedule
	StartupDelay time.Duration
	Logger       *slog.Logger
}

// State is the scheduler's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

// Scheduler owns the single timer that starts cycles. Cycles never
// overlap: a timer firing or a Trigger while one runs is skipped. Stop
// prevents future cycles and waits for the current one; it never
// interrupts it.
type Scheduler struct {
	run          RunFunc
	schedule     cronlib.Schedule
	startupDelay time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	state   State
	running bool
	timer   *time.Timer
	nextRun time.Time
	wg      sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:          cfg.Run,
		schedule:     cfg.Schedule,
		startupDelay: cfg.StartupDelay,
		logger:       logger,
		state:        StateIdle,
	}
}

// Start arms the first run after the startup delay. Cancelling ctx stops
// the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.run == nil || s.schedule == nil {
		return errors.New("cron: run func and schedule are required")
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("cron: scheduler already %s", s.state)
	}
	s.ctx = ctx
	s.state = StateScheduled
	s.armLocked(s.startupDelay)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	s.logger.Info("sync scheduler started", "startup_delay", s.startupDelay, "next_run_at", s.NextRun())
	return nil
}

// Stop clears the pending timer and waits for an in-flight cycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.state = StateStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sync scheduler stopped")
}

// Trigger starts a cycle now unless one is running or the scheduler is
// stopped. The regular schedule is unaffected.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopped || s.running {
		s.mu.Unlock()
		return false
	}
	s.beginLocked()
	s.mu.Unlock()

	go func() {
		s.execute("manual")
		s.mu.Lock()
		s.endLocked()
		s.mu.Unlock()
	}()
	return true
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextRun is the time the timer fires next, zero when none is armed.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) armLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.nextRun = time.Now().Add(d)
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.logger.Debug("sync cycle still running; skipping tick")
		s.rearmLocked()
		s.mu.Unlock()
		return
	}
	s.beginLocked()
	s.mu.Unlock()

	s.execute("schedule")

	s.mu.Lock()
	s.endLocked()
	if s.state != StateStopped {
		s.rearmLocked()
	}
	s.mu.Unlock()
}

func (s *Scheduler) rearmLocked() {
	now := time.Now()
	s.armLocked(s.schedule.Next(now).Sub(now))
}

func (s *Scheduler) beginLocked() {
	s.running = true
	s.state = StateRunning
	s.wg.Add(1)
}

func (s *Scheduler) endLocked() {
	s.running = false
	if s.state == StateRunning {
		s.state = StateScheduled
	}
	s.wg.Done()
}

func (s *Scheduler) execute(trigger string) {
	start := time.Now()
	if err := s.run(s.ctx, trigger); err != nil {
		s.logger.Warn("sync cycle failed", "trigger", trigger, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("sync cycle finished", "trigger", trigger, "duration", time.Since(start))
}
