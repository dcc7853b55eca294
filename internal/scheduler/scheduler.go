// Package scheduler provides cron-based triggering of mailbox poll
// cycles.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CycleFunc is the callback invoked on each scheduled tick. It runs one
// full poll cycle and returns its error.
type CycleFunc func(ctx context.Context) error

// Status describes the scheduler's current state.
type Status struct {
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// cronParser accepts standard five-field expressions plus descriptors
// like "@every 5m" and "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires poll cycles on a cron schedule. A tick that arrives
// while a cycle is still running is skipped, never queued.
type Scheduler struct {
	cron     *cron.Cron
	cycle    CycleFunc
	logger   *slog.Logger
	schedule string

	mu      sync.RWMutex
	entryID cron.EntryID
	running bool
	lastRun time.Time
	lastErr error

	ctx     context.Context    // cancelled on Stop
	cancel  context.CancelFunc // cancels ctx
	wg      sync.WaitGroup     // tracks the in-flight cycle
	stopped bool
}

// New creates a scheduler that runs cycle on the given cron expression.
func New(cronExpr string, cycle CycleFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(cronParser)),
		cycle:    cycle,
		logger:   logger,
		schedule: cronExpr,
		ctx:      ctx,
		cancel:   cancel,
	}

	entryID, err := s.cron.AddFunc(cronExpr, s.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	s.entryID = entryID
	return s, nil
}

// Start begins executing scheduled cycles.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		"schedule", s.schedule,
		"next_run", s.cron.Entry(s.entryID).Next)
}

// tick is the cron callback. Overlapping ticks are dropped while a
// cycle is in flight.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped || s.running {
		skipped := s.running
		s.mu.Unlock()
		if skipped {
			s.logger.Warn("cycle still running, skipping tick")
		}
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	s.runCycle()
}

// TriggerNow runs a cycle immediately, outside the schedule. Returns an
// error if one is already running or the scheduler has stopped.
func (s *Scheduler) TriggerNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if s.running {
		return fmt.Errorf("cycle already running")
	}
	s.running = true
	s.wg.Add(1)
	go s.runCycle()
	return nil
}

// runCycle executes one cycle. The caller must have set running and
// called wg.Add(1).
func (s *Scheduler) runCycle() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting scheduled cycle")
	start := time.Now()

	err := s.cycle(s.ctx)

	s.mu.Lock()
	if err != nil {
		s.lastErr = err
		s.logger.Error("scheduled cycle failed",
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun = time.Now()
		s.lastErr = nil
		s.logger.Info("scheduled cycle completed",
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// Stop cancels the in-flight cycle, halts the cron loop and returns a
// context that is done when all work has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:  s.running,
		LastRun:  s.lastRun,
		NextRun:  s.cron.Entry(s.entryID).Next,
		Schedule: s.schedule,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// LastError returns the most recent cycle error, or nil.
func (s *Scheduler) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ValidateCronExpr validates a cron expression without scheduling
// anything.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
