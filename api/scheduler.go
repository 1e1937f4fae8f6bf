/*
scheduler.go - Background profit sweep

PURPOSE:
  Periodically calls Engine.SweepAll so that accrued profit is credited even
  when users do not claim. The engine itself owns no timer; this is the
  external trigger.

DESIGN:
  - One background goroutine, ticker with configurable interval
  - Runs once immediately on start
  - A tick that arrives while a sweep is still running is dropped
  - Timeout, when set, bounds one sweep; it is independent of the interval
    so a sweep longer than one tick still reaches every user
  - With Partitions > 1 each instance sweeps only its own partition

USAGE:
  scheduler := NewSweepScheduler(engine, logger)
  scheduler.Interval = time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - investment/engine.go: SweepAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alarab/profit-engine/investment"
)

// Sweeper is the part of the engine the scheduler needs.
type Sweeper interface {
	SweepAll(ctx context.Context, opts investment.SweepOptions) (investment.SweepResult, error)
}

// SweepScheduler runs SweepAll on an interval.
type SweepScheduler struct {
	Sweeper  Sweeper
	Interval time.Duration
	Options  investment.SweepOptions
	Enabled  bool

	// Timeout bounds a single sweep. Zero means no limit besides Stop.
	Timeout time.Duration

	logger  *slog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
}

// NewSweepScheduler creates an enabled scheduler with a one minute interval.
func NewSweepScheduler(sweeper Sweeper, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Sweeper:  sweeper,
		Interval: time.Minute,
		Enabled:  true,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("started", "interval", s.Interval, "partition", s.Options.Partition, "partitions", s.Options.Partitions)
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("stopped")
	}
}

func (s *SweepScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep and returns its result. It returns
// false if a sweep is already in progress.
func (s *SweepScheduler) RunNow(ctx context.Context) (investment.SweepResult, bool) {
	return s.sweepOnce(ctx)
}

// LastRun is the start time of the most recent completed sweep.
func (s *SweepScheduler) LastRun() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRun
}

func (s *SweepScheduler) sweep(ctx context.Context) {
	if _, ok := s.sweepOnce(ctx); !ok {
		s.logger.Warn("previous sweep still running, tick skipped")
	}
}

func (s *SweepScheduler) sweepOnce(ctx context.Context) (investment.SweepResult, bool) {
	if !s.running.TryLock() {
		return investment.SweepResult{}, false
	}
	defer s.running.Unlock()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := s.Sweeper.SweepAll(ctx, s.Options)
	if err != nil {
		s.logger.Error("sweep finished with errors",
			"users", res.Users, "failed", res.Failed, "error", err)
	} else if res.Claimed > 0 || res.Completed > 0 {
		s.logger.Info("sweep completed",
			"users", res.Users, "claimed", res.Claimed, "completed", res.Completed,
			"credited", res.Credited.String(), "took", time.Since(started))
	}

	s.lastMu.Lock()
	s.lastRun = started
	s.lastMu.Unlock()
	return res, true
}
