/*
scheduler.go - Automated compliance-year close

PURPOSE:
  Periodically checks whether the previous compliance year has ended and
  closes it for every organization that has not been closed yet.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Organizations already closed are skipped by the Runner, so repeated
    ticks are harmless

USAGE:
  scheduler := assessment.NewScheduler(runner, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package assessment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zeva/credit-engine/ledger"
)

// Scheduler closes the previous compliance year on a ticker.
type Scheduler struct {
	Runner        *Runner
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(runner *Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Runner:        runner,
		CheckInterval: time.Hour,
		Enabled:       true,
		Logger:        logger,
		Now:           time.Now,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("Assessment scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.Logger.Info("Assessment scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("Assessment scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow closes the most recently ended compliance year. It returns nil when
// there is nothing to close.
func (s *Scheduler) RunNow(ctx context.Context) *Report {
	year := s.Runner.Service.Calendar.YearOf(s.Now()) - 1

	report, err := s.Runner.CloseAll(ctx, year)
	if errors.Is(err, ledger.ErrUnknownComplianceYear) {
		s.Logger.Debug("No closable compliance year", "year", year)
		return nil
	}
	if err != nil {
		s.Logger.Error("Scheduled compliance year close failed", "year", year, "error", err)
		return nil
	}
	if len(report.Failures) > 0 {
		s.Logger.Warn("Some organizations could not be closed", "year", year, "error", report.Err())
	}
	return report
}
