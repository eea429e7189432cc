package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/metrics"
)

// DefaultPoolSize is used when Runner.PoolSize is not positive.
const DefaultPoolSize = 8

// Failure is one organization whose close did not succeed.
type Failure struct {
	OrganizationID ledger.OrganizationID
	Err            error
}

// Report summarizes a batch close.
type Report struct {
	Year     int
	Closed   []ledger.OrganizationID
	Skipped  []ledger.OrganizationID // already closed
	Failures []Failure
	Duration time.Duration
}

// Err joins every failure, nil when there are none.
func (r *Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.OrganizationID, f.Err)
	}
	return errors.Join(errs...)
}

// Runner closes a compliance year for every organization in parallel.
type Runner struct {
	Service  *Service
	PoolSize int
	Logger   *slog.Logger
}

func NewRunner(svc *Service, poolSize int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Service: svc, PoolSize: poolSize, Logger: logger}
}

// CloseAll closes year for every organization the repository knows about.
// Organizations already closed for year are reported as skipped.
func (r *Runner) CloseAll(ctx context.Context, year int) (*Report, error) {
	started := time.Now()
	defer func() { metrics.AssessmentRunDuration.Observe(time.Since(started).Seconds()) }()

	if _, err := r.Service.Calendar.CompliancePeriod(year); err != nil {
		return nil, err
	}

	orgs, err := r.Service.Repo.Organizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	size := r.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	report := &Report{Year: year}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(org ledger.OrganizationID, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch Outcome(err) {
		case OutcomeClosed:
			report.Closed = append(report.Closed, org)
		case OutcomeSkipped:
			report.Skipped = append(report.Skipped, org)
		default:
			report.Failures = append(report.Failures, Failure{OrganizationID: org, Err: err})
		}
	}

	for _, org := range orgs {
		org := org
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				observe(err)
				record(org, err)
				return
			}
			_, err := r.Service.Close(ctx, org, year)
			record(org, err)
		})
		if submitErr != nil {
			wg.Done()
			r.Logger.Error("Failed to submit close to worker pool", "organization_id", org, "error", submitErr)
			observe(submitErr)
			record(org, submitErr)
		}
	}
	wg.Wait()

	report.Duration = time.Since(started)
	r.Logger.Info("Compliance year close completed",
		"year", year,
		"closed", len(report.Closed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failures),
		"duration", report.Duration,
	)
	return report, nil
}
