/*
scheduler.go - Automated billing scheduler

PURPOSE:
  Periodically bills the current period and sweeps overdue slips, so a
  deployment needs no external cron.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each run generates the current period (fixed-amount obligations only;
    priced-per-occurrence obligations are skipped with amount_required)
  - Generation is idempotent: already materialized pairs are skipped
  - Then marks every open slip past its due date OVERDUE
  - Runs immediately on start, then on every tick

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler starts at all (default: true)

USAGE:
  scheduler := NewBillingScheduler(service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Generate and SweepOverdue endpoints (manual runs)
  - billing/service.go: Generate, SweepOverdue
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/generic"
	"github.com/warp/condo-billing/metrics"
)

// BillingScheduler handles automated generation and overdue sweeps.
type BillingScheduler struct {
	Service       *billing.Service
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// RunReport summarizes one scheduler run.
type RunReport struct {
	Period  generic.Period
	Created int
	Skipped int
	Overdue int
}

func NewBillingScheduler(svc *billing.Service, logger *zap.Logger) *BillingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingScheduler{
		Service:       svc,
		Logger:        logger.Named("scheduler"),
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.Logger.Info("disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	bs.ticker = time.NewTicker(bs.CheckInterval)
	bs.stop = make(chan struct{})
	bs.wg.Add(1)
	go bs.run(bs.ticker, bs.stop)

	bs.Logger.Info("started", zap.Duration("interval", bs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker == nil {
		return
	}
	bs.ticker.Stop()
	close(bs.stop)
	bs.wg.Wait()
	bs.ticker = nil
	bs.Logger.Info("stopped")
}

func (bs *BillingScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer bs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	bs.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			bs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one run synchronously. Concurrent calls are serialized.
func (bs *BillingScheduler) RunNow(ctx context.Context) (RunReport, error) {
	bs.runMu.Lock()
	defer bs.runMu.Unlock()

	period := generic.PeriodOf(bs.Service.Clock().Now())
	report := RunReport{Period: period}

	start := time.Now()
	res, genErr := bs.Service.Generate(ctx, period, nil)
	metrics.ObserveGenerate(len(res.Created), len(res.Skipped), genErr, time.Since(start))
	report.Created = len(res.Created)
	report.Skipped = len(res.Skipped)
	if genErr != nil {
		bs.Logger.Error("generation failed", zap.String("period", period.String()), zap.Error(genErr))
	}

	swept, sweepErr := bs.Service.SweepOverdue(ctx)
	for range swept {
		metrics.IncTransition(string(billing.TransitionMarkOverdue), nil)
	}
	report.Overdue = len(swept)
	if sweepErr != nil {
		bs.Logger.Error("overdue sweep failed", zap.Error(sweepErr))
	}

	err := errors.Join(genErr, sweepErr)
	metrics.IncSchedulerRun(err)
	bs.Logger.Info("run completed",
		zap.String("period", period.String()),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("overdue", report.Overdue),
	)
	return report, err
}
