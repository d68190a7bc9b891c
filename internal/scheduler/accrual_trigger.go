package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledger-service/internal/services"
)

// Accruer accrues interest for every active community.
type Accruer interface {
	AccrueAll(ctx context.Context, asOf time.Time) ([]*services.BatchAccrualResult, error)
}

type AccrualTriggerConfig struct {
	// Hour (UTC) from which the daily accrual may run.
	Hour int
	// CheckInterval is how often the clock is checked.
	CheckInterval time.Duration
}

func DefaultAccrualTriggerConfig() AccrualTriggerConfig {
	return AccrualTriggerConfig{
		Hour:          2,
		CheckInterval: time.Minute,
	}
}

// AccrualTrigger runs the interest accrual batch once per day.
type AccrualTrigger struct {
	config  AccrualTriggerConfig
	accruer Accruer
	logger  *zap.Logger
	now     func() time.Time

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	isRunning   bool
	lastRunDate string
}

func NewAccrualTrigger(config AccrualTriggerConfig, accruer Accruer, logger *zap.Logger) *AccrualTrigger {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}
	return &AccrualTrigger{
		config:  config,
		accruer: accruer,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *AccrualTrigger) Start(ctx context.Context) {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return
	}
	a.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go a.runLoop(ctx)

	a.logger.Info("accrual trigger started",
		zap.Int("hour", a.config.Hour),
		zap.Duration("check_interval", a.config.CheckInterval))
}

// Stop cancels the loop and waits for an in-flight batch, bounded by ctx.
func (a *AccrualTrigger) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return nil
	}
	a.isRunning = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("accrual trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AccrualTrigger) runLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkAndTrigger(ctx)
		}
	}
}

// checkAndTrigger runs the batch at most once per date, on the first check
// at or after the configured hour. It reports whether a batch was started.
func (a *AccrualTrigger) checkAndTrigger(ctx context.Context) bool {
	now := a.now()
	today := now.Format("2006-01-02")

	a.mu.Lock()
	if a.lastRunDate == today || now.Hour() < a.config.Hour {
		a.mu.Unlock()
		return false
	}
	a.lastRunDate = today
	a.mu.Unlock()

	a.logger.Info("triggering daily interest accrual", zap.String("as_of", today))
	results, err := a.accruer.AccrueAll(ctx, now)
	if err != nil {
		a.logger.Error("daily interest accrual finished with errors", zap.Error(err))
	}

	var accrued, failed int
	var interest int64
	for _, r := range results {
		accrued += r.Accrued
		failed += r.Failed
		interest += r.Interest
	}
	a.logger.Info("daily interest accrual done",
		zap.Int("communities", len(results)),
		zap.Int("accrued", accrued),
		zap.Int("failed", failed),
		zap.Int64("interest", interest))
	return true
}
