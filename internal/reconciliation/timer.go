package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer reconciles.
const DefaultInterval = 5 * time.Minute

// Timer periodically runs reconciliation checks.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewTimer creates a timer. A non-positive interval selects DefaultInterval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{runner: runner, interval: interval, logger: logger}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Run reconciles every interval until ctx is done.
func (t *Timer) Run(ctx context.Context) error {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	if !report.Solvent {
		t.logger.Error("CRITICAL: escrow token balance below ledger total",
			"escrowBalance", report.EscrowBalance,
			"ledgerAvailable", report.LedgerAvailable,
			"shortfall", report.Shortfall)
	}
	if report.ExpiredRequests > 0 {
		t.logger.Info("expired oracle requests awaiting cancellation", "count", report.ExpiredRequests)
	}
}
