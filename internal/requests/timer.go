package requests

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/steamtrader/internal/metrics"
)

// Sweeper periodically reports outstanding and expired correlation records.
// It never cancels anything itself: cancellation stays with the requester,
// who decides whether to pay for a fresh query.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewSweeper creates a sweeper. A non-positive interval selects one minute.
func NewSweeper(ledger *Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{ledger: ledger, interval: interval, logger: logger}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in request sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass and returns the expired records it saw.
func (s *Sweeper) Sweep(ctx context.Context) []*Record {
	live, err := s.ledger.Live(ctx)
	if err != nil {
		s.logger.Warn("failed to count oracle requests", "error", err)
		return nil
	}
	metrics.LiveOracleRequests.Set(float64(live))

	expired, err := s.ledger.ListExpired(ctx, 500)
	if err != nil {
		s.logger.Warn("failed to list expired oracle requests", "error", err)
		return nil
	}
	metrics.ExpiredOracleRequests.Set(float64(len(expired)))

	for _, rec := range expired {
		s.logger.Info("oracle request expired and cancellable",
			"correlationId", rec.CorrelationID,
			"tradeId", rec.TradeID,
			"purpose", rec.Purpose,
			"requester", rec.Requester,
			"issuedAt", rec.IssuedAt,
		)
	}
	return expired
}
