// Package reconciliation checks that the escrow wallet can cover what the
// ledgers say it owes and reports oracle requests nobody has cleaned up.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/steamtrader/internal/amount"
	"github.com/mbd888/steamtrader/internal/requests"
)

// BalanceSummer returns the sum of every party's withdrawable balance.
type BalanceSummer interface {
	TotalAvailable(ctx context.Context) (string, error)
}

// TokenBalances reads an on-chain token balance.
type TokenBalances interface {
	TokenBalance(ctx context.Context, addr string) (*big.Int, error)
}

// ExpiredLister lists correlation records past their cancellation window.
type ExpiredLister interface {
	ListExpired(ctx context.Context, limit int) ([]*requests.Record, error)
}

// Report is the outcome of one run. Token fields are empty when no chain
// is configured.
type Report struct {
	TokenChecked    bool          `json:"tokenChecked"`
	Solvent         bool          `json:"solvent"`
	EscrowBalance   string        `json:"escrowBalance,omitempty"`
	LedgerAvailable string        `json:"ledgerAvailable"`
	Shortfall       string        `json:"shortfall,omitempty"`
	ExpiredRequests int           `json:"expiredRequests"`
	Healthy         bool          `json:"healthy"`
	Duration        time.Duration `json:"durationMs"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Runner performs reconciliation between the ledgers and chain state.
type Runner struct {
	summer  BalanceSummer
	chain   TokenBalances // nil in dry-run mode
	escrow  string
	expired ExpiredLister
	now     func() time.Time
}

// expiredScan bounds how many stale records one run counts.
const expiredScan = 1000

// NewRunner creates a runner. chain may be nil, which skips the solvency
// check.
func NewRunner(summer BalanceSummer, chain TokenBalances, escrowAddr string, expired ExpiredLister) *Runner {
	return &Runner{summer: summer, chain: chain, escrow: escrowAddr, expired: expired, now: time.Now}
}

// RunAll runs every check and records the result in metrics.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report, err := r.run(ctx)
	runDuration.Observe(r.now().Sub(start).Seconds())
	if err != nil {
		runErrors.Inc()
		return nil, err
	}
	report.Duration = r.now().Sub(start)
	report.Timestamp = start.UTC()

	expiredRequests.Set(float64(report.ExpiredRequests))
	if report.TokenChecked {
		short, _ := amount.Parse(report.Shortfall)
		f, _ := new(big.Float).SetInt(short).Float64()
		tokenShortfall.Set(f)
	}
	return report, nil
}

func (r *Runner) run(ctx context.Context) (*Report, error) {
	availStr, err := r.summer.TotalAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger balances: %w", err)
	}
	avail, ok := amount.Parse(availStr)
	if !ok {
		return nil, fmt.Errorf("ledger total %q is not an amount", availStr)
	}

	expired, err := r.expired.ListExpired(ctx, expiredScan)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired requests: %w", err)
	}

	report := &Report{
		Solvent:         true,
		LedgerAvailable: amount.Format(avail),
		ExpiredRequests: len(expired),
	}

	if r.chain != nil {
		bal, err := r.chain.TokenBalance(ctx, r.escrow)
		if err != nil {
			return nil, fmt.Errorf("failed to read escrow token balance: %w", err)
		}
		shortfall := new(big.Int).Sub(avail, bal)
		if shortfall.Sign() < 0 {
			shortfall.SetInt64(0)
		}
		report.TokenChecked = true
		report.EscrowBalance = amount.Format(bal)
		report.Shortfall = amount.Format(shortfall)
		report.Solvent = shortfall.Sign() == 0
	}

	report.Healthy = report.Solvent && report.ExpiredRequests == 0
	return report, nil
}
