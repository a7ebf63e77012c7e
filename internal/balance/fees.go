package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/mbd888/steamtrader/internal/amount"
	"github.com/mbd888/steamtrader/internal/apperr"
)

// Payer sends the asking-price asset to an address.
type Payer interface {
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
}

// FeeAccount is the platform's running fee total. Only settlement credits
// it and only the platform owner can withdraw from it.
type FeeAccount struct {
	store  Store
	owner  string
	payer  Payer
	logger *slog.Logger
}

func NewFeeAccount(store Store, owner string, payer Payer, logger *slog.Logger) *FeeAccount {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeAccount{store: store, owner: strings.ToLower(owner), payer: payer, logger: logger}
}

// Owner is the only address allowed to withdraw.
func (f *FeeAccount) Owner() string { return f.owner }

// Credit adds a settlement fee. Zero fees are not recorded.
func (f *FeeAccount) Credit(ctx context.Context, fee *big.Int, reference string) error {
	if fee == nil || fee.Sign() == 0 {
		return nil
	}
	if fee.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := f.store.EarnFees(ctx, amount.Format(fee)); err != nil {
		return fmt.Errorf("credit fee for %s: %w", reference, err)
	}
	return nil
}

// Withdraw pays amt of accrued fees to the owner.
func (f *FeeAccount) Withdraw(ctx context.Context, caller, amt string) (string, error) {
	if f.owner == "" || !strings.EqualFold(caller, f.owner) {
		return "", ErrNotOwner
	}
	v, ok := amount.ParsePositive(amt)
	if !ok {
		return "", ErrInvalidAmount
	}
	formatted := amount.Format(v)

	if err := f.store.WithdrawFees(ctx, formatted); err != nil {
		return "", err
	}
	ref, err := f.payer.Transfer(ctx, f.owner, v)
	if errors.Is(err, apperr.ErrTransferPending) {
		f.logger.Warn("fee withdrawal not confirmed, debit kept", "amount", formatted, "txHash", ref, "error", err)
		return ref, nil
	}
	if err != nil {
		if rerr := f.store.RestoreFees(ctx, formatted); rerr != nil {
			f.logger.Error("CRITICAL: fee withdrawal failed and debit not restored",
				"amount", formatted, "transferError", err, "restoreError", rerr)
		}
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	f.logger.Info("platform fees withdrawn", "amount", formatted, "txHash", ref)
	return ref, nil
}

// Total returns the fee account.
func (f *FeeAccount) Total(ctx context.Context) (*Fees, error) {
	return f.store.GetFees(ctx)
}
