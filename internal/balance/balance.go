// Package balance holds the prepaid service-fee balances parties spend on
// verification queries, and the platform fee account credited when trades
// settle.
//
// Flow:
//  1. A party deposits tokens; the ledger pulls them with transferFrom and
//     credits the party.
//  2. Each verification query debits the configured query cost.
//  3. A party withdraws; the ledger debits first, then pays out, and
//     reverses the debit if the payout fails.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/steamtrader/internal/amount"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/metrics"
	"github.com/mbd888/steamtrader/internal/pagination"
)

var (
	ErrInsufficientBalance = apperr.New(apperr.ErrInsufficientBalance, "insufficient balance")
	ErrInsufficientFees    = apperr.New(apperr.ErrInsufficientBalance, "amount exceeds accrued platform fees")
	ErrInvalidAmount       = apperr.New(apperr.ErrInvalidInput, "amount must be a positive integer in base units")
	ErrTransferFailed      = apperr.New(apperr.ErrTransferFailed, "token transfer failed")
	ErrNotOwner            = apperr.New(apperr.ErrUnauthorized, "only the platform owner may withdraw fees")
)

// EntryKind classifies a balance history entry.
type EntryKind string

const (
	KindDeposit    EntryKind = "deposit"
	KindQueryFee   EntryKind = "query_fee"
	KindWithdrawal EntryKind = "withdrawal"
	KindRefund     EntryKind = "refund"
)

// Entry is one line of a party's balance history.
type Entry struct {
	ID        string    `json:"id"`
	Party     string    `json:"party"`
	Kind      EntryKind `json:"kind"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"` // tx hash, correlation id
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is a party's service-fee balance in token base units.
type Balance struct {
	Party     string    `json:"party"`
	Available string    `json:"available"`
	TotalIn   string    `json:"totalIn"`  // lifetime deposits
	TotalOut  string    `json:"totalOut"` // lifetime query fees and withdrawals, net of refunds
	UpdatedAt time.Time `json:"updatedAt"`
}

// Fees is the platform fee account, in the asking-price unit.
type Fees struct {
	Available      string    `json:"available"`
	TotalEarned    string    `json:"totalEarned"`
	TotalWithdrawn string    `json:"totalWithdrawn"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists balances and the fee account. Debit and the fee
// decrements must check and decrement atomically so concurrent callers can
// never drive a value negative. Unknown parties read as a zero balance.
type Store interface {
	GetBalance(ctx context.Context, party string) (*Balance, error)
	Credit(ctx context.Context, party, amount, reference string) error
	Debit(ctx context.Context, party, amount string, kind EntryKind, reference string) error
	Refund(ctx context.Context, party, amount, reference string) error
	History(ctx context.Context, party string, limit int, cursor *pagination.Cursor) ([]*Entry, error)
	SumAvailable(ctx context.Context) (string, error)

	GetFees(ctx context.Context) (*Fees, error)
	EarnFees(ctx context.Context, amount string) error
	WithdrawFees(ctx context.Context, amount string) error
	RestoreFees(ctx context.Context, amount string) error
}

// TokenLedger moves the service-fee token between parties and the platform.
type TokenLedger interface {
	TransferIn(ctx context.Context, from string, amount *big.Int) (string, error)
	TransferOut(ctx context.Context, to string, amount *big.Int) (string, error)
}

// Ledger manages party balances.
type Ledger struct {
	store  Store
	tokens TokenLedger
	logger *slog.Logger
}

func NewLedger(store Store, tokens TokenLedger, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, tokens: tokens, logger: logger}
}

// TotalAvailable is what every party could withdraw at once; the escrow
// wallet's token balance must cover it.
func (l *Ledger) TotalAvailable(ctx context.Context) (string, error) {
	return l.store.SumAvailable(ctx)
}

// GetBalance returns party's balance; unknown parties have zero.
func (l *Ledger) GetBalance(ctx context.Context, party string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(party))
}

// Deposit pulls amount tokens from party and credits the balance once the
// pull is confirmed. An unconfirmed pull is not credited.
func (l *Ledger) Deposit(ctx context.Context, party, amt string) (*Balance, error) {
	party = strings.ToLower(party)
	v, ok := amount.ParsePositive(amt)
	if !ok {
		return nil, ErrInvalidAmount
	}

	ref, err := l.tokens.TransferIn(ctx, party, v)
	if err != nil {
		if errors.Is(err, apperr.ErrTransferPending) {
			l.logger.Warn("deposit not confirmed, balance not credited",
				"party", party, "amount", amount.Format(v), "txHash", ref, "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	if err := l.store.Credit(ctx, party, amount.Format(v), ref); err != nil {
		l.logger.Error("CRITICAL: tokens received but balance not credited",
			"party", party, "amount", amount.Format(v), "txHash", ref, "error", err)
		return nil, fmt.Errorf("credit deposit: %w", err)
	}
	metrics.BalanceOperationsTotal.WithLabelValues(string(KindDeposit)).Inc()
	return l.store.GetBalance(ctx, party)
}

// DebitForQuery charges cost for one verification query. A zero cost is a
// no-op.
func (l *Ledger) DebitForQuery(ctx context.Context, party, cost, reference string) error {
	v, ok := amount.Parse(cost)
	if !ok {
		return ErrInvalidAmount
	}
	if v.Sign() == 0 {
		return nil
	}
	if err := l.store.Debit(ctx, strings.ToLower(party), amount.Format(v), KindQueryFee, reference); err != nil {
		return err
	}
	metrics.BalanceOperationsTotal.WithLabelValues(string(KindQueryFee)).Inc()
	return nil
}

// Refund returns a query fee whose query was never submitted.
func (l *Ledger) Refund(ctx context.Context, party, amt, reference string) error {
	v, ok := amount.Parse(amt)
	if !ok {
		return ErrInvalidAmount
	}
	if v.Sign() == 0 {
		return nil
	}
	if err := l.store.Refund(ctx, strings.ToLower(party), amount.Format(v), reference); err != nil {
		return err
	}
	metrics.BalanceOperationsTotal.WithLabelValues(string(KindRefund)).Inc()
	return nil
}

// Withdraw debits party and pays the tokens out. If the payout fails the
// debit is reversed and ErrTransferFailed is returned. A payout that was
// broadcast but not confirmed keeps the debit.
func (l *Ledger) Withdraw(ctx context.Context, party, amt string) (string, error) {
	party = strings.ToLower(party)
	v, ok := amount.ParsePositive(amt)
	if !ok {
		return "", ErrInvalidAmount
	}
	formatted := amount.Format(v)

	if err := l.store.Debit(ctx, party, formatted, KindWithdrawal, ""); err != nil {
		return "", err
	}

	ref, err := l.tokens.TransferOut(ctx, party, v)
	if errors.Is(err, apperr.ErrTransferPending) {
		l.logger.Warn("withdrawal not confirmed, debit kept",
			"party", party, "amount", formatted, "txHash", ref, "error", err)
		return ref, nil
	}
	if err != nil {
		if rerr := l.store.Refund(ctx, party, formatted, "withdrawal_reversal"); rerr != nil {
			l.logger.Error("CRITICAL: withdrawal failed and debit not reversed",
				"party", party, "amount", formatted, "transferError", err, "refundError", rerr)
		}
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	metrics.BalanceOperationsTotal.WithLabelValues(string(KindWithdrawal)).Inc()
	return ref, nil
}

// History returns one page of party's entries, newest first.
func (l *Ledger) History(ctx context.Context, party string, p pagination.Params) ([]*Entry, string, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	entries, err := l.store.History(ctx, strings.ToLower(party), limit+1, p.Cursor)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}
