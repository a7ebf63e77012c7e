package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFees() (*FeeAccount, *fakeTokens) {
	payer := newFakeTokens()
	return NewFeeAccount(NewMemoryStore(), owner, payer, nil), payer
}

func TestFeeAccount_Credit(t *testing.T) {
	f, _ := newTestFees()
	ctx := context.Background()

	require.NoError(t, f.Credit(ctx, big.NewInt(50), "trade-1"))
	require.NoError(t, f.Credit(ctx, big.NewInt(0), "trade-2"))
	require.NoError(t, f.Credit(ctx, big.NewInt(25), "trade-3"))

	fees, err := f.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, "75", fees.Available)
	assert.Equal(t, "75", fees.TotalEarned)

	assert.ErrorIs(t, f.Credit(ctx, big.NewInt(-1), "bad"), ErrInvalidAmount)
}

func TestFeeAccount_WithdrawOwnerOnly(t *testing.T) {
	f, payer := newTestFees()
	ctx := context.Background()
	require.NoError(t, f.Credit(ctx, big.NewInt(100), "trade-1"))

	_, err := f.Withdraw(ctx, alice, "10")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.Withdraw(ctx, owner, "101")
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	ref, err := f.Withdraw(ctx, "0x00000000000000000000000000000000000000F1", "60")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, int64(60), payer.out[owner].Int64())

	fees, err := f.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, "40", fees.Available)
	assert.Equal(t, "100", fees.TotalEarned)
	assert.Equal(t, "60", fees.TotalWithdrawn)
}

func TestFeeAccount_WithdrawFailureRestores(t *testing.T) {
	f, payer := newTestFees()
	ctx := context.Background()
	require.NoError(t, f.Credit(ctx, big.NewInt(100), "trade-1"))
	payer.failOut = errors.New("rpc down")

	_, err := f.Withdraw(ctx, owner, "100")
	assert.ErrorIs(t, err, ErrTransferFailed)

	fees, err := f.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", fees.Available)
	assert.Equal(t, "0", fees.TotalWithdrawn)
}

func TestFeeAccount_UnconfirmedWithdrawKeepsDebit(t *testing.T) {
	f, payer := newTestFees()
	ctx := context.Background()
	require.NoError(t, f.Credit(ctx, big.NewInt(100), "trade-1"))
	payer.failOut = apperr.New(apperr.ErrTransferPending, "not mined")

	_, err := f.Withdraw(ctx, owner, "100")
	require.NoError(t, err)

	fees, err := f.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", fees.Available)
	assert.Equal(t, "100", fees.TotalWithdrawn)
}

func TestFeeAccount_NoOwnerConfigured(t *testing.T) {
	f := NewFeeAccount(NewMemoryStore(), "", newFakeTokens(), nil)
	_, err := f.Withdraw(context.Background(), "", "1")
	assert.ErrorIs(t, err, ErrNotOwner)
}
