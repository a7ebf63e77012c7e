//go:build integration

package balance

import (
	"context"
	"testing"

	"github.com/mbd888/steamtrader/internal/pagination"
	"github.com/mbd888/steamtrader/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Balances(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.PGTest(t))

	bal, err := store.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "0", bal.Available)

	require.NoError(t, store.Credit(ctx, alice, "1000000000000000000000", "0xdeposit"))
	require.NoError(t, store.Debit(ctx, alice, "400", KindQueryFee, "corr-1"))
	assert.ErrorIs(t, store.Debit(ctx, alice, "1000000000000000000000", KindWithdrawal, ""), ErrInsufficientBalance)
	assert.ErrorIs(t, store.Debit(ctx, bob, "1", KindQueryFee, ""), ErrInsufficientBalance)
	require.NoError(t, store.Refund(ctx, alice, "400", "corr-1"))

	bal, err = store.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", bal.Available)
	assert.Equal(t, "0", bal.TotalOut)

	sum, err := store.SumAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", sum)

	entries, err := store.History(ctx, alice, 2, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindRefund, entries[0].Kind)

	cur := &pagination.Cursor{CreatedAt: entries[1].CreatedAt, ID: entries[1].ID}
	rest, err := store.History(ctx, alice, 10, cur)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, KindDeposit, rest[0].Kind)
}

func TestPostgresStore_Fees(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.PGTest(t))

	require.NoError(t, store.EarnFees(ctx, "50"))
	assert.ErrorIs(t, store.WithdrawFees(ctx, "51"), ErrInsufficientFees)
	require.NoError(t, store.WithdrawFees(ctx, "20"))
	require.NoError(t, store.RestoreFees(ctx, "5"))

	fees, err := store.GetFees(ctx)
	require.NoError(t, err)
	assert.Equal(t, "35", fees.Available)
	assert.Equal(t, "50", fees.TotalEarned)
	assert.Equal(t, "15", fees.TotalWithdrawn)
}
