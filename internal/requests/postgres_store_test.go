//go:build integration

package requests

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/steamtrader/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.PGTest(t))

	issued := time.Now().UTC().Truncate(time.Microsecond)
	rec := &Record{
		CorrelationID: "corr-pg-1",
		TradeID:       "trade-pg",
		Purpose:       PurposeBuyerCheck,
		Requester:     buyer,
		Cost:          "1000000000000000000",
		IssuedAt:      issued,
	}
	require.NoError(t, store.Insert(ctx, rec))

	dup := *rec
	dup.CorrelationID = "corr-pg-2"
	assert.ErrorIs(t, store.Insert(ctx, &dup), ErrDuplicateRequest)

	other := dup
	other.Purpose = PurposeItemValidation
	require.NoError(t, store.Insert(ctx, &other))

	got, err := store.Get(ctx, "corr-pg-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Cost, got.Cost)
	assert.True(t, got.IssuedAt.Equal(issued))

	list, err := store.ListByTrade(ctx, "trade-pg")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stale, err := store.ListIssuedBefore(ctx, issued.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	deleted, err := store.Delete(ctx, "corr-pg-1")
	require.NoError(t, err)
	assert.Equal(t, PurposeBuyerCheck, deleted.Purpose)

	_, err = store.Delete(ctx, "corr-pg-1")
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
	_, err = store.Get(ctx, "corr-pg-1")
	assert.ErrorIs(t, err, ErrUnknownCorrelation)

	// the slot is free again once the first record is gone
	require.NoError(t, store.Insert(ctx, &dup))
}
