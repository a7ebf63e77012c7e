package oracle

import (
	"context"
	"sync"
	"testing"

	"github.com/mbd888/steamtrader/internal/requests"
	"github.com/mbd888/steamtrader/internal/trade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type answer struct {
	caller, correlationID string
	found                 bool
}

type fakeFulfiller struct {
	mu      sync.Mutex
	answers []answer
	err     error
}

func (f *fakeFulfiller) Fulfill(_ context.Context, caller, correlationID string, found bool) (*trade.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer{caller, correlationID, found})
	if f.err != nil {
		return nil, f.err
	}
	return &trade.Trade{ID: "trade-1", Status: trade.StatusSaleCompleted}, nil
}

func TestLoopback_AnswersAsAuthority(t *testing.T) {
	f := &fakeFulfiller{}
	l := NewLoopback("oracle", 0, nil)
	l.Bind(f)

	require.NoError(t, l.Submit(context.Background(), testQuery))
	l.Wait()

	require.Len(t, f.answers, 1)
	assert.Equal(t, answer{"oracle", "c0ffee", true}, f.answers[0])
}

func TestLoopback_Decider(t *testing.T) {
	f := &fakeFulfiller{err: requests.ErrUnknownCorrelation}
	l := NewLoopback("oracle", 0, nil).WithDecider(func(q trade.Query) bool {
		return q.Purpose != requests.PurposeBuyerCheck
	})
	l.Bind(f)

	require.NoError(t, l.Submit(context.Background(), testQuery))
	l.Wait()
	assert.False(t, f.answers[0].found)
}

func TestLoopback_Unbound(t *testing.T) {
	l := NewLoopback("oracle", 0, nil)
	assert.Error(t, l.Submit(context.Background(), testQuery))
}

// The loopback must work against the real service, whose trade lock is
// held while Submit runs.
func TestLoopback_WithService(t *testing.T) {
	ctx := context.Background()
	loop := NewLoopback("oracle", 0, nil)
	xfer := &payouts{}
	svc := trade.NewService(trade.NewMemoryStore(), requests.NewLedger(requests.NewMemoryStore(), 0),
		freeQueries{}, noFees{}, loop, xfer, trade.Config{FeePercent: 5, QueryCost: "0", OracleAuthority: "oracle"})
	loop.Bind(svc)

	seller := "0x00000000000000000000000000000000000000a1"
	buyer := "0x00000000000000000000000000000000000000b1"
	_, err := svc.CreateTrade(ctx, seller, trade.CreateRequest{ID: "t1", SellerSteamID: "s", AskingPrice: "100"})
	require.NoError(t, err)
	_, err = svc.FundTrade(ctx, buyer, "t1", trade.FundRequest{BuyerSteamID: "b", Amount: "100"})
	require.NoError(t, err)
	_, err = svc.LockSale(ctx, seller, "t1")
	require.NoError(t, err)
	_, err = svc.RequestTradeConfirmation(ctx, buyer, "t1")
	require.NoError(t, err)
	loop.Wait()

	tr, err := svc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, trade.StatusSaleCompleted, tr.Status)
	assert.Equal(t, 1, xfer.n)
}
