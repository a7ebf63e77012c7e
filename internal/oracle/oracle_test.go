package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/steamtrader/internal/circuitbreaker"
	"github.com/mbd888/steamtrader/internal/requests"
	"github.com/mbd888/steamtrader/internal/retry"
	"github.com/mbd888/steamtrader/internal/trade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testQuery = trade.Query{
	CorrelationID: "c0ffee",
	TradeID:       "trade-1",
	Purpose:       requests.PurposeBuyerCheck,
	Item:          trade.Item{AppID: "730", ContextID: "2", AssetID: "111", ClassID: "222", InstanceID: "0"},
	SteamID:       "76561198000000002",
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func TestClient_SubmitsSignedJob(t *testing.T) {
	var (
		got  map[string]any
		sig  string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", nil)
	require.NoError(t, c.Submit(context.Background(), testQuery))

	assert.Equal(t, "c0ffee", got["id"])
	data := got["data"].(map[string]any)
	assert.Equal(t, "76561198000000002", data["user_id"])
	assert.Equal(t, "730", data["appid"])
	assert.Equal(t, "2", data["context"])
	assert.Equal(t, map[string]any{"assetid": "111", "classid": "222", "instanceid": "0"}, data["item"])
	assert.True(t, Verify(body, "s3cret", sig))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil).WithPolicy(fastRetry)
	require.NoError(t, c.Submit(context.Background(), testQuery))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil).WithPolicy(fastRetry)
	assert.Error(t, c.Submit(context.Background(), testQuery))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil).
		WithPolicy(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Hour))

	assert.Error(t, c.Submit(context.Background(), testQuery))
	assert.Error(t, c.Submit(context.Background(), testQuery))
	assert.Error(t, c.Ping(context.Background()))

	err := c.Submit(context.Background(), testQuery)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"jobRunID":"x"}`)
	sig := Sign(payload, "k")
	assert.True(t, Verify(payload, "k", sig))
	assert.False(t, Verify(payload, "other", sig))
	assert.False(t, Verify([]byte(`{"jobRunID":"y"}`), "k", sig))
	assert.False(t, Verify(payload, "k", "not-hex"))
}
