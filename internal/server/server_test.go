package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/steamtrader/internal/config"
	"github.com/mbd888/steamtrader/internal/ratelimit"
	"github.com/mbd888/steamtrader/internal/trade"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminSecret = "test-admin-secret"
	sellerAddr  = "0x00000000000000000000000000000000000000a1"
	buyerAddr   = "0x00000000000000000000000000000000000000b1"
	ownerAddr   = "0x00000000000000000000000000000000000000f1"
	sellerSteam = "76561198000000001"
	buyerSteam  = "76561198000000002"
)

// testConfig returns an in-memory, dry-run, loopback-oracle config.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Port = "0"
	cfg.LogLevel = "error"
	cfg.AdminSecret = adminSecret
	cfg.PlatformOwner = ownerAddr
	cfg.QueryCost = "10"
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLoopbackDelay(0),
		WithRateLimit(ratelimit.Config{RequestsPerMinute: 6000, BurstSize: 1000}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

type client struct {
	t   *testing.T
	srv *Server
}

func (c client) do(method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	c.srv.Router().ServeHTTP(w, req)
	return w
}

func (c client) issueKey(party string) string {
	c.t.Helper()
	w := c.do(http.MethodPost, "/v1/admin/keys", "", gin.H{"party": party, "name": "test"}, "X-Admin-Secret", adminSecret)
	require.Equal(c.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.APIKey
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := client{t, s}

	w := c.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = c.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// not ready until Run
	w = c.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = c.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	w := c.do(http.MethodGet, "/health/live", "", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	c.do(http.MethodGet, "/health/live", "", nil)

	w := c.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "steamtrader_http_requests_total")
}

func TestInfoEndpoint(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	w := c.do(http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	info := decode(t, w)
	assert.Equal(t, "steamtrader", info["name"])
	assert.Equal(t, "loopback", info["oracle"])
	assert.Equal(t, true, info["dryRunTransfer"])
	assert.Equal(t, ownerAddr, info["platformOwner"])
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/trades"},
		{http.MethodPost, "/v1/trades/t-1/fund"},
		{http.MethodPost, "/v1/trades/t-1/lock"},
		{http.MethodPost, "/v1/trades/t-1/confirmation"},
		{http.MethodDelete, "/v1/requests/abc"},
		{http.MethodPost, "/v1/balances/deposit"},
		{http.MethodPost, "/v1/fees/withdraw"},
		{http.MethodGet, "/v1/keys"},
	} {
		w := c.do(tc.method, tc.path, "", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
	}

	w := c.do(http.MethodPost, "/v1/trades", "sk_bogus", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}

	w := c.do(http.MethodPost, "/v1/admin/keys", "", gin.H{"party": sellerAddr})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = c.do(http.MethodPost, "/v1/admin/keys", "", gin.H{"party": sellerAddr}, "X-Admin-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOracleCallbackMountedOnlyWithSecret(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	w := c.do(http.MethodPost, "/v1/oracle/fulfill", "", gin.H{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := testConfig()
	cfg.OracleSecret = "shh"
	c = client{t, newTestServer(t, cfg)}
	w = c.do(http.MethodPost, "/v1/oracle/fulfill", "", gin.H{"jobRunID": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "unsigned callbacks are rejected")
}

func TestSaleFlowThroughHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())
	c := client{t, s}
	sellerKey := c.issueKey(sellerAddr)
	buyerKey := c.issueKey(buyerAddr)

	w := c.do(http.MethodPost, "/v1/trades", sellerKey, gin.H{
		"id":            "trade-1",
		"sellerSteamId": sellerSteam,
		"askingPrice":   "1000",
		"item": gin.H{
			"appId": "730", "contextId": "2", "assetId": "111", "classId": "222", "instanceId": "0",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/v1/trades/trade-1/fund", buyerKey, gin.H{
		"buyerSteamId": buyerSteam,
		"amount":       "1000",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/v1/trades/trade-1/lock", sellerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// the buyer pays for the confirmation query
	w = c.do(http.MethodPost, "/v1/trades/trade-1/confirmation", buyerKey, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = c.do(http.MethodPost, "/v1/balances/deposit", buyerKey, gin.H{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/v1/trades/trade-1/confirmation", buyerKey, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx := context.Background()
	require.Eventually(t, func() bool {
		tr, err := s.Trades().Get(ctx, "trade-1")
		return err == nil && tr.Status == trade.StatusSaleCompleted && tr.SettlementRef != ""
	}, 2*time.Second, 10*time.Millisecond)

	w = c.do(http.MethodGet, "/v1/trades/trade-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)["trade"].(map[string]any)
	assert.Equal(t, "sale_completed", got["status"])
	assert.Equal(t, "50", got["fee"])
	assert.Equal(t, "950", got["payout"])
	assert.NotEmpty(t, got["settlementRef"])

	w = c.do(http.MethodGet, "/v1/fees", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50", decode(t, w)["fees"].(map[string]any)["available"])

	w = c.do(http.MethodGet, "/v1/balances/"+buyerAddr, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "90", decode(t, w)["balance"].(map[string]any)["available"])

	// only the owner withdraws fees
	w = c.do(http.MethodPost, "/v1/fees/withdraw", sellerKey, gin.H{"amount": "50"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	ownerKey := c.issueKey(ownerAddr)
	w = c.do(http.MethodPost, "/v1/fees/withdraw", ownerKey, gin.H{"amount": "50"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestNotFoundRoute(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	w := c.do(http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminReconcile(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	buyerKey := c.issueKey(buyerAddr)

	w := c.do(http.MethodPost, "/v1/balances/deposit", buyerKey, gin.H{"amount": "75"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/v1/admin/reconcile", "", nil, "X-Admin-Secret", adminSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)["report"].(map[string]any)
	assert.Equal(t, "75", report["ledgerAvailable"])
	assert.Equal(t, false, report["tokenChecked"], "dry-run has no wallet to read")

	w = c.do(http.MethodGet, "/v1/admin/requests/expired", "", nil, "X-Admin-Secret", adminSecret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRoutes(t *testing.T) {
	c := client{t, newTestServer(t, testConfig())}
	sellerKey := c.issueKey(sellerAddr)

	w := c.do(http.MethodPost, "/v1/webhooks", "", gin.H{"url": "https://93.184.216.34/hook"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = c.do(http.MethodPost, "/v1/webhooks", sellerKey, gin.H{"url": "http://127.0.0.1:9/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "loopback callbacks are refused")

	w = c.do(http.MethodPost, "/v1/webhooks", sellerKey, gin.H{"url": "https://93.184.216.34/hook", "events": []string{"sale_completed"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["secret"])

	w = c.do(http.MethodGet, "/v1/webhooks", sellerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["webhooks"], 1)
}
