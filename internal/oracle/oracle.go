// Package oracle connects the escrow to the external inventory oracle.
//
// Queries go out as external-adapter job runs; answers come back through a
// signed callback that feeds Service.Fulfill. The Loopback oracle answers
// locally for development.
package oracle

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/steamtrader/internal/circuitbreaker"
	"github.com/mbd888/steamtrader/internal/retry"
	"github.com/mbd888/steamtrader/internal/trade"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, in both
// directions.
const SignatureHeader = "X-Oracle-Signature"

const breakerKey = "oracle"

// JobRequest is the external-adapter request body.
type JobRequest struct {
	ID   string  `json:"id"`
	Data JobData `json:"data"`
}

// JobData names the inventory to inspect and the asset to look for.
type JobData struct {
	UserID  string  `json:"user_id"`
	AppID   string  `json:"appid"`
	Context string  `json:"context"`
	Item    JobItem `json:"item"`
}

type JobItem struct {
	AssetID    string `json:"assetid"`
	ClassID    string `json:"classid"`
	InstanceID string `json:"instanceid"`
}

// NewJobRequest builds the adapter body for a query.
func NewJobRequest(q trade.Query) JobRequest {
	return JobRequest{
		ID: q.CorrelationID,
		Data: JobData{
			UserID:  q.SteamID,
			AppID:   q.Item.AppID,
			Context: q.Item.ContextID,
			Item: JobItem{
				AssetID:    q.Item.AssetID,
				ClassID:    q.Item.ClassID,
				InstanceID: q.Item.InstanceID,
			},
		},
	}
}

// Client submits queries to an external adapter over HTTP. Transient
// failures are retried; repeated failures open a circuit so requests fail
// fast while the adapter is down.
type Client struct {
	url     string
	secret  string
	http    *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates a client for the adapter at url. Requests are signed
// when secret is non-empty.
func NewClient(url, secret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
		policy:  retry.DefaultPolicy,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// WithPolicy overrides the retry policy.
func (c *Client) WithPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// WithBreaker overrides the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Submit implements trade.Oracle.
func (c *Client) Submit(ctx context.Context, q trade.Query) error {
	payload, err := json.Marshal(NewJobRequest(q))
	if err != nil {
		return fmt.Errorf("oracle: encode job: %w", err)
	}

	err = c.breaker.Execute(breakerKey, func() error {
		return c.policy.Do(ctx, func(ctx context.Context) error {
			return c.post(ctx, payload)
		})
	})
	if err != nil {
		c.logger.Warn("oracle submission failed",
			"correlationId", q.CorrelationID, "tradeId", q.TradeID, "purpose", q.Purpose, "error", err)
		return err
	}
	c.logger.Debug("oracle job submitted", "correlationId", q.CorrelationID, "tradeId", q.TradeID)
	return nil
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, c.secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("oracle: adapter returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("oracle: adapter rejected job with %d", resp.StatusCode))
	}
}

// Ping reports whether the breaker currently admits submissions.
func (c *Client) Ping(context.Context) error {
	if c.breaker.State(breakerKey) == circuitbreaker.StateOpen {
		return errors.New("oracle circuit open")
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
