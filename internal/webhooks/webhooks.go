// Package webhooks delivers trade lifecycle events to URLs registered by the
// trade's parties.
//
// Deliveries are signed with HMAC-SHA256 over the request body using the
// subscription secret, sent in the X-Steamtrader-Signature header as hex.
// Only events that carry a trade snapshot are delivered, since the snapshot
// is what names the seller and buyer.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/idgen"
	"github.com/mbd888/steamtrader/internal/retry"
	"github.com/mbd888/steamtrader/internal/security"
	"github.com/mbd888/steamtrader/internal/trade"
)

// MaxConsecutiveFailures deactivates a subscription after this many
// deliveries in a row fail every retry.
const MaxConsecutiveFailures = 10

var ErrNotFound = apperr.New(apperr.ErrNotFound, "webhook not found")

// Subscription is one party's registered callback.
type Subscription struct {
	ID                  string            `json:"id"`
	Party               string            `json:"party"`
	URL                 string            `json:"url"`
	Secret              string            `json:"-"`
	Events              []trade.EventType `json:"events"` // empty means every event
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"createdAt"`
	LastSuccess         *time.Time        `json:"lastSuccess,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
}

// Wants reports whether sub should receive events of type typ.
func (s *Subscription) Wants(typ trade.EventType) bool {
	return s.Active && (len(s.Events) == 0 || slices.Contains(s.Events, typ))
}

// Delivery is the JSON body POSTed to a subscriber.
type Delivery struct {
	ID        string          `json:"id"`
	Type      trade.EventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Event     trade.Event     `json:"event"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByParty(ctx context.Context, party string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error

	// RecordSuccess clears the failure streak.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure increments the failure streak in one step and
	// deactivates the subscription once it reaches maxFailures. It returns
	// the updated subscription.
	RecordFailure(ctx context.Context, id, lastError string, maxFailures int) (*Subscription, error)
}

// Dispatcher implements trade.EventEmitter by POSTing each event to the
// seller's and buyer's matching subscriptions. Emit returns immediately;
// delivery runs in the background with retries.
type Dispatcher struct {
	store  Store
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time

	// urlValidator runs again before every send so a host that starts
	// resolving to an internal address after registration is still refused.
	urlValidator func(string) error

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a 10s per-attempt timeout.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		policy:       retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:       logger,
		now:          time.Now,
		urlValidator: security.ValidateCallbackURL,
	}
}

// Emit implements trade.EventEmitter.
func (d *Dispatcher) Emit(_ context.Context, ev trade.Event) {
	if ev.Trade == nil {
		return
	}
	delivery := Delivery{
		ID:        idgen.WithPrefix("dlv_"),
		Type:      ev.Type,
		Timestamp: d.now().UTC(),
		Event:     ev,
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		d.logger.Error("webhook payload encode failed", "trade_id", ev.TradeID, "error", err)
		return
	}

	parties := []string{ev.Trade.Seller.Addr}
	if b := ev.Trade.Buyer.Addr; b != "" && b != ev.Trade.Seller.Addr {
		parties = append(parties, b)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		d.dispatch(ctx, parties, delivery, payload)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, parties []string, delivery Delivery, payload []byte) {
	for _, party := range parties {
		subs, err := d.store.ListByParty(ctx, party)
		if err != nil {
			emitErrors.WithLabelValues(string(delivery.Type)).Inc()
			d.logger.Warn("webhook lookup failed", "party", party, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.Wants(delivery.Type) {
				continue
			}
			emitTotal.WithLabelValues(string(delivery.Type)).Inc()
			err := d.policy.Do(ctx, func(ctx context.Context) error {
				return d.send(ctx, sub, delivery, payload)
			})
			d.record(ctx, sub, err)
			if err != nil {
				emitErrors.WithLabelValues(string(delivery.Type)).Inc()
				d.logger.Warn("webhook delivery failed",
					"webhook_id", sub.ID, "event", delivery.Type, "trade_id", delivery.Event.TradeID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, delivery Delivery, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steamtrader-Event", string(delivery.Type))
	req.Header.Set("X-Steamtrader-Delivery", delivery.ID)
	req.Header.Set("X-Steamtrader-Timestamp", strconv.FormatInt(delivery.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set("X-Steamtrader-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, err error) {
	if err == nil {
		if uerr := d.store.RecordSuccess(ctx, sub.ID, d.now().UTC()); uerr != nil && !errors.Is(uerr, apperr.ErrNotFound) {
			d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", uerr)
		}
		return
	}
	updated, uerr := d.store.RecordFailure(ctx, sub.ID, err.Error(), MaxConsecutiveFailures)
	if uerr != nil {
		if !errors.Is(uerr, apperr.ErrNotFound) {
			d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", uerr)
		}
		return
	}
	if updated.ConsecutiveFailures == MaxConsecutiveFailures {
		d.logger.Warn("webhook deactivated", "webhook_id", sub.ID, "party", sub.Party)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
