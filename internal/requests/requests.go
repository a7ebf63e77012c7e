// Package requests is the oracle correlation ledger: it maps outstanding
// correlation ids to the trade and purpose of the verification query that
// produced them.
//
// A record is one-shot. It is removed on resolution, so a replayed or late
// fulfilment finds nothing and is dropped. At most one record per
// (trade, purpose) is live at a time; a second query for the same purpose
// must wait for the first to resolve or be cancelled after expiry.
package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/idgen"
)

var (
	ErrUnknownCorrelation = apperr.New(apperr.ErrNotFound, "unknown correlation id")
	ErrDuplicateRequest   = apperr.New(apperr.ErrDuplicateRequest, "a request for this purpose is already outstanding")
	ErrNotExpired         = apperr.New(apperr.ErrNotExpired, "request has not reached its expiry window")
	ErrNotRequester       = apperr.New(apperr.ErrUnauthorized, "only the requester may cancel this request")
	ErrInvalidPurpose     = apperr.New(apperr.ErrInvalidInput, "invalid request purpose")
)

// DefaultExpiry is how long a request must be outstanding before its
// requester may cancel it.
const DefaultExpiry = 300 * time.Second

// Purpose says what a verification query asks and which settlement path
// its answer drives.
type Purpose string

const (
	// PurposeSellerCheck asks whether the seller still holds the item; a
	// true answer completes the refund path.
	PurposeSellerCheck Purpose = "seller_check"
	// PurposeBuyerCheck asks whether the buyer now holds the item; a true
	// answer completes the sale path.
	PurposeBuyerCheck Purpose = "buyer_check"
	// PurposeItemValidation is an informational seller check that never
	// settles a trade.
	PurposeItemValidation Purpose = "item_validation"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSellerCheck, PurposeBuyerCheck, PurposeItemValidation:
		return true
	}
	return false
}

// Record is an outstanding verification query.
type Record struct {
	CorrelationID string    `json:"correlationId"`
	TradeID       string    `json:"tradeId"`
	Purpose       Purpose   `json:"purpose"`
	Requester     string    `json:"requester"`
	Cost          string    `json:"cost"` // service fee debited for this query
	IssuedAt      time.Time `json:"issuedAt"`
}

// ExpiresAt is the earliest instant the requester may cancel.
func (r *Record) ExpiresAt(expiry time.Duration) time.Time {
	return r.IssuedAt.Add(expiry)
}

// Store persists records. Insert enforces both correlation-id uniqueness
// and the one-live-record-per-(trade, purpose) rule atomically. Delete is
// the one-shot removal used by resolution and cancellation.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, correlationID string) (*Record, error)
	Delete(ctx context.Context, correlationID string) (*Record, error)
	ListByTrade(ctx context.Context, tradeID string) ([]*Record, error)
	ListIssuedBefore(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	Count(ctx context.Context) (int, error)
}

// Ledger issues, resolves and cancels correlation records.
type Ledger struct {
	store  Store
	ids    idgen.Generator
	expiry time.Duration
	nowFn  func() time.Time
}

// NewLedger creates a ledger. A non-positive expiry selects DefaultExpiry.
func NewLedger(store Store, expiry time.Duration) *Ledger {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Ledger{
		store:  store,
		ids:    correlationIDs{},
		expiry: expiry,
		nowFn:  time.Now,
	}
}

type correlationIDs struct{}

func (correlationIDs) NewID() string { return idgen.Correlation() }

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.nowFn = now
	return l
}

// WithIDGenerator overrides correlation id generation.
func (l *Ledger) WithIDGenerator(g idgen.Generator) *Ledger {
	l.ids = g
	return l
}

// Expiry returns the cancellation window.
func (l *Ledger) Expiry() time.Duration { return l.expiry }

// Issue records a new outstanding query and returns it with a fresh
// correlation id. The record exists before the query leaves the process,
// so a fast fulfilment always finds it.
func (l *Ledger) Issue(ctx context.Context, tradeID string, purpose Purpose, requester, cost string) (*Record, error) {
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}
	rec := &Record{
		CorrelationID: l.ids.NewID(),
		TradeID:       tradeID,
		Purpose:       purpose,
		Requester:     strings.ToLower(requester),
		Cost:          cost,
		IssuedAt:      l.nowFn().UTC(),
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Peek returns the live record without consuming it.
func (l *Ledger) Peek(ctx context.Context, correlationID string) (*Record, error) {
	return l.store.Get(ctx, correlationID)
}

// Resolve consumes the record. A second call for the same id fails with
// ErrUnknownCorrelation.
func (l *Ledger) Resolve(ctx context.Context, correlationID string) (*Record, error) {
	return l.store.Delete(ctx, correlationID)
}

// Cancel removes a record on behalf of its requester once the expiry
// window has passed, freeing the (trade, purpose) slot.
func (l *Ledger) Cancel(ctx context.Context, correlationID, caller string) (*Record, error) {
	rec, err := l.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if l.nowFn().Before(rec.ExpiresAt(l.expiry)) {
		return nil, ErrNotExpired
	}
	if !strings.EqualFold(caller, rec.Requester) {
		return nil, ErrNotRequester
	}
	return l.store.Delete(ctx, correlationID)
}

// Discard removes a record whose query never left the process. Missing
// records are ignored.
func (l *Ledger) Discard(ctx context.Context, correlationID string) error {
	if _, err := l.store.Delete(ctx, correlationID); err != nil && !errors.Is(err, ErrUnknownCorrelation) {
		return err
	}
	return nil
}

// Restore reinstates a record consumed by Resolve when the work it
// triggered had to be rolled back.
func (l *Ledger) Restore(ctx context.Context, rec *Record) error {
	if err := l.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("restore correlation %s: %w", rec.CorrelationID, err)
	}
	return nil
}

// ListByTrade returns the live records for a trade.
func (l *Ledger) ListByTrade(ctx context.Context, tradeID string) ([]*Record, error) {
	return l.store.ListByTrade(ctx, tradeID)
}

// ListExpired returns live records whose expiry window has passed.
func (l *Ledger) ListExpired(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	// inclusive: a record is cancellable at exactly IssuedAt+expiry
	cutoff := l.nowFn().Add(-l.expiry).Add(time.Nanosecond)
	return l.store.ListIssuedBefore(ctx, cutoff, limit)
}

// Live returns the number of outstanding records.
func (l *Ledger) Live(ctx context.Context) (int, error) {
	return l.store.Count(ctx)
}
