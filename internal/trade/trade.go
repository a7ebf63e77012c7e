// Package trade is the item-trade escrow: a seller lists a Steam item at a
// fixed price, a buyer funds it, and an external oracle attests who holds
// the item before the escrowed value is released.
//
// Flow:
//  1. Seller creates the trade; buyer funds it with exactly the asking price.
//  2. Seller locks the sale, or buyer locks a refund. The paths are exclusive.
//  3. Any party pays a query fee to ask the oracle whether the item moved
//     (sale path) or stayed (refund path).
//  4. A positive answer settles: the trade turns terminal, the platform fee
//     is credited, and the remainder is paid out.
package trade

import (
	"context"
	"time"

	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/pagination"
)

var (
	ErrTradeNotFound     = apperr.New(apperr.ErrNotFound, "trade not found")
	ErrDuplicateTrade    = apperr.New(apperr.ErrStateMismatch, "trade id already in use")
	ErrInvalidStatus     = apperr.New(apperr.ErrStateMismatch, "action not valid for the trade's current status")
	ErrUnauthorized      = apperr.New(apperr.ErrUnauthorized, "caller is not authorized for this trade action")
	ErrNotOracle         = apperr.New(apperr.ErrUnauthorized, "fulfilment caller is not the oracle authority")
	ErrInvalidPrice      = apperr.New(apperr.ErrInvalidInput, "asking price must be a positive integer in base units")
	ErrSelfTrade         = apperr.New(apperr.ErrInvalidInput, "seller cannot fund their own trade")
	ErrFundingAmount     = apperr.New(apperr.ErrInvalidInput, "funding amount must be an integer in base units")
	ErrUnderpaid         = apperr.New(apperr.ErrInsufficientBalance, "funding amount is below the asking price")
	ErrOverpaid          = apperr.New(apperr.ErrInvalidInput, "funding amount must equal the asking price")
	ErrFundingReused     = apperr.New(apperr.ErrDuplicateRequest, "funding reference already used by another trade")
	ErrPaymentUnverified = apperr.New(apperr.ErrInvalidInput, "funding payment could not be verified")
	ErrOracleUnavailable = apperr.New(apperr.ErrUnavailable, "verification oracle unavailable")
	ErrTransferFailed    = apperr.New(apperr.ErrTransferFailed, "settlement transfer failed")
)

// Status is a trade's position in the lifecycle.
type Status string

const (
	StatusCreated         Status = "created"
	StatusFundingSecured  Status = "funding_secured"
	StatusSaleLocked      Status = "sale_locked"
	StatusRefundLocked    Status = "refund_locked"
	StatusSaleCompleted   Status = "sale_completed"
	StatusRefundCompleted Status = "refund_completed"
)

// Ordinal orders statuses along the lifecycle. The two lock states share a
// rank, as do the two terminal states.
func (s Status) Ordinal() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusFundingSecured:
		return 1
	case StatusSaleLocked, StatusRefundLocked:
		return 2
	case StatusSaleCompleted, StatusRefundCompleted:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSaleCompleted || s == StatusRefundCompleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Ordinal() >= 0 }

// Holding is what the oracle last said about who has the item.
type Holding string

const (
	HoldingUnknown Holding = "unknown"
	HoldingYes     Holding = "true"
	HoldingNo      Holding = "false"
)

func holdingOf(found bool) Holding {
	if found {
		return HoldingYes
	}
	return HoldingNo
}

// Party is a trade participant: the settlement address plus the Steam
// identity the oracle inspects.
type Party struct {
	Addr    string `json:"address"`
	SteamID string `json:"steamId"`
}

// Item identifies one Steam inventory asset. It is passed through to the
// oracle untouched.
type Item struct {
	AppID      string `json:"appId"`
	ContextID  string `json:"contextId"`
	AssetID    string `json:"assetId"`
	ClassID    string `json:"classId"`
	InstanceID string `json:"instanceId"`
}

// Trade is one escrow agreement for one item at a fixed price.
type Trade struct {
	ID              string     `json:"id"`
	Seller          Party      `json:"seller"`
	Buyer           Party      `json:"buyer"` // empty until funded
	Item            Item       `json:"item"`
	AskingPrice     string     `json:"askingPrice"` // base units
	Status          Status     `json:"status"`
	SellerHoldsItem Holding    `json:"sellerHoldsItem"`
	BuyerHoldsItem  Holding    `json:"buyerHoldsItem"`
	FundingRef      string     `json:"fundingRef,omitempty"`
	Fee             string     `json:"fee,omitempty"`
	Payout          string     `json:"payout,omitempty"`
	SettlementRef   string     `json:"settlementRef,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	FundedAt        *time.Time `json:"fundedAt,omitempty"`
	LockedAt        *time.Time `json:"lockedAt,omitempty"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
}

// IsParty reports whether addr is the seller or the buyer.
func (t *Trade) IsParty(addr string) bool {
	return addr != "" && (addr == t.Seller.Addr || addr == t.Buyer.Addr)
}

// Clone returns a deep copy.
func (t *Trade) Clone() *Trade {
	cp := *t
	cp.FundedAt = cloneTime(t.FundedAt)
	cp.LockedAt = cloneTime(t.LockedAt)
	cp.SettledAt = cloneTime(t.SettledAt)
	return &cp
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ListFilter narrows List. Party matches either side of the trade.
type ListFilter struct {
	Party  string
	Status Status
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists trades. Create rejects an existing id with
// ErrDuplicateTrade; Update rejects a funding reference already held by
// another trade with ErrFundingReused. List returns newest first.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	List(ctx context.Context, f ListFilter) ([]*Trade, error)
}
