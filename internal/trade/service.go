package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/steamtrader/internal/amount"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/logging"
	"github.com/mbd888/steamtrader/internal/metrics"
	"github.com/mbd888/steamtrader/internal/pagination"
	"github.com/mbd888/steamtrader/internal/requests"
	"github.com/mbd888/steamtrader/internal/syncutil"
	"github.com/mbd888/steamtrader/internal/traces"
)

// DefaultFeePercent is the platform's cut of every settled trade.
const DefaultFeePercent = 5

var errMissingID = apperr.New(apperr.ErrInvalidInput, "trade id is required")

// Query asks the oracle whether SteamID currently holds Item.
type Query struct {
	CorrelationID string
	TradeID       string
	Purpose       requests.Purpose
	Item          Item
	SteamID       string
}

// Oracle submits verification queries. The answer arrives later through
// Service.Fulfill. Submit runs under the trade lock, so an implementation
// must never call Fulfill synchronously.
type Oracle interface {
	Submit(ctx context.Context, q Query) error
}

// MonetaryTransfer pays out escrowed value in the asking-price unit.
type MonetaryTransfer interface {
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
}

// PaymentVerifier confirms a funding reference pays amount from the buyer
// into escrow.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, ref, from string, amount *big.Int) error
}

// Balances charges query fees.
type Balances interface {
	DebitForQuery(ctx context.Context, party, cost, reference string) error
	Refund(ctx context.Context, party, amount, reference string) error
}

// FeeLedger accrues the platform fee.
type FeeLedger interface {
	Credit(ctx context.Context, fee *big.Int, reference string) error
}

// RequestLedger correlates oracle queries with trades.
type RequestLedger interface {
	Issue(ctx context.Context, tradeID string, purpose requests.Purpose, requester, cost string) (*requests.Record, error)
	Peek(ctx context.Context, correlationID string) (*requests.Record, error)
	Resolve(ctx context.Context, correlationID string) (*requests.Record, error)
	Cancel(ctx context.Context, correlationID, caller string) (*requests.Record, error)
	Discard(ctx context.Context, correlationID string) error
	Restore(ctx context.Context, rec *requests.Record) error
	ListByTrade(ctx context.Context, tradeID string) ([]*requests.Record, error)
}

// Config holds the economic and trust parameters.
type Config struct {
	FeePercent      int64  // 0..100
	QueryCost       string // service-fee token base units per query
	OracleAuthority string // the only caller allowed to fulfil
}

// CreateRequest lists an item. The caller becomes the seller.
type CreateRequest struct {
	ID            string `json:"id" binding:"required"`
	SellerSteamID string `json:"sellerSteamId" binding:"required"`
	AskingPrice   string `json:"askingPrice" binding:"required"`
	Item          Item   `json:"item"`
}

// FundRequest pays for a trade. The caller becomes the buyer.
type FundRequest struct {
	BuyerSteamID string `json:"buyerSteamId" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	FundingRef   string `json:"fundingRef"`
}

// Service is the escrow state machine. Transitions on one trade are
// serialized by a per-trade lock; the lock is released only around the
// settlement payout.
type Service struct {
	store    Store
	requests RequestLedger
	balances Balances
	fees     FeeLedger
	oracle   Oracle
	transfer MonetaryTransfer
	verifier PaymentVerifier
	events   EventEmitter
	cfg      Config
	locks    syncutil.ShardedMutex
	now      func() time.Time
}

func NewService(store Store, reqs RequestLedger, balances Balances, fees FeeLedger, oracle Oracle, transfer MonetaryTransfer, cfg Config) *Service {
	cfg.OracleAuthority = strings.ToLower(strings.TrimSpace(cfg.OracleAuthority))
	if cfg.QueryCost == "" {
		cfg.QueryCost = "0"
	}
	return &Service{
		store:    store,
		requests: reqs,
		balances: balances,
		fees:     fees,
		oracle:   oracle,
		transfer: transfer,
		events:   NopEmitter{},
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithVerifier requires funding references to be verified on chain.
func (s *Service) WithVerifier(v PaymentVerifier) *Service {
	s.verifier = v
	return s
}

// WithEvents sets the event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	if e != nil {
		s.events = e
	}
	return s
}

// WithClock overrides time.Now for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Split divides price into the platform fee (truncated) and the payout.
// fee + payout == price for every price and percentage.
func Split(price *big.Int, feePercent int64) (fee, payout *big.Int) {
	fee = amount.Percent(price, feePercent)
	return fee, new(big.Int).Sub(price, fee)
}

// CreateTrade lists an item for sale.
func (s *Service) CreateTrade(ctx context.Context, caller string, req CreateRequest) (*Trade, error) {
	caller = normalize(caller)
	if caller == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(req.ID) == "" {
		return nil, errMissingID
	}
	price, ok := amount.ParsePositive(req.AskingPrice)
	if !ok {
		return nil, ErrInvalidPrice
	}

	now := s.now().UTC()
	t := &Trade{
		ID:              req.ID,
		Seller:          Party{Addr: caller, SteamID: req.SellerSteamID},
		Item:            req.Item,
		AskingPrice:     amount.Format(price),
		Status:          StatusCreated,
		SellerHoldsItem: HoldingUnknown,
		BuyerHoldsItem:  HoldingUnknown,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	s.emit(ctx, EventTradeCreated, t)
	return t.Clone(), nil
}

// FundTrade records the buyer's payment of exactly the asking price.
func (s *Service) FundTrade(ctx context.Context, caller, id string, req FundRequest) (*Trade, error) {
	caller = normalize(caller)
	if caller == "" {
		return nil, ErrUnauthorized
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusCreated {
		return nil, ErrInvalidStatus
	}
	if caller == t.Seller.Addr {
		return nil, ErrSelfTrade
	}
	paid, ok := amount.Parse(req.Amount)
	if !ok {
		return nil, ErrFundingAmount
	}
	price, _ := amount.Parse(t.AskingPrice)
	switch paid.Cmp(price) {
	case -1:
		return nil, ErrUnderpaid
	case 1:
		return nil, ErrOverpaid
	}
	if s.verifier != nil {
		if req.FundingRef == "" {
			return nil, ErrPaymentUnverified
		}
		if err := s.verifier.VerifyPayment(ctx, req.FundingRef, caller, price); err != nil {
			if errors.Is(err, apperr.ErrUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrPaymentUnverified, err)
		}
	}

	now := s.now().UTC()
	next := t.Clone()
	next.Buyer = Party{Addr: caller, SteamID: req.BuyerSteamID}
	next.FundingRef = strings.ToLower(req.FundingRef)
	next.Status = StatusFundingSecured
	next.FundedAt = &now
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
	s.emit(ctx, EventFundingSecured, next)
	return next, nil
}

// LockSale commits the seller to delivering the item.
func (s *Service) LockSale(ctx context.Context, caller, id string) (*Trade, error) {
	caller = normalize(caller)
	return s.lockPath(ctx, id, StatusSaleLocked, EventSaleLocked, func(t *Trade) bool {
		return caller == t.Seller.Addr
	})
}

// RequestRefund commits the trade to the refund path.
func (s *Service) RequestRefund(ctx context.Context, caller, id string) (*Trade, error) {
	caller = normalize(caller)
	return s.lockPath(ctx, id, StatusRefundLocked, EventRefundRequested, func(t *Trade) bool {
		return caller == t.Buyer.Addr
	})
}

// lockPath moves a funded trade onto the sale or refund path.
func (s *Service) lockPath(ctx context.Context, id string, to Status, ev EventType, authorized func(*Trade) bool) (*Trade, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusFundingSecured {
		return nil, ErrInvalidStatus
	}
	if !authorized(t) {
		return nil, ErrUnauthorized
	}

	now := s.now().UTC()
	next := t.Clone()
	next.Status = to
	next.LockedAt = &now
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.emit(ctx, ev, next)
	return next, nil
}

// RequestTradeConfirmation asks the oracle whether the buyer now holds the
// item. Any party may pay for the query.
func (s *Service) RequestTradeConfirmation(ctx context.Context, caller, id string) (*requests.Record, error) {
	return s.requestCheck(ctx, caller, id, requests.PurposeBuyerCheck,
		func(t *Trade) error {
			if t.Status != StatusSaleLocked {
				return ErrInvalidStatus
			}
			return nil
		},
		func(t *Trade) string { return t.Buyer.SteamID })
}

// RequestSellerCheck asks the oracle whether the seller still holds the
// item, which grants the buyer's refund.
func (s *Service) RequestSellerCheck(ctx context.Context, caller, id string) (*requests.Record, error) {
	caller = normalize(caller)
	return s.requestCheck(ctx, caller, id, requests.PurposeSellerCheck,
		func(t *Trade) error {
			if t.Status != StatusRefundLocked {
				return ErrInvalidStatus
			}
			if !t.IsParty(caller) {
				return ErrUnauthorized
			}
			return nil
		},
		func(t *Trade) string { return t.Seller.SteamID })
}

// RequestTradeItemValidation is an informational seller check. Its answer
// updates SellerHoldsItem but never settles the trade.
func (s *Service) RequestTradeItemValidation(ctx context.Context, caller, id string) (*requests.Record, error) {
	return s.requestCheck(ctx, caller, id, requests.PurposeItemValidation,
		func(t *Trade) error {
			if t.Status.Terminal() {
				return ErrInvalidStatus
			}
			return nil
		},
		func(t *Trade) string { return t.Seller.SteamID })
}

// requestCheck issues a correlation record, charges the caller and submits
// the query, undoing the first two if a later step fails.
func (s *Service) requestCheck(ctx context.Context, caller, id string, purpose requests.Purpose,
	guard func(*Trade) error, target func(*Trade) string) (rec *requests.Record, err error) {
	caller = normalize(caller)
	if caller == "" {
		return nil, ErrUnauthorized
	}

	ctx, span := traces.StartSpan(ctx, "trade.RequestCheck",
		traces.TradeID(id), traces.Purpose(string(purpose)), traces.Party(caller))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard(t); err != nil {
		return nil, err
	}

	rec, err = s.requests.Issue(ctx, t.ID, purpose, caller, s.cfg.QueryCost)
	if err != nil {
		return nil, err
	}
	if err := s.balances.DebitForQuery(ctx, caller, s.cfg.QueryCost, rec.CorrelationID); err != nil {
		s.discard(ctx, rec)
		return nil, err
	}

	q := Query{
		CorrelationID: rec.CorrelationID,
		TradeID:       t.ID,
		Purpose:       purpose,
		Item:          t.Item,
		SteamID:       target(t),
	}
	if err := s.oracle.Submit(ctx, q); err != nil {
		s.discard(ctx, rec)
		if rerr := s.balances.Refund(context.WithoutCancel(ctx), caller, s.cfg.QueryCost, rec.CorrelationID); rerr != nil {
			logging.Trade(ctx, t.ID).Error("query fee not refunded after failed submission",
				"correlationId", rec.CorrelationID, "party", caller, "error", rerr)
		}
		metrics.OracleRequestsTotal.WithLabelValues(string(purpose), "failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	metrics.OracleRequestsTotal.WithLabelValues(string(purpose), "submitted").Inc()
	s.events.Emit(ctx, Event{
		Type:          EventOracleRequested,
		TradeID:       t.ID,
		CorrelationID: rec.CorrelationID,
		Purpose:       purpose,
		At:            s.now().UTC(),
	})
	return rec, nil
}

// Fulfill applies an oracle answer. caller must be the oracle authority.
// An unknown correlation id (never issued, already resolved, or cancelled)
// yields requests.ErrUnknownCorrelation and changes nothing.
func (s *Service) Fulfill(ctx context.Context, caller, correlationID string, found bool) (t *Trade, err error) {
	if s.cfg.OracleAuthority == "" || normalize(caller) != s.cfg.OracleAuthority {
		metrics.OracleFulfillmentsTotal.WithLabelValues("unknown", "rejected").Inc()
		return nil, ErrNotOracle
	}

	ctx, span := traces.StartSpan(ctx, "trade.Fulfill", traces.CorrelationID(correlationID))
	defer func() { traces.End(span, err) }()

	rec, err := s.requests.Peek(ctx, correlationID)
	if err != nil {
		if errors.Is(err, requests.ErrUnknownCorrelation) {
			metrics.OracleFulfillmentsTotal.WithLabelValues("unknown", "ignored").Inc()
		}
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, rec.TradeID)
	if err != nil {
		return nil, err
	}
	release := sync.OnceFunc(unlock)
	defer release()

	// A concurrent fulfilment or cancellation may have won the race.
	rec, err = s.requests.Resolve(ctx, correlationID)
	if err != nil {
		if errors.Is(err, requests.ErrUnknownCorrelation) {
			metrics.OracleFulfillmentsTotal.WithLabelValues("unknown", "ignored").Inc()
		}
		return nil, err
	}

	cur, err := s.store.Get(ctx, rec.TradeID)
	if err != nil {
		s.restore(ctx, rec)
		return nil, err
	}

	outcome := "not_found"
	if found {
		outcome = "found"
	}
	defer func() {
		if err == nil {
			metrics.OracleFulfillmentsTotal.WithLabelValues(string(rec.Purpose), outcome).Inc()
		}
	}()

	switch rec.Purpose {
	case requests.PurposeBuyerCheck:
		if cur.Status != StatusSaleLocked {
			s.reject(ctx, cur, rec)
			return nil, ErrInvalidStatus
		}
		if found {
			return s.settle(ctx, release, cur, rec, saleSettlement)
		}
		return s.recordHolding(ctx, cur, rec, func(n *Trade) { n.BuyerHoldsItem = HoldingNo })

	case requests.PurposeSellerCheck:
		if cur.Status != StatusRefundLocked {
			s.reject(ctx, cur, rec)
			return nil, ErrInvalidStatus
		}
		if found {
			return s.settle(ctx, release, cur, rec, refundSettlement)
		}
		return s.recordHolding(ctx, cur, rec, func(n *Trade) { n.SellerHoldsItem = HoldingNo })

	case requests.PurposeItemValidation:
		if cur.Status.Terminal() {
			s.reject(ctx, cur, rec)
			return nil, ErrInvalidStatus
		}
		next, err := s.recordHolding(ctx, cur, rec, func(n *Trade) { n.SellerHoldsItem = holdingOf(found) })
		if err == nil && found {
			s.emit(ctx, EventSellerHasItem, next)
		}
		return next, err
	}

	s.restore(ctx, rec)
	return nil, requests.ErrInvalidPurpose
}

// recordHolding persists a non-settling oracle answer.
func (s *Service) recordHolding(ctx context.Context, t *Trade, rec *requests.Record, apply func(*Trade)) (*Trade, error) {
	next := t.Clone()
	apply(next)
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, next); err != nil {
		s.restore(ctx, rec)
		return nil, err
	}
	return next, nil
}

// settlement describes one of the two terminal paths.
type settlement struct {
	path      string
	status    Status
	mark      func(*Trade)
	recipient func(*Trade) string
	events    [2]EventType
}

var (
	saleSettlement = settlement{
		path:      "sale",
		status:    StatusSaleCompleted,
		mark:      func(t *Trade) { t.BuyerHoldsItem = HoldingYes },
		recipient: func(t *Trade) string { return t.Seller.Addr },
		events:    [2]EventType{EventBuyerHasItem, EventSaleCompleted},
	}
	refundSettlement = settlement{
		path:      "refund",
		status:    StatusRefundCompleted,
		mark:      func(t *Trade) { t.SellerHoldsItem = HoldingYes },
		recipient: func(t *Trade) string { return t.Buyer.Addr },
		events:    [2]EventType{EventSellerHasItem, EventRefundGranted},
	}
)

// settle makes the trade terminal, pays out, then accrues the fee. The
// trade lock is released for the payout, so anything the transfer triggers
// sees a terminal trade. A failed payout restores the trade and the
// correlation record; the fee account is only touched once the payout is
// out, so it never has to be taken back.
//
// A payout broadcast but not confirmed (apperr.ErrTransferPending) keeps the
// settlement; the transaction may still be mined.
func (s *Service) settle(ctx context.Context, release func(), t *Trade, rec *requests.Record, p settlement) (*Trade, error) {
	price, _ := amount.Parse(t.AskingPrice)
	fee, payout := Split(price, s.cfg.FeePercent)

	now := s.now().UTC()
	next := t.Clone()
	p.mark(next)
	next.Status = p.status
	next.Fee = amount.Format(fee)
	next.Payout = amount.Format(payout)
	next.SettledAt = &now
	next.UpdatedAt = now

	if err := s.store.Update(ctx, next); err != nil {
		s.restore(ctx, rec)
		return nil, err
	}

	to := p.recipient(next)
	release()

	ref, err := s.transfer.Transfer(ctx, to, payout)
	if err != nil && !errors.Is(err, apperr.ErrTransferPending) {
		s.rollbackSettlement(ctx, t, rec, err)
		metrics.SettlementsTotal.WithLabelValues(p.path, "rolled_back").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	bg := context.WithoutCancel(ctx)
	log := logging.Trade(ctx, next.ID)
	outcome := "ok"
	if err != nil {
		outcome = "unconfirmed"
		log.Error("payout broadcast but not confirmed, settlement kept",
			"recipient", to, "payout", next.Payout, "settlementRef", ref, "error", err)
	}

	relock := s.locks.Lock(next.ID)
	if ferr := s.fees.Credit(bg, fee, next.ID); ferr != nil {
		log.Error("CRITICAL: payout sent but fee not accrued", "fee", next.Fee, "error", ferr)
	}
	next.SettlementRef = ref
	if err := s.store.Update(bg, next); err != nil {
		log.Warn("settlement reference not persisted", "settlementRef", ref, "error", err)
	}
	relock()

	metrics.SettlementsTotal.WithLabelValues(p.path, outcome).Inc()
	metrics.TradeTransitionsTotal.WithLabelValues(string(p.status)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	log.Info("trade settled",
		"path", p.path, "recipient", to, "payout", next.Payout, "fee", next.Fee, "settlementRef", ref)

	for _, ev := range p.events {
		s.emit(bg, ev, next)
	}
	return next.Clone(), nil
}

// rollbackSettlement undoes a settlement whose payout failed.
func (s *Service) rollbackSettlement(ctx context.Context, snapshot *Trade, rec *requests.Record, cause error) {
	bg := context.WithoutCancel(ctx)
	unlock := s.locks.Lock(snapshot.ID)
	defer unlock()

	log := logging.Trade(ctx, snapshot.ID)
	if err := s.store.Update(bg, snapshot); err != nil {
		log.Error("CRITICAL: payout failed and trade status not restored", "transferError", cause, "error", err)
	}
	if err := s.requests.Restore(bg, rec); err != nil {
		log.Error("payout failed and correlation record not reinstated",
			"correlationId", rec.CorrelationID, "error", err)
	}
	log.Warn("settlement rolled back", "correlationId", rec.CorrelationID, "error", cause)
}

// CancelRequest withdraws an expired query so a fresh one can be issued.
// The query fee is not returned.
func (s *Service) CancelRequest(ctx context.Context, caller, correlationID string) (*requests.Record, error) {
	rec, err := s.requests.Cancel(ctx, correlationID, normalize(caller))
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, Event{
		Type:          EventRequestCancelled,
		TradeID:       rec.TradeID,
		CorrelationID: rec.CorrelationID,
		Purpose:       rec.Purpose,
		At:            s.now().UTC(),
	})
	return rec, nil
}

// Get returns a trade by id.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of trades, newest first, and the next cursor.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Trade, string, error) {
	if f.Limit <= 0 {
		f.Limit = pagination.DefaultLimit
	}
	limit := f.Limit
	f.Party = normalize(f.Party)
	f.Limit = limit + 1
	trades, err := s.store.List(ctx, f)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// ListRequests returns the live oracle queries for a trade.
func (s *Service) ListRequests(ctx context.Context, tradeID string) ([]*requests.Record, error) {
	if _, err := s.store.Get(ctx, tradeID); err != nil {
		return nil, err
	}
	return s.requests.ListByTrade(ctx, tradeID)
}

func (s *Service) discard(ctx context.Context, rec *requests.Record) {
	if err := s.requests.Discard(context.WithoutCancel(ctx), rec.CorrelationID); err != nil {
		logging.Trade(ctx, rec.TradeID).Error("correlation record not discarded",
			"correlationId", rec.CorrelationID, "error", err)
	}
}

// reject handles an answer that no longer fits the trade. Once the trade is
// terminal the record can never be resolved, so it stays consumed; otherwise
// it is reinstated.
func (s *Service) reject(ctx context.Context, cur *Trade, rec *requests.Record) {
	if cur.Status.Terminal() {
		logging.Trade(ctx, cur.ID).Info("verification answer for settled trade dropped",
			"correlationId", rec.CorrelationID, "purpose", rec.Purpose, "status", cur.Status)
		return
	}
	s.restore(ctx, rec)
}

func (s *Service) restore(ctx context.Context, rec *requests.Record) {
	if err := s.requests.Restore(context.WithoutCancel(ctx), rec); err != nil {
		logging.Trade(ctx, rec.TradeID).Error("correlation record not reinstated",
			"correlationId", rec.CorrelationID, "error", err)
	}
}

// revert writes back a pre-settlement snapshot while the lock is held.
func (s *Service) revert(ctx context.Context, snapshot *Trade) {
	if err := s.store.Update(context.WithoutCancel(ctx), snapshot); err != nil {
		logging.Trade(ctx, snapshot.ID).Error("CRITICAL: trade status not restored after failed fee credit", "error", err)
	}
}

func (s *Service) emit(ctx context.Context, typ EventType, t *Trade) {
	s.events.Emit(ctx, Event{Type: typ, TradeID: t.ID, Trade: t.Clone(), At: s.now().UTC()})
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
