package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists trades in PostgreSQL. Funding reference
// uniqueness is enforced by a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, seller_addr, seller_steam_id, buyer_addr, buyer_steam_id,
	app_id, context_id, asset_id, class_id, instance_id,
	asking_price::TEXT, status, seller_holds_item, buyer_holds_item,
	funding_ref, fee::TEXT, payout::TEXT, settlement_ref,
	created_at, updated_at, funded_at, locked_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, seller_addr, seller_steam_id,
			app_id, context_id, asset_id, class_id, instance_id,
			asking_price, status, seller_holds_item, buyer_holds_item,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC(78,0), $10, $11, $12, $13, $14)`,
		t.ID, t.Seller.Addr, t.Seller.SteamID,
		t.Item.AppID, t.Item.ContextID, t.Item.AssetID, t.Item.ClassID, t.Item.InstanceID,
		t.AskingPrice, string(t.Status), string(t.SellerHoldsItem), string(t.BuyerHoldsItem),
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateTrade
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			buyer_addr = $2, buyer_steam_id = $3, status = $4,
			seller_holds_item = $5, buyer_holds_item = $6,
			funding_ref = $7, fee = $8::NUMERIC(78,0), payout = $9::NUMERIC(78,0),
			settlement_ref = $10, updated_at = $11,
			funded_at = $12, locked_at = $13, settled_at = $14
		WHERE id = $1`,
		t.ID, nullString(t.Buyer.Addr), nullString(t.Buyer.SteamID), string(t.Status),
		string(t.SellerHoldsItem), string(t.BuyerHoldsItem),
		nullString(t.FundingRef), nullString(t.Fee), nullString(t.Payout),
		nullString(t.SettlementRef), t.UpdatedAt,
		t.FundedAt, t.LockedAt, t.SettledAt,
	)
	if isUniqueViolation(err) {
		return ErrFundingReused
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Trade, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Party != "" {
		n := arg(f.Party)
		where = append(where, "(seller_addr = "+n+" OR buyer_addr = "+n+")")
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Cursor != nil {
		where = append(where, "(created_at, id) < ("+arg(f.Cursor.CreatedAt)+", "+arg(f.Cursor.ID)+")")
	}

	q := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var (
		buyerAddr, buyerSteam, fundingRef sql.NullString
		fee, payout, settlementRef        sql.NullString
		status, sellerHolds, buyerHolds   string
		fundedAt, lockedAt, settledAt     sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Seller.Addr, &t.Seller.SteamID, &buyerAddr, &buyerSteam,
		&t.Item.AppID, &t.Item.ContextID, &t.Item.AssetID, &t.Item.ClassID, &t.Item.InstanceID,
		&t.AskingPrice, &status, &sellerHolds, &buyerHolds,
		&fundingRef, &fee, &payout, &settlementRef,
		&t.CreatedAt, &t.UpdatedAt, &fundedAt, &lockedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.Buyer = Party{Addr: buyerAddr.String, SteamID: buyerSteam.String}
	t.Status = Status(status)
	t.SellerHoldsItem = Holding(sellerHolds)
	t.BuyerHoldsItem = Holding(buyerHolds)
	t.FundingRef = fundingRef.String
	t.Fee = fee.String
	t.Payout = payout.String
	t.SettlementRef = settlementRef.String
	t.FundedAt = timePtr(fundedAt)
	t.LockedAt = timePtr(lockedAt)
	t.SettledAt = timePtr(settledAt)
	return t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
