package requests

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists correlation records in PostgreSQL. The
// oracle_requests table carries a unique index on (trade_id, purpose), so
// the one-live-record rule holds across replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed correlation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `correlation_id, trade_id, purpose, requester, cost, issued_at`

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oracle_requests (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6)`,
		rec.CorrelationID, rec.TradeID, string(rec.Purpose), rec.Requester, rec.Cost, rec.IssuedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateRequest
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, correlationID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM oracle_requests WHERE correlation_id = $1`, correlationID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCorrelation
	}
	return rec, err
}

// Delete removes and returns the record in one statement, so two
// concurrent resolutions cannot both succeed.
func (p *PostgresStore) Delete(ctx context.Context, correlationID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`DELETE FROM oracle_requests WHERE correlation_id = $1 RETURNING `+recordColumns, correlationID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCorrelation
	}
	return rec, err
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM oracle_requests
		WHERE trade_id = $1
		ORDER BY issued_at, correlation_id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *PostgresStore) ListIssuedBefore(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM oracle_requests
		WHERE issued_at < $1
		ORDER BY issued_at, correlation_id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oracle_requests`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		purpose string
	)
	if err := row.Scan(&rec.CorrelationID, &rec.TradeID, &purpose, &rec.Requester, &rec.Cost, &rec.IssuedAt); err != nil {
		return nil, err
	}
	rec.Purpose = Purpose(purpose)
	rec.IssuedAt = rec.IssuedAt.UTC()
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
