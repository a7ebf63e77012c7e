package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/steamtrader/internal/idgen"
	"github.com/mbd888/steamtrader/internal/pagination"
)

// PostgresStore persists balances in PostgreSQL. Decrements are a single
// conditional UPDATE, and CHECK (available >= 0) backs them at the schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, party string) (*Balance, error) {
	bal := &Balance{Party: party}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM balances WHERE party = $1
	`, party).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Party: party, Available: "0", TotalIn: "0", TotalOut: "0"}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, party, amount, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (party, available, total_in, updated_at)
			VALUES ($1, $2::NUMERIC(78,0), $2::NUMERIC(78,0), NOW())
			ON CONFLICT (party) DO UPDATE SET
				available  = balances.available + $2::NUMERIC(78,0),
				total_in   = balances.total_in  + $2::NUMERIC(78,0),
				updated_at = NOW()
		`, party, amount)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return insertEntry(ctx, tx, party, KindDeposit, amount, reference)
	})
}

func (p *PostgresStore) Debit(ctx context.Context, party, amount string, kind EntryKind, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				available  = available - $2::NUMERIC(78,0),
				total_out  = total_out + $2::NUMERIC(78,0),
				updated_at = NOW()
			WHERE party = $1 AND available >= $2::NUMERIC(78,0)
		`, party, amount)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientBalance
		}
		return insertEntry(ctx, tx, party, kind, amount, reference)
	})
}

func (p *PostgresStore) Refund(ctx context.Context, party, amount, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (party, available, updated_at)
			VALUES ($1, $2::NUMERIC(78,0), NOW())
			ON CONFLICT (party) DO UPDATE SET
				available  = balances.available + $2::NUMERIC(78,0),
				total_out  = GREATEST(balances.total_out - $2::NUMERIC(78,0), 0),
				updated_at = NOW()
		`, party, amount)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return insertEntry(ctx, tx, party, KindRefund, amount, reference)
	})
}

func (p *PostgresStore) History(ctx context.Context, party string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	query := `
		SELECT id, party, kind, amount, COALESCE(reference, ''), created_at
		FROM balance_entries WHERE party = $1`
	args := []any{party}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.Party, &kind, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) SumAvailable(ctx context.Context) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(available), 0)::TEXT FROM balances`).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) GetFees(ctx context.Context) (*Fees, error) {
	f := &Fees{}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_earned, total_withdrawn, updated_at
		FROM platform_fees WHERE id = 1
	`).Scan(&f.Available, &f.TotalEarned, &f.TotalWithdrawn, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Fees{Available: "0", TotalEarned: "0", TotalWithdrawn: "0"}, nil
	}
	return f, err
}

func (p *PostgresStore) EarnFees(ctx context.Context, amount string) error {
	return p.execFees(ctx, `
		UPDATE platform_fees SET
			available    = available + $1::NUMERIC(78,0),
			total_earned = total_earned + $1::NUMERIC(78,0),
			updated_at   = NOW()
		WHERE id = 1`, amount)
}

func (p *PostgresStore) WithdrawFees(ctx context.Context, amount string) error {
	return p.execFees(ctx, `
		UPDATE platform_fees SET
			available       = available - $1::NUMERIC(78,0),
			total_withdrawn = total_withdrawn + $1::NUMERIC(78,0),
			updated_at      = NOW()
		WHERE id = 1 AND available >= $1::NUMERIC(78,0)`, amount)
}

func (p *PostgresStore) RestoreFees(ctx context.Context, amount string) error {
	return p.execFees(ctx, `
		UPDATE platform_fees SET
			available       = available + $1::NUMERIC(78,0),
			total_withdrawn = GREATEST(total_withdrawn - $1::NUMERIC(78,0), 0),
			updated_at      = NOW()
		WHERE id = 1`, amount)
}

// execFees runs a single-row fee update; no row means the guard failed.
func (p *PostgresStore) execFees(ctx context.Context, query, amount string) error {
	res, err := p.db.ExecContext(ctx, query, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFees
	}
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, party string, kind EntryKind, amount, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_entries (id, party, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), NULLIF($5, ''), NOW())
	`, idgen.New(), party, string(kind), amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
