package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	SELECT id, party, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
	FROM webhooks`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, party, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.Party, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scan(p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+` WHERE party = $1 ORDER BY created_at DESC`, party)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scan(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			last_success = $1,
			last_error = NULL,
			consecutive_failures = 0
		WHERE id = $2
	`, at, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (p *PostgresStore) RecordFailure(ctx context.Context, id, lastError string, maxFailures int) (*Subscription, error) {
	sub, err := scan(p.db.QueryRowContext(ctx, `
		UPDATE webhooks SET
			last_error = $1,
			consecutive_failures = consecutive_failures + 1,
			active = active AND consecutive_failures + 1 < $2
		WHERE id = $3
		RETURNING id, party, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
	`, lastError, maxFailures, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&sub.ID, &sub.Party, &sub.URL, &sub.Secret, &events,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return sub, nil
}
