package custody

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists custody data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			trade_id, denom, amount, depositor, frozen, completed, outcome,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.TradeID, r.Denom, r.Amount, r.Depositor, r.Frozen, r.Completed,
		nullString(r.Outcome), r.CreatedAt, r.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyFunded
	}
	return err
}

const escrowColumns = `trade_id, denom, amount, depositor, frozen, completed, outcome, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, tradeID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE trade_id = $1`, tradeID)

	var r Record
	var outcome sql.NullString
	err := row.Scan(&r.TradeID, &r.Denom, &r.Amount, &r.Depositor, &r.Frozen,
		&r.Completed, &outcome, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Outcome = outcome.String
	return &r, nil
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			frozen = $1, completed = $2, outcome = $3, updated_at = $4
		WHERE trade_id = $5`,
		r.Frozen, r.Completed, nullString(r.Outcome), r.UpdatedAt, r.TradeID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) CreditPending(ctx context.Context, recipient, denom string, amount int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_withdrawals (recipient, denom, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient, denom)
		DO UPDATE SET amount = pending_withdrawals.amount + EXCLUDED.amount`,
		recipient, denom, amount,
	)
	return err
}

func (p *PostgresStore) DrainPending(ctx context.Context, recipient string) ([]Credit, error) {
	// DELETE..RETURNING makes the read-and-zero a single atomic statement.
	rows, err := p.db.QueryContext(ctx, `
		DELETE FROM pending_withdrawals
		WHERE recipient = $1 AND amount > 0
		RETURNING denom, amount
		`, recipient)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var credits []Credit
	for rows.Next() {
		c := Credit{Recipient: recipient}
		if err := rows.Scan(&c.Denom, &c.Amount); err != nil {
			return nil, err
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func (p *PostgresStore) Pending(ctx context.Context, recipient string) ([]Credit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT denom, amount FROM pending_withdrawals
		WHERE recipient = $1 AND amount > 0
		ORDER BY denom`, recipient)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var credits []Credit
	for rows.Next() {
		c := Credit{Recipient: recipient}
		if err := rows.Scan(&c.Denom, &c.Amount); err != nil {
			return nil, err
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
