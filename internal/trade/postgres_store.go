package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kverko/fiatswap/internal/offer"
)

// PostgresStore persists trades in PostgreSQL. The state history is stored
// as a JSONB array in append order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, offer_id, direction, buyer_addr, seller_addr, fiat, denom,
		amount, locked_price, state, buyer_contact,
		arbitrator_addr, arbitrator_proof, arbitrator_fallback,
		dispute_reason, resolution,
		created_at, expires_at, dispute_deadline, updated_at, history`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, offer_id, direction, buyer_addr, seller_addr, fiat, denom,
			amount, locked_price, state, buyer_contact,
			arbitrator_addr, arbitrator_proof, arbitrator_fallback,
			dispute_reason, resolution,
			created_at, expires_at, dispute_deadline, updated_at, history
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16,
			$17, $18, $19, $20, $21
		)`,
		t.ID, t.OfferID, string(t.Direction), t.Buyer, t.Seller, t.Fiat, t.Denom,
		t.Amount, t.LockedPrice, string(t.State), nullString(t.BuyerContact),
		nullString(t.Arbitrator), nullString(t.ArbitratorProof), t.ArbitratorFallback,
		nullString(t.DisputeReason), nullString(t.Resolution),
		t.CreatedAt, t.ExpiresAt, nullTime(t.DisputeDeadline), t.UpdatedAt, history,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			state = $1,
			arbitrator_addr = $2, arbitrator_proof = $3, arbitrator_fallback = $4,
			dispute_reason = $5, resolution = $6,
			expires_at = $7, dispute_deadline = $8, updated_at = $9, history = $10
		WHERE id = $11`,
		string(t.State),
		nullString(t.Arbitrator), nullString(t.ArbitratorProof), t.ArbitratorFallback,
		nullString(t.DisputeReason), nullString(t.Resolution),
		t.ExpiresAt, nullTime(t.DisputeDeadline), t.UpdatedAt, history,
		t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE buyer_addr = $1 OR seller_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE state IN ('request_created', 'request_accepted')
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	var t Trade
	var direction, state string
	var contact, arb, proof, reason, resolution sql.NullString
	var disputeDeadline sql.NullTime
	var history []byte

	err := s.Scan(&t.ID, &t.OfferID, &direction, &t.Buyer, &t.Seller, &t.Fiat, &t.Denom,
		&t.Amount, &t.LockedPrice, &state, &contact,
		&arb, &proof, &t.ArbitratorFallback,
		&reason, &resolution,
		&t.CreatedAt, &t.ExpiresAt, &disputeDeadline, &t.UpdatedAt, &history)
	if err != nil {
		return nil, err
	}

	t.Direction = offer.Direction(direction)
	t.State = State(state)
	t.BuyerContact = contact.String
	t.Arbitrator = arb.String
	t.ArbitratorProof = proof.String
	t.DisputeReason = reason.String
	t.Resolution = resolution.String
	if disputeDeadline.Valid {
		d := disputeDeadline.Time
		t.DisputeDeadline = &d
	}
	if err := json.Unmarshal(history, &t.History); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
