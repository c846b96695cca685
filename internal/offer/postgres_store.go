package offer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, owner_addr, direction, fiat, denom, rate_bps,
		min_amount, max_amount, description, state, open_trades,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, owner_addr, direction, fiat, denom, rate_bps,
			min_amount, max_amount, description, state, open_trades,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.Owner, string(o.Direction), o.Fiat, o.Denom, o.RateBps,
		o.MinAmount, o.MaxAmount, o.Description, string(o.State), o.OpenTrades,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			rate_bps = $1, min_amount = $2, max_amount = $3,
			description = $4, state = $5, open_trades = $6, updated_at = $7
		WHERE id = $8`,
		o.RateBps, o.MinAmount, o.MaxAmount,
		o.Description, string(o.State), o.OpenTrades, o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter, limit int) ([]*Offer, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Owner != "" {
		conds = append(conds, "owner_addr = "+arg(strings.ToLower(filter.Owner)))
	}
	if filter.Fiat != "" {
		conds = append(conds, "fiat = "+arg(strings.ToUpper(filter.Fiat)))
	}
	if filter.Direction != "" {
		conds = append(conds, "direction = "+arg(string(filter.Direction)))
	}
	if filter.State != "" {
		conds = append(conds, "state = "+arg(string(filter.State)))
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	var o Offer
	var direction, state string
	err := s.Scan(&o.ID, &o.Owner, &direction, &o.Fiat, &o.Denom, &o.RateBps,
		&o.MinAmount, &o.MaxAmount, &o.Description, &state, &o.OpenTrades,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Direction = Direction(direction)
	o.State = State(state)
	return &o, nil
}
