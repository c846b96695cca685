package arbitration

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresRegistry persists arbitrators in PostgreSQL.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a new PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (p *PostgresRegistry) Put(ctx context.Context, a *Arbitrator) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitrators (addr, fiats, pub_key, active, registered_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.Addr, pq.Array(a.Fiats), a.PubKey, a.Active, a.RegisteredAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyRegistered
	}
	return err
}

func (p *PostgresRegistry) Get(ctx context.Context, addr string) (*Arbitrator, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT addr, fiats, pub_key, active, registered_at
		FROM arbitrators WHERE addr = $1`, addr)

	var a Arbitrator
	err := row.Scan(&a.Addr, pq.Array(&a.Fiats), &a.PubKey, &a.Active, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrArbitratorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresRegistry) ListActiveByFiat(ctx context.Context, fiat string) ([]*Arbitrator, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT addr, fiats, pub_key, active, registered_at
		FROM arbitrators
		WHERE active AND $1 = ANY(fiats)
		ORDER BY addr`, fiat)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Arbitrator
	for rows.Next() {
		var a Arbitrator
		if err := rows.Scan(&a.Addr, pq.Array(&a.Fiats), &a.PubKey, &a.Active, &a.RegisteredAt); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (p *PostgresRegistry) SetActive(ctx context.Context, addr string, active bool) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE arbitrators SET active = $1 WHERE addr = $2`, active, addr)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrArbitratorNotFound
	}
	return nil
}
