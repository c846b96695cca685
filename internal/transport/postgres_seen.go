package transport

import (
	"context"
	"database/sql"
)

// PostgresSeen is a SeenStore backed by the processed_messages table. The
// primary key on msg_id makes Mark atomic across service instances.
type PostgresSeen struct {
	db *sql.DB
}

// NewPostgresSeen creates a Postgres-backed seen store.
func NewPostgresSeen(db *sql.DB) *PostgresSeen {
	return &PostgresSeen{db: db}
}

func (p *PostgresSeen) Mark(ctx context.Context, msgID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_messages (msg_id, processed_at)
		VALUES ($1, NOW())
		ON CONFLICT (msg_id) DO NOTHING`,
		msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresSeen) Unmark(ctx context.Context, msgID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE msg_id = $1`, msgID)
	return err
}

func (p *PostgresSeen) Seen(ctx context.Context, msgID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_messages WHERE msg_id = $1)`,
		msgID).Scan(&exists)
	return exists, err
}
