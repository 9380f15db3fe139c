package nonce

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres keeps the ledger in the store database so replay protection
// survives restarts on deployments without Redis. INSERT with ON
// CONFLICT gives atomic first-writer-wins; a conflicting row older than
// the retention window counts as unseen and is refreshed in place.
// Expired rows are reclaimed by the sweeper.
type Postgres struct {
	db        *sql.DB
	retention time.Duration
}

func NewPostgres(db *sql.DB, retention time.Duration) *Postgres {
	return &Postgres{db: db, retention: retention}
}

func (p *Postgres) Seen(ctx context.Context, readerID, nonce string, now time.Time) (bool, error) {
	var seen bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM nonces
			WHERE reader_id = $1 AND nonce = $2 AND observed_at > $3
		)`,
		readerID, nonce, now.Add(-p.retention)).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("nonce ledger postgres: %w", err)
	}
	return seen, nil
}

func (p *Postgres) Remember(ctx context.Context, readerID, nonce string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO nonces (reader_id, nonce, observed_at) VALUES ($1, $2, $3)
		ON CONFLICT (reader_id, nonce) DO UPDATE SET observed_at = EXCLUDED.observed_at
		WHERE nonces.observed_at <= $4`,
		readerID, nonce, now, now.Add(-p.retention))
	if err != nil {
		return false, fmt.Errorf("nonce ledger postgres: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nonce ledger postgres: %w", err)
	}
	return n == 1, nil
}

func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE observed_at <= $1`, now.Add(-p.retention))
	if err != nil {
		return 0, fmt.Errorf("nonce ledger postgres: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("nonce ledger postgres: %w", err)
	}
	return int(n), nil
}
