package runs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PGLocker stores run leases in the run_leases table.
type PGLocker struct {
	DB *sql.DB
}

// Acquire inserts a lease, or takes over one that has expired.
func (l *PGLocker) Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (Lease, error) {
	const query = `
INSERT INTO run_leases (run_id, owner, token, expires_at)
VALUES ($1, $2, $3, now() + $4 * interval '1 millisecond')
ON CONFLICT (run_id) DO UPDATE
SET owner = EXCLUDED.owner,
    token = EXCLUDED.token,
    expires_at = EXCLUDED.expires_at
WHERE run_leases.expires_at < now()
RETURNING token, expires_at`
	token := uuid.NewString()
	var stored string
	var expiresAt time.Time
	err := l.DB.QueryRowContext(ctx, query, runID, owner, token, ttl.Milliseconds()).Scan(&stored, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, ErrLocked
		}
		return Lease{}, err
	}
	return Lease{RunID: runID, Owner: owner, Token: stored, ExpiresAt: expiresAt}, nil
}

// Renew extends a lease still held by its token.
func (l *PGLocker) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	const query = `
UPDATE run_leases
SET expires_at = now() + $1 * interval '1 millisecond'
WHERE run_id = $2 AND token = $3
RETURNING expires_at`
	var expiresAt time.Time
	err := l.DB.QueryRowContext(ctx, query, ttl.Milliseconds(), lease.RunID, lease.Token).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, ErrLeaseLost
		}
		return Lease{}, err
	}
	lease.ExpiresAt = expiresAt
	return lease, nil
}

// Release deletes a lease if it is still held by its token.
func (l *PGLocker) Release(ctx context.Context, lease Lease) error {
	_, err := l.DB.ExecContext(ctx, `DELETE FROM run_leases WHERE run_id = $1 AND token = $2`, lease.RunID, lease.Token)
	return err
}

var _ Locker = (*PGLocker)(nil)
