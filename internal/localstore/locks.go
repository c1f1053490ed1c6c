package localstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AcquireLock succeeds when the lock is free, expired at now, or already
// held by owner.
func (s *Store) AcquireLock(ctx context.Context, workspace, name, owner string, expiresAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO locks (workspace, name, owner, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace, name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.owner = excluded.owner OR locks.expires_at <= ?`,
		workspace, name, owner, formatTime(expiresAt), formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (s *Store) ReleaseLock(ctx context.Context, workspace, name, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE workspace = ? AND name = ? AND owner = ?`, workspace, name, owner)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// LockOwner returns the live holder of a lock, or "" when it is free.
func (s *Store) LockOwner(ctx context.Context, workspace, name string, now time.Time) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM locks WHERE workspace = ? AND name = ? AND expires_at > ?`,
		workspace, name, formatTime(now)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

func (s *Store) ExpireLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	return int(n), err
}
