package db

import (
	"context"
	"time"
)

// AcquireLock takes (workspace, name) for owner until expiresAt. It succeeds
// when the lock is free, expired at now, or already held by owner.
func (d *DB) AcquireLock(ctx context.Context, workspace, name, owner string, expiresAt, now time.Time) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO locks (workspace, name, owner, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace, name) DO UPDATE
		SET owner=EXCLUDED.owner, expires_at=EXCLUDED.expires_at
		WHERE locks.owner=EXCLUDED.owner OR locks.expires_at <= $5
	`, workspace, name, owner, expiresAt.UTC(), now.UTC())
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (d *DB) ReleaseLock(ctx context.Context, workspace, name, owner string) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM locks WHERE workspace=$1 AND name=$2 AND owner=$3
	`, workspace, name, owner)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// LockOwner returns the live holder of a lock, or "" when it is free.
func (d *DB) LockOwner(ctx context.Context, workspace, name string, now time.Time) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT owner FROM locks WHERE workspace=$1 AND name=$2 AND expires_at > $3), '')
	`, workspace, name, now.UTC())
	var owner string
	if err := row.Scan(&owner); err != nil {
		return "", err
	}
	return owner, nil
}

func (d *DB) ExpireLocks(ctx context.Context, now time.Time) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	res, err := d.conn.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	return int(n), err
}
