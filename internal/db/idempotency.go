package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"actiongate/internal/record"
)

// ClaimIdempotency inserts a started record for rec.Key, or re-claims a
// record whose previous attempt failed. When the key is held by a started
// or succeeded record the existing row is returned with claimed=false.
func (d *DB) ClaimIdempotency(ctx context.Context, rec record.Idempotency) (record.Idempotency, bool, error) {
	if err := d.ready(); err != nil {
		return record.Idempotency{}, false, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO idempotency (key, execution_id, path, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET execution_id=EXCLUDED.execution_id, path=EXCLUDED.path, status=EXCLUDED.status,
			output=NULL, updated_at=EXCLUDED.updated_at
		WHERE idempotency.status=$6
		RETURNING key
	`, rec.Key, rec.ExecutionID, rec.Path, string(record.IdempotencyStarted), rec.UpdatedAt.UTC(),
		string(record.IdempotencyFailed))
	var key string
	err := row.Scan(&key)
	switch {
	case err == nil:
		rec.Status = record.IdempotencyStarted
		rec.Output = nil
		return rec, true, nil
	case errors.Is(err, sql.ErrNoRows):
		prior, err := d.GetIdempotency(ctx, rec.Key)
		return prior, false, err
	default:
		return record.Idempotency{}, false, err
	}
}

func (d *DB) FinishIdempotency(ctx context.Context, key string, status record.IdempotencyStatus, output json.RawMessage, at time.Time) error {
	if err := d.ready(); err != nil {
		return err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE idempotency SET status=$1, output=$2, updated_at=$3 WHERE key=$4
	`, string(status), nullJSON(output), at.UTC(), key)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (d *DB) GetIdempotency(ctx context.Context, key string) (record.Idempotency, error) {
	if err := d.ready(); err != nil {
		return record.Idempotency{}, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT key, execution_id, path, status, output, updated_at FROM idempotency WHERE key=$1
	`, key)
	var (
		rec    record.Idempotency
		status string
		output []byte
	)
	if err := row.Scan(&rec.Key, &rec.ExecutionID, &rec.Path, &status, &output, &rec.UpdatedAt); err != nil {
		return record.Idempotency{}, mapErr(err)
	}
	rec.Status = record.IdempotencyStatus(status)
	if len(output) > 0 {
		rec.Output = output
	}
	return rec, nil
}
