package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"actiongate/internal/record"
)

// ClaimIdempotency inserts a started record, or re-claims one whose last
// attempt failed. A started or succeeded record is returned unclaimed.
func (s *Store) ClaimIdempotency(ctx context.Context, rec record.Idempotency) (record.Idempotency, bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	var (
		prior   record.Idempotency
		claimed bool
	)
	err := s.withTx(ctx, func(tx execer) error {
		existing, err := getIdempotency(ctx, tx, rec.Key)
		switch {
		case errors.Is(err, record.ErrNotFound):
			_, err = tx.ExecContext(ctx, `INSERT INTO idempotency (key, execution_id, path, status, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				rec.Key, rec.ExecutionID, rec.Path, string(record.IdempotencyStarted), formatTime(rec.UpdatedAt))
		case err != nil:
			return err
		case existing.Status == record.IdempotencyFailed:
			_, err = tx.ExecContext(ctx, `UPDATE idempotency SET execution_id = ?, path = ?, status = ?, output = NULL, updated_at = ?
				WHERE key = ?`,
				rec.ExecutionID, rec.Path, string(record.IdempotencyStarted), formatTime(rec.UpdatedAt), rec.Key)
		default:
			prior = existing
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		prior = rec
		prior.Status = record.IdempotencyStarted
		prior.Output = nil
		return nil
	})
	if err != nil {
		return record.Idempotency{}, false, err
	}
	return prior, claimed, nil
}

func (s *Store) FinishIdempotency(ctx context.Context, key string, status record.IdempotencyStatus, output json.RawMessage, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE idempotency SET status = ?, output = ?, updated_at = ? WHERE key = ?`,
		string(status), nullText(output), formatTime(at), key)
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

func (s *Store) GetIdempotency(ctx context.Context, key string) (record.Idempotency, error) {
	return getIdempotency(ctx, s.db, key)
}

func getIdempotency(ctx context.Context, q execer, key string) (record.Idempotency, error) {
	var (
		rec             record.Idempotency
		status, updated string
		output          sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT key, execution_id, path, status, output, updated_at FROM idempotency WHERE key = ?`, key).
		Scan(&rec.Key, &rec.ExecutionID, &rec.Path, &status, &output, &updated)
	if err != nil {
		return record.Idempotency{}, mapErr(err)
	}
	rec.Status = record.IdempotencyStatus(status)
	rec.Output = rawText(output)
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return record.Idempotency{}, err
	}
	return rec, nil
}
