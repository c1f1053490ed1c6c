package db

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"actiongate/internal/record"
)

var errNotInitialized = errors.New("db not initialized")

const uniqueViolation = "23505"

// mapErr translates driver errors into record sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return record.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return record.ErrConflict
	}
	return err
}

func (d *DB) ready() error {
	if d == nil || d.conn == nil {
		return errNotInitialized
	}
	return nil
}

func affected(res sql.Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}
