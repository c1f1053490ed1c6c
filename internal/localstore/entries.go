package localstore

import (
	"context"
	"database/sql"

	"actiongate/internal/record"
)

func (s *Store) AppendEntry(ctx context.Context, e record.Entry) (record.Entry, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO execution_log
		(execution_id, path, step_number, state, attempt, replay, error_code, message, output, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.Path, e.Step, string(e.State), e.Attempt, e.Replay, e.ErrorCode, e.Message,
		nullText(e.Output), formatTime(e.At))
	if err != nil {
		return record.Entry{}, err
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return record.Entry{}, err
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, executionID string) ([]record.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, path, step_number, state, attempt, replay, error_code, message, output, at
		FROM execution_log WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record.Entry
	for rows.Next() {
		e := record.Entry{ExecutionID: executionID}
		var (
			state, at string
			output    sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.Path, &e.Step, &state, &e.Attempt, &e.Replay, &e.ErrorCode, &e.Message,
			&output, &at); err != nil {
			return nil, err
		}
		e.State = record.StepState(state)
		e.Output = rawText(output)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
