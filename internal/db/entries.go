package db

import (
	"context"
	"encoding/json"

	"actiongate/internal/record"
)

// AppendEntry inserts one execution log line; the sequence number comes
// from the table's BIGSERIAL.
func (d *DB) AppendEntry(ctx context.Context, e record.Entry) (record.Entry, error) {
	if err := d.ready(); err != nil {
		return record.Entry{}, err
	}
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO execution_log (execution_id, path, step_number, state, attempt, replay, error_code, message, output, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`, e.ExecutionID, e.Path, e.Step, string(e.State), e.Attempt, e.Replay, e.ErrorCode, e.Message,
		nullJSON(e.Output), e.At.UTC())
	if err := row.Scan(&e.Seq); err != nil {
		return record.Entry{}, err
	}
	return e, nil
}

func (d *DB) ListEntries(ctx context.Context, executionID string) ([]record.Entry, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_strip_nulls(jsonb_build_object(
			'execution_id', execution_id,
			'seq', seq,
			'path', path,
			'step_number', step_number,
			'state', state,
			'attempt', attempt,
			'replay', replay,
			'error_code', error_code,
			'message', message,
			'output', output,
			'at', at
		)) ORDER BY seq
	), '[]'::jsonb)
	FROM execution_log
	WHERE execution_id=$1`
	row := d.conn.QueryRowContext(ctx, query, executionID)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var entries []record.Entry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// nullJSON stores empty payloads as SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
