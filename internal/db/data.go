package db

import (
	"context"
	"encoding/json"
	"time"
)

func (d *DB) PutData(ctx context.Context, workspace, key, value string, at time.Time) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO workspace_data (workspace, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace, key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at
	`, workspace, key, value, at.UTC())
	return err
}

// GetData returns every key stored for a workspace.
func (d *DB) GetData(ctx context.Context, workspace string) (map[string]string, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb) FROM workspace_data WHERE workspace=$1
	`, workspace)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	data := map[string]string{}
	if len(out) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, err
	}
	return data, nil
}
