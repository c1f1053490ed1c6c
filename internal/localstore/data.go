package localstore

import (
	"context"
	"time"
)

func (s *Store) PutData(ctx context.Context, workspace, key, value string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workspace_data (workspace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workspace, key, value, formatTime(at))
	return err
}

func (s *Store) GetData(ctx context.Context, workspace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM workspace_data WHERE workspace = ?`, workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
