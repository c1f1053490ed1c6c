package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const planColumns = `plan_id, workspace, title, canonical, body, decision, bindings, status,
	actor_kind, actor_id, parent_id, created_at, expires_at, updated_at`

func (s *Store) InsertPlan(ctx context.Context, p record.Plan) error {
	decision, err := json.Marshal(p.Decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	bindings, err := json.Marshal(p.Bindings)
	if err != nil {
		return fmt.Errorf("encode bindings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), p.Workspace, p.Title, p.Canonical, string(p.Body), string(decision), string(bindings),
		string(p.Status), p.ActorKind, p.ActorID, string(p.ParentID),
		formatTime(p.CreatedAt), formatTime(p.ExpiresAt), formatTime(p.UpdatedAt))
	return mapErr(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (record.Plan, error) {
	var (
		p                                    record.Plan
		id, body, decision, bindings, status string
		parent, created, expires, updated    string
	)
	if err := row.Scan(&id, &p.Workspace, &p.Title, &p.Canonical, &body, &decision, &bindings, &status,
		&p.ActorKind, &p.ActorID, &parent, &created, &expires, &updated); err != nil {
		return record.Plan{}, mapErr(err)
	}
	p.ID = plan.PlanID(id)
	p.ParentID = plan.PlanID(parent)
	p.Status = record.PlanStatus(status)
	if body != "" {
		p.Body = json.RawMessage(body)
	}
	if err := json.Unmarshal([]byte(decision), &p.Decision); err != nil {
		return record.Plan{}, fmt.Errorf("decode decision: %w", err)
	}
	if err := json.Unmarshal([]byte(bindings), &p.Bindings); err != nil {
		return record.Plan{}, fmt.Errorf("decode bindings: %w", err)
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return record.Plan{}, err
	}
	if p.ExpiresAt, err = parseTime(expires); err != nil {
		return record.Plan{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return record.Plan{}, err
	}
	return p, nil
}

func (s *Store) GetPlan(ctx context.Context, id plan.PlanID) (record.Plan, error) {
	return scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id = ?`, string(id)))
}

// SetPlanStatus moves a plan to status when its current status is one of
// from (any status when from is empty).
func (s *Store) SetPlanStatus(ctx context.Context, id plan.PlanID, from []record.PlanStatus, to record.PlanStatus, at time.Time) error {
	query := `UPDATE plans SET status = ?, updated_at = ? WHERE plan_id = ?`
	args := []any{string(to), formatTime(at), string(id)}
	if len(from) > 0 {
		marks := make([]string, len(from))
		for i, st := range from {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return planStatusNotMatched(ctx, s.db, id)
	}
	return nil
}

func (s *Store) ExpirePlans(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE status = ? AND expires_at <= ?`,
		string(record.PlanExpired), formatTime(now), string(record.PlanPrepared), formatTime(now))
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	return int(n), err
}

// ListPlans returns a workspace's plans, newest first, without bodies.
func (s *Store) ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE workspace = ?
		ORDER BY created_at DESC, plan_id LIMIT ? OFFSET ?`, workspace, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		p.Body = nil
		p.Canonical = ""
		out = append(out, p)
	}
	return out, rows.Err()
}
