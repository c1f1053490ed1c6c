package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const planColumns = `plan_id, workspace, title, canonical, body, decision, bindings, status,
	actor_kind, actor_id, parent_id, created_at, expires_at, updated_at`

func (d *DB) InsertPlan(ctx context.Context, p record.Plan) error {
	if err := d.ready(); err != nil {
		return err
	}
	decision, err := json.Marshal(p.Decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	bindings, err := json.Marshal(p.Bindings)
	if err != nil {
		return fmt.Errorf("encode bindings: %w", err)
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, string(p.ID), p.Workspace, p.Title, p.Canonical, []byte(p.Body), decision, bindings, string(p.Status),
		p.ActorKind, p.ActorID, string(p.ParentID), p.CreatedAt.UTC(), p.ExpiresAt.UTC(), p.UpdatedAt.UTC())
	return mapErr(err)
}

func (d *DB) GetPlan(ctx context.Context, id plan.PlanID) (record.Plan, error) {
	if err := d.ready(); err != nil {
		return record.Plan{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id=$1`, string(id))
	var (
		p                        record.Plan
		planID, status, parentID string
		body, decision, bindings []byte
	)
	if err := row.Scan(&planID, &p.Workspace, &p.Title, &p.Canonical, &body, &decision, &bindings, &status,
		&p.ActorKind, &p.ActorID, &parentID, &p.CreatedAt, &p.ExpiresAt, &p.UpdatedAt); err != nil {
		return record.Plan{}, mapErr(err)
	}
	p.ID = plan.PlanID(planID)
	p.Status = record.PlanStatus(status)
	p.ParentID = plan.PlanID(parentID)
	p.Body = body
	if len(decision) > 0 {
		if err := json.Unmarshal(decision, &p.Decision); err != nil {
			return record.Plan{}, fmt.Errorf("decode decision: %w", err)
		}
	}
	if len(bindings) > 0 {
		if err := json.Unmarshal(bindings, &p.Bindings); err != nil {
			return record.Plan{}, fmt.Errorf("decode bindings: %w", err)
		}
	}
	return p, nil
}

// SetPlanStatus moves a plan to status when its current status is one of
// from (any status when from is empty).
func (d *DB) SetPlanStatus(ctx context.Context, id plan.PlanID, from []record.PlanStatus, to record.PlanStatus, at time.Time) error {
	if err := d.ready(); err != nil {
		return err
	}
	var (
		res sql.Result
		err error
	)
	if len(from) == 0 {
		res, err = d.conn.ExecContext(ctx, `UPDATE plans SET status=$1, updated_at=$2 WHERE plan_id=$3`,
			string(to), at.UTC(), string(id))
	} else {
		states := make([]string, 0, len(from))
		for _, s := range from {
			states = append(states, string(s))
		}
		res, err = d.conn.ExecContext(ctx, `UPDATE plans SET status=$1, updated_at=$2 WHERE plan_id=$3 AND status = ANY($4)`,
			string(to), at.UTC(), string(id), pq.Array(states))
	}
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := d.GetPlan(ctx, id); err != nil {
			return err
		}
		return record.ErrConflict
	}
	return nil
}

func (d *DB) ExpirePlans(ctx context.Context, now time.Time) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE plans SET status=$1, updated_at=$2 WHERE status=$3 AND expires_at <= $2
	`, string(record.PlanExpired), now.UTC(), string(record.PlanPrepared))
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	return int(n), err
}

// ListPlans returns the newest plans of a workspace, without bodies.
func (d *DB) ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	limit, offset = clampPagination(limit, offset)
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'plan_id', plan_id,
			'workspace', workspace,
			'title', title,
			'decision', decision,
			'status', status,
			'actor_kind', actor_kind,
			'actor_id', actor_id,
			'parent_id', parent_id,
			'created_at', created_at,
			'expires_at', expires_at,
			'updated_at', updated_at
		) ORDER BY created_at DESC
	), '[]'::jsonb)
	FROM (
		SELECT * FROM plans
		WHERE workspace=$1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	) AS page`
	row := d.conn.QueryRowContext(ctx, query, workspace, limit, offset)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var plans []record.Plan
	if err := json.Unmarshal(out, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}
