package db

import (
	"context"
	"encoding/json"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

func (d *DB) InsertAuditEvent(ctx context.Context, e record.AuditEvent) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, kind, workspace, plan_id, execution_id, actor, outcome, details, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Kind, e.Workspace, string(e.PlanID), e.ExecutionID, e.Actor, e.Outcome, nullJSON(e.Details), e.At.UTC())
	return mapErr(err)
}

// ListAuditEvents returns the events for a plan in time order, or every
// event when planID is empty.
func (d *DB) ListAuditEvents(ctx context.Context, planID plan.PlanID) ([]record.AuditEvent, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_strip_nulls(jsonb_build_object(
			'event_id', event_id,
			'kind', kind,
			'workspace', workspace,
			'plan_id', plan_id,
			'execution_id', execution_id,
			'actor', actor,
			'outcome', outcome,
			'details', details,
			'at', at
		)) ORDER BY at, event_id
	), '[]'::jsonb)
	FROM audit_events
	WHERE ($1 = '' OR plan_id = $1)`
	row := d.conn.QueryRowContext(ctx, query, string(planID))
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var events []record.AuditEvent
	if len(out) == 0 {
		return events, nil
	}
	if err := json.Unmarshal(out, &events); err != nil {
		return nil, err
	}
	return events, nil
}
