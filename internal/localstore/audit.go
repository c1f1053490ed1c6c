package localstore

import (
	"context"
	"database/sql"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

func (s *Store) InsertAuditEvent(ctx context.Context, e record.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
		(event_id, kind, workspace, plan_id, execution_id, actor, outcome, details, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Workspace, string(e.PlanID), e.ExecutionID, e.Actor, e.Outcome, nullText(e.Details), formatTime(e.At))
	return mapErr(err)
}

// ListAuditEvents returns a plan's events in time order, or every event
// when id is empty.
func (s *Store) ListAuditEvents(ctx context.Context, id plan.PlanID) ([]record.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, kind, workspace, plan_id, execution_id, actor, outcome, details, at
		FROM audit_events WHERE (? = '' OR plan_id = ?) ORDER BY at, rowid`, string(id), string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record.AuditEvent
	for rows.Next() {
		var (
			e          record.AuditEvent
			planID, at string
			details    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Workspace, &planID, &e.ExecutionID, &e.Actor, &e.Outcome, &details, &at); err != nil {
			return nil, err
		}
		e.PlanID = plan.PlanID(planID)
		e.Details = rawText(details)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
