package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const approvalColumns = `code_hash, workspace, plan_id, action_kinds, target_ids, summary, state,
	approved_by, execution_id, created_at, expires_at, approved_at, consumed_at`

func (s *Store) InsertApproval(ctx context.Context, a record.Approval) error {
	kinds, err := json.Marshal(nonNil(a.ActionKinds))
	if err != nil {
		return err
	}
	targets, err := json.Marshal(nonNil(a.TargetIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO approvals
		(code_hash, workspace, plan_id, action_kinds, target_ids, summary, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CodeHash, a.Workspace, string(a.PlanID), string(kinds), string(targets), a.Summary, string(a.State),
		formatTime(a.CreatedAt), formatTime(a.ExpiresAt))
	return mapErr(err)
}

func scanApproval(row scanner) (record.Approval, error) {
	var (
		a                       record.Approval
		planID, kinds, targets  string
		state, created, expires string
		approvedAt, consumedAt  sql.NullString
	)
	if err := row.Scan(&a.CodeHash, &a.Workspace, &planID, &kinds, &targets, &a.Summary, &state,
		&a.ApprovedBy, &a.ExecutionID, &created, &expires, &approvedAt, &consumedAt); err != nil {
		return record.Approval{}, mapErr(err)
	}
	a.PlanID = plan.PlanID(planID)
	a.State = record.ApprovalState(state)
	if err := json.Unmarshal([]byte(kinds), &a.ActionKinds); err != nil {
		return record.Approval{}, err
	}
	if err := json.Unmarshal([]byte(targets), &a.TargetIDs); err != nil {
		return record.Approval{}, err
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return record.Approval{}, err
	}
	if a.ExpiresAt, err = parseTime(expires); err != nil {
		return record.Approval{}, err
	}
	if a.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return record.Approval{}, err
	}
	if a.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return record.Approval{}, err
	}
	return a, nil
}

func (s *Store) GetApproval(ctx context.Context, codeHash string) (record.Approval, error) {
	return scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE code_hash = ?`, codeHash))
}

// GetApprovalByPlan returns the most recently issued approval for a plan.
func (s *Store) GetApprovalByPlan(ctx context.Context, id plan.PlanID) (record.Approval, error) {
	return scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE plan_id = ? ORDER BY created_at DESC LIMIT 1`, string(id)))
}

func (s *Store) ApproveApproval(ctx context.Context, codeHash, approver string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET state = ?, approved_by = ?, approved_at = ?
		WHERE code_hash = ? AND state = ? AND expires_at > ?`,
		string(record.ApprovalApproved), approver, formatTime(at), codeHash, string(record.ApprovalIssued), formatTime(at))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (s *Store) ConsumeApproval(ctx context.Context, codeHash, executionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET state = ?, execution_id = ?, consumed_at = ?
		WHERE code_hash = ? AND state IN (?, ?)`,
		string(record.ApprovalConsumed), executionID, formatTime(at), codeHash,
		string(record.ApprovalIssued), string(record.ApprovalApproved))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (s *Store) CountActiveApprovals(ctx context.Context, workspace string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals
		WHERE workspace = ? AND state IN (?, ?) AND expires_at > ?`,
		workspace, string(record.ApprovalIssued), string(record.ApprovalApproved), formatTime(now)).Scan(&n)
	return n, err
}

func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET state = ? WHERE state IN (?, ?) AND expires_at <= ?`,
		string(record.ApprovalExpired), string(record.ApprovalIssued), string(record.ApprovalApproved), formatTime(now))
	if err != nil {
		return 0, err
	}
	n, err := affected(res)
	return int(n), err
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
