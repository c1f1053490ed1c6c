package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const approvalColumns = `code_hash, workspace, plan_id, action_kinds, target_ids, summary, state,
	approved_by, execution_id, created_at, expires_at, approved_at, consumed_at`

func (d *DB) InsertApproval(ctx context.Context, a record.Approval) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO approvals (code_hash, workspace, plan_id, action_kinds, target_ids, summary, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.CodeHash, a.Workspace, string(a.PlanID), pq.Array(nonNil(a.ActionKinds)), pq.Array(nonNil(a.TargetIDs)),
		a.Summary, string(a.State), a.CreatedAt.UTC(), a.ExpiresAt.UTC())
	return mapErr(err)
}

func (d *DB) GetApproval(ctx context.Context, codeHash string) (record.Approval, error) {
	if err := d.ready(); err != nil {
		return record.Approval{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE code_hash=$1`, codeHash)
	return scanApproval(row)
}

// GetApprovalByPlan returns the most recently issued approval for a plan.
func (d *DB) GetApprovalByPlan(ctx context.Context, id plan.PlanID) (record.Approval, error) {
	if err := d.ready(); err != nil {
		return record.Approval{}, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals WHERE plan_id=$1 ORDER BY created_at DESC LIMIT 1
	`, string(id))
	return scanApproval(row)
}

func scanApproval(row rowScanner) (record.Approval, error) {
	var (
		a                      record.Approval
		planID, state          string
		approvedAt, consumedAt sql.NullTime
	)
	if err := row.Scan(&a.CodeHash, &a.Workspace, &planID, pq.Array(&a.ActionKinds), pq.Array(&a.TargetIDs),
		&a.Summary, &state, &a.ApprovedBy, &a.ExecutionID, &a.CreatedAt, &a.ExpiresAt, &approvedAt, &consumedAt); err != nil {
		return record.Approval{}, mapErr(err)
	}
	a.PlanID = plan.PlanID(planID)
	a.State = record.ApprovalState(state)
	if approvedAt.Valid {
		a.ApprovedAt = approvedAt.Time
	}
	if consumedAt.Valid {
		a.ConsumedAt = consumedAt.Time
	}
	return a, nil
}

// ApproveApproval moves an unexpired approval from issued to approved.
func (d *DB) ApproveApproval(ctx context.Context, codeHash, approver string, at time.Time) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE approvals SET state=$1, approved_by=$2, approved_at=$3
		WHERE code_hash=$4 AND state=$5 AND expires_at > $3
	`, string(record.ApprovalApproved), approver, at.UTC(), codeHash, string(record.ApprovalIssued))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// ConsumeApproval consumes an issued or approved approval.
func (d *DB) ConsumeApproval(ctx context.Context, codeHash, executionID string, at time.Time) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE approvals SET state=$1, execution_id=$2, consumed_at=$3
		WHERE code_hash=$4 AND state IN ($5, $6)
	`, string(record.ApprovalConsumed), executionID, at.UTC(), codeHash,
		string(record.ApprovalIssued), string(record.ApprovalApproved))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (d *DB) CountActiveApprovals(ctx context.Context, workspace string, now time.Time) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals WHERE workspace=$1 AND state IN ($2, $3) AND expires_at > $4
	`, workspace, string(record.ApprovalIssued), string(record.ApprovalApproved), now.UTC())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *DB) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE approvals SET state=$1 WHERE state IN ($2, $3) AND expires_at <= $4
	`, string(record.ApprovalExpired), string(record.ApprovalIssued), string(record.ApprovalApproved), now.UTC())
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
