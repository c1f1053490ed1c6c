package db

import (
	"context"
	"database/sql"
	"time"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const executionColumns = `execution_id, plan_id, workspace, status, approval_hash, error_code, message,
	continuation, started_at, finished_at`

// BeginExecution atomically marks the plan executing, consumes the approval
// named by e.ApprovalHash (when set) and inserts the execution row. The
// unique plan_id constraint keeps it to one execution per plan.
func (d *DB) BeginExecution(ctx context.Context, e record.Execution) (record.Execution, error) {
	if err := d.ready(); err != nil {
		return record.Execution{}, err
	}
	e.Status = record.ExecutionRunning
	err := d.withTx(ctx, func(conn dbConn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE plans SET status=$1, updated_at=$2 WHERE plan_id=$3 AND status=$4
		`, string(record.PlanExecuting), e.StartedAt.UTC(), string(e.PlanID), string(record.PlanPrepared))
		if err != nil {
			return err
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			var status string
			if err := conn.QueryRowContext(ctx, `SELECT status FROM plans WHERE plan_id=$1`, string(e.PlanID)).Scan(&status); err != nil {
				return mapErr(err)
			}
			return record.ErrConflict
		}
		if e.ApprovalHash != "" {
			res, err := conn.ExecContext(ctx, `
				UPDATE approvals SET state=$1, execution_id=$2, consumed_at=$3
				WHERE code_hash=$4 AND plan_id=$5 AND state=$6 AND expires_at > $3
			`, string(record.ApprovalConsumed), e.ID, e.StartedAt.UTC(), e.ApprovalHash, string(e.PlanID),
				string(record.ApprovalApproved))
			if err != nil {
				return err
			}
			if n, err := affected(res); err != nil {
				return err
			} else if n == 0 {
				return record.ErrApprovalUnavailable
			}
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO executions (execution_id, plan_id, workspace, status, approval_hash, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.ID, string(e.PlanID), e.Workspace, string(e.Status), e.ApprovalHash, e.StartedAt.UTC())
		return mapErr(err)
	})
	if err != nil {
		return record.Execution{}, err
	}
	return e, nil
}

func (d *DB) GetExecution(ctx context.Context, id string) (record.Execution, error) {
	if err := d.ready(); err != nil {
		return record.Execution{}, err
	}
	return scanExecution(d.conn.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id=$1`, id))
}

func (d *DB) GetExecutionByPlan(ctx context.Context, id plan.PlanID) (record.Execution, error) {
	if err := d.ready(); err != nil {
		return record.Execution{}, err
	}
	return scanExecution(d.conn.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE plan_id=$1`, string(id)))
}

func scanExecution(row rowScanner) (record.Execution, error) {
	var (
		e                            record.Execution
		planID, status, continuation string
		finished                     sql.NullTime
	)
	if err := row.Scan(&e.ID, &planID, &e.Workspace, &status, &e.ApprovalHash, &e.ErrorCode, &e.Message,
		&continuation, &e.StartedAt, &finished); err != nil {
		return record.Execution{}, mapErr(err)
	}
	e.PlanID = plan.PlanID(planID)
	e.Status = record.ExecutionStatus(status)
	e.Continuation = plan.PlanID(continuation)
	if finished.Valid {
		e.FinishedAt = finished.Time
	}
	return e, nil
}

// FinishExecution records the terminal status of a running execution and
// mirrors it onto the plan.
func (d *DB) FinishExecution(ctx context.Context, e record.Execution) error {
	if err := d.ready(); err != nil {
		return err
	}
	finished := e.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return d.withTx(ctx, func(conn dbConn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE executions SET status=$1, error_code=$2, message=$3, continuation=$4, finished_at=$5
			WHERE execution_id=$6 AND status=$7
		`, string(e.Status), e.ErrorCode, e.Message, string(e.Continuation), finished.UTC(), e.ID,
			string(record.ExecutionRunning))
		if err != nil {
			return err
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return record.ErrConflict
		}
		_, err = conn.ExecContext(ctx, `
			UPDATE plans SET status=$1, updated_at=$2
			WHERE plan_id=(SELECT plan_id FROM executions WHERE execution_id=$3)
		`, string(record.PlanStatusFor(e.Status)), finished.UTC(), e.ID)
		return err
	})
}
