package localstore

import (
	"context"
	"database/sql"
	"time"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const executionColumns = `execution_id, plan_id, workspace, status, approval_hash, error_code, message,
	continuation, started_at, finished_at`

// BeginExecution marks the plan executing, consumes the approval named by
// e.ApprovalHash (when set) and inserts the execution in one transaction.
func (s *Store) BeginExecution(ctx context.Context, e record.Execution) (record.Execution, error) {
	e.Status = record.ExecutionRunning
	started := formatTime(e.StartedAt)
	err := s.withTx(ctx, func(tx execer) error {
		res, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE plan_id = ? AND status = ?`,
			string(record.PlanExecuting), started, string(e.PlanID), string(record.PlanPrepared))
		if err != nil {
			return err
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return planStatusNotMatched(ctx, tx, e.PlanID)
		}
		if e.ApprovalHash != "" {
			res, err := tx.ExecContext(ctx, `UPDATE approvals SET state = ?, execution_id = ?, consumed_at = ?
				WHERE code_hash = ? AND plan_id = ? AND state = ? AND expires_at > ?`,
				string(record.ApprovalConsumed), e.ID, started, e.ApprovalHash, string(e.PlanID),
				string(record.ApprovalApproved), started)
			if err != nil {
				return err
			}
			if n, err := affected(res); err != nil {
				return err
			} else if n == 0 {
				return record.ErrApprovalUnavailable
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO executions (execution_id, plan_id, workspace, status, approval_hash, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.PlanID), e.Workspace, string(e.Status), e.ApprovalHash, started)
		return mapErr(err)
	})
	if err != nil {
		return record.Execution{}, err
	}
	return e, nil
}

func scanExecution(row scanner) (record.Execution, error) {
	var (
		e                                     record.Execution
		planID, status, continuation, started string
		finished                              sql.NullString
	)
	if err := row.Scan(&e.ID, &planID, &e.Workspace, &status, &e.ApprovalHash, &e.ErrorCode, &e.Message,
		&continuation, &started, &finished); err != nil {
		return record.Execution{}, mapErr(err)
	}
	e.PlanID = plan.PlanID(planID)
	e.Status = record.ExecutionStatus(status)
	e.Continuation = plan.PlanID(continuation)
	var err error
	if e.StartedAt, err = parseTime(started); err != nil {
		return record.Execution{}, err
	}
	if e.FinishedAt, err = parseNullTime(finished); err != nil {
		return record.Execution{}, err
	}
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (record.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, id))
}

func (s *Store) GetExecutionByPlan(ctx context.Context, id plan.PlanID) (record.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE plan_id = ?`, string(id)))
}

// FinishExecution records the terminal status of a running execution and
// mirrors it onto the plan.
func (s *Store) FinishExecution(ctx context.Context, e record.Execution) error {
	finished := e.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	at := formatTime(finished)
	return s.withTx(ctx, func(tx execer) error {
		res, err := tx.ExecContext(ctx, `UPDATE executions
			SET status = ?, error_code = ?, message = ?, continuation = ?, finished_at = ?
			WHERE execution_id = ? AND status = ?`,
			string(e.Status), e.ErrorCode, e.Message, string(e.Continuation), at, e.ID, string(record.ExecutionRunning))
		if err != nil {
			return err
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return record.ErrConflict
		}
		_, err = tx.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ?
			WHERE plan_id = (SELECT plan_id FROM executions WHERE execution_id = ?)`,
			string(record.PlanStatusFor(e.Status)), at, e.ID)
		return err
	})
}
