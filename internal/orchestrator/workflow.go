// Package orchestrator runs commits as Temporal workflows so that a commit
// interrupted by a crash is retried until it reaches a recorded outcome.
// Commit is idempotent: a retry either resumes the interrupted execution or
// returns the outcome already stored.
package orchestrator

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"actiongate/internal/coordinator"
	"actiongate/internal/plan"
)

const (
	CommitWorkflowName = "CommitWorkflow"
	CommitActivityName = "Commit"
)

// CommitInput is the workflow argument.
type CommitInput struct {
	PlanID       plan.PlanID
	ApprovalCode string
	Actor        string
}

// LeaseWait is how long the workflow waits before retrying a commit whose
// execution is leased by another instance.
var LeaseWait = 30 * time.Second

// MaxLeaseWaits bounds those retries.
var MaxLeaseWaits = 40

// CommitWorkflow commits a plan through the Commit activity.
func CommitWorkflow(ctx workflow.Context, input CommitInput) (coordinator.CommitResult, error) {
	if input.PlanID == "" {
		return coordinator.CommitResult{}, errors.New("plan_id required")
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)
	var res coordinator.CommitResult
	for i := 0; ; i++ {
		if err := workflow.ExecuteActivity(ctx, CommitActivityName, input).Get(ctx, &res); err != nil {
			return coordinator.CommitResult{}, err
		}
		if res.Status != coordinator.StatusRunning || i >= MaxLeaseWaits {
			return res, nil
		}
		logger.Info("execution leased elsewhere; waiting", "plan_id", input.PlanID, "execution_id", res.ExecutionID)
		if err := workflow.Sleep(ctx, LeaseWait); err != nil {
			return coordinator.CommitResult{}, err
		}
	}
}
