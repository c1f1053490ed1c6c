package orchestrator

import (
	"context"
	"errors"

	"go.temporal.io/sdk/client"

	"actiongate/internal/coordinator"
)

// TemporalCommitter starts CommitWorkflow and waits for its result. The
// workflow id is derived from the plan id, so concurrent commits of one plan
// share a single run.
type TemporalCommitter struct {
	Client    client.Client
	TaskQueue string
}

func WorkflowID(id string) string {
	return "commit-" + id
}

func (s *TemporalCommitter) Commit(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error) {
	if s == nil || s.Client == nil {
		return coordinator.CommitResult{}, errors.New("temporal client required")
	}
	if req.PlanID == "" {
		return coordinator.CommitResult{}, errors.New("plan_id required")
	}
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(string(req.PlanID)),
		TaskQueue: s.TaskQueue,
	}
	run, err := s.Client.ExecuteWorkflow(ctx, opts, CommitWorkflowName, CommitInput{
		PlanID:       req.PlanID,
		ApprovalCode: req.ApprovalCode,
		Actor:        req.Actor,
	})
	if err != nil {
		return coordinator.CommitResult{}, err
	}
	var res coordinator.CommitResult
	if err := run.Get(ctx, &res); err != nil {
		return coordinator.CommitResult{}, err
	}
	return res, nil
}
