package orchestrator

import (
	"context"
	"errors"

	"actiongate/internal/coordinator"
)

// Committer is satisfied by *coordinator.Coordinator.
type Committer interface {
	Commit(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error)
}

type Activities struct {
	Committer Committer
}

// Commit runs one commit attempt. Rejections come back as results so that
// Temporal only retries store and observer failures.
func (a *Activities) Commit(ctx context.Context, input CommitInput) (coordinator.CommitResult, error) {
	if a.Committer == nil {
		return coordinator.CommitResult{}, errors.New("committer required")
	}
	return a.Committer.Commit(ctx, coordinator.CommitRequest{
		PlanID:       input.PlanID,
		ApprovalCode: input.ApprovalCode,
		Actor:        input.Actor,
	})
}
