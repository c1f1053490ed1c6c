package orchestrator

import (
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Register adds the commit workflow and activities to a worker.
func Register(w worker.Worker, acts *Activities) {
	w.RegisterWorkflowWithOptions(CommitWorkflow, workflow.RegisterOptions{Name: CommitWorkflowName})
	w.RegisterActivity(acts)
}
