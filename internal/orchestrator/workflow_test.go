package orchestrator

import (
	"context"
	"errors"
	"testing"

	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"actiongate/internal/coordinator"
)

type committerStub struct {
	results []coordinator.CommitResult
	errs    []error
	calls   int
	last    coordinator.CommitRequest
}

func (c *committerStub) Commit(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error) {
	i := c.calls
	c.calls++
	c.last = req
	if i < len(c.errs) && c.errs[i] != nil {
		return coordinator.CommitResult{}, c.errs[i]
	}
	if i < len(c.results) {
		return c.results[i], nil
	}
	return c.results[len(c.results)-1], nil
}

func newEnv(stub *committerStub) *testsuite.TestWorkflowEnvironment {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(CommitWorkflow, workflow.RegisterOptions{Name: CommitWorkflowName})
	env.RegisterActivity(&Activities{Committer: stub})
	return env
}

func TestCommitWorkflowReturnsResult(t *testing.T) {
	stub := &committerStub{results: []coordinator.CommitResult{{Status: coordinator.StatusSucceeded, PlanID: "plan:a", ExecutionID: "exec-1"}}}
	env := newEnv(stub)
	env.ExecuteWorkflow(CommitWorkflow, CommitInput{PlanID: "plan:a", ApprovalCode: "ABCDEFGH", Actor: "alice"})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow err: %v", err)
	}
	var res coordinator.CommitResult
	if err := env.GetWorkflowResult(&res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != coordinator.StatusSucceeded || res.ExecutionID != "exec-1" {
		t.Fatalf("result: %+v", res)
	}
	if stub.last.ApprovalCode != "ABCDEFGH" || stub.last.Actor != "alice" {
		t.Fatalf("request: %+v", stub.last)
	}
}

func TestCommitWorkflowRetriesStoreFailures(t *testing.T) {
	stub := &committerStub{
		errs:    []error{errors.New("connection reset")},
		results: []coordinator.CommitResult{{}, {Status: coordinator.StatusSucceeded, PlanID: "plan:a"}},
	}
	env := newEnv(stub)
	env.ExecuteWorkflow(CommitWorkflow, CommitInput{PlanID: "plan:a"})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow err: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("calls: %d", stub.calls)
	}
}

func TestCommitWorkflowWaitsOutLease(t *testing.T) {
	stub := &committerStub{results: []coordinator.CommitResult{
		{Status: coordinator.StatusRunning, PlanID: "plan:a", ExecutionID: "exec-1"},
		{Status: coordinator.StatusSucceeded, PlanID: "plan:a", ExecutionID: "exec-1"},
	}}
	env := newEnv(stub)
	env.ExecuteWorkflow(CommitWorkflow, CommitInput{PlanID: "plan:a"})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow err: %v", err)
	}
	var res coordinator.CommitResult
	_ = env.GetWorkflowResult(&res)
	if res.Status != coordinator.StatusSucceeded || stub.calls != 2 {
		t.Fatalf("result: %+v calls %d", res, stub.calls)
	}
}

func TestCommitWorkflowRequiresPlan(t *testing.T) {
	env := newEnv(&committerStub{results: []coordinator.CommitResult{{}}})
	env.ExecuteWorkflow(CommitWorkflow, CommitInput{})
	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTemporalCommitterRequiresClient(t *testing.T) {
	var s *TemporalCommitter
	if _, err := s.Commit(context.Background(), coordinator.CommitRequest{PlanID: "plan:a"}); err == nil {
		t.Fatalf("expected error")
	}
	if WorkflowID("plan:a") != "commit-plan:a" {
		t.Fatalf("workflow id: %s", WorkflowID("plan:a"))
	}
}
