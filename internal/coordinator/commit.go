package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"actiongate/internal/approval"
	"actiongate/internal/audit"
	"actiongate/internal/failure"
	"actiongate/internal/logging"
	"actiongate/internal/metrics"
	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
	"actiongate/internal/target"
	"actiongate/internal/workflows"
)

const (
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusSuspended       = "suspended"
	StatusAlreadyExecuted = "already_executed"
	StatusRejected        = "rejected"
	StatusRunning         = "running"
)

// CommitRequest asks for a prepared plan to run.
type CommitRequest struct {
	PlanID       plan.PlanID `json:"plan_id"`
	ApprovalCode string      `json:"approval_code,omitempty"`
	Actor        string      `json:"actor,omitempty"`
}

// CommitResult is the outcome of a commit. Rejections and execution
// failures are results, not errors; an error means the store or an observer
// failed and the commit may be retried.
type CommitResult struct {
	Status         string            `json:"status"`
	PlanID         plan.PlanID       `json:"plan_id"`
	ExecutionID    string            `json:"execution_id,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	ErrorCode      failure.Code      `json:"error_code,omitempty"`
	Message        string            `json:"message,omitempty"`
	Remediation    string            `json:"remediation,omitempty"`
	Step           int               `json:"step_number,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	ContinuationID plan.PlanID       `json:"continuation_id,omitempty"`
	Continuation   *Prepared         `json:"continuation,omitempty"`
}

// Commit re-verifies a prepared plan and runs it at most once. Committing an
// executed plan returns its recorded outcome; committing a plan whose
// execution was interrupted resumes it.
func (c *Coordinator) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	res, err := c.commit(ctx, req)
	outcome := res.Status
	switch {
	case err != nil:
		outcome = "error"
	case res.Status == StatusRejected:
		outcome = string(res.ErrorCode)
	}
	metrics.CommitsTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (c *Coordinator) commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	rec, err := c.Store.GetPlan(ctx, req.PlanID)
	if errors.Is(err, record.ErrNotFound) {
		return c.reject(ctx, rec, req, failure.New(failure.PlanNotFound, "plan %s not found", req.PlanID)), nil
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("get plan: %w", err)
	}

	prior, err := c.Store.GetExecutionByPlan(ctx, rec.ID)
	switch {
	case err == nil && prior.Status == record.ExecutionRunning:
		return c.resume(ctx, rec, prior)
	case err == nil:
		return executedResult(prior), nil
	case !errors.Is(err, record.ErrNotFound):
		return CommitResult{}, fmt.Errorf("get execution: %w", err)
	}

	now := c.now()
	if rec.Final() || !now.Before(rec.ExpiresAt) {
		status := rec.Status
		if status == record.PlanPrepared {
			status = record.PlanExpired
		}
		return c.reject(ctx, rec, req, failure.New(failure.PlanExpired, "plan %s is %s", rec.ID, status)), nil
	}

	p, derr := rec.Decode()
	if derr != nil || plan.Hash(p) != rec.ID {
		return c.reject(ctx, rec, req, c.hashMismatch(ctx, rec, p, derr)), nil
	}
	if rec.Decision.Kind == policy.Deny {
		return c.reject(ctx, rec, req, failure.New(failure.PolicyDenied, "%s", rec.Decision.Reason)), nil
	}

	var approvalHash string
	if rec.Decision.Kind == policy.RequireApproval {
		if strings.TrimSpace(req.ApprovalCode) == "" {
			return c.reject(ctx, rec, req, failure.New(failure.ApprovalMissing, "plan %s requires an approval code", rec.ID)), nil
		}
		a, err := c.Binder.Check(ctx, req.ApprovalCode, approval.ScopeFor(p, rec.ID))
		if err != nil {
			if fe, ok := failure.As(err); ok {
				return c.reject(ctx, rec, req, fe), nil
			}
			return CommitResult{}, err
		}
		approvalHash = a.CodeHash
	}

	fe, err := c.checkBindings(ctx, rec)
	if err != nil {
		return CommitResult{}, err
	}
	if fe != nil {
		return c.reject(ctx, rec, req, fe), nil
	}

	owner, err := c.lineageRoot(ctx, rec)
	if err != nil {
		return CommitResult{}, err
	}
	run := workflows.Run{PlanID: rec.ID, Plan: p, Owner: string(owner), Applied: appliedSteps(rec, p)}
	if fe := c.Engine.CheckPreconditions(ctx, run); fe != nil {
		return c.reject(ctx, rec, req, fe), nil
	}

	exec, err := c.Store.BeginExecution(ctx, record.Execution{
		ID:           uuid.NewString(),
		PlanID:       rec.ID,
		Workspace:    rec.Workspace,
		ApprovalHash: approvalHash,
		StartedAt:    c.now(),
	})
	switch {
	case errors.Is(err, record.ErrApprovalUnavailable):
		fe := failure.New(failure.ApprovalConsumed, "approval is no longer usable")
		if _, cerr := c.Binder.Check(ctx, req.ApprovalCode, approval.ScopeFor(p, rec.ID)); cerr != nil {
			if specific, ok := failure.As(cerr); ok {
				fe = specific
			}
		}
		return c.reject(ctx, rec, req, fe), nil
	case errors.Is(err, record.ErrConflict):
		// Lost the race to another commit.
		if prior, gerr := c.Store.GetExecutionByPlan(ctx, rec.ID); gerr == nil {
			return executedResult(prior), nil
		}
		return c.reject(ctx, rec, req, failure.New(failure.PlanExpired, "plan %s is no longer prepared", rec.ID)), nil
	case errors.Is(err, record.ErrNotFound):
		return c.reject(ctx, rec, req, failure.New(failure.PlanNotFound, "plan %s not found", rec.ID)), nil
	case err != nil:
		return CommitResult{}, fmt.Errorf("begin execution: %w", err)
	}
	if approvalHash != "" {
		metrics.ApprovalsTotal.WithLabelValues("consumed").Inc()
	}
	run.ExecutionID = exec.ID
	return c.run(ctx, rec, p, run, req.Actor)
}

// resume continues an execution whose committer went away.
func (c *Coordinator) resume(ctx context.Context, rec record.Plan, exec record.Execution) (CommitResult, error) {
	p, err := rec.Decode()
	if err != nil {
		return CommitResult{}, fmt.Errorf("decode plan %s: %w", rec.ID, err)
	}
	owner, err := c.lineageRoot(ctx, rec)
	if err != nil {
		return CommitResult{}, err
	}
	logging.ForPlan(c.logger(), string(rec.ID), exec.ID).Info("resuming execution")
	return c.run(ctx, rec, p, workflows.Run{ExecutionID: exec.ID, PlanID: rec.ID, Plan: p, Owner: string(owner), Applied: appliedSteps(rec, p)}, "")
}

func leaseName(executionID string) string {
	return "actiongate.execution/" + executionID
}

// run executes under a lease so that only one instance drives an execution
// at a time.
func (c *Coordinator) run(ctx context.Context, rec record.Plan, p *plan.ActionPlan, run workflows.Run, actor string) (CommitResult, error) {
	log := logging.ForPlan(c.logger(), string(rec.ID), run.ExecutionID)
	lease := leaseName(run.ExecutionID)
	now := c.now()
	held, err := c.Store.AcquireLock(ctx, rec.Workspace, lease, c.instance(), now.Add(c.leaseTTL()), now)
	if err != nil {
		return CommitResult{}, fmt.Errorf("lease execution: %w", err)
	}
	if !held {
		return CommitResult{Status: StatusRunning, PlanID: rec.ID, ExecutionID: run.ExecutionID}, nil
	}
	defer func() {
		if _, err := c.Store.ReleaseLock(context.WithoutCancel(ctx), rec.Workspace, lease, c.instance()); err != nil {
			log.Warn("release execution lease", "error", err)
		}
	}()

	res, err := c.Engine.Execute(ctx, run)
	if err != nil {
		return CommitResult{}, fmt.Errorf("execute %s: %w", run.ExecutionID, err)
	}
	exec := record.Execution{
		ID:         run.ExecutionID,
		PlanID:     rec.ID,
		Workspace:  rec.Workspace,
		Status:     res.Status,
		FinishedAt: c.now(),
	}
	out := CommitResult{Status: string(res.Status), PlanID: rec.ID, ExecutionID: run.ExecutionID}
	if res.Failure != nil {
		exec.ErrorCode = string(res.Failure.Code)
		exec.Message = res.Failure.Message
		out.ErrorCode = res.Failure.Code
		out.Message = res.Failure.Message
		out.Remediation = res.Failure.Remediation
		out.Step = res.Failure.Step
		out.Details = res.Failure.Details
	}
	if s := res.Suspension; s != nil {
		exec.Message = fmt.Sprintf("suspended at step %s: %s", s.Path, s.Summary)
		out.Step = s.Step
		cont, err := c.prepareContinuation(ctx, rec, p, s)
		switch {
		case err != nil:
			log.Error("prepare continuation", "error", err)
			exec.Message += "; continuation not prepared: " + err.Error()
		default:
			exec.Continuation = cont.PlanID
			out.ContinuationID = cont.PlanID
			if cont.Approval != nil {
				out.Continuation = &cont
			}
		}
		if out.Message == "" {
			out.Message = exec.Message
		}
	}

	if err := c.Store.FinishExecution(ctx, exec); err != nil {
		if errors.Is(err, record.ErrConflict) {
			if prior, gerr := c.Store.GetExecution(ctx, run.ExecutionID); gerr == nil {
				return executedResult(prior), nil
			}
		}
		return CommitResult{}, fmt.Errorf("finish execution: %w", err)
	}

	c.auditEvent(ctx, audit.Event{
		Kind:        audit.KindCommit,
		Workspace:   rec.Workspace,
		PlanID:      rec.ID,
		ExecutionID: run.ExecutionID,
		Actor:       actor,
		Outcome:     out.Status,
		Details: map[string]any{
			"error_code":   out.ErrorCode,
			"message":      out.Message,
			"continuation": out.ContinuationID,
		},
	})
	entries, err := c.Store.ListEntries(ctx, run.ExecutionID)
	if err != nil {
		log.Warn("list entries for evidence", "error", err)
	}
	if err := c.Audit.StoreEvidence(ctx, audit.Evidence{
		Workspace:   rec.Workspace,
		PlanID:      rec.ID,
		ExecutionID: run.ExecutionID,
		Status:      out.Status,
		Payload:     map[string]any{"entries": entries},
	}); err != nil {
		log.Error("store evidence", "error", err)
	}
	log.Info("execution finished", "status", out.Status, "error_code", out.ErrorCode)
	return out, nil
}

const (
	metaResumePath = "resume_path"
	metaAppliedKey = "resume_applied_key"
)

// appliedSteps reports the step of a continuation whose action the parent
// run already applied. Only continuations carry it; client metadata on an
// ordinary plan is ignored.
func appliedSteps(rec record.Plan, p *plan.ActionPlan) map[string]string {
	if rec.ParentID == "" {
		return nil
	}
	path, key := p.Metadata[metaResumePath], p.Metadata[metaAppliedKey]
	if path == "" || key == "" {
		return nil
	}
	return map[string]string{path: key}
}

// prepareContinuation turns the remainder of a suspended plan into a new
// plan that needs its own approval.
func (c *Coordinator) prepareContinuation(ctx context.Context, rec record.Plan, p *plan.ActionPlan, s *workflows.Suspension) (Prepared, error) {
	meta := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta["parent_plan"] = string(rec.ID)
	delete(meta, metaResumePath)
	delete(meta, metaAppliedKey)
	if s.AppliedKey != "" {
		meta[metaResumePath] = s.ResumePath
		meta[metaAppliedKey] = s.AppliedKey
	}
	next := &plan.ActionPlan{
		Version:   p.Version,
		Title:     fmt.Sprintf("%s (resume at step %s)", p.Title, s.Path),
		Workspace: p.Workspace,
		RequestID: p.RequestID + "/resume/" + s.Path,
		Steps:     plan.Renumber(s.Remaining),
		OnFailure: p.OnFailure,
		Metadata:  meta,
	}
	summary := s.Summary
	if summary == "" {
		summary = "resume " + p.Title
	}
	if s.Reason != nil {
		summary = fmt.Sprintf("%s (step %s: %s)", summary, s.Path, s.Reason.Message)
	}
	prepared, err := c.prepare(ctx, PrepareRequest{
		Plan:    next,
		Actor:   riskActor(rec.ActorKind),
		ActorID: rec.ActorID,
	}, lineage{parent: rec.ID, summary: summary})
	if fe, ok := failure.As(err); ok && fe.Details["plan_id"] != "" {
		// Prepared by an earlier attempt of this execution; its code is gone.
		return Prepared{PlanID: plan.PlanID(fe.Details["plan_id"]), ParentID: rec.ID}, nil
	}
	return prepared, err
}

// checkBindings confirms every target bound at prepare is still the same
// live instance.
func (c *Coordinator) checkBindings(ctx context.Context, rec record.Plan) (*failure.Error, error) {
	for _, b := range rec.Bindings {
		snap, err := c.Observer.Observe(ctx, b.TargetID)
		if errors.Is(err, target.ErrNotFound) {
			return failure.New(failure.TargetIdentityMismatch, "target %s no longer exists", b.TargetID).
				With("target", b.TargetID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("observe %s: %w", b.TargetID, err)
		}
		if snap.InstanceID != b.InstanceID {
			return failure.New(failure.TargetIdentityMismatch, "target %s was recreated since prepare", b.TargetID).
				With("target", b.TargetID).
				With("prepared_instance", b.InstanceID).
				With("observed_instance", snap.InstanceID), nil
		}
	}
	return nil, nil
}

// hashMismatch builds the failure for a stored plan that no longer hashes
// to its id, and burns any approval issued for it.
func (c *Coordinator) hashMismatch(ctx context.Context, rec record.Plan, p *plan.ActionPlan, decodeErr error) *failure.Error {
	var fe *failure.Error
	if decodeErr != nil {
		fe = failure.New(failure.PlanHashMismatch, "stored plan %s no longer decodes: %v", rec.ID, decodeErr)
	} else {
		current := plan.CanonicalString(p)
		fe = failure.New(failure.PlanHashMismatch, "stored plan no longer hashes to %s (now %s)", rec.ID, plan.Hash(p)).
			With("diff", canonicalDiff(rec.Canonical, current))
	}
	a, err := c.Store.GetApprovalByPlan(ctx, rec.ID)
	if err == nil && (a.State == record.ApprovalIssued || a.State == record.ApprovalApproved) {
		if _, err := c.Store.ConsumeApproval(ctx, a.CodeHash, "", c.now()); err != nil {
			c.logger().Error("invalidate approval after hash mismatch", "plan_id", rec.ID, "error", err)
		}
	}
	return fe
}

func (c *Coordinator) reject(ctx context.Context, rec record.Plan, req CommitRequest, fe *failure.Error) CommitResult {
	c.logger().Warn("commit rejected", "plan_id", req.PlanID, "code", fe.Code, "error", fe.Message)
	c.auditEvent(ctx, audit.Event{
		Kind:      audit.KindCommit,
		Workspace: rec.Workspace,
		PlanID:    req.PlanID,
		Actor:     req.Actor,
		Outcome:   StatusRejected,
		Details:   map[string]any{"error_code": fe.Code, "message": fe.Message},
	})
	return CommitResult{
		Status:      StatusRejected,
		PlanID:      req.PlanID,
		ErrorCode:   fe.Code,
		Message:     fe.Message,
		Remediation: fe.Remediation,
		Step:        fe.Step,
		Details:     fe.Details,
	}
}

func executedResult(e record.Execution) CommitResult {
	return CommitResult{
		Status:         StatusAlreadyExecuted,
		PlanID:         e.PlanID,
		ExecutionID:    e.ID,
		Outcome:        string(e.Status),
		ErrorCode:      failure.Code(e.ErrorCode),
		Message:        e.Message,
		Remediation:    failure.Remediation(failure.Code(e.ErrorCode)),
		ContinuationID: e.Continuation,
	}
}
