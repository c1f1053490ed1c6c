package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"actiongate/internal/audit"
	"actiongate/internal/failure"
	"actiongate/internal/metrics"
	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
	"actiongate/internal/risk"
)

// ApprovalView is an approval without its code hash.
type ApprovalView struct {
	State      record.ApprovalState `json:"state"`
	Summary    string               `json:"summary,omitempty"`
	ApprovedBy string               `json:"approved_by,omitempty"`
	ExpiresAt  time.Time            `json:"expires_at"`
	ApprovedAt time.Time            `json:"approved_at,omitempty"`
	ConsumedAt time.Time            `json:"consumed_at,omitempty"`
}

// Explanation is everything recorded about one plan.
type Explanation struct {
	PlanID       plan.PlanID            `json:"plan_id"`
	Workspace    string                 `json:"workspace"`
	Title        string                 `json:"title"`
	Status       record.PlanStatus      `json:"status"`
	ParentID     plan.PlanID            `json:"parent_id,omitempty"`
	Decision     policy.Decision        `json:"decision"`
	RiskFactors  []risk.Factor          `json:"risk_factors"`
	Preview      *Preview               `json:"plan_preview,omitempty"`
	Bindings     []record.TargetBinding `json:"bindings,omitempty"`
	Approval     *ApprovalView          `json:"approval,omitempty"`
	Execution    *record.Execution      `json:"execution,omitempty"`
	ExecutionLog []record.Entry         `json:"execution_log"`
	Audit        []record.AuditEvent    `json:"audit,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// Explain looks up a plan by plan id ("plan:...") or execution id.
func (c *Coordinator) Explain(ctx context.Context, id string) (Explanation, error) {
	var (
		rec  record.Plan
		exec *record.Execution
		err  error
	)
	if strings.HasPrefix(id, "plan:") {
		rec, err = c.Store.GetPlan(ctx, plan.PlanID(id))
	} else {
		var e record.Execution
		e, err = c.Store.GetExecution(ctx, id)
		if err == nil {
			exec = &e
			rec, err = c.Store.GetPlan(ctx, e.PlanID)
		}
	}
	if errors.Is(err, record.ErrNotFound) {
		return Explanation{}, failure.New(failure.PlanNotFound, "no plan or execution %s", id)
	}
	if err != nil {
		return Explanation{}, fmt.Errorf("explain %s: %w", id, err)
	}

	out := Explanation{
		PlanID:       rec.ID,
		Workspace:    rec.Workspace,
		Title:        rec.Title,
		Status:       rec.Status,
		ParentID:     rec.ParentID,
		Decision:     rec.Decision,
		RiskFactors:  rec.Decision.Assessment.Factors,
		Bindings:     rec.Bindings,
		ExecutionLog: []record.Entry{},
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
	}
	if out.RiskFactors == nil {
		out.RiskFactors = []risk.Factor{}
	}
	if p, err := rec.Decode(); err == nil {
		preview := BuildPreview(p)
		out.Preview = &preview
	}
	if exec == nil {
		e, err := c.Store.GetExecutionByPlan(ctx, rec.ID)
		switch {
		case err == nil:
			exec = &e
		case !errors.Is(err, record.ErrNotFound):
			return Explanation{}, fmt.Errorf("get execution: %w", err)
		}
	}
	if exec != nil {
		out.Execution = exec
		entries, err := c.Store.ListEntries(ctx, exec.ID)
		if err != nil {
			return Explanation{}, fmt.Errorf("list entries: %w", err)
		}
		if entries != nil {
			out.ExecutionLog = entries
		}
	}
	a, err := c.Store.GetApprovalByPlan(ctx, rec.ID)
	switch {
	case err == nil:
		out.Approval = &ApprovalView{
			State:      a.State,
			Summary:    a.Summary,
			ApprovedBy: a.ApprovedBy,
			ExpiresAt:  a.ExpiresAt,
			ApprovedAt: a.ApprovedAt,
			ConsumedAt: a.ConsumedAt,
		}
	case !errors.Is(err, record.ErrNotFound):
		return Explanation{}, fmt.Errorf("get approval: %w", err)
	}
	events, err := c.Store.ListAuditEvents(ctx, rec.ID)
	if err != nil {
		return Explanation{}, fmt.Errorf("list audit events: %w", err)
	}
	out.Audit = events
	return out, nil
}

// ApproveResult reports an approval transition.
type ApproveResult struct {
	Status    string      `json:"status"`
	PlanID    plan.PlanID `json:"plan_id"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Approve records a human's approval of the plan bound to code.
func (c *Coordinator) Approve(ctx context.Context, code, approver string) (ApproveResult, error) {
	if approver == "" {
		approver = "operator"
	}
	rec, err := c.Binder.Approve(ctx, code, approver)
	if err != nil {
		metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
		c.auditEvent(ctx, audit.Event{
			Kind:      audit.KindApprove,
			Workspace: rec.Workspace,
			PlanID:    rec.PlanID,
			Actor:     approver,
			Outcome:   StatusRejected,
			Details:   map[string]any{"error_code": failure.CodeOf(err), "message": err.Error()},
		})
		return ApproveResult{}, err
	}
	metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
	c.auditEvent(ctx, audit.Event{
		Kind:      audit.KindApprove,
		Workspace: rec.Workspace,
		PlanID:    rec.PlanID,
		Actor:     approver,
		Outcome:   string(rec.State),
	})
	return ApproveResult{Status: string(rec.State), PlanID: rec.PlanID, ExpiresAt: rec.ExpiresAt}, nil
}

// Invalidate cancels a prepared plan before commit. Its approval, if any,
// can no longer be used because the plan is no longer prepared.
func (c *Coordinator) Invalidate(ctx context.Context, id plan.PlanID, actor string) error {
	err := c.Store.SetPlanStatus(ctx, id, []record.PlanStatus{record.PlanPrepared}, record.PlanInvalidated, c.now())
	switch {
	case errors.Is(err, record.ErrNotFound):
		return failure.New(failure.PlanNotFound, "plan %s not found", id)
	case errors.Is(err, record.ErrConflict):
		return failure.New(failure.PlanExpired, "plan %s is no longer prepared", id)
	case err != nil:
		return fmt.Errorf("invalidate %s: %w", id, err)
	}
	rec, err := c.Store.GetPlan(ctx, id)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	c.auditEvent(ctx, audit.Event{Kind: audit.KindInvalidate, Workspace: rec.Workspace, PlanID: id, Actor: actor, Outcome: string(record.PlanInvalidated)})
	c.logger().Info("plan invalidated", "plan_id", id, "actor", actor)
	return nil
}

// ListPlans pages through a workspace's plans, newest first.
func (c *Coordinator) ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return c.Store.ListPlans(ctx, workspace, limit, offset)
}

func riskActor(kind string) risk.Actor {
	switch risk.Actor(kind) {
	case risk.ActorHuman, risk.ActorRobot:
		return risk.Actor(kind)
	default:
		return risk.ActorAgent
	}
}
