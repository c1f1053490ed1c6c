package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/approval"
	"actiongate/internal/audit"
	"actiongate/internal/failure"
	"actiongate/internal/logging"
	"actiongate/internal/metrics"
	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
	"actiongate/internal/risk"
	"actiongate/internal/target"
)

// PrepareRequest asks for a plan to be hashed, scored and decided.
type PrepareRequest struct {
	Plan       *plan.ActionPlan `json:"plan"`
	Actor      risk.Actor       `json:"actor,omitempty"`
	ActorID    string           `json:"actor_id,omitempty"`
	InWorkflow bool             `json:"in_workflow,omitempty"`
}

// ApprovalInfo carries the one-time code. It is only ever returned here.
type ApprovalInfo struct {
	Code           string    `json:"code"`
	ExpiresAt      time.Time `json:"expires_at"`
	Summary        string    `json:"summary,omitempty"`
	ApproveCommand string    `json:"approve_command"`
	CommitCommand  string    `json:"commit_command"`
}

// Prepared is the result of a successful prepare.
type Prepared struct {
	PlanID            plan.PlanID     `json:"plan_id"`
	PlanHash          string          `json:"plan_hash"`
	ParentID          plan.PlanID     `json:"parent_id,omitempty"`
	Preview           Preview         `json:"plan_preview"`
	Decision          policy.Decision `json:"decision"`
	Approval          *ApprovalInfo   `json:"approval,omitempty"`
	CommitInstruction string          `json:"commit_instruction,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// lineage marks a prepare made on behalf of a suspended execution.
type lineage struct {
	parent  plan.PlanID
	summary string
}

// Prepare validates, hashes, scores and decides a plan and persists it. It
// observes targets but never acts on them.
func (c *Coordinator) Prepare(ctx context.Context, req PrepareRequest) (Prepared, error) {
	return c.prepare(ctx, req, lineage{})
}

func (c *Coordinator) prepare(ctx context.Context, req PrepareRequest, from lineage) (Prepared, error) {
	if req.Plan == nil {
		return Prepared{}, failure.New(failure.ValidationError, "plan required")
	}
	now := c.now()
	p := *req.Plan
	if p.Version == 0 {
		p.Version = plan.SchemaVersion
	}
	if p.RequestID == "" {
		p.RequestID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if err := plan.Validate(&p, plan.ValidateOptions{MaxDepth: c.maxDepth()}); err != nil {
		return Prepared{}, validationFailure(err)
	}
	id := plan.Hash(&p)
	log := logging.ForPlan(c.logger(), string(id), "")

	ids := plan.TargetIDs(&p)
	found, missing, err := target.ObserveAll(ctx, c.Observer, ids)
	if err != nil {
		return Prepared{}, fmt.Errorf("observe targets: %w", err)
	}
	states := make([]risk.TargetState, 0, len(ids))
	var bindings []record.TargetBinding
	for _, tid := range ids {
		snap, ok := found[tid]
		if !ok {
			// Unobserved targets score as unconfirmed.
			states = append(states, risk.TargetState{ID: tid})
			continue
		}
		states = append(states, snap.RiskState())
		bindings = append(bindings, record.TargetBinding{TargetID: tid, InstanceID: snap.InstanceID})
	}
	if len(missing) > 0 {
		log.Warn("targets not observable at prepare", "targets", missing)
	}

	actor := req.Actor
	if actor == "" {
		actor = risk.ActorAgent
	}
	assessment := c.Scorer.Score(risk.ContextFromPlan(&p, states, actor, req.ActorID, req.InWorkflow, now))
	var overrides []policy.Override
	if c.Engine != nil {
		for _, reason := range c.Engine.KnownFalse(ctx, &p, id) {
			overrides = append(overrides, policy.Override{Code: policy.OverridePrecondition, Reason: reason})
		}
	}
	decision := c.Policy.Decide(ctx, policy.Request{
		Assessment: assessment,
		Overrides:  overrides,
		Input: policy.PolicyInput{
			Workspace:   p.Workspace,
			PlanID:      string(id),
			Actor:       policy.Actor{Kind: string(actor), ID: req.ActorID},
			ActionKinds: plan.ActionKinds(&p),
			Targets:     ids,
			Time:        now.Format(time.RFC3339),
		},
	})
	if from.parent != "" && decision.Kind != policy.Deny {
		decision.Kind = policy.RequireApproval
		decision.Reason = fmt.Sprintf("continuation of %s: %s", from.parent, from.summary)
	}

	body, err := json.Marshal(&p)
	if err != nil {
		return Prepared{}, fmt.Errorf("encode plan: %w", err)
	}
	rec := record.Plan{
		ID:        id,
		Workspace: p.Workspace,
		Title:     p.Title,
		Canonical: plan.CanonicalString(&p),
		Body:      body,
		Decision:  decision,
		Bindings:  bindings,
		Status:    record.PlanPrepared,
		ActorKind: string(actor),
		ActorID:   req.ActorID,
		ParentID:  from.parent,
		CreatedAt: now,
		ExpiresAt: now.Add(c.planTTL()),
		UpdatedAt: now,
	}
	if err := c.Store.InsertPlan(ctx, rec); err != nil {
		if errors.Is(err, record.ErrConflict) {
			return Prepared{}, failure.New(failure.ValidationError, "plan %s already prepared; change request_id to prepare it again", id).
				With("plan_id", string(id))
		}
		return Prepared{}, fmt.Errorf("insert plan: %w", err)
	}

	out := Prepared{
		PlanID:    id,
		PlanHash:  strings.TrimPrefix(string(id), "plan:"),
		ParentID:  from.parent,
		Preview:   BuildPreview(&p),
		Decision:  decision,
		ExpiresAt: rec.ExpiresAt,
	}
	switch decision.Kind {
	case policy.RequireApproval:
		summary := from.summary
		if summary == "" {
			summary = approvalSummary(&p, assessment.Score)
		}
		grant, err := c.Binder.Issue(ctx, approval.ScopeFor(&p, id), summary)
		if err != nil {
			// The plan is useless without its approval.
			if serr := c.Store.SetPlanStatus(ctx, id, []record.PlanStatus{record.PlanPrepared}, record.PlanInvalidated, c.now()); serr != nil {
				log.Error("invalidate plan after approval failure", "error", serr)
			}
			return Prepared{}, err
		}
		metrics.ApprovalsTotal.WithLabelValues("issued").Inc()
		out.Approval = &ApprovalInfo{
			Code:           grant.Code,
			ExpiresAt:      grant.ExpiresAt,
			Summary:        grant.Summary,
			ApproveCommand: grant.ApproveCommand,
			CommitCommand:  grant.CommitCommand,
		}
		out.CommitInstruction = fmt.Sprintf("approve with `%s`, then run `%s`", grant.ApproveCommand, grant.CommitCommand)
	case policy.Allow:
		out.CommitInstruction = fmt.Sprintf("%s commit %s", c.cli(), id)
	}

	metrics.PreparesTotal.WithLabelValues(string(decision.Kind)).Inc()
	metrics.RiskScore.Observe(float64(assessment.Score))
	factorIDs := make([]string, 0, len(assessment.Factors))
	for _, f := range assessment.Factors {
		factorIDs = append(factorIDs, f.ID)
	}
	c.auditEvent(ctx, audit.Event{
		Kind:      audit.KindPrepare,
		Workspace: p.Workspace,
		PlanID:    id,
		Actor:     actorLabel(string(actor), req.ActorID),
		Outcome:   string(decision.Kind),
		Details: map[string]any{
			"score":   assessment.Score,
			"factors": factorIDs,
			"reason":  decision.Reason,
			"parent":  from.parent,
		},
	})
	log.Info("plan prepared", "decision", decision.Kind, "score", assessment.Score, "steps", len(p.Steps))
	return out, nil
}

func (c *Coordinator) cli() string {
	if c.Binder != nil && c.Binder.CLI != "" {
		return c.Binder.CLI
	}
	return "gatectl"
}

func approvalSummary(p *plan.ActionPlan, score int) string {
	title := p.Title
	if title == "" {
		title = "untitled plan"
	}
	targets := plan.TargetIDs(p)
	if len(targets) == 0 {
		return fmt.Sprintf("%s: %d steps (risk %d)", title, len(p.Steps), score)
	}
	return fmt.Sprintf("%s: %d steps on %s (risk %d)", title, len(p.Steps), strings.Join(targets, ", "), score)
}

func actorLabel(kind, id string) string {
	if id == "" {
		return kind
	}
	return kind + ":" + id
}

// validationFailure flattens structural errors into one coded failure with
// a detail per offending path.
func validationFailure(err error) *failure.Error {
	fe := failure.New(failure.ValidationError, "%s", err.Error())
	var verrs plan.ValidationErrors
	if errors.As(err, &verrs) {
		for _, v := range verrs {
			fe = fe.With(v.Path, v.Message)
		}
	}
	return fe
}
