package coordinator

import (
	"fmt"
	"strings"

	"actiongate/internal/plan"
)

// Preview is the human-reviewable summary of a plan returned by prepare.
type Preview struct {
	Title         string        `json:"title"`
	Workspace     string        `json:"workspace"`
	Preconditions []string      `json:"preconditions,omitempty"`
	Steps         []StepPreview `json:"steps"`
	OnFailure     string        `json:"on_failure,omitempty"`
}

type StepPreview struct {
	Number      int           `json:"step_number"`
	Action      string        `json:"action"`
	Target      string        `json:"target,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Description string        `json:"description,omitempty"`
	Idempotent  bool          `json:"idempotent,omitempty"`
	OnFailure   string        `json:"on_failure,omitempty"`
	Steps       []StepPreview `json:"steps,omitempty"`
}

// BuildPreview summarizes p without observing anything.
func BuildPreview(p *plan.ActionPlan) Preview {
	out := Preview{
		Title:     p.Title,
		Workspace: p.Workspace,
		Steps:     previewSteps(p.Steps),
		OnFailure: policyLabel(p.OnFailure),
	}
	for _, pre := range p.Preconditions {
		out.Preconditions = append(out.Preconditions, preconditionLabel(pre))
	}
	return out
}

func previewSteps(steps []plan.StepPlan) []StepPreview {
	out := make([]StepPreview, 0, len(steps))
	for _, s := range steps {
		sp := StepPreview{
			Number:      s.Number,
			Action:      string(s.Action.Kind()),
			Target:      plan.ActionTarget(s.Action),
			Detail:      actionDetail(s.Action),
			Description: s.Description,
			Idempotent:  s.Idempotent,
			OnFailure:   policyLabel(s.OnFailure),
		}
		if n, ok := s.Action.(plan.NestedPlan); ok && n.Plan != nil {
			sp.Steps = previewSteps(n.Plan.Steps)
		}
		out = append(out, sp)
	}
	return out
}

func actionDetail(a plan.Action) string {
	switch v := a.(type) {
	case plan.SendInput:
		return fmt.Sprintf("send %q", v.Text)
	case plan.WaitFor:
		if v.Idle {
			return "wait until idle"
		}
		return fmt.Sprintf("wait for %q", v.Pattern)
	case plan.AcquireLock:
		return "lock " + v.Name
	case plan.ReleaseLock:
		return "unlock " + v.Name
	case plan.StoreData:
		return "set " + v.Key
	case plan.NestedPlan:
		if v.Plan != nil {
			return fmt.Sprintf("run %d nested steps", len(v.Plan.Steps))
		}
		return ""
	case plan.RunWorkflow:
		return "workflow " + v.Name
	case plan.MarkEventHandled:
		return "handle event " + v.EventID
	case plan.ValidateApproval:
		return "confirm approval"
	case plan.Custom:
		if v.Destructive {
			return v.Name + " (destructive)"
		}
		return v.Name
	default:
		return ""
	}
}

func preconditionLabel(p plan.Precondition) string {
	switch v := p.(type) {
	case plan.TargetExists:
		return "target " + v.Target + " exists"
	case plan.TargetMatches:
		var parts []string
		if v.Pattern != "" {
			parts = append(parts, fmt.Sprintf("shows %q", v.Pattern))
		}
		if v.Idle {
			parts = append(parts, "is idle")
		}
		return "target " + v.Target + " " + strings.Join(parts, " and ")
	case plan.LockHeld:
		return "lock " + v.Name + " held"
	case plan.LockAvailable:
		return "lock " + v.Name + " available"
	case plan.StepCompleted:
		return fmt.Sprintf("step %d completed", v.Step)
	case plan.ApprovalValid:
		return "approval valid"
	case plan.CheckExpression:
		return "expr " + v.Expr
	default:
		return string(p.Kind())
	}
}

func policyLabel(p plan.FailurePolicy) string {
	switch v := p.(type) {
	case nil:
		return ""
	case plan.Retry:
		return fmt.Sprintf("retry up to %d times", v.MaxAttempts)
	case plan.Fallback:
		return fmt.Sprintf("fallback (%d steps)", len(v.Steps))
	case plan.RequireApproval:
		return "require approval: " + v.Summary
	default:
		return string(p.Kind())
	}
}
