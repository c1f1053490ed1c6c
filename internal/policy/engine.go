// Package policy maps a risk assessment and any hard overrides to an
// allow / require-approval / deny decision.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"actiongate/internal/risk"
)

type Kind string

const (
	Allow           Kind = "allow"
	RequireApproval Kind = "require_approval"
	Deny            Kind = "deny"
)

// Bands split [0,100]: Allow is [0, AllowMax], RequireApproval is
// (AllowMax, RequireApprovalMax], Deny is everything above.
type Bands struct {
	AllowMax           int `json:"allow_max" yaml:"allow_max"`
	RequireApprovalMax int `json:"require_approval_max" yaml:"require_approval_max"`
}

func DefaultBands() Bands {
	return Bands{AllowMax: 30, RequireApprovalMax: 70}
}

func (b Bands) Validate() error {
	if b.AllowMax < 0 {
		return errors.New("policy.allow_max: must not be negative")
	}
	if b.RequireApprovalMax <= b.AllowMax {
		return errors.New("policy.require_approval_max: must exceed allow_max")
	}
	if b.RequireApprovalMax > risk.MaxScore {
		return fmt.Errorf("policy.require_approval_max: must not exceed %d", risk.MaxScore)
	}
	return nil
}

// Band classifies a score.
func (b Bands) Band(score int) Kind {
	switch {
	case score <= b.AllowMax:
		return Allow
	case score <= b.RequireApprovalMax:
		return RequireApproval
	default:
		return Deny
	}
}

// Override forces Deny regardless of score.
type Override struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

const (
	OverridePrecondition = "precondition_false"
	OverrideExternal     = "external_policy"
	OverrideUnavailable  = "policy_unavailable"
)

// Decision is always returned with the full factor list.
type Decision struct {
	Kind       Kind            `json:"kind"`
	Assessment risk.Assessment `json:"assessment"`
	Overrides  []Override      `json:"overrides,omitempty"`
	Reason     string          `json:"reason"`
}

// Request carries what a decision is made from.
type Request struct {
	Assessment risk.Assessment
	Overrides  []Override
	Input      PolicyInput
}

// Engine decides. External is optional.
type Engine struct {
	Bands    Bands
	External Checker
	Logger   *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Decide evaluates hard overrides first, then bands. An unreachable external
// policy fails closed.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	bands := e.Bands
	if bands == (Bands{}) {
		bands = DefaultBands()
	}
	overrides := append([]Override(nil), req.Overrides...)
	if e.External != nil {
		input := req.Input
		input.Risk.Score = req.Assessment.Score
		input.Risk.Band = string(bands.Band(req.Assessment.Score))
		for _, f := range req.Assessment.Factors {
			input.Risk.Factors = append(input.Risk.Factors, f.ID)
		}
		verdict, err := e.External.Evaluate(ctx, input)
		switch {
		case err != nil:
			e.logger().Warn("external policy unavailable", "error", err, "plan_id", input.PlanID)
			overrides = append(overrides, Override{Code: OverrideUnavailable, Reason: err.Error()})
		case verdict.Decision == string(Deny):
			reason := verdict.Reason
			if reason == "" {
				reason = "denied by external policy"
			}
			overrides = append(overrides, Override{Code: OverrideExternal, Reason: reason})
		}
	}
	out := Decision{Assessment: req.Assessment, Overrides: overrides}
	if len(overrides) > 0 {
		out.Kind = Deny
		out.Reason = "hard override: " + overrides[0].Reason
		return out
	}
	out.Kind = bands.Band(req.Assessment.Score)
	switch out.Kind {
	case Allow:
		out.Reason = fmt.Sprintf("score %d within allow band [0, %d]", req.Assessment.Score, bands.AllowMax)
	case RequireApproval:
		out.Reason = fmt.Sprintf("score %d within approval band (%d, %d]", req.Assessment.Score, bands.AllowMax, bands.RequireApprovalMax)
	default:
		out.Reason = fmt.Sprintf("score %d above approval band (%d, %d]", req.Assessment.Score, bands.AllowMax, bands.RequireApprovalMax)
	}
	return out
}
