package coordinator

import (
	"fmt"
	"strings"

	"actiongate/internal/config"
	"actiongate/internal/policy"
	"actiongate/internal/risk"
	"actiongate/internal/target"
	"actiongate/internal/workflows"
)

// Targets is a live target backend that can be observed and acted on.
type Targets interface {
	target.Observer
	target.Actuator
	target.EventMarker
	target.CustomRunner
}

// NewFromConfig wires a coordinator and its execution engine from cfg.
func NewFromConfig(cfg config.Config, store Store, targets Targets) (*Coordinator, error) {
	engine := &workflows.Engine{
		Actuator:           targets,
		Events:             targets,
		Customs:            targets,
		DefaultStepTimeout: cfg.Execution.StepTimeout(),
		PollInterval:       cfg.Execution.PollInterval(),
		PreconditionWait:   cfg.Execution.PreconditionWait(),
		LockTTL:            cfg.Execution.LockTTL(),
		MaxDepth:           cfg.Plans.MaxDepth,
	}
	if runner, ok := targets.(workflows.WorkflowRunner); ok {
		engine.Workflows = runner
	}
	c, err := New(store, targets, engine)
	if err != nil {
		return nil, err
	}
	scorer, err := risk.NewScorer(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("risk scorer: %w", err)
	}
	c.Scorer = scorer
	c.Policy = &policy.Engine{Bands: cfg.Policy.Bands()}
	if strings.TrimSpace(cfg.Policy.OPAURL) != "" {
		c.Policy.External = &policy.PolicyService{OPAURL: cfg.Policy.OPAURL, PolicyPackage: cfg.Policy.PolicyPackage}
	}
	c.Binder.TTL = cfg.Approvals.TTL()
	c.Binder.MaxActive = cfg.Approvals.MaxActive
	if cfg.Approvals.CLI != "" {
		c.Binder.CLI = cfg.Approvals.CLI
	}
	c.PlanTTL = cfg.Plans.TTL()
	c.MaxDepth = cfg.Plans.MaxDepth
	return c, nil
}
