package coordinator

import (
	"testing"
	"time"

	"actiongate/internal/config"
	"actiongate/internal/memstore"
	"actiongate/internal/risk"
	"actiongate/internal/target"
)

func TestNewFromConfig(t *testing.T) {
	cfg := config.Config{
		Policy:    config.PolicyConfig{AllowMax: 20, RequireApprovalMax: 60, OPAURL: "http://opa", PolicyPackage: "gate"},
		Approvals: config.ApprovalsConfig{TTLSecs: 60, MaxActive: 3, CLI: "gate"},
		Plans:     config.PlansConfig{TTLSecs: 120, MaxDepth: 4},
		Execution: config.ExecutionConfig{StepTimeoutSecs: 9, PollIntervalMS: 5},
		Risk:      risk.Config{},
	}
	reg := target.NewRegistry()
	c, err := NewFromConfig(cfg, memstore.New(), reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Policy.Bands.AllowMax != 20 || c.Policy.External == nil {
		t.Fatalf("policy: %+v", c.Policy)
	}
	if c.Binder.TTL != time.Minute || c.Binder.MaxActive != 3 || c.cli() != "gate" {
		t.Fatalf("binder: %+v", c.Binder)
	}
	if c.PlanTTL != 2*time.Minute || c.maxDepth() != 4 {
		t.Fatalf("plans: ttl %v depth %d", c.PlanTTL, c.maxDepth())
	}
	e := c.Engine
	if e.DefaultStepTimeout != 9*time.Second || e.PollInterval != 5*time.Millisecond || e.Store == nil || e.Approvals == nil {
		t.Fatalf("engine: %+v", e)
	}
	if e.Workflows != nil {
		t.Fatalf("registry runs no workflows")
	}
	if _, err := NewFromConfig(config.Config{}, memstore.New(), &target.Client{BaseURL: "http://capture"}); err != nil {
		t.Fatalf("client targets: %v", err)
	}
}
