// Package coordinator implements the prepare / approve / commit protocol on
// top of the plan model, risk scorer, policy engine, approval binder and
// execution engine. Prepare never touches a target; commit re-verifies
// everything prepare established before anything runs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/approval"
	"actiongate/internal/audit"
	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
	"actiongate/internal/risk"
	"actiongate/internal/target"
	"actiongate/internal/workflows"
)

const (
	DefaultPlanTTL  = time.Hour
	DefaultLeaseTTL = 10 * time.Minute
)

// Store is everything the coordinator persists. Every backend in this
// module (memstore, localstore, db) satisfies it.
type Store interface {
	approval.Store
	workflows.Store
	audit.Writer

	InsertPlan(ctx context.Context, p record.Plan) error
	GetPlan(ctx context.Context, id plan.PlanID) (record.Plan, error)
	SetPlanStatus(ctx context.Context, id plan.PlanID, from []record.PlanStatus, to record.PlanStatus, at time.Time) error
	ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error)
	GetApprovalByPlan(ctx context.Context, id plan.PlanID) (record.Approval, error)
	BeginExecution(ctx context.Context, e record.Execution) (record.Execution, error)
	GetExecution(ctx context.Context, id string) (record.Execution, error)
	GetExecutionByPlan(ctx context.Context, id plan.PlanID) (record.Execution, error)
	FinishExecution(ctx context.Context, e record.Execution) error
	ListAuditEvents(ctx context.Context, id plan.PlanID) ([]record.AuditEvent, error)
}

// Coordinator is safe for concurrent use. All protocol state lives in Store.
type Coordinator struct {
	Store    Store
	Observer target.Observer
	Scorer   *risk.Scorer
	Policy   *policy.Engine
	Binder   *approval.Binder
	Engine   *workflows.Engine
	Audit    *audit.Store

	PlanTTL  time.Duration
	MaxDepth int
	// LeaseTTL bounds how long one instance may hold a running execution
	// before another instance may resume it.
	LeaseTTL time.Duration
	// Instance identifies this process when leasing executions.
	Instance string

	Now    func() time.Time
	Logger *slog.Logger
}

// New wires a coordinator with default scoring, policy bands and approval
// settings. Callers may replace any field before first use.
func New(store Store, obs target.Observer, engine *workflows.Engine) (*Coordinator, error) {
	scorer, err := risk.NewScorer(risk.Config{})
	if err != nil {
		return nil, fmt.Errorf("risk scorer: %w", err)
	}
	c := &Coordinator{
		Store:    store,
		Observer: obs,
		Scorer:   scorer,
		Policy:   &policy.Engine{},
		Binder:   &approval.Binder{Store: store},
		Engine:   engine,
		Audit:    audit.NewWithDB(store),
		Instance: uuid.NewString(),
	}
	if engine != nil {
		if engine.Store == nil {
			engine.Store = store
		}
		if engine.Observer == nil {
			engine.Observer = obs
		}
		if engine.Approvals == nil {
			engine.Approvals = c
		}
	}
	return c, nil
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Coordinator) planTTL() time.Duration {
	if c.PlanTTL > 0 {
		return c.PlanTTL
	}
	return DefaultPlanTTL
}

func (c *Coordinator) leaseTTL() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return DefaultLeaseTTL
}

func (c *Coordinator) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return plan.DefaultMaxDepth
}

func (c *Coordinator) instance() string {
	if c.Instance != "" {
		return c.Instance
	}
	return "coordinator"
}

// ApprovalValid reports whether planID holds a usable approval. Before
// execution that means approved and unexpired; during execution it means
// consumed by executionID.
func (c *Coordinator) ApprovalValid(ctx context.Context, planID plan.PlanID, executionID string) (bool, error) {
	a, err := c.Store.GetApprovalByPlan(ctx, planID)
	if errors.Is(err, record.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if executionID == "" {
		return a.State == record.ApprovalApproved && c.now().Before(a.ExpiresAt), nil
	}
	return a.State == record.ApprovalConsumed && a.ExecutionID == executionID, nil
}

// lineageRoot follows ParentID links to the plan a continuation chain
// started from. Locks taken by the chain are owned by the root.
func (c *Coordinator) lineageRoot(ctx context.Context, p record.Plan) (plan.PlanID, error) {
	cur := p
	for i := 0; cur.ParentID != "" && i < 64; i++ {
		parent, err := c.Store.GetPlan(ctx, cur.ParentID)
		if errors.Is(err, record.ErrNotFound) {
			return cur.ParentID, nil
		}
		if err != nil {
			return "", fmt.Errorf("get parent plan: %w", err)
		}
		cur = parent
	}
	return cur.ID, nil
}

func (c *Coordinator) auditEvent(ctx context.Context, ev audit.Event) {
	if err := c.Audit.AppendEvent(ctx, ev); err != nil {
		c.logger().Error("audit event failed", "kind", ev.Kind, "plan_id", ev.PlanID, "error", err)
	}
}
