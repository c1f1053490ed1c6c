package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actiongate/internal/failure"
	"actiongate/internal/plan"
	"actiongate/internal/target"
)

// errUnmet marks a precondition that evaluated cleanly to false.
var errUnmet = errors.New("precondition not met")

// CheckPreconditions runs before an execution exists. It evaluates the
// plan-level preconditions of run.Plan once, then waits (as the engine
// would) on the first step's preconditions when that step aborts on
// failure, so a plan that would stop at step 1 is rejected before anything
// is consumed. With an empty run.ExecutionID, approval_valid asks whether
// the plan holds an approved, unconsumed approval.
func (e *Engine) CheckPreconditions(ctx context.Context, run Run) *failure.Error {
	if run.Owner == "" {
		run.Owner = string(run.PlanID)
	}
	x := &execution{run: run}
	if reason := e.firstUnmet(ctx, x, newScope(nil), run.Plan.Preconditions); reason != "" {
		return failure.New(failure.PreconditionFailed, "%s", reason)
	}
	if len(run.Plan.Steps) == 0 {
		return nil
	}
	first := run.Plan.Steps[0]
	if _, ok := plan.EffectivePolicy(first, run.Plan.OnFailure).(plan.Abort); !ok {
		return nil
	}
	var pres []plan.Precondition
	for _, pre := range first.Preconditions {
		if standalone(pre) {
			pres = append(pres, pre)
		}
	}
	ferr, err := e.waitPreconditions(ctx, x, newScope(nil), pres, first.Number)
	if err != nil {
		return failure.AtStep(failure.PreconditionFailed, first.Number, "%v", err)
	}
	return ferr
}

// standalone reports whether pre can be judged without a running
// execution.
func standalone(pre plan.Precondition) bool {
	switch pre.(type) {
	case plan.ApprovalValid, plan.LockHeld, plan.StepCompleted:
		return false
	}
	return true
}

// KnownFalse returns the plan-level preconditions that already fail before
// anything runs. Preconditions that depend on an execution (approval_valid,
// lock_held) are not evaluated.
func (e *Engine) KnownFalse(ctx context.Context, p *plan.ActionPlan, id plan.PlanID) []string {
	x := &execution{run: Run{PlanID: id, Plan: p, Owner: string(id)}}
	var out []string
	for _, pre := range p.Preconditions {
		if !standalone(pre) {
			continue
		}
		if reason := e.firstUnmet(ctx, x, newScope(nil), []plan.Precondition{pre}); reason != "" {
			out = append(out, reason)
		}
	}
	return out
}

// waitPreconditions polls until every precondition holds or
// PreconditionWait elapses.
func (e *Engine) waitPreconditions(ctx context.Context, x *execution, sc *scope, pres []plan.Precondition, n int) (*failure.Error, error) {
	if len(pres) == 0 {
		return nil, nil
	}
	reason := e.firstUnmet(ctx, x, sc, pres)
	if reason != "" && e.PreconditionWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, e.PreconditionWait)
		for reason != "" {
			if err := e.sleep(wctx, e.pollInterval()); err != nil {
				break
			}
			reason = e.firstUnmet(ctx, x, sc, pres)
		}
		cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reason != "" {
		return failure.AtStep(failure.PreconditionFailed, n, "%s", reason), nil
	}
	return nil, nil
}

// firstUnmet returns a description of the first precondition that does not
// hold, or "". Evaluation errors count as unmet.
func (e *Engine) firstUnmet(ctx context.Context, x *execution, sc *scope, pres []plan.Precondition) string {
	for _, pre := range pres {
		if err := e.checkPrecondition(ctx, x, sc, pre); err != nil {
			return fmt.Sprintf("%s: %v", pre.Kind(), err)
		}
	}
	return ""
}

func (e *Engine) checkPrecondition(ctx context.Context, x *execution, sc *scope, pre plan.Precondition) error {
	ws := x.run.Plan.Workspace
	switch p := pre.(type) {
	case plan.TargetExists:
		_, err := e.observe(ctx, p.Target)
		return err
	case plan.TargetMatches:
		snap, err := e.observe(ctx, p.Target)
		if err != nil {
			return err
		}
		if p.Pattern != "" && !snap.Contains(p.Pattern) {
			return fmt.Errorf("%w: %s does not show %q", errUnmet, p.Target, p.Pattern)
		}
		if p.Idle && !snap.Idle {
			return fmt.Errorf("%w: %s is not idle", errUnmet, p.Target)
		}
		return nil
	case plan.LockHeld:
		owner, err := e.lockOwner(ctx, ws, p.Name)
		if err != nil {
			return err
		}
		if owner != x.run.Owner {
			return fmt.Errorf("%w: lock %q is not held by this plan", errUnmet, p.Name)
		}
		return nil
	case plan.LockAvailable:
		owner, err := e.lockOwner(ctx, ws, p.Name)
		if err != nil {
			return err
		}
		if owner != "" && owner != x.run.Owner {
			return fmt.Errorf("%w: lock %q is held by %s", errUnmet, p.Name, owner)
		}
		return nil
	case plan.StepCompleted:
		if !sc.isCompleted(p.Step) {
			return fmt.Errorf("%w: step %d has not completed", errUnmet, p.Step)
		}
		return nil
	case plan.ApprovalValid:
		if e.Approvals == nil {
			return errors.New("no approval checker configured")
		}
		ok, err := e.Approvals.ApprovalValid(ctx, x.run.PlanID, x.run.ExecutionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no valid approval", errUnmet)
		}
		return nil
	case plan.CheckExpression:
		env, err := e.exprEnv(ctx, x, sc)
		if err != nil {
			return err
		}
		ok, err := plan.EvalExpression(p.Expr, env)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is false", errUnmet, p.Expr)
		}
		return nil
	default:
		return fmt.Errorf("unsupported precondition %T", pre)
	}
}

func (e *Engine) observe(ctx context.Context, id string) (target.Snapshot, error) {
	if e.Observer == nil {
		return target.Snapshot{}, errors.New("no observer configured")
	}
	snap, err := e.Observer.Observe(ctx, id)
	if errors.Is(err, target.ErrNotFound) {
		return snap, fmt.Errorf("%w: target %s not found", errUnmet, id)
	}
	return snap, err
}

func (e *Engine) lockOwner(ctx context.Context, workspace, name string) (string, error) {
	if e.Store == nil {
		return "", errors.New("store required")
	}
	return e.Store.LockOwner(ctx, workspace, name, e.now())
}

func (e *Engine) exprEnv(ctx context.Context, x *execution, sc *scope) (map[string]any, error) {
	targets := map[string]any{}
	if e.Observer != nil {
		for _, id := range plan.TargetIDs(x.run.Plan) {
			snap, err := e.Observer.Observe(ctx, id)
			switch {
			case errors.Is(err, target.ErrNotFound):
				targets[id] = map[string]any{"exists": false}
			case err != nil:
				return nil, err
			default:
				targets[id] = snap.Env()
			}
		}
	}
	data := map[string]any{}
	if e.Store != nil {
		values, err := e.Store.GetData(ctx, x.run.Plan.Workspace)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			data[k] = v
		}
	}
	return plan.ExprEnv(targets, sc.env(), data, x.run.Plan.Workspace), nil
}

// poll calls check until it reports done, returns an error, or ctx ends.
func (e *Engine) poll(ctx context.Context, check func() (bool, error)) error {
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := e.sleep(ctx, e.pollInterval()); err != nil {
			return err
		}
	}
}

// verify runs the step's verification under its own timeout.
func (e *Engine) verify(ctx context.Context, x *execution, sc *scope, s plan.StepPlan) *failure.Error {
	v := s.Verification
	if v == nil || v.Strategy == nil {
		return nil
	}
	timeout := v.Timeout(DefaultVerifyTimeout)
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch st := v.Strategy.(type) {
	case plan.VerifyNone:
		return nil
	case plan.PatternObserved:
		err = e.poll(vctx, func() (bool, error) {
			snap, err := e.observe(vctx, st.Target)
			return err == nil && snap.Contains(st.Pattern), err
		})
	case plan.TargetIdle:
		err = e.poll(vctx, func() (bool, error) {
			snap, err := e.observe(vctx, st.Target)
			return err == nil && snap.Idle, err
		})
	case plan.PatternAbsent:
		return e.verifyAbsent(vctx, s.Number, st, timeout)
	case plan.VerifyExpression:
		err = e.poll(vctx, func() (bool, error) {
			env, err := e.exprEnv(vctx, x, sc)
			if err != nil {
				return false, err
			}
			return plan.EvalExpression(st.Expr, env)
		})
	default:
		return failure.AtStep(failure.VerificationFailed, s.Number, "unsupported verification %T", v.Strategy)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.AtStep(failure.VerificationTimeout, s.Number, "%s not satisfied within %s", v.Strategy.Kind(), timeout)
	}
	return failure.AtStep(failure.VerificationFailed, s.Number, "%s: %v", v.Strategy.Kind(), err)
}

// verifyAbsent fails as soon as the pattern shows up and passes once the
// window (bounded by the verification timeout) closes without it.
func (e *Engine) verifyAbsent(ctx context.Context, n int, st plan.PatternAbsent, timeout time.Duration) *failure.Error {
	window := time.Duration(st.WindowMS) * time.Millisecond
	if window > timeout {
		window = timeout
	}
	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	for {
		snap, err := e.observe(ctx, st.Target)
		if err != nil {
			return failure.AtStep(failure.VerificationFailed, n, "%s: %v", st.Kind(), err)
		}
		if snap.Contains(st.Pattern) {
			return failure.AtStep(failure.VerificationFailed, n, "%q observed on %s", st.Pattern, st.Target)
		}
		if window <= 0 {
			return nil
		}
		if err := e.sleep(wctx, e.pollInterval()); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return failure.AtStep(failure.VerificationFailed, n, "%s: %v", st.Kind(), ctx.Err())
			}
			return nil
		}
	}
}
