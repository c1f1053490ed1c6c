package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"actiongate/internal/failure"
	"actiongate/internal/plan"
)

var marshalOutput = json.Marshal

// act performs the step's effect. ctx carries the step timeout.
func (e *Engine) act(ctx context.Context, x *execution, s plan.StepPlan) (json.RawMessage, error) {
	ws := x.run.Plan.Workspace
	switch a := s.Action.(type) {
	case plan.SendInput:
		if e.Actuator == nil {
			return nil, errors.New("no actuator configured")
		}
		if err := e.Actuator.SendInput(ctx, a.Target, a.Text); err != nil {
			return nil, err
		}
		return marshalOutput(map[string]any{"target": a.Target, "bytes": len(a.Text)})
	case plan.WaitFor:
		wctx := ctx
		if a.TimeoutMS > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		err := e.poll(wctx, func() (bool, error) {
			snap, err := e.observe(wctx, a.Target)
			if err != nil {
				return false, err
			}
			if a.Pattern != "" && !snap.Contains(a.Pattern) {
				return false, nil
			}
			return !a.Idle || snap.Idle, nil
		})
		if err != nil {
			return nil, fmt.Errorf("wait for %s: %w", a.Target, err)
		}
		return marshalOutput(map[string]any{"target": a.Target, "matched": true})
	case plan.AcquireLock:
		ttl := e.LockTTL
		if a.TTLMS > 0 {
			ttl = time.Duration(a.TTLMS) * time.Millisecond
		}
		if ttl <= 0 {
			ttl = DefaultLockTTL
		}
		now := e.now()
		ok, err := e.Store.AcquireLock(ctx, ws, a.Name, x.run.Owner, now.Add(ttl), now)
		if err != nil {
			return nil, err
		}
		if !ok {
			owner, err := e.Store.LockOwner(ctx, ws, a.Name, now)
			if err != nil {
				x.logger.Warn("look up lock owner", "lock", a.Name, "error", err)
				return nil, failure.New(failure.ActionFailed, "lock %q is held (owner lookup failed: %v)", a.Name, err)
			}
			return nil, failure.New(failure.ActionFailed, "lock %q is held by %s", a.Name, owner)
		}
		return marshalOutput(map[string]any{"lock": a.Name, "expires_at": now.Add(ttl).UTC()})
	case plan.ReleaseLock:
		ok, err := e.Store.ReleaseLock(ctx, ws, a.Name, x.run.Owner)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, failure.New(failure.ActionFailed, "lock %q is not held by this plan", a.Name)
		}
		return marshalOutput(map[string]any{"lock": a.Name, "released": true})
	case plan.StoreData:
		if err := e.Store.PutData(ctx, ws, a.Key, a.Value, e.now()); err != nil {
			return nil, err
		}
		return marshalOutput(map[string]any{"key": a.Key})
	case plan.RunWorkflow:
		if e.Workflows == nil {
			return nil, errors.New("no workflow runner configured")
		}
		return e.Workflows.RunWorkflow(ctx, ws, a.Name, a.Params)
	case plan.MarkEventHandled:
		if e.Events == nil {
			return nil, errors.New("no event marker configured")
		}
		if err := e.Events.MarkEventHandled(ctx, ws, a.EventID, a.Note); err != nil {
			return nil, err
		}
		return marshalOutput(map[string]any{"event_id": a.EventID})
	case plan.ValidateApproval:
		if e.Approvals == nil {
			return nil, failure.New(failure.ApprovalMissing, "no approval checker configured")
		}
		ok, err := e.Approvals.ApprovalValid(ctx, x.run.PlanID, x.run.ExecutionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, failure.New(failure.ApprovalMissing, "execution does not hold a valid approval")
		}
		return marshalOutput(map[string]any{"approved": true})
	case plan.Custom:
		if err := plan.ValidateCustomPayload(a.Name, a.Payload); err != nil {
			return nil, err
		}
		if e.Customs == nil {
			return nil, errors.New("no custom action runner configured")
		}
		return e.Customs.RunCustom(ctx, a.Name, a.Target, a.Payload)
	case plan.NestedPlan:
		return nil, errors.New("nested plans are run by the engine")
	default:
		return nil, fmt.Errorf("unsupported action %T", s.Action)
	}
}
