// Package memstore is an in-process implementation of the durable store
// contract. It backs tests and single-process development; its atomicity
// comes from one mutex.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

type lock struct {
	owner     string
	expiresAt time.Time
}

type Store struct {
	mu          sync.Mutex
	plans       map[plan.PlanID]record.Plan
	approvals   map[string]record.Approval
	executions  map[string]record.Execution
	byPlan      map[plan.PlanID]string
	entries     map[string][]record.Entry
	seq         int64
	idempotency map[string]record.Idempotency
	locks       map[string]lock
	data        map[string]map[string]string
	audit       []record.AuditEvent
}

// Ping reports whether ctx is still live; the store itself is always
// reachable.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op; the data is dropped with the process.
func (s *Store) Close() error { return nil }

func New() *Store {
	return &Store{
		plans:       map[plan.PlanID]record.Plan{},
		approvals:   map[string]record.Approval{},
		executions:  map[string]record.Execution{},
		byPlan:      map[plan.PlanID]string{},
		entries:     map[string][]record.Entry{},
		idempotency: map[string]record.Idempotency{},
		locks:       map[string]lock{},
		data:        map[string]map[string]string{},
	}
}

func (s *Store) InsertPlan(ctx context.Context, p record.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return record.ErrConflict
	}
	s.plans[p.ID] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id plan.PlanID) (record.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return record.Plan{}, record.ErrNotFound
	}
	return clonePlan(p), nil
}

// SetPlanStatus moves a plan to status if its current status is one of from
// (any status when from is empty).
func (s *Store) SetPlanStatus(ctx context.Context, id plan.PlanID, from []record.PlanStatus, to record.PlanStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return record.ErrNotFound
	}
	if len(from) > 0 && !containsStatus(from, p.Status) {
		return record.ErrConflict
	}
	p.Status = to
	p.UpdatedAt = at
	s.plans[id] = p
	return nil
}

// ListPlans returns a workspace's plans, newest first, without bodies.
func (s *Store) ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Plan
	for _, p := range s.plans {
		if p.Workspace != workspace {
			continue
		}
		p = clonePlan(p)
		p.Body = nil
		p.Canonical = ""
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ExpirePlans(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.plans {
		if p.Status == record.PlanPrepared && !now.Before(p.ExpiresAt) {
			p.Status = record.PlanExpired
			p.UpdatedAt = now
			s.plans[id] = p
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertApproval(ctx context.Context, a record.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.CodeHash]; ok {
		return record.ErrConflict
	}
	s.approvals[a.CodeHash] = cloneApproval(a)
	return nil
}

func (s *Store) GetApproval(ctx context.Context, codeHash string) (record.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[codeHash]
	if !ok {
		return record.Approval{}, record.ErrNotFound
	}
	return cloneApproval(a), nil
}

// GetApprovalByPlan returns the most recently issued approval for a plan.
func (s *Store) GetApprovalByPlan(ctx context.Context, id plan.PlanID) (record.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  record.Approval
		found bool
	)
	for _, a := range s.approvals {
		if a.PlanID != id {
			continue
		}
		if !found || a.CreatedAt.After(best.CreatedAt) {
			best, found = a, true
		}
	}
	if !found {
		return record.Approval{}, record.ErrNotFound
	}
	return cloneApproval(best), nil
}

func (s *Store) ApproveApproval(ctx context.Context, codeHash, approver string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[codeHash]
	if !ok {
		return false, record.ErrNotFound
	}
	if a.State != record.ApprovalIssued || !at.Before(a.ExpiresAt) {
		return false, nil
	}
	a.State = record.ApprovalApproved
	a.ApprovedBy = approver
	a.ApprovedAt = at
	s.approvals[codeHash] = a
	return true, nil
}

// ConsumeApproval consumes an issued or approved approval.
func (s *Store) ConsumeApproval(ctx context.Context, codeHash, executionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(codeHash, executionID, at, record.ApprovalIssued, record.ApprovalApproved)
}

func (s *Store) consumeLocked(codeHash, executionID string, at time.Time, from ...record.ApprovalState) (bool, error) {
	a, ok := s.approvals[codeHash]
	if !ok {
		return false, record.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if a.State == st {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	a.State = record.ApprovalConsumed
	a.ExecutionID = executionID
	a.ConsumedAt = at
	s.approvals[codeHash] = a
	return true, nil
}

func (s *Store) CountActiveApprovals(ctx context.Context, workspace string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.approvals {
		if a.Workspace != workspace || !now.Before(a.ExpiresAt) {
			continue
		}
		if a.State == record.ApprovalIssued || a.State == record.ApprovalApproved {
			n++
		}
	}
	return n, nil
}

func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, a := range s.approvals {
		if (a.State == record.ApprovalIssued || a.State == record.ApprovalApproved) && !now.Before(a.ExpiresAt) {
			a.State = record.ApprovalExpired
			s.approvals[h] = a
			n++
		}
	}
	return n, nil
}

// BeginExecution atomically consumes the approval named by e.ApprovalHash
// (when set), creates the execution and marks the plan executing.
func (s *Store) BeginExecution(ctx context.Context, e record.Execution) (record.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[e.PlanID]
	if !ok {
		return record.Execution{}, record.ErrNotFound
	}
	if _, exists := s.byPlan[e.PlanID]; exists || p.Status != record.PlanPrepared {
		return record.Execution{}, record.ErrConflict
	}
	if e.ApprovalHash != "" {
		a, ok := s.approvals[e.ApprovalHash]
		if !ok || a.PlanID != e.PlanID || !e.StartedAt.Before(a.ExpiresAt) {
			return record.Execution{}, record.ErrApprovalUnavailable
		}
		won, err := s.consumeLocked(e.ApprovalHash, e.ID, e.StartedAt, record.ApprovalApproved)
		if err != nil {
			return record.Execution{}, err
		}
		if !won {
			return record.Execution{}, record.ErrApprovalUnavailable
		}
	}
	e.Status = record.ExecutionRunning
	s.executions[e.ID] = e
	s.byPlan[e.PlanID] = e.ID
	p.Status = record.PlanExecuting
	p.UpdatedAt = e.StartedAt
	s.plans[e.PlanID] = p
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (record.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return record.Execution{}, record.ErrNotFound
	}
	return e, nil
}

func (s *Store) GetExecutionByPlan(ctx context.Context, id plan.PlanID) (record.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execID, ok := s.byPlan[id]
	if !ok {
		return record.Execution{}, record.ErrNotFound
	}
	return s.executions[execID], nil
}

// FinishExecution records the terminal status of a running execution and
// mirrors it onto the plan.
func (s *Store) FinishExecution(ctx context.Context, e record.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[e.ID]
	if !ok {
		return record.ErrNotFound
	}
	if cur.Status != record.ExecutionRunning {
		return record.ErrConflict
	}
	cur.Status = e.Status
	cur.ErrorCode = e.ErrorCode
	cur.Message = e.Message
	cur.Continuation = e.Continuation
	cur.FinishedAt = e.FinishedAt
	s.executions[e.ID] = cur
	if p, ok := s.plans[cur.PlanID]; ok {
		p.Status = record.PlanStatusFor(e.Status)
		p.UpdatedAt = e.FinishedAt
		s.plans[cur.PlanID] = p
	}
	return nil
}

func (s *Store) AppendEntry(ctx context.Context, e record.Entry) (record.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	e.Output = cloneRaw(e.Output)
	s.entries[e.ExecutionID] = append(s.entries[e.ExecutionID], e)
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, executionID string) ([]record.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]record.Entry(nil), s.entries[executionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ClaimIdempotency inserts a started record for rec.Key, or re-claims a key
// whose previous attempt failed. When the key is held by a started or
// succeeded record, that record is returned with claimed false.
func (s *Store) ClaimIdempotency(ctx context.Context, rec record.Idempotency) (record.Idempotency, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, ok := s.idempotency[rec.Key]
	if ok && prior.Status != record.IdempotencyFailed {
		prior.Output = cloneRaw(prior.Output)
		return prior, false, nil
	}
	rec.Status = record.IdempotencyStarted
	rec.Output = nil
	s.idempotency[rec.Key] = rec
	return prior, true, nil
}

func (s *Store) FinishIdempotency(ctx context.Context, key string, status record.IdempotencyStatus, output json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return record.ErrNotFound
	}
	rec.Status = status
	rec.Output = cloneRaw(output)
	rec.UpdatedAt = at
	s.idempotency[key] = rec
	return nil
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (record.Idempotency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return record.Idempotency{}, record.ErrNotFound
	}
	return rec, nil
}

func lockKey(workspace, name string) string { return workspace + "\x00" + name }

// AcquireLock takes a free or expired lock, or refreshes one already held
// by owner.
func (s *Store) AcquireLock(ctx context.Context, workspace, name, owner string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(workspace, name)
	if cur, ok := s.locks[k]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.locks[k] = lock{owner: owner, expiresAt: expiresAt}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, workspace, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(workspace, name)
	cur, ok := s.locks[k]
	if !ok || cur.owner != owner {
		return false, nil
	}
	delete(s.locks, k)
	return true, nil
}

// LockOwner returns the current holder, or "" when the lock is free.
func (s *Store) LockOwner(ctx context.Context, workspace, name string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[lockKey(workspace, name)]
	if !ok || !now.Before(cur.expiresAt) {
		return "", nil
	}
	return cur.owner, nil
}

func (s *Store) ExpireLocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, l := range s.locks {
		if !now.Before(l.expiresAt) {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) PutData(ctx context.Context, workspace, key, value string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[workspace]
	if !ok {
		m = map[string]string{}
		s.data[workspace] = m
	}
	m[key] = value
	return nil
}

func (s *Store) GetData(ctx context.Context, workspace string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data[workspace]))
	for k, v := range s.data[workspace] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) InsertAuditEvent(ctx context.Context, e record.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Details = cloneRaw(e.Details)
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, id plan.PlanID) ([]record.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.AuditEvent
	for _, e := range s.audit {
		if id == "" || e.PlanID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func containsStatus(list []record.PlanStatus, st record.PlanStatus) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func clonePlan(p record.Plan) record.Plan {
	p.Body = cloneRaw(p.Body)
	p.Bindings = append([]record.TargetBinding(nil), p.Bindings...)
	return p
}

func cloneApproval(a record.Approval) record.Approval {
	a.ActionKinds = append([]string(nil), a.ActionKinds...)
	a.TargetIDs = append([]string(nil), a.TargetIDs...)
	return a
}
