// Package record defines the durable rows shared by every store backend.
package record

import (
	"encoding/json"
	"errors"
	"time"

	"actiongate/internal/plan"
	"actiongate/internal/policy"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrApprovalUnavailable is returned when a single-use approval could
	// not be consumed because its state changed underneath the caller.
	ErrApprovalUnavailable = errors.New("approval not in consumable state")
)

type PlanStatus string

const (
	PlanPrepared    PlanStatus = "prepared"
	PlanExecuting   PlanStatus = "executing"
	PlanSucceeded   PlanStatus = "succeeded"
	PlanFailed      PlanStatus = "failed"
	PlanSuspended   PlanStatus = "suspended"
	PlanExpired     PlanStatus = "expired"
	PlanInvalidated PlanStatus = "invalidated"
)

// TargetBinding pins a target label to the live instance observed at
// prepare time.
type TargetBinding struct {
	TargetID   string `json:"target_id"`
	InstanceID string `json:"instance_id"`
}

// Plan is a persisted, hashed plan. Body is the plan JSON; Canonical is the
// text the id was derived from.
type Plan struct {
	ID        plan.PlanID     `json:"plan_id"`
	Workspace string          `json:"workspace"`
	Title     string          `json:"title"`
	Canonical string          `json:"canonical"`
	Body      json.RawMessage `json:"body"`
	Decision  policy.Decision `json:"decision"`
	Bindings  []TargetBinding `json:"bindings"`
	Status    PlanStatus      `json:"status"`
	ActorKind string          `json:"actor_kind"`
	ActorID   string          `json:"actor_id,omitempty"`
	ParentID  plan.PlanID     `json:"parent_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode parses the stored plan body.
func (p Plan) Decode() (*plan.ActionPlan, error) {
	return plan.Decode(p.Body)
}

// Final reports whether the plan can no longer be committed.
func (p Plan) Final() bool {
	switch p.Status {
	case PlanPrepared:
		return false
	default:
		return true
	}
}

type ApprovalState string

const (
	ApprovalIssued   ApprovalState = "issued"
	ApprovalApproved ApprovalState = "approved"
	ApprovalConsumed ApprovalState = "consumed"
	ApprovalExpired  ApprovalState = "expired"
)

// Approval is an allow-once grant scoped to one plan hash. Only the hash of
// the code is stored.
type Approval struct {
	CodeHash    string        `json:"code_hash"`
	Workspace   string        `json:"workspace"`
	PlanID      plan.PlanID   `json:"plan_id"`
	ActionKinds []string      `json:"action_kinds"`
	TargetIDs   []string      `json:"target_ids"`
	Summary     string        `json:"summary,omitempty"`
	State       ApprovalState `json:"state"`
	ApprovedBy  string        `json:"approved_by,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	ApprovedAt  time.Time     `json:"approved_at,omitempty"`
	ConsumedAt  time.Time     `json:"consumed_at,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSuspended ExecutionStatus = "suspended"
)

// Finished reports whether the execution reached a terminal status.
func (s ExecutionStatus) Finished() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionSuspended
}

// PlanStatusFor maps a terminal execution status onto the plan.
func PlanStatusFor(s ExecutionStatus) PlanStatus {
	switch s {
	case ExecutionSucceeded:
		return PlanSucceeded
	case ExecutionFailed:
		return PlanFailed
	case ExecutionSuspended:
		return PlanSuspended
	default:
		return PlanExecuting
	}
}

// Execution is one committed run of a plan. At most one exists per plan.
type Execution struct {
	ID           string          `json:"execution_id"`
	PlanID       plan.PlanID     `json:"plan_id"`
	Workspace    string          `json:"workspace"`
	Status       ExecutionStatus `json:"status"`
	ApprovalHash string          `json:"approval_hash,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Message      string          `json:"message,omitempty"`
	Continuation plan.PlanID     `json:"continuation,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether no further transition follows.
func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Entry is one append-only execution log line. Seq is assigned by the store
// and totally orders the log. Path locates the step: "2" for a top-level
// step, "2/1" for step 1 of the plan nested in step 2, "2/fallback/1" for
// step 1 of step 2's fallback.
type Entry struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	Path        string          `json:"path"`
	Step        int             `json:"step_number"`
	State       StepState       `json:"state"`
	Attempt     int             `json:"attempt,omitempty"`
	Replay      bool            `json:"replay,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	At          time.Time       `json:"at"`
}

type IdempotencyStatus string

const (
	IdempotencyStarted   IdempotencyStatus = "started"
	IdempotencySucceeded IdempotencyStatus = "succeeded"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// Idempotency guards the real-world effect of one step.
type Idempotency struct {
	Key         string            `json:"key"`
	ExecutionID string            `json:"execution_id"`
	Path        string            `json:"path"`
	Status      IdempotencyStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AuditEvent is an immutable record of a protocol decision.
type AuditEvent struct {
	ID          string          `json:"event_id"`
	Kind        string          `json:"kind"`
	Workspace   string          `json:"workspace"`
	PlanID      plan.PlanID     `json:"plan_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Outcome     string          `json:"outcome"`
	Details     json.RawMessage `json:"details,omitempty"`
	At          time.Time       `json:"at"`
}
