// Package plan holds the action plan model: the closed sets of actions,
// preconditions, verifications and failure policies, their canonical text
// and hashes, and structural validation.
package plan

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the plan model version stamped into new plans.
const SchemaVersion = 1

// PlanID is the plan hash rendered as "plan:<hex>".
type PlanID string

// StepID is a step hash rendered as "step:<hex>".
type StepID string

// ActionPlan is an ordered list of steps bound to one workspace. Its identity
// is derived from its canonical text; CreatedAt and Metadata are volatile and
// do not take part in the hash.
type ActionPlan struct {
	Version       int
	Title         string
	Workspace     string
	RequestID     string
	Steps         []StepPlan
	Preconditions []Precondition
	OnFailure     FailurePolicy
	Metadata      map[string]string
	CreatedAt     time.Time
}

// StepPlan is a single numbered step. Number is 1-indexed and must match the
// step's position.
type StepPlan struct {
	Number        int
	Action        Action
	Description   string
	Preconditions []Precondition
	Verification  *Verification
	OnFailure     FailurePolicy
	TimeoutMS     int64
	Idempotent    bool
}

// Timeout returns the step timeout, or def when unset.
func (s StepPlan) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return def
}

type ActionKind string

const (
	KindSendInput        ActionKind = "send_input"
	KindWaitFor          ActionKind = "wait_for"
	KindAcquireLock      ActionKind = "acquire_lock"
	KindReleaseLock      ActionKind = "release_lock"
	KindStoreData        ActionKind = "store_data"
	KindNestedPlan       ActionKind = "nested_plan"
	KindRunWorkflow      ActionKind = "run_workflow"
	KindMarkEventHandled ActionKind = "mark_event_handled"
	KindValidateApproval ActionKind = "validate_approval"
	KindCustom           ActionKind = "custom"
)

// Action is the closed set of step actions.
type Action interface {
	Kind() ActionKind
	isAction()
}

// SendInput writes Text to a target.
type SendInput struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

// WaitFor blocks until Pattern is observed on the target (or the target is
// idle when Idle is set), bounded by TimeoutMS.
type WaitFor struct {
	Target    string `json:"target"`
	Pattern   string `json:"pattern,omitempty"`
	Idle      bool   `json:"idle,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type AcquireLock struct {
	Name  string `json:"name"`
	TTLMS int64  `json:"ttl_ms,omitempty"`
}

type ReleaseLock struct {
	Name string `json:"name"`
}

// StoreData writes a workspace-scoped key/value pair.
type StoreData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NestedPlan runs a sub-plan inline with its own idempotency namespace.
type NestedPlan struct {
	Plan *ActionPlan `json:"plan"`
}

type RunWorkflow struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type MarkEventHandled struct {
	EventID string `json:"event_id"`
	Note    string `json:"note,omitempty"`
}

// ValidateApproval asserts that the running plan still holds a valid,
// consumed approval before later steps proceed.
type ValidateApproval struct {
	Summary string `json:"summary,omitempty"`
}

// Custom is an extension action. Payload is validated against the schema
// registered for Name, if any. Destructive feeds the risk scorer.
type Custom struct {
	Name        string          `json:"name"`
	Target      string          `json:"target,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Destructive bool            `json:"destructive,omitempty"`
}

func (SendInput) Kind() ActionKind        { return KindSendInput }
func (WaitFor) Kind() ActionKind          { return KindWaitFor }
func (AcquireLock) Kind() ActionKind      { return KindAcquireLock }
func (ReleaseLock) Kind() ActionKind      { return KindReleaseLock }
func (StoreData) Kind() ActionKind        { return KindStoreData }
func (NestedPlan) Kind() ActionKind       { return KindNestedPlan }
func (RunWorkflow) Kind() ActionKind      { return KindRunWorkflow }
func (MarkEventHandled) Kind() ActionKind { return KindMarkEventHandled }
func (ValidateApproval) Kind() ActionKind { return KindValidateApproval }
func (Custom) Kind() ActionKind           { return KindCustom }

func (SendInput) isAction()        {}
func (WaitFor) isAction()          {}
func (AcquireLock) isAction()      {}
func (ReleaseLock) isAction()      {}
func (StoreData) isAction()        {}
func (NestedPlan) isAction()       {}
func (RunWorkflow) isAction()      {}
func (MarkEventHandled) isAction() {}
func (ValidateApproval) isAction() {}
func (Custom) isAction()           {}

type PreconditionKind string

const (
	KindTargetExists  PreconditionKind = "target_exists"
	KindTargetMatches PreconditionKind = "target_matches"
	KindLockHeld      PreconditionKind = "lock_held"
	KindLockAvailable PreconditionKind = "lock_available"
	KindStepCompleted PreconditionKind = "step_completed"
	KindApprovalValid PreconditionKind = "approval_valid"
	KindExpression    PreconditionKind = "expression"
)

// Precondition is the closed set of checks evaluated before a plan or step.
type Precondition interface {
	Kind() PreconditionKind
	isPrecondition()
}

type TargetExists struct {
	Target string `json:"target"`
}

// TargetMatches holds when Pattern (if set) appears in the target's recent
// output and, with Idle set, the target is idle.
type TargetMatches struct {
	Target  string `json:"target"`
	Pattern string `json:"pattern,omitempty"`
	Idle    bool   `json:"idle,omitempty"`
}

// LockHeld holds when the running execution owns the named lock.
type LockHeld struct {
	Name string `json:"name"`
}

type LockAvailable struct {
	Name string `json:"name"`
}

type StepCompleted struct {
	Step int `json:"step"`
}

type ApprovalValid struct {
	Summary string `json:"summary,omitempty"`
}

// CheckExpression is a boolean expression over the observed environment.
type CheckExpression struct {
	Expr string `json:"expr"`
}

func (TargetExists) Kind() PreconditionKind    { return KindTargetExists }
func (TargetMatches) Kind() PreconditionKind   { return KindTargetMatches }
func (LockHeld) Kind() PreconditionKind        { return KindLockHeld }
func (LockAvailable) Kind() PreconditionKind   { return KindLockAvailable }
func (StepCompleted) Kind() PreconditionKind   { return KindStepCompleted }
func (ApprovalValid) Kind() PreconditionKind   { return KindApprovalValid }
func (CheckExpression) Kind() PreconditionKind { return KindExpression }

func (TargetExists) isPrecondition()    {}
func (TargetMatches) isPrecondition()   {}
func (LockHeld) isPrecondition()        {}
func (LockAvailable) isPrecondition()   {}
func (StepCompleted) isPrecondition()   {}
func (ApprovalValid) isPrecondition()   {}
func (CheckExpression) isPrecondition() {}

type VerifyKind string

const (
	KindPatternObserved  VerifyKind = "pattern_observed"
	KindTargetIdle       VerifyKind = "target_idle"
	KindPatternAbsent    VerifyKind = "pattern_absent"
	KindVerifyExpression VerifyKind = "expression"
	KindVerifyNone       VerifyKind = "none"
)

// Verification checks the outcome of a step within its own timeout.
type Verification struct {
	Strategy  VerifyStrategy
	TimeoutMS int64
}

// Timeout returns the verification timeout, or def when unset.
func (v *Verification) Timeout(def time.Duration) time.Duration {
	if v != nil && v.TimeoutMS > 0 {
		return time.Duration(v.TimeoutMS) * time.Millisecond
	}
	return def
}

type VerifyStrategy interface {
	Kind() VerifyKind
	isVerify()
}

type PatternObserved struct {
	Target  string `json:"target"`
	Pattern string `json:"pattern"`
}

type TargetIdle struct {
	Target string `json:"target"`
}

// PatternAbsent fails as soon as Pattern is seen within WindowMS.
type PatternAbsent struct {
	Target   string `json:"target"`
	Pattern  string `json:"pattern"`
	WindowMS int64  `json:"window_ms,omitempty"`
}

type VerifyExpression struct {
	Expr string `json:"expr"`
}

type VerifyNone struct{}

func (PatternObserved) Kind() VerifyKind  { return KindPatternObserved }
func (TargetIdle) Kind() VerifyKind       { return KindTargetIdle }
func (PatternAbsent) Kind() VerifyKind    { return KindPatternAbsent }
func (VerifyExpression) Kind() VerifyKind { return KindVerifyExpression }
func (VerifyNone) Kind() VerifyKind       { return KindVerifyNone }

func (PatternObserved) isVerify()  {}
func (TargetIdle) isVerify()       {}
func (PatternAbsent) isVerify()    {}
func (VerifyExpression) isVerify() {}
func (VerifyNone) isVerify()       {}

type PolicyKind string

const (
	KindAbort           PolicyKind = "abort"
	KindRetry           PolicyKind = "retry"
	KindSkip            PolicyKind = "skip"
	KindFallback        PolicyKind = "fallback"
	KindRequireApproval PolicyKind = "require_approval"
)

// FailurePolicy decides what happens when a step fails. A nil policy means
// Abort.
type FailurePolicy interface {
	Kind() PolicyKind
	isPolicy()
}

type Abort struct{}

// Retry re-attempts the failing step with exponential backoff starting at
// InitialBackoffMS and capped at MaxBackoffMS.
type Retry struct {
	MaxAttempts      int   `json:"max_attempts"`
	InitialBackoffMS int64 `json:"initial_backoff_ms,omitempty"`
	MaxBackoffMS     int64 `json:"max_backoff_ms,omitempty"`
}

type Skip struct {
	Warn bool `json:"warn,omitempty"`
}

// Fallback runs Steps in place of the failed step.
type Fallback struct {
	Steps []StepPlan `json:"steps"`
}

// RequireApproval suspends the plan until a human approves the remainder.
type RequireApproval struct {
	Summary string `json:"summary"`
}

func (Abort) Kind() PolicyKind           { return KindAbort }
func (Retry) Kind() PolicyKind           { return KindRetry }
func (Skip) Kind() PolicyKind            { return KindSkip }
func (Fallback) Kind() PolicyKind        { return KindFallback }
func (RequireApproval) Kind() PolicyKind { return KindRequireApproval }

func (Abort) isPolicy()           {}
func (Retry) isPolicy()           {}
func (Skip) isPolicy()            {}
func (Fallback) isPolicy()        {}
func (RequireApproval) isPolicy() {}

const (
	// RetryBackoffCeilingMS caps a retry backoff when MaxBackoffMS is unset.
	RetryBackoffCeilingMS = 5 * 60 * 1000
	MaxRetryAttempts      = 100
)

// Backoff returns the wait before the given attempt (attempt 2 is the first
// retry). The wait doubles per attempt up to MaxBackoffMS, or up to
// RetryBackoffCeilingMS when no maximum is set.
func (r Retry) Backoff(attempt int) time.Duration {
	if attempt < 2 || r.InitialBackoffMS <= 0 {
		return 0
	}
	ceiling := r.MaxBackoffMS
	if ceiling <= 0 {
		ceiling = RetryBackoffCeilingMS
	}
	ms := min(r.InitialBackoffMS, ceiling)
	for i := 2; i < attempt && ms < ceiling; i++ {
		ms = min(ms*2, ceiling)
	}
	return time.Duration(ms) * time.Millisecond
}

// EffectivePolicy resolves the step policy, then the plan policy, then Abort.
func EffectivePolicy(step StepPlan, planPolicy FailurePolicy) FailurePolicy {
	if step.OnFailure != nil {
		return step.OnFailure
	}
	if planPolicy != nil {
		return planPolicy
	}
	return Abort{}
}
