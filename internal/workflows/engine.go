package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"actiongate/internal/failure"
	"actiongate/internal/logging"
	"actiongate/internal/metrics"
	"actiongate/internal/plan"
	"actiongate/internal/record"
	"actiongate/internal/target"
)

// Store is the durable state the engine needs. Claims and lock
// acquisition must be atomic.
type Store interface {
	AppendEntry(ctx context.Context, e record.Entry) (record.Entry, error)
	ListEntries(ctx context.Context, executionID string) ([]record.Entry, error)
	ClaimIdempotency(ctx context.Context, rec record.Idempotency) (record.Idempotency, bool, error)
	FinishIdempotency(ctx context.Context, key string, status record.IdempotencyStatus, output json.RawMessage, at time.Time) error
	GetIdempotency(ctx context.Context, key string) (record.Idempotency, error)
	AcquireLock(ctx context.Context, workspace, name, owner string, expiresAt, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, workspace, name, owner string) (bool, error)
	LockOwner(ctx context.Context, workspace, name string, now time.Time) (string, error)
	PutData(ctx context.Context, workspace, key, value string, at time.Time) error
	GetData(ctx context.Context, workspace string) (map[string]string, error)
}

// WorkflowRunner starts a named higher-level procedure.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workspace, name string, params map[string]string) (json.RawMessage, error)
}

// ApprovalChecker reports whether an execution still holds the approval it
// was committed with.
type ApprovalChecker interface {
	ApprovalValid(ctx context.Context, planID plan.PlanID, executionID string) (bool, error)
}

const (
	DefaultStepTimeout   = 30 * time.Second
	DefaultVerifyTimeout = 10 * time.Second
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultLockTTL       = 5 * time.Minute
)

// Engine runs validated plans step by step. Every transition is appended to
// the execution log before the engine acts on it, so Execute can be called
// again for the same execution after a crash and will pick up where the log
// ends.
type Engine struct {
	Store     Store
	Observer  target.Observer
	Actuator  target.Actuator
	Events    target.EventMarker
	Customs   target.CustomRunner
	Workflows WorkflowRunner
	Approvals ApprovalChecker

	DefaultStepTimeout time.Duration
	PollInterval       time.Duration
	// PreconditionWait bounds how long step preconditions are polled before
	// they count as failed. Zero means a single check.
	PreconditionWait time.Duration
	LockTTL          time.Duration
	MaxDepth         int

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Run identifies one execution of a plan.
type Run struct {
	ExecutionID string
	PlanID      plan.PlanID
	Plan        *plan.ActionPlan
	// Owner holds locks on behalf of the run. Continuations of a suspended
	// plan share their origin's owner.
	Owner string
	// Applied maps a step path to the idempotency key under which an
	// earlier run of the lineage already applied that step's action. A
	// Succeeded record there turns the step into a verification-only replay.
	Applied map[string]string
}

// Suspension is returned when a RequireApproval policy stops the plan.
// Remaining holds the failed step followed by everything after it, in the
// shape of the top-level plan.
type Suspension struct {
	Path      string          `json:"path"`
	Step      int             `json:"step_number"`
	Summary   string          `json:"summary"`
	Reason    *failure.Error  `json:"reason,omitempty"`
	Remaining []plan.StepPlan `json:"-"`
	// ResumePath locates the suspended step inside a continuation built
	// from Remaining. AppliedKey is set when that step's action already
	// succeeded and only its verification failed.
	ResumePath string `json:"-"`
	AppliedKey string `json:"-"`
}

// Result is the terminal outcome of Execute.
type Result struct {
	Status     record.ExecutionStatus
	Failure    *failure.Error
	Suspension *Suspension
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return DefaultPollInterval
}

func (e *Engine) stepTimeout() time.Duration {
	if e.DefaultStepTimeout > 0 {
		return e.DefaultStepTimeout
	}
	return DefaultStepTimeout
}

func (e *Engine) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return plan.DefaultMaxDepth
}

// execution is the per-call state of Execute.
type execution struct {
	run    Run
	latest map[string]record.Entry
	logger *slog.Logger
}

// sequence is one ordered list of steps being run: the top-level plan, a
// nested plan, or a fallback.
type sequence struct {
	steps     []plan.StepPlan
	prefix    string
	namespace string
	policy    plan.FailurePolicy
	scope     *scope
	depth     int
}

func (q sequence) path(n int) string {
	if q.prefix == "" {
		return strconv.Itoa(n)
	}
	return q.prefix + "/" + strconv.Itoa(n)
}

// outcome is what a step or sequence ended with. A zero outcome means it
// completed.
type outcome struct {
	failure *failure.Error
	// suspended carries the step to resume with; remaining is filled in by
	// the enclosing sequence.
	suspended *Suspension
	head      *plan.StepPlan
}

// Execute runs run.Plan. Plan-level preconditions of the top-level plan are
// the caller's responsibility; those of nested plans are checked here. The
// returned error is reserved for store failures, after which the execution
// can be resumed.
func (e *Engine) Execute(ctx context.Context, run Run) (Result, error) {
	if e.Store == nil {
		return Result{}, errors.New("store required")
	}
	if run.Plan == nil {
		return Result{}, errors.New("plan required")
	}
	if run.ExecutionID == "" {
		return Result{}, errors.New("execution_id required")
	}
	if run.Owner == "" {
		run.Owner = string(run.PlanID)
	}
	entries, err := e.Store.ListEntries(ctx, run.ExecutionID)
	if err != nil {
		return Result{}, fmt.Errorf("load execution log: %w", err)
	}
	x := &execution{
		run:    run,
		latest: make(map[string]record.Entry, len(entries)),
		logger: logging.ForPlan(e.Logger, string(run.PlanID), run.ExecutionID),
	}
	for _, entry := range entries {
		x.latest[entry.Path] = entry
	}
	if len(entries) > 0 {
		x.logger.Info("resuming execution", "entries", len(entries))
	}
	seq := sequence{
		steps:     run.Plan.Steps,
		namespace: string(run.PlanID),
		policy:    run.Plan.OnFailure,
		scope:     newScope(nil),
	}
	out, err := e.runSequence(ctx, x, seq)
	if err != nil {
		return Result{}, err
	}
	switch {
	case out.suspended != nil:
		x.logger.Info("execution suspended", "path", out.suspended.Path, "remaining", len(out.suspended.Remaining))
		return Result{Status: record.ExecutionSuspended, Suspension: out.suspended}, nil
	case out.failure != nil:
		x.logger.Warn("execution failed", "code", out.failure.Code, "error", out.failure.Message)
		return Result{Status: record.ExecutionFailed, Failure: out.failure}, nil
	default:
		x.logger.Info("execution succeeded")
		return Result{Status: record.ExecutionSucceeded}, nil
	}
}

func (e *Engine) runSequence(ctx context.Context, x *execution, q sequence) (outcome, error) {
	for _, s := range q.steps {
		path := q.path(s.Number)
		if _, ok := x.latest[path]; ok {
			continue
		}
		if err := e.append(ctx, x, record.Entry{Path: path, Step: s.Number, State: record.StepPending}); err != nil {
			return outcome{}, err
		}
	}
	for i, s := range q.steps {
		out, err := e.runStep(ctx, x, q, s)
		if err != nil {
			return outcome{}, err
		}
		if out.suspended != nil {
			out.suspended.Remaining = append([]plan.StepPlan{*out.head}, q.steps[i+1:]...)
			out.head = nil
			return out, nil
		}
		if out.failure != nil {
			return out, nil
		}
	}
	return outcome{}, nil
}

// runStep drives one step through its attempts and failure policy.
func (e *Engine) runStep(ctx context.Context, x *execution, q sequence, s plan.StepPlan) (outcome, error) {
	path := q.path(s.Number)
	policy := plan.EffectivePolicy(s, q.policy)
	maxAttempts := 1
	if r, ok := policy.(plan.Retry); ok && r.MaxAttempts > 1 {
		maxAttempts = r.MaxAttempts
	}

	attempt := 1
	var last *failure.Error
	if prior, ok := x.latest[path]; ok {
		switch prior.State {
		case record.StepSucceeded:
			q.scope.set(s.Number, prior.State, true)
			return outcome{}, nil
		case record.StepSkipped:
			q.scope.set(s.Number, prior.State, prior.Replay)
			return outcome{}, nil
		case record.StepRunning:
			attempt = max(prior.Attempt, 1)
		case record.StepFailed:
			last = entryFailure(prior)
			attempt = prior.Attempt + 1
		}
	}

	for last == nil || attempt <= maxAttempts {
		if last != nil {
			// A failed attempt with retries left.
			if r, ok := policy.(plan.Retry); ok {
				if err := e.sleep(ctx, r.Backoff(attempt)); err != nil {
					return outcome{}, err
				}
			}
		}
		if err := e.append(ctx, x, record.Entry{Path: path, Step: s.Number, State: record.StepRunning, Attempt: attempt}); err != nil {
			return outcome{}, err
		}
		res, err := e.attempt(ctx, x, q, s, path)
		if err != nil {
			return outcome{}, err
		}
		if res.suspended != nil {
			return outcome{suspended: res.suspended, head: res.head}, nil
		}
		if res.failure == nil {
			state := record.StepSucceeded
			if res.replay {
				state = record.StepSkipped
				metrics.StepReplaysTotal.Inc()
			}
			if err := e.append(ctx, x, record.Entry{Path: path, Step: s.Number, State: state, Attempt: attempt, Replay: res.replay, Output: res.output}); err != nil {
				return outcome{}, err
			}
			q.scope.set(s.Number, state, true)
			return outcome{}, nil
		}
		last = res.failure
		if err := e.append(ctx, x, failedEntry(path, s.Number, attempt, last)); err != nil {
			return outcome{}, err
		}
		x.logger.Warn("step attempt failed", "path", path, "attempt", attempt, "code", last.Code, "error", last.Message)
		attempt++
	}

	q.scope.set(s.Number, record.StepFailed, false)
	return e.applyPolicy(ctx, x, q, s, policy, last)
}

func (e *Engine) applyPolicy(ctx context.Context, x *execution, q sequence, s plan.StepPlan, policy plan.FailurePolicy, cause *failure.Error) (outcome, error) {
	path := q.path(s.Number)
	switch p := policy.(type) {
	case plan.Abort, plan.Retry:
		return outcome{failure: cause}, nil
	case plan.Skip:
		if p.Warn {
			x.logger.Warn("skipping failed step", "path", path, "code", cause.Code, "error", cause.Message)
		}
		entry := record.Entry{Path: path, Step: s.Number, State: record.StepSkipped, ErrorCode: string(cause.Code), Message: "skipped after failure: " + cause.Message}
		if err := e.append(ctx, x, entry); err != nil {
			return outcome{}, err
		}
		q.scope.set(s.Number, record.StepSkipped, false)
		return outcome{}, nil
	case plan.Fallback:
		if q.depth+1 > e.maxDepth() {
			return outcome{failure: failure.AtStep(failure.ActionFailed, s.Number, "fallback exceeds nesting depth %d", e.maxDepth())}, nil
		}
		x.logger.Info("running fallback", "path", path, "steps", len(p.Steps))
		fb := sequence{
			steps:     p.Steps,
			prefix:    path + "/fallback",
			namespace: plan.NestedNamespace(q.namespace, s.Number) + "/fallback",
			policy:    q.policy,
			scope:     newScope(q.scope),
			depth:     q.depth + 1,
		}
		out, err := e.runSequence(ctx, x, fb)
		if err != nil {
			return outcome{}, err
		}
		if out.suspended != nil {
			head := plan.StepPlan{
				Number:      s.Number,
				Description: "fallback for step " + strconv.Itoa(s.Number),
				Action:      plan.NestedPlan{Plan: &plan.ActionPlan{Title: "fallback for step " + strconv.Itoa(s.Number), Steps: plan.Renumber(out.suspended.Remaining)}},
			}
			out.suspended.ResumePath = "1/" + out.suspended.ResumePath
			return outcome{suspended: out.suspended, head: &head}, nil
		}
		if out.failure != nil {
			return out, nil
		}
		q.scope.set(s.Number, record.StepFailed, true)
		return outcome{}, nil
	case plan.RequireApproval:
		head := s
		head.OnFailure = plan.Abort{}
		applied, err := e.appliedKey(ctx, x, q, s, path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			suspended: &Suspension{Path: path, Step: s.Number, Summary: p.Summary, Reason: cause, ResumePath: "1", AppliedKey: applied},
			head:      &head,
		}, nil
	default:
		return outcome{}, fmt.Errorf("unsupported failure policy %T", policy)
	}
}

type attemptResult struct {
	output    json.RawMessage
	replay    bool
	failure   *failure.Error
	suspended *Suspension
	head      *plan.StepPlan
}

// attempt is one try of a step: preconditions, action, verification.
func (e *Engine) attempt(ctx context.Context, x *execution, q sequence, s plan.StepPlan, path string) (attemptResult, error) {
	if ferr, err := e.waitPreconditions(ctx, x, q.scope, s.Preconditions, s.Number); err != nil || ferr != nil {
		return attemptResult{failure: ferr}, err
	}

	if nested, ok := s.Action.(plan.NestedPlan); ok {
		res, err := e.runNested(ctx, x, q, s, nested, path)
		if err != nil || res.failure != nil || res.suspended != nil {
			return res, err
		}
		if ferr := e.verify(ctx, x, q.scope, s); ferr != nil {
			return attemptResult{failure: ferr}, nil
		}
		return res, nil
	}

	if k := x.run.Applied[path]; k != "" {
		prior, err := e.Store.GetIdempotency(ctx, k)
		switch {
		case err == nil && prior.Status == record.IdempotencySucceeded:
			x.logger.Info("step applied before suspension, verifying only", "path", path, "key", k)
			if ferr := e.verify(ctx, x, q.scope, s); ferr != nil {
				return attemptResult{output: prior.Output, failure: ferr}, nil
			}
			return attemptResult{output: prior.Output, replay: true}, nil
		case err != nil && !errors.Is(err, record.ErrNotFound):
			return attemptResult{}, fmt.Errorf("lookup %s: %w", k, err)
		}
	}

	key := plan.IdempotencyKey(q.namespace, x.run.Plan.Workspace, s)
	prior, claimed, err := e.Store.ClaimIdempotency(ctx, record.Idempotency{
		Key:         key,
		ExecutionID: x.run.ExecutionID,
		Path:        path,
		UpdatedAt:   e.now(),
	})
	if err != nil {
		return attemptResult{}, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		switch prior.Status {
		case record.IdempotencySucceeded:
			x.logger.Info("step already applied, replaying", "path", path, "key", key)
			if ferr := e.verify(ctx, x, q.scope, s); ferr != nil {
				return attemptResult{output: prior.Output, failure: ferr}, nil
			}
			return attemptResult{output: prior.Output, replay: true}, nil
		case record.IdempotencyStarted:
			if !s.Idempotent {
				return attemptResult{failure: failure.AtStep(failure.ActionFailed, s.Number,
					"an earlier attempt did not finish and the step is not idempotent").With("idempotency_key", key)}, nil
			}
			x.logger.Info("re-attempting unfinished idempotent step", "path", path, "key", key)
		}
	}

	actx, cancel := context.WithTimeout(ctx, s.Timeout(e.stepTimeout()))
	output, actErr := e.act(actx, x, s)
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	if actErr != nil {
		if ferr := e.Store.FinishIdempotency(ctx, key, record.IdempotencyFailed, nil, e.now()); ferr != nil {
			return attemptResult{}, fmt.Errorf("finish %s: %w", key, ferr)
		}
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		if timedOut || errors.Is(actErr, context.DeadlineExceeded) {
			return attemptResult{failure: failure.AtStep(failure.ActionTimeout, s.Number, "%s exceeded %s", s.Action.Kind(), s.Timeout(e.stepTimeout()))}, nil
		}
		if fe, ok := failure.As(actErr); ok {
			return attemptResult{failure: failure.AtStep(fe.Code, s.Number, "%s", fe.Message)}, nil
		}
		return attemptResult{failure: failure.AtStep(failure.ActionFailed, s.Number, "%s: %v", s.Action.Kind(), actErr)}, nil
	}
	if err := e.Store.FinishIdempotency(ctx, key, record.IdempotencySucceeded, output, e.now()); err != nil {
		return attemptResult{}, fmt.Errorf("finish %s: %w", key, err)
	}
	if ferr := e.verify(ctx, x, q.scope, s); ferr != nil {
		return attemptResult{output: output, failure: ferr}, nil
	}
	return attemptResult{output: output}, nil
}

func (e *Engine) runNested(ctx context.Context, x *execution, q sequence, s plan.StepPlan, nested plan.NestedPlan, path string) (attemptResult, error) {
	if nested.Plan == nil {
		return attemptResult{failure: failure.AtStep(failure.ActionFailed, s.Number, "nested plan missing")}, nil
	}
	if q.depth+1 > e.maxDepth() {
		return attemptResult{failure: failure.AtStep(failure.ActionFailed, s.Number, "nested plan exceeds depth %d", e.maxDepth())}, nil
	}
	inner := newScope(nil)
	if ferr, err := e.waitPreconditions(ctx, x, inner, nested.Plan.Preconditions, s.Number); err != nil || ferr != nil {
		return attemptResult{failure: ferr}, err
	}
	out, err := e.runSequence(ctx, x, sequence{
		steps:     nested.Plan.Steps,
		prefix:    path,
		namespace: plan.NestedNamespace(q.namespace, s.Number),
		policy:    nested.Plan.OnFailure,
		scope:     inner,
		depth:     q.depth + 1,
	})
	if err != nil {
		return attemptResult{}, err
	}
	if out.suspended != nil {
		rest := *nested.Plan
		rest.Preconditions = nil
		rest.Steps = plan.Renumber(out.suspended.Remaining)
		head := s
		head.Action = plan.NestedPlan{Plan: &rest}
		head.Preconditions = nil
		out.suspended.ResumePath = "1/" + out.suspended.ResumePath
		return attemptResult{suspended: out.suspended, head: &head}, nil
	}
	if out.failure != nil {
		return attemptResult{failure: failure.AtStep(out.failure.Code, s.Number, "nested step %d: %s", out.failure.Step, out.failure.Message)}, nil
	}
	return attemptResult{output: json.RawMessage(`{"nested_steps":` + strconv.Itoa(len(nested.Plan.Steps)) + `}`)}, nil
}

// appliedKey returns the idempotency key whose Succeeded record shows that
// the action of s already took effect, or "" when it has not.
func (e *Engine) appliedKey(ctx context.Context, x *execution, q sequence, s plan.StepPlan, path string) (string, error) {
	if _, ok := s.Action.(plan.NestedPlan); ok {
		return "", nil
	}
	keys := []string{plan.IdempotencyKey(q.namespace, x.run.Plan.Workspace, s)}
	if k := x.run.Applied[path]; k != "" {
		keys = append([]string{k}, keys...)
	}
	for _, k := range keys {
		rec, err := e.Store.GetIdempotency(ctx, k)
		if errors.Is(err, record.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", k, err)
		}
		if rec.Status == record.IdempotencySucceeded {
			return k, nil
		}
	}
	return "", nil
}

func (e *Engine) append(ctx context.Context, x *execution, entry record.Entry) error {
	entry.ExecutionID = x.run.ExecutionID
	entry.At = e.now()
	stored, err := e.Store.AppendEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("append %s %s: %w", entry.Path, entry.State, err)
	}
	x.latest[entry.Path] = stored
	metrics.StepTransitionsTotal.WithLabelValues(string(entry.State)).Inc()
	x.logger.Debug("step transition", "path", entry.Path, "state", entry.State, "attempt", entry.Attempt)
	return nil
}

func failedEntry(path string, n, attempt int, f *failure.Error) record.Entry {
	return record.Entry{
		Path:      path,
		Step:      n,
		State:     record.StepFailed,
		Attempt:   attempt,
		ErrorCode: string(f.Code),
		Message:   f.Message,
	}
}

func entryFailure(e record.Entry) *failure.Error {
	code := failure.Code(e.ErrorCode)
	if code == "" {
		code = failure.ActionFailed
	}
	return failure.AtStep(code, e.Step, "%s", e.Message)
}
