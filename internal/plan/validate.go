package plan

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxDepth bounds nested plans and fallback sequences.
const DefaultMaxDepth = 8

// FieldError is one violated structural rule.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every rule a plan violates.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return "invalid plan: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(v))
	for _, e := range v {
		out = append(out, e)
	}
	return out
}

// ValidateOptions tunes validation. The zero value uses DefaultMaxDepth.
type ValidateOptions struct {
	MaxDepth int
}

// Validate checks the structural rules that must hold before a plan is
// hashed. It returns ValidationErrors listing every violation, or nil.
func Validate(p *ActionPlan, opts ValidateOptions) error {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	v := &validator{maxDepth: opts.MaxDepth}
	if p == nil {
		v.add("", "plan required")
		return v.errs
	}
	v.plan(p, "", 0, nil)
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

type validator struct {
	maxDepth int
	errs     ValidationErrors
}

func (v *validator) add(path, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

func (v *validator) plan(p *ActionPlan, path string, depth int, ancestors []*ActionPlan) {
	if depth > v.maxDepth {
		v.add(path, "nesting depth %d exceeds limit %d", depth, v.maxDepth)
		return
	}
	for _, a := range ancestors {
		if a == p {
			v.add(path, "nested plan refers to an enclosing plan")
			return
		}
	}
	switch {
	case len(ancestors) == 0 && strings.TrimSpace(p.Workspace) == "":
		v.add(join(path, "workspace"), "required")
	case len(ancestors) > 0 && p.Workspace != "" && p.Workspace != ancestors[0].Workspace:
		v.add(join(path, "workspace"), "nested plan must run in workspace %q", ancestors[0].Workspace)
	}
	ancestors = append(ancestors, p)
	if len(p.Steps) == 0 {
		v.add(join(path, "steps"), "at least one step required")
	}
	for i, pre := range p.Preconditions {
		prePath := join(path, "preconditions["+strconv.Itoa(i)+"]")
		if sc, ok := pre.(StepCompleted); ok {
			v.add(prePath, "step_completed %d cannot be checked before any step runs", sc.Step)
			continue
		}
		v.precondition(pre, prePath)
	}
	if p.OnFailure != nil {
		v.policy(p.OnFailure, join(path, "on_failure"), depth, ancestors, nil, 0)
	}
	v.steps(p.Steps, join(path, "steps"), depth, ancestors, nil)
}

// steps validates a numbered sequence. outer holds the step numbers of the
// enclosing sequence that a fallback may still reference.
func (v *validator) steps(steps []StepPlan, path string, depth int, ancestors []*ActionPlan, outer []int) {
	seen := map[int]bool{}
	for i, s := range steps {
		stepPath := path + "[" + strconv.Itoa(i) + "]"
		switch {
		case s.Number <= 0:
			v.add(stepPath, "step_number must be positive, got %d", s.Number)
		case seen[s.Number]:
			v.add(stepPath, "duplicate step_number %d", s.Number)
		case s.Number != i+1:
			v.add(stepPath, "step_number %d out of sequence, want %d", s.Number, i+1)
		}
		seen[s.Number] = true
		refs := append(append([]int(nil), outer...), earlier(steps[:i])...)
		v.step(s, stepPath, depth, ancestors, refs)
	}
}

func earlier(steps []StepPlan) []int {
	out := make([]int, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Number)
	}
	return out
}

func (v *validator) step(s StepPlan, path string, depth int, ancestors []*ActionPlan, refs []int) {
	if s.TimeoutMS < 0 {
		v.add(join(path, "timeout_ms"), "must not be negative")
	}
	v.action(s.Action, join(path, "action"), depth, ancestors)
	for i, pre := range s.Preconditions {
		prePath := join(path, "preconditions["+strconv.Itoa(i)+"]")
		if sc, ok := pre.(StepCompleted); ok {
			if !containsInt(refs, sc.Step) {
				v.add(prePath, "step_completed references step %d which does not run earlier", sc.Step)
			}
			continue
		}
		v.precondition(pre, prePath)
	}
	if s.Verification != nil {
		v.verification(s.Verification, join(path, "verification"))
	}
	if s.OnFailure != nil {
		v.policy(s.OnFailure, join(path, "on_failure"), depth, ancestors, refs, s.Number)
	}
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (v *validator) action(a Action, path string, depth int, ancestors []*ActionPlan) {
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			v.add(join(path, field), "required")
		}
	}
	switch act := a.(type) {
	case nil:
		v.add(path, "required")
	case SendInput:
		required("target", act.Target)
		if act.Text == "" {
			v.add(join(path, "text"), "required")
		}
	case WaitFor:
		required("target", act.Target)
		if act.Pattern == "" && !act.Idle {
			v.add(path, "wait_for needs a pattern or idle")
		}
		if act.TimeoutMS < 0 {
			v.add(join(path, "timeout_ms"), "must not be negative")
		}
	case AcquireLock:
		required("name", act.Name)
		if act.TTLMS < 0 {
			v.add(join(path, "ttl_ms"), "must not be negative")
		}
	case ReleaseLock:
		required("name", act.Name)
	case StoreData:
		required("key", act.Key)
	case NestedPlan:
		if act.Plan == nil {
			v.add(join(path, "plan"), "required")
			return
		}
		v.plan(act.Plan, join(path, "plan"), depth+1, ancestors)
	case RunWorkflow:
		required("name", act.Name)
	case MarkEventHandled:
		required("event_id", act.EventID)
	case ValidateApproval:
	case Custom:
		required("name", act.Name)
		if act.Name != "" {
			if err := ValidateCustomPayload(act.Name, act.Payload); err != nil {
				v.add(join(path, "payload"), "%v", err)
			}
		}
	default:
		v.add(path, "unsupported action %T", a)
	}
}

func (v *validator) precondition(p Precondition, path string) {
	switch pre := p.(type) {
	case nil:
		v.add(path, "required")
	case TargetExists:
		if pre.Target == "" {
			v.add(join(path, "target"), "required")
		}
	case TargetMatches:
		if pre.Target == "" {
			v.add(join(path, "target"), "required")
		}
		if pre.Pattern == "" && !pre.Idle {
			v.add(path, "target_matches needs a pattern or idle")
		}
	case LockHeld:
		if pre.Name == "" {
			v.add(join(path, "name"), "required")
		}
	case LockAvailable:
		if pre.Name == "" {
			v.add(join(path, "name"), "required")
		}
	case ApprovalValid:
	case CheckExpression:
		if _, err := CompileExpression(pre.Expr); err != nil {
			v.add(join(path, "expr"), "%v", err)
		}
	default:
		v.add(path, "unsupported precondition %T", p)
	}
}

func (v *validator) verification(ver *Verification, path string) {
	if ver.TimeoutMS < 0 {
		v.add(join(path, "timeout_ms"), "must not be negative")
	}
	switch s := ver.Strategy.(type) {
	case nil, VerifyNone:
	case PatternObserved:
		if s.Target == "" || s.Pattern == "" {
			v.add(path, "pattern_observed needs target and pattern")
		}
	case TargetIdle:
		if s.Target == "" {
			v.add(join(path, "target"), "required")
		}
	case PatternAbsent:
		if s.Target == "" || s.Pattern == "" {
			v.add(path, "pattern_absent needs target and pattern")
		}
		if s.WindowMS < 0 {
			v.add(join(path, "window_ms"), "must not be negative")
		}
	case VerifyExpression:
		if _, err := CompileExpression(s.Expr); err != nil {
			v.add(join(path, "expr"), "%v", err)
		}
	default:
		v.add(path, "unsupported verification %T", ver.Strategy)
	}
}

func (v *validator) policy(p FailurePolicy, path string, depth int, ancestors []*ActionPlan, refs []int, owner int) {
	switch pol := p.(type) {
	case Abort, Skip:
	case Retry:
		if pol.MaxAttempts < 1 {
			v.add(join(path, "max_attempts"), "must be at least 1")
		}
		if pol.MaxAttempts > MaxRetryAttempts {
			v.add(join(path, "max_attempts"), "must be at most %d", MaxRetryAttempts)
		}
		if pol.InitialBackoffMS < 0 || pol.MaxBackoffMS < 0 {
			v.add(path, "backoff must not be negative")
		}
	case Fallback:
		if len(pol.Steps) == 0 {
			v.add(join(path, "steps"), "fallback needs at least one step")
			return
		}
		if depth+1 > v.maxDepth {
			v.add(path, "nesting depth %d exceeds limit %d", depth+1, v.maxDepth)
			return
		}
		if owner == 0 {
			v.add(path, "fallback is only allowed on steps")
			return
		}
		v.steps(pol.Steps, join(path, "steps"), depth+1, ancestors, refs)
	case RequireApproval:
		if strings.TrimSpace(pol.Summary) == "" {
			v.add(join(path, "summary"), "required")
		}
	default:
		v.add(path, "unsupported failure policy %T", p)
	}
}
