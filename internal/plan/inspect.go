package plan

import "sort"

// Visit is called for every step in the plan, nested plans and fallback
// sequences included. depth is 0 for top-level steps.
type Visit func(step StepPlan, depth int)

// Walk visits every step of p depth-first in execution order.
func Walk(p *ActionPlan, fn Visit) {
	walkSteps(p.Steps, 0, fn, 0)
}

func walkSteps(steps []StepPlan, depth int, fn Visit, guard int) {
	if guard > maxCanonicalDepth {
		return
	}
	for _, s := range steps {
		fn(s, depth)
		if n, ok := s.Action.(NestedPlan); ok && n.Plan != nil {
			walkSteps(n.Plan.Steps, depth+1, fn, guard+1)
		}
		if f, ok := s.OnFailure.(Fallback); ok {
			walkSteps(f.Steps, depth+1, fn, guard+1)
		}
	}
}

// ActionKinds returns the sorted set of action kinds the plan can perform.
func ActionKinds(p *ActionPlan) []string {
	set := map[string]struct{}{}
	Walk(p, func(s StepPlan, _ int) {
		if s.Action != nil {
			set[string(s.Action.Kind())] = struct{}{}
		}
	})
	return sortedKeys(set)
}

// TargetIDs returns the sorted set of targets referenced by actions,
// preconditions and verifications.
func TargetIDs(p *ActionPlan) []string {
	set := map[string]struct{}{}
	add := func(id string) {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	for _, pre := range p.Preconditions {
		add(PreconditionTarget(pre))
	}
	Walk(p, func(s StepPlan, _ int) {
		add(ActionTarget(s.Action))
		for _, pre := range s.Preconditions {
			add(PreconditionTarget(pre))
		}
		if s.Verification != nil {
			add(VerifyTarget(s.Verification.Strategy))
		}
	})
	return sortedKeys(set)
}

// MutatingTargets returns the sorted set of targets that actions write to.
func MutatingTargets(p *ActionPlan) []string {
	set := map[string]struct{}{}
	Walk(p, func(s StepPlan, _ int) {
		if !Mutates(s.Action) {
			return
		}
		if id := ActionTarget(s.Action); id != "" {
			set[id] = struct{}{}
		}
	})
	return sortedKeys(set)
}

// ActionTarget returns the target an action refers to, if any.
func ActionTarget(a Action) string {
	switch v := a.(type) {
	case SendInput:
		return v.Target
	case WaitFor:
		return v.Target
	case Custom:
		return v.Target
	default:
		return ""
	}
}

func PreconditionTarget(p Precondition) string {
	switch v := p.(type) {
	case TargetExists:
		return v.Target
	case TargetMatches:
		return v.Target
	default:
		return ""
	}
}

func VerifyTarget(v VerifyStrategy) string {
	switch s := v.(type) {
	case PatternObserved:
		return s.Target
	case TargetIdle:
		return s.Target
	case PatternAbsent:
		return s.Target
	default:
		return ""
	}
}

// Mutates reports whether an action changes a target or shared state.
func Mutates(a Action) bool {
	switch a.(type) {
	case WaitFor, ValidateApproval, nil:
		return false
	default:
		return true
	}
}

// InputTexts returns every literal payload the plan would write to a target.
func InputTexts(p *ActionPlan) []string {
	var out []string
	Walk(p, func(s StepPlan, _ int) {
		switch v := s.Action.(type) {
		case SendInput:
			out = append(out, v.Text)
		case Custom:
			if len(v.Payload) > 0 {
				out = append(out, string(v.Payload))
			}
		}
	})
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Renumber returns copies of steps numbered 1..n in order. StepCompleted
// references to renumbered steps are rewritten; references to steps outside
// the slice are dropped since they already completed.
func Renumber(steps []StepPlan) []StepPlan {
	mapping := make(map[int]int, len(steps))
	for i, s := range steps {
		mapping[s.Number] = i + 1
	}
	out := make([]StepPlan, 0, len(steps))
	for i, s := range steps {
		s.Number = i + 1
		var pre []Precondition
		for _, p := range s.Preconditions {
			if sc, ok := p.(StepCompleted); ok {
				n, ok := mapping[sc.Step]
				if !ok {
					continue
				}
				p = StepCompleted{Step: n}
			}
			pre = append(pre, p)
		}
		s.Preconditions = pre
		out = append(out, s)
	}
	return out
}
