package policy

import "context"

// Checker is an external source of hard overrides.
type Checker interface {
	Evaluate(ctx context.Context, input PolicyInput) (PolicyDecision, error)
}

type CheckerFunc func(ctx context.Context, input PolicyInput) (PolicyDecision, error)

func (f CheckerFunc) Evaluate(ctx context.Context, input PolicyInput) (PolicyDecision, error) {
	return f(ctx, input)
}
