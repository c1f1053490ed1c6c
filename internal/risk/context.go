package risk

import (
	"time"

	"actiongate/internal/plan"
)

type Actor string

const (
	ActorHuman Actor = "human"
	ActorRobot Actor = "robot"
	ActorAgent Actor = "agent"
)

// TargetState is the part of a live target observation the scorer reads.
type TargetState struct {
	ID            string
	AltScreen     bool
	IdleConfirmed bool
	LastGapAt     time.Time
	ReservedBy    string
}

// Context is everything a score is computed from. It is built once at
// prepare time and never re-read from live state during scoring.
type Context struct {
	Actor       Actor
	ActorID     string
	InWorkflow  bool
	ActionKinds []string
	Mutating    bool
	Destructive []string
	TargetCount int
	Targets     []TargetState
	Texts       []string
	Now         time.Time
}

// ContextFromPlan derives the scoring context for p from the observed
// targets and the requester.
func ContextFromPlan(p *plan.ActionPlan, targets []TargetState, actor Actor, actorID string, inWorkflow bool, now time.Time) Context {
	ctx := Context{
		Actor:       actor,
		ActorID:     actorID,
		InWorkflow:  inWorkflow,
		ActionKinds: plan.ActionKinds(p),
		TargetCount: len(plan.TargetIDs(p)),
		Targets:     targets,
		Texts:       plan.InputTexts(p),
		Now:         now,
	}
	acquired := map[string]bool{}
	plan.Walk(p, func(s plan.StepPlan, _ int) {
		if plan.Mutates(s.Action) {
			ctx.Mutating = true
		}
		switch a := s.Action.(type) {
		case plan.AcquireLock:
			acquired[a.Name] = true
		case plan.ReleaseLock:
			// Releasing a lock the plan never took frees someone else's.
			if !acquired[a.Name] {
				ctx.Destructive = append(ctx.Destructive, "release of lock "+a.Name+" held outside this plan")
			}
		case plan.Custom:
			if a.Destructive || plan.CustomDestructive(a.Name) {
				ctx.Destructive = append(ctx.Destructive, "custom action "+a.Name)
			}
		}
	})
	return ctx
}
