package workflows

import (
	"strconv"

	"actiongate/internal/record"
)

// scope tracks step states of one sequence. Fallback sequences see their
// enclosing sequence through parent.
type scope struct {
	parent    *scope
	states    map[int]record.StepState
	completed map[int]bool
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, states: map[int]record.StepState{}, completed: map[int]bool{}}
}

func (s *scope) set(n int, state record.StepState, completed bool) {
	s.states[n] = state
	s.completed[n] = completed
}

// isCompleted reports whether step n succeeded, was replayed, or was
// recovered by a fallback.
func (s *scope) isCompleted(n int) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.states[n]; ok {
			return cur.completed[n]
		}
	}
	return false
}

// env renders step states for expressions, inner scopes shadowing outer.
func (s *scope) env() map[string]any {
	out := map[string]any{}
	var chain []*scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for n, st := range chain[i].states {
			out[strconv.Itoa(n)] = string(st)
		}
	}
	return out
}
