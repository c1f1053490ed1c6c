// Package risk turns a plan and its observed context into an explainable,
// weighted score.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// MaxScore caps the total and every individual weight.
const MaxScore = 100

// Factor is one triggered contribution to a score.
type Factor struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Weight      int      `json:"weight"`
	Explanation string   `json:"explanation"`
}

// Assessment is the scored result. Factors are in catalog order.
type Assessment struct {
	Score   int      `json:"score"`
	Factors []Factor `json:"factors"`
}

// Has reports whether the factor id triggered.
func (a Assessment) Has(id string) bool {
	for _, f := range a.Factors {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Config lets operators reweight or disable factors.
type Config struct {
	Weights      map[string]int `json:"weights,omitempty" yaml:"weights,omitempty"`
	Disabled     []string       `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	GapWindow    time.Duration  `json:"-" yaml:"-"`
	ComplexLines int            `json:"complex_lines,omitempty" yaml:"complex_lines,omitempty"`
}

// Validate rejects weights outside [0, MaxScore], unknown factor ids and a
// configuration that disables every factor.
func (c Config) Validate() error {
	known := map[string]bool{}
	for _, d := range catalog {
		known[d.id] = true
	}
	ids := make([]string, 0, len(c.Weights))
	for id := range c.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := c.Weights[id]
		if !known[id] {
			return fmt.Errorf("risk.weights: unknown factor %q", id)
		}
		if w < 0 {
			return fmt.Errorf("risk.weights.%s: must not be negative", id)
		}
		if w > MaxScore {
			return fmt.Errorf("risk.weights.%s: must not exceed %d", id, MaxScore)
		}
	}
	disabled := map[string]bool{}
	for _, id := range c.Disabled {
		if !known[id] {
			return fmt.Errorf("risk.disabled: unknown factor %q", id)
		}
		disabled[id] = true
	}
	active := 0
	for _, d := range catalog {
		w := d.weight
		if cw, ok := c.Weights[d.id]; ok {
			w = cw
		}
		if !disabled[d.id] && w > 0 {
			active++
		}
	}
	if active == 0 {
		return errors.New("risk: configuration disables every factor")
	}
	if c.ComplexLines < 0 {
		return errors.New("risk.complex_lines: must not be negative")
	}
	return nil
}

type weighted struct {
	definition
	weight int
}

// Scorer is immutable after construction and safe for concurrent use.
type Scorer struct {
	factors      []weighted
	gapWindow    time.Duration
	complexLines int
}

// NewScorer applies cfg over the default catalog.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	disabled := map[string]bool{}
	for _, id := range cfg.Disabled {
		disabled[id] = true
	}
	s := &Scorer{gapWindow: cfg.GapWindow, complexLines: cfg.ComplexLines}
	if s.gapWindow <= 0 {
		s.gapWindow = DefaultGapWindow
	}
	if s.complexLines <= 0 {
		s.complexLines = DefaultComplexLines
	}
	for _, d := range catalog {
		if disabled[d.id] {
			continue
		}
		w := d.weight
		if cw, ok := cfg.Weights[d.id]; ok {
			w = cw
		}
		s.factors = append(s.factors, weighted{definition: d, weight: w})
	}
	return s, nil
}

// Score is deterministic for a given context. Triggered factors with zero
// weight are still reported so the explanation stays complete.
func (s *Scorer) Score(c Context) Assessment {
	out := Assessment{Factors: []Factor{}}
	total := 0
	for _, f := range s.factors {
		why := f.trigger(s, c)
		if why == "" {
			continue
		}
		out.Factors = append(out.Factors, Factor{
			ID:          f.id,
			Category:    f.category,
			Weight:      f.weight,
			Explanation: f.summary + ": " + why,
		})
		total += f.weight
	}
	if total > MaxScore {
		total = MaxScore
	}
	out.Score = total
	return out
}

// FactorInfo describes a catalog entry as configured.
type FactorInfo struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Weight   int      `json:"weight"`
	Summary  string   `json:"summary"`
}

// Catalog lists the enabled factors with their effective weights.
func (s *Scorer) Catalog() []FactorInfo {
	out := make([]FactorInfo, 0, len(s.factors))
	for _, f := range s.factors {
		out = append(out, FactorInfo{ID: f.id, Category: f.category, Weight: f.weight, Summary: f.summary})
	}
	return out
}
