package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Registry is an in-process set of targets. It backs local development and
// tests; production deployments talk to the capture service via Client.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Snapshot
	sent    map[string][]string
	events  map[string]string
	customs []CustomCall
	Now     func() time.Time
	// OnInput lets callers simulate the target reacting to input.
	OnInput func(id, text string, snap *Snapshot)
}

// CustomCall records one custom action run.
type CustomCall struct {
	Name    string
	Target  string
	Payload json.RawMessage
}

func NewRegistry() *Registry {
	return &Registry{
		targets: map[string]*Snapshot{},
		sent:    map[string][]string{},
		events:  map[string]string{},
		Now:     time.Now,
	}
}

// Put adds or replaces a target.
func (r *Registry) Put(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.targets[s.TargetID] = &cp
}

// Update mutates a target in place.
func (r *Registry) Update(id string, fn func(s *Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.targets[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, id)
}

func (r *Registry) Observe(ctx context.Context, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.targets[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	out := *s
	out.ObservedAt = r.Now()
	return out, nil
}

func (r *Registry) SendInput(ctx context.Context, id, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.targets[id]
	if !ok {
		return ErrNotFound
	}
	r.sent[id] = append(r.sent[id], text)
	if r.OnInput != nil {
		r.OnInput(id, text, s)
	}
	return nil
}

// Sent returns the inputs written to id.
func (r *Registry) Sent(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.sent[id]...)
}

func (r *Registry) MarkEventHandled(ctx context.Context, workspace, eventID, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[workspace+"/"+eventID] = note
	return nil
}

// Handled reports whether an event was marked handled.
func (r *Registry) Handled(workspace, eventID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.events[workspace+"/"+eventID]
	return ok
}

func (r *Registry) RunCustom(ctx context.Context, name, target string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target != "" {
		if _, ok := r.targets[target]; !ok {
			return nil, ErrNotFound
		}
	}
	r.customs = append(r.customs, CustomCall{Name: name, Target: target, Payload: payload})
	return json.RawMessage(fmt.Sprintf(`{"custom":%q}`, name)), nil
}

// Customs returns the custom actions run so far.
func (r *Registry) Customs() []CustomCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CustomCall(nil), r.customs...)
}
