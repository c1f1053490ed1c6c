// Package target is the boundary to live, observable targets: read-only
// observation for planning and checks, and actuation for execution.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"actiongate/internal/risk"
)

var ErrNotFound = errors.New("target not found")

// Snapshot is one observation of a target. InstanceID changes whenever the
// underlying target is recreated, even if TargetID (its label) is reused.
type Snapshot struct {
	TargetID      string    `json:"target_id"`
	InstanceID    string    `json:"instance_id"`
	AltScreen     bool      `json:"alt_screen"`
	Idle          bool      `json:"idle"`
	IdleConfirmed bool      `json:"idle_confirmed"`
	LastGapAt     time.Time `json:"last_gap_at,omitempty"`
	ReservedBy    string    `json:"reserved_by,omitempty"`
	Tail          string    `json:"tail,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Contains reports whether pattern occurs in the recent output.
func (s Snapshot) Contains(pattern string) bool {
	return pattern != "" && strings.Contains(s.Tail, pattern)
}

// RiskState projects the snapshot onto the scorer's view.
func (s Snapshot) RiskState() risk.TargetState {
	return risk.TargetState{
		ID:            s.TargetID,
		AltScreen:     s.AltScreen,
		IdleConfirmed: s.IdleConfirmed,
		LastGapAt:     s.LastGapAt,
		ReservedBy:    s.ReservedBy,
	}
}

// Env exposes the snapshot to expressions.
func (s Snapshot) Env() map[string]any {
	return map[string]any{
		"exists":         true,
		"instance":       s.InstanceID,
		"alt_screen":     s.AltScreen,
		"idle":           s.Idle,
		"idle_confirmed": s.IdleConfirmed,
		"reserved_by":    s.ReservedBy,
		"tail":           s.Tail,
	}
}

// Observer reads live target state. It must not change anything.
type Observer interface {
	Observe(ctx context.Context, id string) (Snapshot, error)
}

// Actuator writes to targets.
type Actuator interface {
	SendInput(ctx context.Context, id, text string) error
}

// EventMarker records that a detected event was handled.
type EventMarker interface {
	MarkEventHandled(ctx context.Context, workspace, eventID, note string) error
}

// CustomRunner executes extension actions.
type CustomRunner interface {
	RunCustom(ctx context.Context, name, target string, payload json.RawMessage) (json.RawMessage, error)
}

// ObserveAll observes ids in order. Missing targets are reported in missing
// rather than as an error.
func ObserveAll(ctx context.Context, obs Observer, ids []string) (found map[string]Snapshot, missing []string, err error) {
	found = make(map[string]Snapshot, len(ids))
	for _, id := range ids {
		snap, err := obs.Observe(ctx, id)
		if errors.Is(err, ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		found[id] = snap
	}
	return found, missing, nil
}
