// Package audit records an immutable trail of protocol decisions: every
// prepare, approval, commit and invalidation.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const (
	KindPrepare    = "prepare"
	KindApprove    = "approve"
	KindCommit     = "commit"
	KindInvalidate = "invalidate"
	KindEvidence   = "evidence"
)

// Event is a decision to record. Details is marshaled to JSON.
type Event struct {
	Kind        string
	Workspace   string
	PlanID      plan.PlanID
	ExecutionID string
	Actor       string
	Outcome     string
	Details     any
}

// Evidence is the final state of an execution.
type Evidence struct {
	Workspace   string
	PlanID      plan.PlanID
	ExecutionID string
	Status      string
	Payload     any
}

type Writer interface {
	InsertAuditEvent(ctx context.Context, e record.AuditEvent) error
}

type Store struct {
	DB  Writer
	Now func() time.Time
}

func New() *Store {
	return &Store{}
}

func NewWithDB(db Writer) *Store {
	return &Store{DB: db}
}

func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if s == nil || s.DB == nil {
		return nil
	}
	if ev.Kind == "" {
		return errors.New("audit kind required")
	}
	var details json.RawMessage
	if ev.Details != nil {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = raw
	}
	return s.DB.InsertAuditEvent(ctx, record.AuditEvent{
		ID:          uuid.NewString(),
		Kind:        ev.Kind,
		Workspace:   ev.Workspace,
		PlanID:      ev.PlanID,
		ExecutionID: ev.ExecutionID,
		Actor:       ev.Actor,
		Outcome:     ev.Outcome,
		Details:     details,
		At:          s.now(),
	})
}

func (s *Store) StoreEvidence(ctx context.Context, ev Evidence) error {
	if s == nil || s.DB == nil {
		return nil
	}
	if ev.ExecutionID == "" {
		return errors.New("execution_id required")
	}
	return s.AppendEvent(ctx, Event{
		Kind:        KindEvidence,
		Workspace:   ev.Workspace,
		PlanID:      ev.PlanID,
		ExecutionID: ev.ExecutionID,
		Outcome:     ev.Status,
		Details:     ev.Payload,
	})
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
