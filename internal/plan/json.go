package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Variants are encoded as objects carrying a "type" tag next to their fields.

type planJSON struct {
	Version       int               `json:"version"`
	Title         string            `json:"title"`
	Workspace     string            `json:"workspace"`
	RequestID     string            `json:"request_id,omitempty"`
	Steps         []StepPlan        `json:"steps"`
	Preconditions []json.RawMessage `json:"preconditions,omitempty"`
	OnFailure     json.RawMessage   `json:"on_failure,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     *time.Time        `json:"created_at,omitempty"`
}

type stepJSON struct {
	Number        int               `json:"step_number"`
	Action        json.RawMessage   `json:"action"`
	Description   string            `json:"description,omitempty"`
	Preconditions []json.RawMessage `json:"preconditions,omitempty"`
	Verification  *verificationJSON `json:"verification,omitempty"`
	OnFailure     json.RawMessage   `json:"on_failure,omitempty"`
	TimeoutMS     int64             `json:"timeout_ms,omitempty"`
	Idempotent    bool              `json:"idempotent,omitempty"`
}

type verificationJSON struct {
	Strategy  json.RawMessage `json:"strategy"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

type typeTag struct {
	Type string `json:"type"`
}

func (p ActionPlan) MarshalJSON() ([]byte, error) {
	out := planJSON{
		Version:   p.Version,
		Title:     p.Title,
		Workspace: p.Workspace,
		RequestID: p.RequestID,
		Steps:     p.Steps,
		Metadata:  p.Metadata,
	}
	if out.Steps == nil {
		out.Steps = []StepPlan{}
	}
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt
		out.CreatedAt = &t
	}
	pre, err := encodePreconditions(p.Preconditions)
	if err != nil {
		return nil, err
	}
	out.Preconditions = pre
	if p.OnFailure != nil {
		raw, err := encodePolicy(p.OnFailure)
		if err != nil {
			return nil, err
		}
		out.OnFailure = raw
	}
	return json.Marshal(out)
}

func (p *ActionPlan) UnmarshalJSON(data []byte) error {
	var in planJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	pre, err := decodePreconditions(in.Preconditions)
	if err != nil {
		return fmt.Errorf("preconditions: %w", err)
	}
	policy, err := decodePolicy(in.OnFailure)
	if err != nil {
		return fmt.Errorf("on_failure: %w", err)
	}
	*p = ActionPlan{
		Version:       in.Version,
		Title:         in.Title,
		Workspace:     in.Workspace,
		RequestID:     in.RequestID,
		Steps:         in.Steps,
		Preconditions: pre,
		OnFailure:     policy,
		Metadata:      in.Metadata,
	}
	if in.CreatedAt != nil {
		p.CreatedAt = *in.CreatedAt
	}
	return nil
}

func (s StepPlan) MarshalJSON() ([]byte, error) {
	out := stepJSON{
		Number:      s.Number,
		Description: s.Description,
		TimeoutMS:   s.TimeoutMS,
		Idempotent:  s.Idempotent,
	}
	raw, err := encodeAction(s.Action)
	if err != nil {
		return nil, err
	}
	out.Action = raw
	if out.Preconditions, err = encodePreconditions(s.Preconditions); err != nil {
		return nil, err
	}
	if s.Verification != nil {
		strategy := s.Verification.Strategy
		if strategy == nil {
			strategy = VerifyNone{}
		}
		raw, err := withType(string(strategy.Kind()), strategy)
		if err != nil {
			return nil, err
		}
		out.Verification = &verificationJSON{Strategy: raw, TimeoutMS: s.Verification.TimeoutMS}
	}
	if s.OnFailure != nil {
		if out.OnFailure, err = encodePolicy(s.OnFailure); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (s *StepPlan) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	label := "step " + strconv.Itoa(in.Number)
	action, err := decodeAction(in.Action)
	if err != nil {
		return fmt.Errorf("%s: action: %w", label, err)
	}
	pre, err := decodePreconditions(in.Preconditions)
	if err != nil {
		return fmt.Errorf("%s: preconditions: %w", label, err)
	}
	policy, err := decodePolicy(in.OnFailure)
	if err != nil {
		return fmt.Errorf("%s: on_failure: %w", label, err)
	}
	*s = StepPlan{
		Number:        in.Number,
		Action:        action,
		Description:   in.Description,
		Preconditions: pre,
		OnFailure:     policy,
		TimeoutMS:     in.TimeoutMS,
		Idempotent:    in.Idempotent,
	}
	if in.Verification != nil {
		strategy, err := decodeVerify(in.Verification.Strategy)
		if err != nil {
			return fmt.Errorf("%s: verification: %w", label, err)
		}
		s.Verification = &Verification{Strategy: strategy, TimeoutMS: in.Verification.TimeoutMS}
	}
	return nil
}

// withType marshals v and prepends a "type" member.
func withType(kind string, v any) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head := `{"type":` + strconv.Quote(kind)
	if string(body) == "{}" {
		return json.RawMessage(head + "}"), nil
	}
	return json.RawMessage(head + "," + string(body[1:])), nil
}

func readTag(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing value")
	}
	var tag typeTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return "", err
	}
	if tag.Type == "" {
		return "", errors.New("missing type")
	}
	return tag.Type, nil
}

func encodeAction(a Action) (json.RawMessage, error) {
	if a == nil {
		return nil, errors.New("action required")
	}
	return withType(string(a.Kind()), a)
}

func decodeAction(raw json.RawMessage) (Action, error) {
	kind, err := readTag(raw)
	if err != nil {
		return nil, err
	}
	switch ActionKind(kind) {
	case KindSendInput:
		return decodeInto[SendInput](raw)
	case KindWaitFor:
		return decodeInto[WaitFor](raw)
	case KindAcquireLock:
		return decodeInto[AcquireLock](raw)
	case KindReleaseLock:
		return decodeInto[ReleaseLock](raw)
	case KindStoreData:
		return decodeInto[StoreData](raw)
	case KindNestedPlan:
		return decodeInto[NestedPlan](raw)
	case KindRunWorkflow:
		return decodeInto[RunWorkflow](raw)
	case KindMarkEventHandled:
		return decodeInto[MarkEventHandled](raw)
	case KindValidateApproval:
		return decodeInto[ValidateApproval](raw)
	case KindCustom:
		return decodeInto[Custom](raw)
	default:
		return nil, fmt.Errorf("unknown action type %q", kind)
	}
}

func encodePreconditions(ps []Precondition) ([]json.RawMessage, error) {
	if len(ps) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(ps))
	for _, p := range ps {
		if p == nil {
			return nil, errors.New("nil precondition")
		}
		raw, err := withType(string(p.Kind()), p)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func decodePreconditions(raws []json.RawMessage) ([]Precondition, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	out := make([]Precondition, 0, len(raws))
	for i, raw := range raws {
		p, err := decodePrecondition(raw)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func decodePrecondition(raw json.RawMessage) (Precondition, error) {
	kind, err := readTag(raw)
	if err != nil {
		return nil, err
	}
	switch PreconditionKind(kind) {
	case KindTargetExists:
		return decodeInto[TargetExists](raw)
	case KindTargetMatches:
		return decodeInto[TargetMatches](raw)
	case KindLockHeld:
		return decodeInto[LockHeld](raw)
	case KindLockAvailable:
		return decodeInto[LockAvailable](raw)
	case KindStepCompleted:
		return decodeInto[StepCompleted](raw)
	case KindApprovalValid:
		return decodeInto[ApprovalValid](raw)
	case KindExpression:
		return decodeInto[CheckExpression](raw)
	default:
		return nil, fmt.Errorf("unknown precondition type %q", kind)
	}
}

func decodeVerify(raw json.RawMessage) (VerifyStrategy, error) {
	kind, err := readTag(raw)
	if err != nil {
		return nil, err
	}
	switch VerifyKind(kind) {
	case KindPatternObserved:
		return decodeInto[PatternObserved](raw)
	case KindTargetIdle:
		return decodeInto[TargetIdle](raw)
	case KindPatternAbsent:
		return decodeInto[PatternAbsent](raw)
	case KindVerifyExpression:
		return decodeInto[VerifyExpression](raw)
	case KindVerifyNone:
		return VerifyNone{}, nil
	default:
		return nil, fmt.Errorf("unknown verification type %q", kind)
	}
}

func encodePolicy(p FailurePolicy) (json.RawMessage, error) {
	return withType(string(p.Kind()), p)
}

func decodePolicy(raw json.RawMessage) (FailurePolicy, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	kind, err := readTag(raw)
	if err != nil {
		return nil, err
	}
	switch PolicyKind(kind) {
	case KindAbort:
		return Abort{}, nil
	case KindRetry:
		return decodeInto[Retry](raw)
	case KindSkip:
		return decodeInto[Skip](raw)
	case KindFallback:
		return decodeInto[Fallback](raw)
	case KindRequireApproval:
		return decodeInto[RequireApproval](raw)
	default:
		return nil, fmt.Errorf("unknown failure policy type %q", kind)
	}
}

func decodeInto[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// Decode parses a plan from JSON.
func Decode(data []byte) (*ActionPlan, error) {
	var p ActionPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
