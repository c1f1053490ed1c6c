// Package failure defines the stable error taxonomy shared by prepare, commit
// and execution. Codes are part of the external contract and never change
// meaning.
package failure

import (
	"errors"
	"fmt"
)

type Code string

const (
	PlanNotFound           Code = "PlanNotFound"
	PlanExpired            Code = "PlanExpired"
	PlanHashMismatch       Code = "PlanHashMismatch"
	ApprovalMissing        Code = "ApprovalMissing"
	ApprovalExpired        Code = "ApprovalExpired"
	ApprovalConsumed       Code = "ApprovalConsumed"
	ApprovalLimit          Code = "ApprovalLimit"
	TargetIdentityMismatch Code = "TargetIdentityMismatch"
	PreconditionFailed     Code = "PreconditionFailed"
	ActionTimeout          Code = "ActionTimeout"
	ActionFailed           Code = "ActionFailed"
	VerificationTimeout    Code = "VerificationTimeout"
	VerificationFailed     Code = "VerificationFailed"
	ValidationError        Code = "ValidationError"
	PolicyDenied           Code = "PolicyDenied"
)

var remediations = map[Code]string{
	PlanNotFound:           "Prepare the plan again; the id is unknown or was never persisted.",
	PlanExpired:            "The plan outlived its TTL or was invalidated. Prepare it again.",
	PlanHashMismatch:       "The plan changed after it was prepared. Prepare a fresh plan and review it again.",
	ApprovalMissing:        "This plan requires approval. Approve it with the issued code, then commit with that code.",
	ApprovalExpired:        "The approval expired before commit. Prepare the plan again to get a new code.",
	ApprovalConsumed:       "The approval was already used. Approvals are single use; prepare the plan again.",
	ApprovalLimit:          "Too many outstanding approvals in this workspace. Approve, commit or let some expire.",
	TargetIdentityMismatch: "A target was replaced since prepare. Re-observe the target and prepare again.",
	PreconditionFailed:     "Live state no longer satisfies the plan. Inspect the target and prepare again.",
	ActionTimeout:          "The action did not finish in time. Check the target before retrying.",
	ActionFailed:           "The action returned an error. Inspect the execution log with explain.",
	VerificationTimeout:    "The expected outcome was not observed in time. Inspect the target state.",
	VerificationFailed:     "The observed outcome contradicted the expectation. Inspect the target state.",
	ValidationError:        "Fix the listed plan fields and prepare again.",
	PolicyDenied:           "Policy denied this plan. Reduce its risk or change the request.",
}

// Remediation returns the default guidance for code.
func Remediation(code Code) string {
	if r, ok := remediations[code]; ok {
		return r
	}
	return "Inspect the plan with explain."
}

// Error is a coded failure. Step is 0 when the failure is not tied to a step.
type Error struct {
	Code        Code
	Message     string
	Remediation string
	Step        int
	Details     map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Step > 0 {
		return fmt.Sprintf("%s: step %d: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, New(code, ""))
// works as a code check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New returns an Error with the default remediation for code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Remediation: Remediation(code)}
}

// AtStep returns an Error attributed to step.
func AtStep(code Code, step int, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Step = step
	return e
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key, value string) *Error {
	out := *e
	out.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// CodeOf extracts the failure code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// As is a convenience wrapper around errors.As.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
