package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewCarriesRemediation(t *testing.T) {
	err := New(ApprovalMissing, "plan %s needs approval", "plan:abc")
	if err.Remediation == "" {
		t.Fatalf("expected remediation")
	}
	if !strings.Contains(err.Error(), "ApprovalMissing") || !strings.Contains(err.Error(), "plan:abc") {
		t.Fatalf("error: %s", err.Error())
	}
}

func TestAtStepFormatsStep(t *testing.T) {
	err := AtStep(ActionTimeout, 2, "timed out")
	if err.Error() != "ActionTimeout: step 2: timed out" {
		t.Fatalf("error: %s", err.Error())
	}
}

func TestCodeOfWrapped(t *testing.T) {
	base := New(PreconditionFailed, "lock held")
	wrapped := fmt.Errorf("commit: %w", base)
	if CodeOf(wrapped) != PreconditionFailed {
		t.Fatalf("code: %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code")
	}
	if !errors.Is(wrapped, New(PreconditionFailed, "")) {
		t.Fatalf("expected errors.Is match by code")
	}
	if errors.Is(wrapped, New(ActionFailed, "")) {
		t.Fatalf("unexpected match")
	}
}

func TestWithCopiesDetails(t *testing.T) {
	base := New(PlanHashMismatch, "changed").With("expected", "plan:a")
	next := base.With("actual", "plan:b")
	if len(base.Details) != 1 || len(next.Details) != 2 {
		t.Fatalf("details: %v %v", base.Details, next.Details)
	}
}

func TestEveryCodeHasRemediation(t *testing.T) {
	codes := []Code{PlanNotFound, PlanExpired, PlanHashMismatch, ApprovalMissing, ApprovalExpired,
		ApprovalConsumed, ApprovalLimit, TargetIdentityMismatch, PreconditionFailed, ActionTimeout,
		ActionFailed, VerificationTimeout, VerificationFailed, ValidationError, PolicyDenied}
	for _, c := range codes {
		if _, ok := remediations[c]; !ok {
			t.Fatalf("missing remediation for %s", c)
		}
	}
	if Remediation("Unknown") == "" {
		t.Fatalf("expected fallback remediation")
	}
}
