// Package approval issues allow-once approvals bound to an exact plan hash
// and validates them at commit.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tuvistavie/securerandom"

	"actiongate/internal/failure"
	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const (
	DefaultTTL        = 15 * time.Minute
	DefaultMaxActive  = 50
	DefaultCodeLength = 8
)

// codeAlphabet has 32 symbols so every random byte maps without bias.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Store persists approvals. Approve and Consume are compare-and-set and
// report whether this caller won the transition.
type Store interface {
	InsertApproval(ctx context.Context, a record.Approval) error
	GetApproval(ctx context.Context, codeHash string) (record.Approval, error)
	ApproveApproval(ctx context.Context, codeHash, approver string, at time.Time) (bool, error)
	ConsumeApproval(ctx context.Context, codeHash, executionID string, at time.Time) (bool, error)
	CountActiveApprovals(ctx context.Context, workspace string, now time.Time) (int, error)
}

// Scope is what an approval covers.
type Scope struct {
	Workspace   string
	PlanID      plan.PlanID
	ActionKinds []string
	TargetIDs   []string
}

// ScopeFor derives the scope of a hashed plan.
func ScopeFor(p *plan.ActionPlan, id plan.PlanID) Scope {
	return Scope{
		Workspace:   p.Workspace,
		PlanID:      id,
		ActionKinds: plan.ActionKinds(p),
		TargetIDs:   plan.TargetIDs(p),
	}
}

// Grant is returned once, at issue time. Code is never stored.
type Grant struct {
	Code           string    `json:"code"`
	CodeHash       string    `json:"code_hash"`
	ExpiresAt      time.Time `json:"expires_at"`
	Summary        string    `json:"summary"`
	ApproveCommand string    `json:"approve_command"`
	CommitCommand  string    `json:"commit_command"`
}

var randomHex = securerandom.Hex

// Binder is safe for concurrent use; all state lives in Store.
type Binder struct {
	Store      Store
	TTL        time.Duration
	MaxActive  int
	CodeLength int
	CLI        string
	Now        func() time.Time
	Logger     *slog.Logger
}

func (b *Binder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Binder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Binder) cli() string {
	if b.CLI != "" {
		return b.CLI
	}
	return "gatectl"
}

// HashCode returns the stored form of an approval code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeCode(code)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode(n int) (string, error) {
	h, err := randomHex(n)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", err
	}
	if len(raw) < n {
		return "", errors.New("short random read")
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = codeAlphabet[int(raw[i])%len(codeAlphabet)]
	}
	return string(out), nil
}

// Issue creates an approval for scope, enforcing the per-workspace cap on
// outstanding approvals.
func (b *Binder) Issue(ctx context.Context, scope Scope, summary string) (Grant, error) {
	if b.Store == nil {
		return Grant{}, errors.New("approval store required")
	}
	now := b.now()
	maxActive := b.MaxActive
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	active, err := b.Store.CountActiveApprovals(ctx, scope.Workspace, now)
	if err != nil {
		return Grant{}, fmt.Errorf("count approvals: %w", err)
	}
	if active >= maxActive {
		return Grant{}, failure.New(failure.ApprovalLimit, "approval limit reached (%d/%d) in workspace %s", active, maxActive, scope.Workspace)
	}
	length := b.CodeLength
	if length <= 0 {
		length = DefaultCodeLength
	}
	code, err := generateCode(length)
	if err != nil {
		return Grant{}, fmt.Errorf("generate code: %w", err)
	}
	ttl := b.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec := record.Approval{
		CodeHash:    HashCode(code),
		Workspace:   scope.Workspace,
		PlanID:      scope.PlanID,
		ActionKinds: scope.ActionKinds,
		TargetIDs:   scope.TargetIDs,
		Summary:     summary,
		State:       record.ApprovalIssued,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := b.Store.InsertApproval(ctx, rec); err != nil {
		return Grant{}, fmt.Errorf("insert approval: %w", err)
	}
	b.logger().Info("approval issued", "plan_id", scope.PlanID, "workspace", scope.Workspace, "expires_at", rec.ExpiresAt)
	return Grant{
		Code:           code,
		CodeHash:       rec.CodeHash,
		ExpiresAt:      rec.ExpiresAt,
		Summary:        summary,
		ApproveCommand: fmt.Sprintf("%s approve %s", b.cli(), code),
		CommitCommand:  fmt.Sprintf("%s commit %s --code %s", b.cli(), scope.PlanID, code),
	}, nil
}

// lookup loads an approval and applies the state checks shared by Approve
// and Check.
func (b *Binder) lookup(ctx context.Context, code string) (record.Approval, error) {
	if NormalizeCode(code) == "" {
		return record.Approval{}, failure.New(failure.ApprovalMissing, "approval code required")
	}
	rec, err := b.Store.GetApproval(ctx, HashCode(code))
	if errors.Is(err, record.ErrNotFound) {
		return record.Approval{}, failure.New(failure.ApprovalMissing, "unknown approval code")
	}
	if err != nil {
		return record.Approval{}, fmt.Errorf("get approval: %w", err)
	}
	switch {
	case rec.State == record.ApprovalConsumed:
		return rec, failure.New(failure.ApprovalConsumed, "approval already used")
	case rec.State == record.ApprovalExpired || !b.now().Before(rec.ExpiresAt):
		return rec, failure.New(failure.ApprovalExpired, "approval expired at %s", rec.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return rec, nil
}

// Approve marks an issued approval as approved. Approving twice is a no-op.
func (b *Binder) Approve(ctx context.Context, code, approver string) (record.Approval, error) {
	rec, err := b.lookup(ctx, code)
	if err != nil {
		return rec, err
	}
	if rec.State == record.ApprovalApproved {
		return rec, nil
	}
	now := b.now()
	ok, err := b.Store.ApproveApproval(ctx, rec.CodeHash, approver, now)
	if err != nil {
		return rec, fmt.Errorf("approve: %w", err)
	}
	if !ok {
		// Lost a race; report whatever state won.
		return b.lookup(ctx, code)
	}
	rec.State = record.ApprovalApproved
	rec.ApprovedBy = approver
	rec.ApprovedAt = now
	b.logger().Info("approval granted", "plan_id", rec.PlanID, "approved_by", approver)
	return rec, nil
}

// Check validates that code is an approved, unexpired, unconsumed approval
// for exactly scope. A code presented for a different plan hash in the same
// workspace is consumed on the spot, since it indicates the plan changed
// after review.
func (b *Binder) Check(ctx context.Context, code string, scope Scope) (record.Approval, error) {
	rec, err := b.lookup(ctx, code)
	if err != nil {
		return rec, err
	}
	if rec.Workspace != scope.Workspace {
		return rec, failure.New(failure.ApprovalMissing, "approval belongs to workspace %s", rec.Workspace)
	}
	if rec.PlanID != scope.PlanID {
		if _, cerr := b.Store.ConsumeApproval(ctx, rec.CodeHash, "", b.now()); cerr != nil {
			b.logger().Error("invalidate mismatched approval", "error", cerr, "plan_id", rec.PlanID)
		}
		b.logger().Warn("approval presented for a different plan", "approved_plan", rec.PlanID, "presented_plan", scope.PlanID)
		return rec, failure.New(failure.PlanHashMismatch, "approval was granted for %s, not %s", rec.PlanID, scope.PlanID).
			With("approved_plan", string(rec.PlanID)).
			With("presented_plan", string(scope.PlanID))
	}
	if rec.State != record.ApprovalApproved {
		return rec, failure.New(failure.ApprovalMissing, "approval issued but not yet approved")
	}
	if !sameSet(rec.ActionKinds, scope.ActionKinds) {
		return rec, failure.New(failure.PlanHashMismatch, "approved action kinds %v differ from %v", rec.ActionKinds, scope.ActionKinds)
	}
	if !sameSet(rec.TargetIDs, scope.TargetIDs) {
		return rec, failure.New(failure.TargetIdentityMismatch, "approved targets %v differ from %v", rec.TargetIDs, scope.TargetIDs)
	}
	return rec, nil
}

func sameSet(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
