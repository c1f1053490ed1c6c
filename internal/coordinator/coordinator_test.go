package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"actiongate/internal/audit"
	"actiongate/internal/failure"
	"actiongate/internal/memstore"
	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
	"actiongate/internal/risk"
	"actiongate/internal/target"
	"actiongate/internal/workflows"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tamperStore serves a replacement plan body, as if the stored row had been
// edited after prepare.
type tamperStore struct {
	*memstore.Store
	body json.RawMessage
}

func (s *tamperStore) GetPlan(ctx context.Context, id plan.PlanID) (record.Plan, error) {
	p, err := s.Store.GetPlan(ctx, id)
	if err == nil && s.body != nil {
		p.Body = s.body
	}
	return p, err
}

type harness struct {
	c     *Coordinator
	store *memstore.Store
	reg   *target.Registry
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, wrap func(*memstore.Store) Store) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), reg: target.NewRegistry(), now: t0}
	h.reg.OnInput = func(id, text string, s *target.Snapshot) { s.Tail += text }
	h.reg.Put(target.Snapshot{TargetID: "pane-1", InstanceID: "i-1", Idle: true, IdleConfirmed: true, Tail: "$ "})
	var store Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	engine := &workflows.Engine{
		Actuator:           h.reg,
		Events:             h.reg,
		Customs:            h.reg,
		DefaultStepTimeout: time.Second,
		PollInterval:       time.Millisecond,
	}
	c, err := New(store, h.reg, engine)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	clock := func() time.Time { return h.now }
	c.Now = clock
	c.Binder.Now = clock
	h.c = c
	return h
}

func sendPlan(request string, texts ...string) *plan.ActionPlan {
	p := &plan.ActionPlan{Version: plan.SchemaVersion, Title: "cleanup", Workspace: "ws", RequestID: request}
	for i, text := range texts {
		p.Steps = append(p.Steps, plan.StepPlan{Number: i + 1, Action: plan.SendInput{Target: "pane-1", Text: text}})
	}
	return p
}

func human(p *plan.ActionPlan) PrepareRequest {
	return PrepareRequest{Plan: p, Actor: risk.ActorHuman, ActorID: "alice", InWorkflow: true}
}

func (h *harness) prepare(t *testing.T, req PrepareRequest) Prepared {
	t.Helper()
	out, err := h.c.Prepare(context.Background(), req)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return out
}

func (h *harness) commit(t *testing.T, id plan.PlanID, code string) CommitResult {
	t.Helper()
	res, err := h.c.Commit(context.Background(), CommitRequest{PlanID: id, ApprovalCode: code, Actor: "alice"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res
}

func TestScenarioApprovedCommitRunsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	prep := h.prepare(t, human(sendPlan("req-a", "rm -rf /tmp/build")))
	if prep.Decision.Kind != policy.RequireApproval || prep.Approval == nil {
		t.Fatalf("expected approval to be required: %+v", prep.Decision)
	}
	if len(prep.Approval.Code) != 8 || !strings.Contains(prep.CommitInstruction, prep.Approval.Code) {
		t.Fatalf("approval: %+v instruction %q", prep.Approval, prep.CommitInstruction)
	}
	if len(h.reg.Sent("pane-1")) != 0 {
		t.Fatalf("prepare must not act on targets")
	}

	if res := h.commit(t, prep.PlanID, ""); res.ErrorCode != failure.ApprovalMissing {
		t.Fatalf("commit without code: %+v", res)
	}
	if res := h.commit(t, prep.PlanID, prep.Approval.Code); res.ErrorCode != failure.ApprovalMissing {
		t.Fatalf("commit before approve: %+v", res)
	}
	if _, err := h.c.Approve(ctx, strings.ToLower(prep.Approval.Code), "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	res := h.commit(t, prep.PlanID, prep.Approval.Code)
	if res.Status != StatusSucceeded || res.ExecutionID == "" {
		t.Fatalf("commit: %+v", res)
	}
	if sent := h.reg.Sent("pane-1"); len(sent) != 1 || sent[0] != "rm -rf /tmp/build" {
		t.Fatalf("sent: %v", sent)
	}
	entries, _ := h.store.ListEntries(ctx, res.ExecutionID)
	succeeded := 0
	for _, e := range entries {
		if e.State == record.StepSucceeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded entries: %d in %+v", succeeded, entries)
	}
	a, _ := h.store.GetApprovalByPlan(ctx, prep.PlanID)
	if a.State != record.ApprovalConsumed || a.ExecutionID != res.ExecutionID {
		t.Fatalf("approval: %+v", a)
	}

	again := h.commit(t, prep.PlanID, prep.Approval.Code)
	if again.Status != StatusAlreadyExecuted || again.ExecutionID != res.ExecutionID || again.Outcome != StatusSucceeded {
		t.Fatalf("second commit: %+v", again)
	}
	if len(h.reg.Sent("pane-1")) != 1 {
		t.Fatalf("second commit acted on target")
	}
}

func TestScenarioPreconditionChangedBeforeCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := sendPlan("req-b", "ls")
	p.Preconditions = []plan.Precondition{plan.TargetMatches{Target: "pane-1", Pattern: "$ "}}
	prep := h.prepare(t, human(p))
	if prep.Decision.Kind != policy.Allow {
		t.Fatalf("decision: %+v", prep.Decision)
	}
	_ = h.reg.Update("pane-1", func(s *target.Snapshot) { s.Tail = "vim main.go" })

	res := h.commit(t, prep.PlanID, "")
	if res.Status != StatusRejected || res.ErrorCode != failure.PreconditionFailed {
		t.Fatalf("commit: %+v", res)
	}
	if len(h.reg.Sent("pane-1")) != 0 {
		t.Fatalf("steps ran despite failed precondition")
	}
	if _, err := h.store.GetExecutionByPlan(ctx, prep.PlanID); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("execution created: %v", err)
	}
	if rec, _ := h.store.GetPlan(ctx, prep.PlanID); rec.Status != record.PlanPrepared {
		t.Fatalf("plan status: %s", rec.Status)
	}
}

func TestCommitFailsClosedOnApprovalState(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown code", func(t *testing.T) {
		h := newHarness(t)
		prep := h.prepare(t, human(sendPlan("req-1", "rm -rf /tmp/x")))
		if res := h.commit(t, prep.PlanID, "ZZZZZZZZ"); res.ErrorCode != failure.ApprovalMissing {
			t.Fatalf("commit: %+v", res)
		}
	})

	t.Run("expired", func(t *testing.T) {
		h := newHarness(t)
		prep := h.prepare(t, human(sendPlan("req-2", "rm -rf /tmp/x")))
		if _, err := h.c.Approve(ctx, prep.Approval.Code, "bob"); err != nil {
			t.Fatalf("approve: %v", err)
		}
		h.now = t0.Add(20 * time.Minute)
		if res := h.commit(t, prep.PlanID, prep.Approval.Code); res.ErrorCode != failure.ApprovalExpired {
			t.Fatalf("commit: %+v", res)
		}
	})

	t.Run("code from another plan", func(t *testing.T) {
		h := newHarness(t)
		first := h.prepare(t, human(sendPlan("req-3", "rm -rf /tmp/x")))
		second := h.prepare(t, human(sendPlan("req-4", "rm -rf /tmp/y")))
		_, _ = h.c.Approve(ctx, first.Approval.Code, "bob")
		res := h.commit(t, second.PlanID, first.Approval.Code)
		if res.ErrorCode != failure.PlanHashMismatch {
			t.Fatalf("commit: %+v", res)
		}
		// The presented code is burned.
		if res := h.commit(t, first.PlanID, first.Approval.Code); res.ErrorCode != failure.ApprovalConsumed {
			t.Fatalf("reuse after mismatch: %+v", res)
		}
		if len(h.reg.Sent("pane-1")) != 0 {
			t.Fatalf("nothing should have run")
		}
	})
}

func TestCommitRejectsTamperedPlanWithDiff(t *testing.T) {
	ctx := context.Background()
	var ts *tamperStore
	h := newHarnessWith(t, func(s *memstore.Store) Store {
		ts = &tamperStore{Store: s}
		return ts
	})
	prep := h.prepare(t, human(sendPlan("req-t", "rm -rf /tmp/build")))
	_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")

	rec, _ := h.store.GetPlan(ctx, prep.PlanID)
	p, err := rec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p.Steps[0].Action = plan.SendInput{Target: "pane-1", Text: "rm -rf /"}
	ts.body, _ = json.Marshal(p)

	res := h.commit(t, prep.PlanID, prep.Approval.Code)
	if res.ErrorCode != failure.PlanHashMismatch {
		t.Fatalf("commit: %+v", res)
	}
	diff := res.Details["diff"]
	if !strings.HasPrefix(diff, "--- prepared") || !strings.Contains(diff, `-text="rm -rf /tmp/build"`) || !strings.Contains(diff, `+text="rm -rf /"`) {
		t.Fatalf("diff:\n%s", diff)
	}
	if a, _ := h.store.GetApprovalByPlan(ctx, prep.PlanID); a.State != record.ApprovalConsumed {
		t.Fatalf("approval should be burned: %s", a.State)
	}
	if len(h.reg.Sent("pane-1")) != 0 {
		t.Fatalf("tampered plan ran")
	}
}

func TestCommitRejectsRecreatedTarget(t *testing.T) {
	h := newHarness(t)
	prep := h.prepare(t, human(sendPlan("req-i", "ls")))
	h.reg.Put(target.Snapshot{TargetID: "pane-1", InstanceID: "i-2", Idle: true, IdleConfirmed: true})
	res := h.commit(t, prep.PlanID, "")
	if res.ErrorCode != failure.TargetIdentityMismatch || res.Details["observed_instance"] != "i-2" {
		t.Fatalf("commit: %+v", res)
	}
}

func TestCommitRejectsDeniedExpiredAndMissingPlans(t *testing.T) {
	h := newHarness(t)
	denied := h.prepare(t, PrepareRequest{Plan: sendPlan("req-d", "sudo rm -rf /var/lib/app"), Actor: risk.ActorAgent})
	if denied.Decision.Kind != policy.Deny || denied.Approval != nil || denied.CommitInstruction != "" {
		t.Fatalf("prepare: %+v", denied)
	}
	if res := h.commit(t, denied.PlanID, ""); res.ErrorCode != failure.PolicyDenied {
		t.Fatalf("denied commit: %+v", res)
	}

	stale := h.prepare(t, human(sendPlan("req-s", "ls")))
	h.now = t0.Add(2 * time.Hour)
	if res := h.commit(t, stale.PlanID, ""); res.ErrorCode != failure.PlanExpired {
		t.Fatalf("stale commit: %+v", res)
	}
	if res := h.commit(t, "plan:nope", ""); res.ErrorCode != failure.PlanNotFound {
		t.Fatalf("missing commit: %+v", res)
	}
}

func TestPrepareKnownFalsePreconditionDenies(t *testing.T) {
	h := newHarness(t)
	p := sendPlan("req-k", "ls")
	p.Preconditions = []plan.Precondition{plan.TargetExists{Target: "pane-404"}}
	prep := h.prepare(t, human(p))
	if prep.Decision.Kind != policy.Deny || len(prep.Decision.Overrides) != 1 || prep.Decision.Overrides[0].Code != policy.OverridePrecondition {
		t.Fatalf("decision: %+v", prep.Decision)
	}
	if len(prep.Decision.Assessment.Factors) == 0 {
		t.Fatalf("factors should be reported even when overridden")
	}
}

func TestPrepareRejectsInvalidAndDuplicatePlans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bad := sendPlan("req-v", "ls")
	bad.Steps[0].Number = 2
	bad.Workspace = ""
	_, err := h.c.Prepare(ctx, human(bad))
	fe, ok := failure.As(err)
	if !ok || fe.Code != failure.ValidationError || fe.Details["workspace"] == "" {
		t.Fatalf("invalid plan: %v", err)
	}

	h.prepare(t, human(sendPlan("req-dup", "ls")))
	if _, err := h.c.Prepare(ctx, human(sendPlan("req-dup", "ls"))); failure.CodeOf(err) != failure.ValidationError {
		t.Fatalf("duplicate prepare: %v", err)
	}
}

func TestPrepareFillsRequestIDAndHashesDeterministically(t *testing.T) {
	h := newHarness(t)
	p := sendPlan("", "ls")
	a := h.prepare(t, human(p))
	b := h.prepare(t, human(p))
	if a.PlanID == b.PlanID {
		t.Fatalf("fresh request ids should give distinct plans")
	}
	if p.RequestID != "" {
		t.Fatalf("caller's plan was modified")
	}
	fixed := sendPlan("req-h", "ls")
	want := plan.Hash(fixed)
	if got := h.prepare(t, human(fixed)); got.PlanID != want || "plan:"+got.PlanHash != string(want) {
		t.Fatalf("id %s hash %s want %s", got.PlanID, got.PlanHash, want)
	}
}

func TestApprovalLimitInvalidatesPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.c.Binder.MaxActive = 1
	h.prepare(t, human(sendPlan("req-l1", "rm -rf /tmp/a")))
	second := sendPlan("req-l2", "rm -rf /tmp/b")
	_, err := h.c.Prepare(ctx, human(second))
	if failure.CodeOf(err) != failure.ApprovalLimit {
		t.Fatalf("expected approval limit, got %v", err)
	}
	rec, err := h.store.GetPlan(ctx, plan.Hash(second))
	if err != nil || rec.Status != record.PlanInvalidated {
		t.Fatalf("plan: %+v %v", rec, err)
	}
}

func TestSuspensionPreparesContinuation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := sendPlan("req-c", "one")
	p.Steps = append(p.Steps,
		plan.StepPlan{Number: 2, Action: plan.SendInput{Target: "pane-9", Text: "two"}, OnFailure: plan.RequireApproval{Summary: "pane-9 missing"}},
		plan.StepPlan{Number: 3, Action: plan.SendInput{Target: "pane-1", Text: "three"}},
	)
	prep := h.prepare(t, human(p))
	if prep.Approval == nil {
		t.Fatalf("unobserved target should require approval: %+v", prep.Decision)
	}
	_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")

	res := h.commit(t, prep.PlanID, prep.Approval.Code)
	if res.Status != StatusSuspended || res.Continuation == nil || res.Continuation.Approval == nil {
		t.Fatalf("commit: %+v", res)
	}
	cont := res.Continuation
	if cont.ParentID != prep.PlanID || cont.Decision.Kind != policy.RequireApproval || len(cont.Preview.Steps) != 2 {
		t.Fatalf("continuation: %+v", cont)
	}
	contRec, _ := h.store.GetPlan(ctx, cont.PlanID)
	contPlan, _ := contRec.Decode()
	if contPlan.RequestID != "req-c/resume/2" || contPlan.Steps[0].Number != 1 {
		t.Fatalf("continuation plan: %+v", contPlan)
	}
	if rec, _ := h.store.GetPlan(ctx, prep.PlanID); rec.Status != record.PlanSuspended {
		t.Fatalf("parent status: %s", rec.Status)
	}

	h.reg.Put(target.Snapshot{TargetID: "pane-9", InstanceID: "i-9", Idle: true, IdleConfirmed: true})
	_, _ = h.c.Approve(ctx, cont.Approval.Code, "bob")
	done := h.commit(t, cont.PlanID, cont.Approval.Code)
	if done.Status != StatusSucceeded {
		t.Fatalf("continuation commit: %+v", done)
	}
	if sent := h.reg.Sent("pane-9"); len(sent) != 1 || sent[0] != "two" {
		t.Fatalf("pane-9: %v", sent)
	}
	if sent := h.reg.Sent("pane-1"); strings.Join(sent, ",") != "one,three" {
		t.Fatalf("pane-1: %v", sent)
	}
}

func TestCommitResumesInterruptedExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	prep := h.prepare(t, human(sendPlan("req-r", "ls")))
	if _, err := h.store.BeginExecution(ctx, record.Execution{ID: "exec-crashed", PlanID: prep.PlanID, Workspace: "ws", StartedAt: t0}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	lease := leaseName("exec-crashed")
	_, _ = h.store.AcquireLock(ctx, "ws", lease, "other-instance", t0.Add(time.Minute), t0)
	if res := h.commit(t, prep.PlanID, ""); res.Status != StatusRunning {
		t.Fatalf("leased execution: %+v", res)
	}

	h.now = t0.Add(2 * time.Minute)
	res := h.commit(t, prep.PlanID, "")
	if res.Status != StatusSucceeded || res.ExecutionID != "exec-crashed" {
		t.Fatalf("resume: %+v", res)
	}
	if owner, _ := h.store.LockOwner(ctx, "ws", lease, h.now); owner != "" {
		t.Fatalf("lease not released: %q", owner)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	prep := h.prepare(t, human(sendPlan("req-x", "rm -rf /tmp/x")))
	if err := h.c.Invalidate(ctx, prep.PlanID, "alice"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")
	if res := h.commit(t, prep.PlanID, prep.Approval.Code); res.ErrorCode != failure.PlanExpired {
		t.Fatalf("commit after invalidate: %+v", res)
	}
	if err := h.c.Invalidate(ctx, prep.PlanID, "alice"); failure.CodeOf(err) != failure.PlanExpired {
		t.Fatalf("second invalidate: %v", err)
	}
	if err := h.c.Invalidate(ctx, "plan:nope", "alice"); failure.CodeOf(err) != failure.PlanNotFound {
		t.Fatalf("missing invalidate: %v", err)
	}
}

func TestExplainByPlanAndExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	prep := h.prepare(t, human(sendPlan("req-e", "rm -rf /tmp/build")))
	_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")
	res := h.commit(t, prep.PlanID, prep.Approval.Code)

	byExec, err := h.c.Explain(ctx, res.ExecutionID)
	if err != nil {
		t.Fatalf("explain execution: %v", err)
	}
	byPlan, err := h.c.Explain(ctx, string(prep.PlanID))
	if err != nil {
		t.Fatalf("explain plan: %v", err)
	}
	for _, ex := range []Explanation{byExec, byPlan} {
		if ex.PlanID != prep.PlanID || ex.Execution == nil || len(ex.ExecutionLog) == 0 {
			t.Fatalf("explanation: %+v", ex)
		}
		if ex.Approval == nil || ex.Approval.State != record.ApprovalConsumed || ex.Approval.ApprovedBy != "bob" {
			t.Fatalf("approval view: %+v", ex.Approval)
		}
	}
	found := false
	for _, f := range byPlan.RiskFactors {
		if f.ID == risk.FactorDestructiveTokens {
			found = true
		}
	}
	if !found {
		t.Fatalf("factors: %+v", byPlan.RiskFactors)
	}
	kinds := map[string]bool{}
	for _, ev := range byPlan.Audit {
		kinds[ev.Kind] = true
	}
	for _, k := range []string{audit.KindPrepare, audit.KindApprove, audit.KindCommit, audit.KindEvidence} {
		if !kinds[k] {
			t.Fatalf("missing audit kind %s in %+v", k, byPlan.Audit)
		}
	}

	if _, err := h.c.Explain(ctx, "exec-unknown"); failure.CodeOf(err) != failure.PlanNotFound {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestApprovalValid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	prep := h.prepare(t, human(sendPlan("req-av", "rm -rf /tmp/x")))
	if ok, _ := h.c.ApprovalValid(ctx, prep.PlanID, ""); ok {
		t.Fatalf("issued approval is not yet valid")
	}
	_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")
	if ok, _ := h.c.ApprovalValid(ctx, prep.PlanID, ""); !ok {
		t.Fatalf("approved approval should be valid before execution")
	}
	res := h.commit(t, prep.PlanID, prep.Approval.Code)
	if ok, _ := h.c.ApprovalValid(ctx, prep.PlanID, res.ExecutionID); !ok {
		t.Fatalf("consumed approval should be valid for its execution")
	}
	if ok, _ := h.c.ApprovalValid(ctx, prep.PlanID, "someone-else"); ok {
		t.Fatalf("approval must not validate another execution")
	}
}

func TestCanonicalLinesRespectQuotes(t *testing.T) {
	got := canonicalLines(`plan{a="x;y{";b=[1,2]}`)
	want := []string{"plan{\n", `a="x;y{";` + "\n", "b=[\n", "1,\n", "2]}\n"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines: %q", got)
	}
}

func TestContinuationDoesNotReapplyVerifiedFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := sendPlan("req-v")
	p.Steps = []plan.StepPlan{{
		Number:       1,
		Action:       plan.SendInput{Target: "pane-1", Text: "deploy"},
		Verification: &plan.Verification{Strategy: plan.PatternObserved{Target: "pane-1", Pattern: "DONE"}, TimeoutMS: 20},
		OnFailure:    plan.RequireApproval{Summary: "deploy not confirmed"},
	}}
	prep := h.prepare(t, human(p))
	code := ""
	if prep.Approval != nil {
		_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")
		code = prep.Approval.Code
	}
	res := h.commit(t, prep.PlanID, code)
	if res.Status != StatusSuspended || res.Continuation == nil || res.Continuation.Approval == nil {
		t.Fatalf("commit: %+v", res)
	}

	_ = h.reg.Update("pane-1", func(s *target.Snapshot) { s.Tail += "\nDONE" })
	cont := res.Continuation
	_, _ = h.c.Approve(ctx, cont.Approval.Code, "bob")
	done := h.commit(t, cont.PlanID, cont.Approval.Code)
	if done.Status != StatusSucceeded {
		t.Fatalf("continuation commit: %+v", done)
	}
	if sent := h.reg.Sent("pane-1"); len(sent) != 1 || sent[0] != "deploy" {
		t.Fatalf("deploy applied %d times: %v", len(sent), sent)
	}
}

func TestAppliedStepsIgnoresClientMetadata(t *testing.T) {
	p := sendPlan("req-m", "ls")
	p.Metadata = map[string]string{metaResumePath: "1", metaAppliedKey: "idem:x"}
	if got := appliedSteps(record.Plan{ID: "plan-1"}, p); got != nil {
		t.Fatalf("ordinary plan: %v", got)
	}
	if got := appliedSteps(record.Plan{ID: "plan-2", ParentID: "plan-1"}, p); got["1"] != "idem:x" {
		t.Fatalf("continuation: %v", got)
	}
}

func TestStepPreconditionFailureKeepsApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := sendPlan("req-s", "rm -rf /tmp/build")
	p.Steps[0].Preconditions = []plan.Precondition{plan.TargetMatches{Target: "pane-1", Pattern: "$ "}}
	prep := h.prepare(t, human(p))
	if prep.Approval == nil {
		t.Fatalf("expected approval: %+v", prep.Decision)
	}
	_, _ = h.c.Approve(ctx, prep.Approval.Code, "bob")
	_ = h.reg.Update("pane-1", func(s *target.Snapshot) { s.Tail = "vim main.go" })

	res := h.commit(t, prep.PlanID, prep.Approval.Code)
	if res.Status != StatusRejected || res.ErrorCode != failure.PreconditionFailed || res.Step != 1 {
		t.Fatalf("commit: %+v", res)
	}
	if a, _ := h.store.GetApprovalByPlan(ctx, prep.PlanID); a.State != record.ApprovalApproved {
		t.Fatalf("approval: %s", a.State)
	}
	if _, err := h.store.GetExecutionByPlan(ctx, prep.PlanID); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("execution created: %v", err)
	}

	_ = h.reg.Update("pane-1", func(s *target.Snapshot) { s.Tail = "$ " })
	again := h.commit(t, prep.PlanID, prep.Approval.Code)
	if again.Status != StatusSucceeded {
		t.Fatalf("recommit: %+v", again)
	}
	if sent := h.reg.Sent("pane-1"); len(sent) != 1 {
		t.Fatalf("sent: %v", sent)
	}
}
