package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"actiongate/internal/coordinator"
	"actiongate/internal/failure"
	"actiongate/internal/memstore"
	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
	"actiongate/internal/target"
	"actiongate/internal/workflows"
)

type fakeService struct {
	prepareReq  coordinator.PrepareRequest
	prepareErr  error
	approveCode string
	approver    string
	approveErr  error
	commitReq   coordinator.CommitRequest
	commitRes   coordinator.CommitResult
	commitErr   error
	explainID   string
	explainErr  error
	invalidated plan.PlanID
	invalidErr  error
	plans       []record.Plan
	listArgs    [3]any
}

func (f *fakeService) Prepare(ctx context.Context, req coordinator.PrepareRequest) (coordinator.Prepared, error) {
	f.prepareReq = req
	if f.prepareErr != nil {
		return coordinator.Prepared{}, f.prepareErr
	}
	return coordinator.Prepared{PlanID: "plan:abc", PlanHash: "abc", Decision: policy.Decision{Kind: policy.Allow}}, nil
}

func (f *fakeService) Approve(ctx context.Context, code, approver string) (coordinator.ApproveResult, error) {
	f.approveCode, f.approver = code, approver
	if f.approveErr != nil {
		return coordinator.ApproveResult{}, f.approveErr
	}
	return coordinator.ApproveResult{Status: "approved", PlanID: "plan:abc"}, nil
}

func (f *fakeService) Commit(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error) {
	f.commitReq = req
	return f.commitRes, f.commitErr
}

func (f *fakeService) Explain(ctx context.Context, id string) (coordinator.Explanation, error) {
	f.explainID = id
	if f.explainErr != nil {
		return coordinator.Explanation{}, f.explainErr
	}
	return coordinator.Explanation{PlanID: plan.PlanID(id), Status: record.PlanPrepared, ExecutionLog: []record.Entry{}}, nil
}

func (f *fakeService) Invalidate(ctx context.Context, id plan.PlanID, actor string) error {
	f.invalidated = id
	return f.invalidErr
}

func (f *fakeService) ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error) {
	f.listArgs = [3]any{workspace, limit, offset}
	return f.plans, nil
}

const validPrepare = `{"plan":{"title":"cleanup","workspace":"ws","request_id":"r1","steps":[{"step_number":1,"action":{"type":"send_input","target":"pane-1","text":"echo hi"}}]},"actor":"human","in_workflow":true}`

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestPrepareDecodesPlanAndActor(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc)
	w := do(t, srv.Handler(), http.MethodPost, "/v1/prepare", validPrepare, map[string]string{ActorHeader: "agent-7"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	if svc.prepareReq.Plan == nil || svc.prepareReq.Plan.Workspace != "ws" || len(svc.prepareReq.Plan.Steps) != 1 {
		t.Fatalf("plan: %+v", svc.prepareReq.Plan)
	}
	if _, ok := svc.prepareReq.Plan.Steps[0].Action.(plan.SendInput); !ok {
		t.Fatalf("action: %T", svc.prepareReq.Plan.Steps[0].Action)
	}
	if svc.prepareReq.ActorID != "agent-7" || !svc.prepareReq.InWorkflow {
		t.Fatalf("request: %+v", svc.prepareReq)
	}
	var out map[string]any
	decode(t, w, &out)
	if out["plan_id"] != "plan:abc" {
		t.Fatalf("out: %v", out)
	}
}

func TestPrepareSchemaRejection(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc)
	cases := map[string]string{
		"missing plan":   `{}`,
		"no steps":       `{"plan":{"workspace":"ws","steps":[]}}`,
		"untagged":       `{"plan":{"workspace":"ws","steps":[{"step_number":1,"action":{}}]}}`,
		"bad actor":      `{"plan":{"workspace":"ws","steps":[{"step_number":1,"action":{"type":"send_input"}}]},"actor":"root"}`,
		"not json":       `{"plan":`,
		"negative steps": `{"plan":{"workspace":"ws","steps":[{"step_number":0,"action":{"type":"send_input"}}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, srv.Handler(), http.MethodPost, "/v1/prepare", body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status: %d %s", w.Code, w.Body.String())
			}
			var out errorBody
			decode(t, w, &out)
			if out.ErrorCode != string(failure.ValidationError) {
				t.Fatalf("body: %+v", out)
			}
		})
	}
	if svc.prepareReq.Plan != nil {
		t.Fatalf("service must not be called")
	}
}

func TestPrepareFailureMapping(t *testing.T) {
	svc := &fakeService{prepareErr: failure.New(failure.ApprovalLimit, "too many")}
	w := do(t, NewServer(svc).Handler(), http.MethodPost, "/v1/prepare", validPrepare, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", w.Code)
	}
	var out errorBody
	decode(t, w, &out)
	if out.ErrorCode != "ApprovalLimit" || out.Remediation == "" {
		t.Fatalf("body: %+v", out)
	}

	svc.prepareErr = errors.New("db password=secret unreachable")
	w = do(t, NewServer(svc).Handler(), http.MethodPost, "/v1/prepare", validPrepare, nil)
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "secret") {
		t.Fatalf("internal error leaked: %d %s", w.Code, w.Body.String())
	}
}

func TestApproveDefaultsApproverToActor(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc).Handler()
	w := do(t, h, http.MethodPost, "/v1/approve", `{"code":"ABCDEFGH"}`, map[string]string{ActorHeader: "alice"})
	if w.Code != http.StatusOK || svc.approveCode != "ABCDEFGH" || svc.approver != "alice" {
		t.Fatalf("status %d code %q approver %q", w.Code, svc.approveCode, svc.approver)
	}
	w = do(t, h, http.MethodPost, "/v1/approve", `{"code":""}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("missing code status: %d", w.Code)
	}
	svc.approveErr = failure.New(failure.ApprovalExpired, "expired")
	w = do(t, h, http.MethodPost, "/v1/approve", `{"code":"ABCDEFGH"}`, nil)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "ApprovalExpired") {
		t.Fatalf("expired: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/v1/approve", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("get status: %d", w.Code)
	}
}

func TestCommitReturnsResultBody(t *testing.T) {
	svc := &fakeService{commitRes: coordinator.CommitResult{Status: coordinator.StatusRejected, PlanID: "plan:abc", ErrorCode: failure.PlanHashMismatch}}
	h := NewServer(svc).Handler()
	w := do(t, h, http.MethodPost, "/v1/commit", `{"plan_id":"plan:abc","approval_code":"ABCDEFGH"}`, map[string]string{ActorHeader: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var out coordinator.CommitResult
	decode(t, w, &out)
	if out.ErrorCode != failure.PlanHashMismatch || svc.commitReq.ApprovalCode != "ABCDEFGH" || svc.commitReq.Actor != "alice" {
		t.Fatalf("out %+v req %+v", out, svc.commitReq)
	}
	if w := do(t, h, http.MethodPost, "/v1/commit", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty plan id: %d", w.Code)
	}
}

type committerFunc func(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error)

func (f committerFunc) Commit(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error) {
	return f(ctx, req)
}

func TestCommitUsesConfiguredCommitter(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc)
	called := false
	srv.Committer = committerFunc(func(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error) {
		called = true
		return coordinator.CommitResult{Status: coordinator.StatusSucceeded, PlanID: req.PlanID}, nil
	})
	w := do(t, srv.Handler(), http.MethodPost, "/v1/commit", `{"plan_id":"plan:abc"}`, nil)
	if w.Code != http.StatusOK || !called || svc.commitReq.PlanID != "" {
		t.Fatalf("status %d called %v", w.Code, called)
	}
}

func TestExplainAndTextFormat(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc).Handler()
	w := do(t, h, http.MethodGet, "/v1/explain/exec-1", "", nil)
	if w.Code != http.StatusOK || svc.explainID != "exec-1" {
		t.Fatalf("status %d id %q", w.Code, svc.explainID)
	}
	var out map[string]any
	decode(t, w, &out)
	if _, ok := out["execution_log"]; !ok {
		t.Fatalf("execution_log missing: %v", out)
	}

	w = do(t, h, http.MethodGet, "/v1/explain/plan:abc?format=text", "", nil)
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") || !strings.HasPrefix(w.Body.String(), "plan plan:abc [prepared]") {
		t.Fatalf("text: %q %q", w.Header().Get("Content-Type"), w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:abc?format=xml", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad format: %d", w.Code)
	}

	svc.explainErr = failure.New(failure.PlanNotFound, "nope")
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:zzz", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", w.Code)
	}
}

func TestPlansListAndInvalidate(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc).Handler()
	if w := do(t, h, http.MethodGet, "/v1/plans", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing workspace: %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/v1/plans?workspace=ws&limit=500&offset=3", "", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("list: %d %q", w.Code, w.Body.String())
	}
	if svc.listArgs != [3]any{"ws", 200, 3} {
		t.Fatalf("args: %v", svc.listArgs)
	}

	w = do(t, h, http.MethodDelete, "/v1/plans/plan:abc", "", nil)
	if w.Code != http.StatusOK || svc.invalidated != "plan:abc" {
		t.Fatalf("invalidate: %d %q", w.Code, svc.invalidated)
	}
	svc.invalidErr = failure.New(failure.PlanExpired, "no longer prepared")
	if w := do(t, h, http.MethodDelete, "/v1/plans/plan:abc", "", nil); w.Code != http.StatusConflict {
		t.Fatalf("invalidate conflict: %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/v1/plans/plan:abc", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("put: %d", w.Code)
	}
}

func TestAuthRequiresToken(t *testing.T) {
	srv := NewServer(&fakeService{})
	srv.AuthToken = "s3cret"
	h := srv.Handler()
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:abc", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:abc", "", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:abc", "", map[string]string{"Authorization": "bearer s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("good token: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz must not need auth: %d", w.Code)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	srv := NewServer(&fakeService{})
	srv.RateLimiter = NewRateLimiter(0.001, 1)
	h := srv.Handler()
	hdr := map[string]string{"X-Forwarded-For": "10.0.0.9"}
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:abc", "", hdr); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/explain/plan:abc", "", hdr); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", w.Code)
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	store := memstore.New()
	reg := target.NewRegistry()
	reg.Put(target.Snapshot{TargetID: "pane-1", InstanceID: "i-1", Idle: true, IdleConfirmed: true, Tail: "$ "})
	engine := &workflows.Engine{Actuator: reg, Events: reg, Customs: reg, DefaultStepTimeout: time.Second, PollInterval: time.Millisecond}
	c, err := coordinator.New(store, reg, engine)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	h := NewServer(c).Handler()

	w := do(t, h, http.MethodPost, "/v1/prepare", validPrepare, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("prepare: %d %s", w.Code, w.Body.String())
	}
	var prep coordinator.Prepared
	decode(t, w, &prep)
	if prep.Decision.Kind != policy.Allow {
		t.Fatalf("decision: %+v", prep.Decision)
	}

	body, _ := json.Marshal(coordinator.CommitRequest{PlanID: prep.PlanID})
	w = do(t, h, http.MethodPost, "/v1/commit", string(body), nil)
	var res coordinator.CommitResult
	decode(t, w, &res)
	if res.Status != coordinator.StatusSucceeded {
		t.Fatalf("commit: %+v", res)
	}
	if sent := reg.Sent("pane-1"); len(sent) != 1 || sent[0] != "echo hi" {
		t.Fatalf("sent: %v", sent)
	}

	w = do(t, h, http.MethodPost, "/v1/commit", string(body), nil)
	decode(t, w, &res)
	if res.Status != coordinator.StatusAlreadyExecuted || len(reg.Sent("pane-1")) != 1 {
		t.Fatalf("second commit: %+v", res)
	}

	w = do(t, h, http.MethodGet, "/v1/explain/"+res.ExecutionID, "", nil)
	var exp coordinator.Explanation
	decode(t, w, &exp)
	if exp.PlanID != prep.PlanID || len(exp.ExecutionLog) == 0 {
		t.Fatalf("explain: %+v", exp)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv := NewServer(&fakeService{})
	h := srv.Handler()
	w := do(t, h, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/readyz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("readyz: %d", w.Code)
	}
	srv.StoreHealth = func(ctx context.Context) error { return errors.New("db down") }
	w = do(t, h, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable || !bytes.Contains(w.Body.Bytes(), []byte("db down")) {
		t.Fatalf("readyz store down: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, NewServer(nil).Handler(), http.MethodGet, "/readyz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without service: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}
