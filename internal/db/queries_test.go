package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"actiongate/internal/plan"
	"actiongate/internal/policy"
	"actiongate/internal/record"
)

type fakeResult struct{ rows int64 }

var errTest = errors.New("test error")

func (fakeResult) LastInsertId() (int64, error)   { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *[]byte:
			if r.values[i] != nil {
				*d = r.values[i].([]byte)
			}
		case *time.Time:
			*d = r.values[i].(time.Time)
		case *sql.NullTime:
			*d = r.values[i].(sql.NullTime)
		case *bool:
			*d = r.values[i].(bool)
		case *int:
			*d = r.values[i].(int)
		case *int64:
			*d = r.values[i].(int64)
		case sql.Scanner:
			if err := d.Scan(r.values[i]); err != nil {
				return err
			}
		default:
			// ignore unsupported
		}
	}
	return nil
}

// fakeConn answers QueryRow calls from rows in order (then row), and
// reports affected[i] rows for the i-th exec (1 when unset).
type fakeConn struct {
	row         rowScanner
	rows        []rowScanner
	affected    []int64
	execErr     error
	execErrs    []error
	execCalls   int
	queryCalls  int
	lastQuery   string
	lastArgs    []any
	execQueries []string
	execArgs    [][]any
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.execQueries = append(c.execQueries, query)
	c.execArgs = append(c.execArgs, args)
	idx := c.execCalls
	c.execCalls++
	if idx < len(c.execErrs) && c.execErrs[idx] != nil {
		return fakeResult{}, c.execErrs[idx]
	}
	if c.execErr != nil {
		return fakeResult{}, c.execErr
	}
	rows := int64(1)
	if idx < len(c.affected) {
		rows = c.affected[idx]
	}
	return fakeResult{rows: rows}, nil
}

func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	c.lastQuery = query
	c.lastArgs = args
	idx := c.queryCalls
	c.queryCalls++
	if idx < len(c.rows) {
		return c.rows[idx]
	}
	return c.row
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func planRow(status string) fakeRow {
	decision, _ := json.Marshal(policy.Decision{Kind: policy.RequireApproval, Reason: "score 55"})
	return fakeRow{values: []any{
		"plan:abc", "ws", "restart", "{}", []byte(`{"title":"restart"}`), decision, []byte(`[{"target_id":"pane-1","instance_id":"i-1"}]`),
		status, "human", "ops", "", t0, t0.Add(time.Hour), t0,
	}}
}

func TestNotInitialized(t *testing.T) {
	var d *DB
	if err := d.InsertPlan(context.Background(), record.Plan{}); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if _, err := (&DB{}).GetExecution(context.Background(), "e1"); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestInsertPlanMapsUniqueViolation(t *testing.T) {
	conn := &fakeConn{execErr: &pq.Error{Code: uniqueViolation}}
	d := &DB{conn: conn}
	err := d.InsertPlan(context.Background(), record.Plan{ID: "plan:abc", Body: []byte(`{}`)})
	if !errors.Is(err, record.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(conn.execQueries[0], "INSERT INTO plans") {
		t.Fatalf("query: %s", conn.execQueries[0])
	}
	if got := len(conn.execArgs[0]); got != 14 {
		t.Fatalf("args: %d", got)
	}
}

func TestGetPlan(t *testing.T) {
	d := &DB{conn: &fakeConn{row: planRow("prepared")}}
	p, err := d.GetPlan(context.Background(), "plan:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ID != "plan:abc" || p.Status != record.PlanPrepared || p.ActorKind != "human" {
		t.Fatalf("plan: %+v", p)
	}
	if p.Decision.Kind != policy.RequireApproval {
		t.Fatalf("decision: %+v", p.Decision)
	}
	if len(p.Bindings) != 1 || p.Bindings[0].InstanceID != "i-1" {
		t.Fatalf("bindings: %+v", p.Bindings)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{err: sql.ErrNoRows}}}
	if _, err := d.GetPlan(context.Background(), "plan:none"); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetPlanStatusConflict(t *testing.T) {
	conn := &fakeConn{affected: []int64{0}, row: planRow("succeeded")}
	d := &DB{conn: conn}
	err := d.SetPlanStatus(context.Background(), "plan:abc", []record.PlanStatus{record.PlanPrepared}, record.PlanInvalidated, t0)
	if !errors.Is(err, record.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(conn.execQueries[0], "status = ANY($4)") {
		t.Fatalf("query: %s", conn.execQueries[0])
	}
}

func TestSetPlanStatusMissing(t *testing.T) {
	conn := &fakeConn{affected: []int64{0}, row: fakeRow{err: sql.ErrNoRows}}
	d := &DB{conn: conn}
	err := d.SetPlanStatus(context.Background(), "plan:abc", nil, record.PlanInvalidated, t0)
	if !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetApprovalScansArrays(t *testing.T) {
	row := fakeRow{values: []any{
		"sha256:x", "ws", "plan:abc", []byte(`{send_text,wait_for}`), []byte(`{pane-1}`), "restart", "approved",
		"ops", "", t0, t0.Add(15 * time.Minute), sql.NullTime{Time: t0, Valid: true}, sql.NullTime{},
	}}
	d := &DB{conn: &fakeConn{row: row}}
	a, err := d.GetApproval(context.Background(), "sha256:x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(a.ActionKinds) != 2 || a.ActionKinds[1] != "wait_for" || a.TargetIDs[0] != "pane-1" {
		t.Fatalf("arrays: %+v", a)
	}
	if a.State != record.ApprovalApproved || !a.ApprovedAt.Equal(t0) || !a.ConsumedAt.IsZero() {
		t.Fatalf("approval: %+v", a)
	}
}

func TestConsumeApprovalLost(t *testing.T) {
	d := &DB{conn: &fakeConn{affected: []int64{0}}}
	ok, err := d.ConsumeApproval(context.Background(), "sha256:x", "e1", t0)
	if err != nil || ok {
		t.Fatalf("expected lost consume, got %v %v", ok, err)
	}
}

func TestBeginExecution(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	e, err := d.BeginExecution(context.Background(), record.Execution{ID: "e1", PlanID: "plan:abc", ApprovalHash: "sha256:x", StartedAt: t0})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if e.Status != record.ExecutionRunning {
		t.Fatalf("status: %s", e.Status)
	}
	if len(conn.execQueries) != 3 {
		t.Fatalf("expected plan, approval and execution writes, got %d", len(conn.execQueries))
	}
	if !strings.Contains(conn.execQueries[2], "INSERT INTO executions") {
		t.Fatalf("query: %s", conn.execQueries[2])
	}
}

func TestBeginExecutionApprovalUnavailable(t *testing.T) {
	conn := &fakeConn{affected: []int64{1, 0}}
	d := &DB{conn: conn}
	_, err := d.BeginExecution(context.Background(), record.Execution{ID: "e1", PlanID: "plan:abc", ApprovalHash: "sha256:x", StartedAt: t0})
	if !errors.Is(err, record.ErrApprovalUnavailable) {
		t.Fatalf("expected approval unavailable, got %v", err)
	}
	if len(conn.execQueries) != 2 {
		t.Fatalf("execution must not be inserted")
	}
}

func TestBeginExecutionPlanNotPrepared(t *testing.T) {
	conn := &fakeConn{affected: []int64{0}, row: fakeRow{values: []any{"succeeded"}}}
	d := &DB{conn: conn}
	_, err := d.BeginExecution(context.Background(), record.Execution{ID: "e1", PlanID: "plan:abc", StartedAt: t0})
	if !errors.Is(err, record.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestFinishExecutionMirrorsPlan(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	err := d.FinishExecution(context.Background(), record.Execution{ID: "e1", Status: record.ExecutionSuspended, FinishedAt: t0})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := conn.execArgs[1][0]; got != string(record.PlanSuspended) {
		t.Fatalf("plan status: %v", got)
	}
}

func TestFinishExecutionNotRunning(t *testing.T) {
	d := &DB{conn: &fakeConn{affected: []int64{0}}}
	err := d.FinishExecution(context.Background(), record.Execution{ID: "e1", Status: record.ExecutionFailed, FinishedAt: t0})
	if !errors.Is(err, record.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAppendEntryAssignsSeq(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{values: []any{int64(7)}}}}
	e, err := d.AppendEntry(context.Background(), record.Entry{ExecutionID: "e1", Path: "1", Step: 1, State: record.StepRunning, At: t0})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Seq != 7 {
		t.Fatalf("seq: %d", e.Seq)
	}
}

func TestListEntries(t *testing.T) {
	out := []byte(`[{"execution_id":"e1","seq":1,"path":"1","step_number":1,"state":"pending","at":"2026-03-01T12:00:00+00:00"},
		{"execution_id":"e1","seq":2,"path":"1","step_number":1,"state":"succeeded","output":{"bytes":6},"at":"2026-03-01T12:00:01+00:00"}]`)
	conn := &fakeConn{row: fakeRow{values: []any{out}}}
	d := &DB{conn: conn}
	entries, err := d.ListEntries(context.Background(), "e1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[1].State != record.StepSucceeded || string(entries[1].Output) != `{"bytes":6}` {
		t.Fatalf("entries: %+v", entries)
	}
	if !strings.Contains(conn.lastQuery, "ORDER BY seq") {
		t.Fatalf("query: %s", conn.lastQuery)
	}
}

func TestClaimIdempotencyFresh(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{values: []any{"idem:1"}}}}
	rec, claimed, err := d.ClaimIdempotency(context.Background(), record.Idempotency{Key: "idem:1", ExecutionID: "e1", Path: "1"})
	if err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if rec.Status != record.IdempotencyStarted {
		t.Fatalf("status: %s", rec.Status)
	}
}

func TestClaimIdempotencyHeld(t *testing.T) {
	conn := &fakeConn{rows: []rowScanner{
		fakeRow{err: sql.ErrNoRows},
		fakeRow{values: []any{"idem:1", "e0", "1", "succeeded", []byte(`{"ok":true}`), t0}},
	}}
	d := &DB{conn: conn}
	prior, claimed, err := d.ClaimIdempotency(context.Background(), record.Idempotency{Key: "idem:1", ExecutionID: "e1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed || prior.Status != record.IdempotencySucceeded || string(prior.Output) != `{"ok":true}` {
		t.Fatalf("prior: %+v %v", prior, claimed)
	}
}

func TestFinishIdempotencyMissing(t *testing.T) {
	d := &DB{conn: &fakeConn{affected: []int64{0}}}
	err := d.FinishIdempotency(context.Background(), "idem:1", record.IdempotencySucceeded, nil, t0)
	if !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcquireLockHeldElsewhere(t *testing.T) {
	conn := &fakeConn{affected: []int64{0}}
	d := &DB{conn: conn}
	ok, err := d.AcquireLock(context.Background(), "ws", "deploy", "plan:b", t0.Add(time.Minute), t0)
	if err != nil || ok {
		t.Fatalf("expected held lock, got %v %v", ok, err)
	}
	if !strings.Contains(conn.execQueries[0], "locks.expires_at <= $5") {
		t.Fatalf("query: %s", conn.execQueries[0])
	}
}

func TestLockOwnerFree(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{values: []any{""}}}}
	owner, err := d.LockOwner(context.Background(), "ws", "deploy", t0)
	if err != nil || owner != "" {
		t.Fatalf("owner: %q %v", owner, err)
	}
}

func TestGetData(t *testing.T) {
	d := &DB{conn: &fakeConn{row: fakeRow{values: []any{[]byte(`{"release":"v2"}`)}}}}
	data, err := d.GetData(context.Background(), "ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if data["release"] != "v2" {
		t.Fatalf("data: %v", data)
	}
}

func TestListAuditEventsAll(t *testing.T) {
	out := []byte(`[{"event_id":"a1","kind":"prepare","workspace":"ws","plan_id":"plan:abc","outcome":"require_approval","at":"2026-03-01T12:00:00Z"}]`)
	conn := &fakeConn{row: fakeRow{values: []any{out}}}
	d := &DB{conn: conn}
	events, err := d.ListAuditEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].PlanID != plan.PlanID("plan:abc") {
		t.Fatalf("events: %+v", events)
	}
	if conn.lastArgs[0] != "" {
		t.Fatalf("args: %v", conn.lastArgs)
	}
}

func TestExecErrorPropagates(t *testing.T) {
	d := &DB{conn: &fakeConn{execErr: errTest}}
	if _, err := d.ExpireApprovals(context.Background(), t0); !errors.Is(err, errTest) {
		t.Fatalf("expected exec error, got %v", err)
	}
	if _, err := d.ExpireLocks(context.Background(), t0); !errors.Is(err, errTest) {
		t.Fatalf("expected exec error, got %v", err)
	}
}
