package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
)

func TestLoopTrackerStatus(t *testing.T) {
	tr := NewLoopTracker()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	block := make(chan struct{})
	tr.Go(ctx, &wg, "janitor", func(ctx context.Context) error {
		<-block
		return nil
	})
	tr.Go(ctx, &wg, "sweeper", func(context.Context) error { return errors.New("lock lost") })
	tr.Go(ctx, &wg, "drain", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if got := tr.Status()["janitor"]; got != "ok" {
		t.Fatalf("janitor: %q", got)
	}
	close(block)
	cancel()
	wg.Wait()

	st := tr.Status()
	if st["janitor"] != "stopped" || st["sweeper"] != "lock lost" || st["drain"] != "stopped" {
		t.Fatalf("status: %+v", st)
	}
	var nilTracker *LoopTracker
	if nilTracker.Status() != nil {
		t.Fatalf("nil tracker")
	}
}

func TestReadyzReportsFailedChecks(t *testing.T) {
	srv := NewServer(&fakeService{})
	srv.StoreHealth = func(context.Context) error { return nil }
	srv.TemporalHealth = func(context.Context) error { return errors.New("frontend unreachable") }
	srv.Loops = NewLoopTracker()
	var wg sync.WaitGroup
	srv.Loops.Go(context.Background(), &wg, "janitor", func(context.Context) error { return errors.New("cron halted") })
	wg.Wait()

	w := do(t, srv.Handler(), http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code: %d", w.Code)
	}
	var rep readiness
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "unavailable" || rep.Checks["store"] != "ok" || rep.Checks["loop.janitor"] != "cron halted" {
		t.Fatalf("report: %+v", rep)
	}
	if len(rep.Failed) != 2 || rep.Failed[0] != "loop.janitor" || rep.Failed[1] != "temporal" {
		t.Fatalf("failed: %v", rep.Failed)
	}
}
