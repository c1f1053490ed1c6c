package web

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthFunc probes one dependency; a nil error means ready.
type HealthFunc func(context.Context) error

const probeTimeout = 2 * time.Second

type loopState struct {
	running bool
	err     string
}

// LoopTracker records the state of long-running gateway loops (the plan
// janitor today) so /readyz can report a loop that exited early.
type LoopTracker struct {
	mu    sync.Mutex
	loops map[string]loopState
}

func NewLoopTracker() *LoopTracker {
	return &LoopTracker{loops: map[string]loopState{}}
}

func (t *LoopTracker) record(name string, st loopState) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.loops[name] = st
	t.mu.Unlock()
}

// Go starts fn under name. An error returned after ctx is cancelled is a
// normal shutdown and is not reported.
func (t *LoopTracker) Go(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	if wg != nil {
		wg.Add(1)
	}
	t.record(name, loopState{running: true})
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		st := loopState{err: "stopped"}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			st.err = err.Error()
		}
		t.record(name, st)
	}()
}

// Status maps each loop name to "ok" or the reason it is not running.
func (t *LoopTracker) Status() map[string]string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.loops))
	for name, st := range t.loops {
		if st.running {
			out[name] = "ok"
		} else {
			out[name] = st.err
		}
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Failed []string          `json:"failed,omitempty"`
}

func (s *Server) probes() map[string]HealthFunc {
	out := map[string]HealthFunc{}
	if s.StoreHealth != nil {
		out["store"] = s.StoreHealth
	}
	if s.TemporalHealth != nil {
		out["temporal"] = s.TemporalHealth
	}
	return out
}

// handleReadyz runs every dependency check in parallel, each bounded by
// probeTimeout, and folds in the loop tracker.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	rep := readiness{Checks: map[string]string{}}
	if s.Service == nil {
		rep.Checks["coordinator"] = "unavailable"
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range s.probes() {
		wg.Add(1)
		go func(name string, fn HealthFunc) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			msg := "ok"
			if err := fn(ctx); err != nil {
				msg = err.Error()
			}
			mu.Lock()
			rep.Checks[name] = msg
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()
	for name, st := range s.Loops.Status() {
		rep.Checks["loop."+name] = st
	}

	for name, st := range rep.Checks {
		if st != "ok" {
			rep.Failed = append(rep.Failed, name)
		}
	}
	sort.Strings(rep.Failed)
	if len(rep.Failed) > 0 {
		rep.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, rep)
		return
	}
	rep.Status = "ok"
	writeJSON(w, http.StatusOK, rep)
}
