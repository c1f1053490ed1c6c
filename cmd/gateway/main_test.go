package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.temporal.io/sdk/client"

	"actiongate/internal/config"
	"actiongate/internal/memstore"
	"actiongate/internal/orchestrator"
	"actiongate/internal/storage"
	"actiongate/internal/web"
)

type memStore struct {
	*memstore.Store
	closed bool
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { m.closed = true; return nil }

type fakeTemporal struct {
	client.Client
	closed bool
}

func (f *fakeTemporal) Close() { f.closed = true }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

func TestRunRequiresConfig(t *testing.T) {
	if err := run([]string{}, func(*http.Server) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
	if err := run([]string{"-badflag"}, func(*http.Server) error { return nil }); err == nil {
		t.Fatalf("expected flag error")
	}
	oldLoad := loadConfig
	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	defer func() { loadConfig = oldLoad }()
	if err := run([]string{"-config", "x.json"}, func(*http.Server) error { return nil }); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestRunServesWithSQLite(t *testing.T) {
	dir := t.TempDir()
	file := writeConfig(t, `{"gateway":{"http_addr":":9090","auth_token":"tok","rate_limit_per_minute":60},"storage":{"driver":"sqlite","sqlite_path":"`+filepath.Join(dir, "gate.db")+`"},"janitor":{"enabled":true}}`)
	var handler http.Handler
	err := run([]string{"-config", file}, func(srv *http.Server) error {
		if srv.Addr != ":9090" {
			t.Fatalf("addr: %s", srv.Addr)
		}
		handler = srv.Handler
		return http.ErrServerClosed
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/plans?workspace=ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected auth to be enforced, got %d", w.Code)
	}
}

func TestRunStoreError(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":9090"},"storage":{"postgres_dsn":"dsn"}}`)
	oldOpen := openStore
	openStore = func(cfg config.StorageConfig) (storage.Store, error) { return nil, errors.New("db down") }
	defer func() { openStore = oldOpen }()
	if err := run([]string{"-config", file}, func(*http.Server) error { return nil }); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestRunUsesTemporalCommitter(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":9090"},"storage":{"postgres_dsn":"dsn"},"orchestrator":{"temporal_addr":"t:7233","namespace":"n","task_queue":"q"}}`)
	store := &memStore{Store: memstore.New()}
	tc := &fakeTemporal{}
	oldOpen, oldTemporal := openStore, newTemporalClient
	defer func() { openStore, newTemporalClient = oldOpen, oldTemporal }()
	openStore = func(cfg config.StorageConfig) (storage.Store, error) { return store, nil }
	newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
		if cfg.TaskQueue != "q" {
			t.Fatalf("task queue: %s", cfg.TaskQueue)
		}
		return tc, nil
	}
	oldServe := newServerHook
	var srv *web.Server
	newServerHook = func(s *web.Server) { srv = s }
	defer func() { newServerHook = oldServe }()

	if err := run([]string{"-config", file}, func(*http.Server) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	committer, ok := srv.Committer.(*orchestrator.TemporalCommitter)
	if !ok || committer.TaskQueue != "q" || srv.TemporalHealth == nil {
		t.Fatalf("committer: %#v", srv.Committer)
	}
	if !tc.closed || !store.closed {
		t.Fatalf("resources not closed: temporal %v store %v", tc.closed, store.closed)
	}
}

func TestRunTemporalDialFailureFallsBack(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":9090"},"storage":{"postgres_dsn":"dsn"},"orchestrator":{"temporal_addr":"t:7233"}}`)
	oldOpen, oldTemporal := openStore, newTemporalClient
	defer func() { openStore, newTemporalClient = oldOpen, oldTemporal }()
	openStore = func(cfg config.StorageConfig) (storage.Store, error) { return &memStore{Store: memstore.New()}, nil }
	newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) { return nil, errors.New("dial") }
	oldHook := newServerHook
	var srv *web.Server
	newServerHook = func(s *web.Server) { srv = s }
	defer func() { newServerHook = oldHook }()

	if err := run([]string{"-config", file}, func(*http.Server) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := srv.Committer.(*orchestrator.TemporalCommitter); ok {
		t.Fatalf("expected in-process committer")
	}
}

func TestMainFatalOnError(t *testing.T) {
	oldFatal := fatalf
	called := false
	fatalf = func(format string, args ...any) { called = true }
	defer func() { fatalf = oldFatal }()
	oldArgs := os.Args
	os.Args = []string{"gateway"}
	defer func() { os.Args = oldArgs }()
	main()
	if !called {
		t.Fatalf("expected fatal")
	}
}
