package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"actiongate/internal/config"
	"actiongate/internal/memstore"
	"actiongate/internal/storage"
)

type fakeWorker struct {
	workflowCount int
	activityCount int
	workflowNames []string
	ran           bool
}

func (f *fakeWorker) RegisterWorkflow(fn any) {
	f.workflowCount++
}

func (f *fakeWorker) RegisterWorkflowWithOptions(fn any, opts workflow.RegisterOptions) {
	f.workflowCount++
	f.workflowNames = append(f.workflowNames, opts.Name)
}

func (f *fakeWorker) RegisterDynamicWorkflow(_ any, _ workflow.DynamicRegisterOptions) {}

func (f *fakeWorker) RegisterActivity(fn any) {
	f.activityCount++
}

func (f *fakeWorker) RegisterActivityWithOptions(fn any, _ activity.RegisterOptions) {
	f.activityCount++
}

func (f *fakeWorker) RegisterDynamicActivity(_ any, _ activity.DynamicRegisterOptions) {}
func (f *fakeWorker) RegisterNexusService(_ *nexus.Service)                             {}
func (f *fakeWorker) Start() error                                                      { return nil }
func (f *fakeWorker) Run(<-chan interface{}) error                                      { f.ran = true; return nil }
func (f *fakeWorker) Stop()                                                             {}

type memStore struct {
	*memstore.Store
	pingErr error
	closed  bool
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }
func (m *memStore) Close() error                   { m.closed = true; return nil }

type fakeTemporal struct {
	client.Client
	err error
}

func (f *fakeTemporal) CheckHealth(ctx context.Context, req *client.CheckHealthRequest) (*client.CheckHealthResponse, error) {
	return &client.CheckHealthResponse{}, f.err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

func TestRunMissingConfig(t *testing.T) {
	if err := run([]string{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBadFlag(t *testing.T) {
	if err := run([]string{"-badflag"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunLoadConfigError(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	defer func() { loadConfig = oldLoad }()

	if err := run([]string{"-config", "cfg.json"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMissingTemporalAddr(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) { return config.Config{}, nil }
	defer func() { loadConfig = oldLoad }()
	if err := run([]string{"-config", "cfg.json"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunStoreError(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":1"},"storage":{"postgres_dsn":"dsn"},"orchestrator":{"temporal_addr":"t:7233"}}`)
	oldOpen := openStore
	openStore = func(cfg config.StorageConfig) (storage.Store, error) { return nil, errors.New("db down") }
	defer func() { openStore = oldOpen }()
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunWorkerError(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":1"},"storage":{"postgres_dsn":"dsn"},"orchestrator":{"temporal_addr":"t:7233"}}`)
	store := &memStore{Store: memstore.New()}
	oldOpen, oldWorker := openStore, newWorker
	defer func() { openStore, newWorker = oldOpen, oldWorker }()
	openStore = func(cfg config.StorageConfig) (storage.Store, error) { return store, nil }
	newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
		return nil, nil, errors.New("dial")
	}
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
	if !store.closed {
		t.Fatalf("store not closed")
	}
}

func TestRunRegistersCommitWorkflow(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":1"},"storage":{"postgres_dsn":"dsn"},"orchestrator":{"temporal_addr":"t:7233","task_queue":"actiongate"}}`)
	store := &memStore{Store: memstore.New()}
	fw := &fakeWorker{}
	closed := false
	oldOpen, oldWorker, oldRun := openStore, newWorker, runWorker
	defer func() { openStore, newWorker, runWorker = oldOpen, oldWorker, oldRun }()
	openStore = func(cfg config.StorageConfig) (storage.Store, error) { return store, nil }
	newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
		if cfg.TaskQueue != "actiongate" {
			t.Fatalf("task queue: %s", cfg.TaskQueue)
		}
		return fw, closeFunc(func() error { closed = true; return nil }), nil
	}
	runWorker = func(w worker.Worker) error { return w.Run(nil) }

	if err := run([]string{"-config", file}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fw.workflowCount != 1 || fw.activityCount != 1 || !fw.ran {
		t.Fatalf("worker: %+v", fw)
	}
	if len(fw.workflowNames) != 1 || fw.workflowNames[0] != "CommitWorkflow" {
		t.Fatalf("workflow names: %v", fw.workflowNames)
	}
	if !closed {
		t.Fatalf("worker client not closed")
	}
}

func TestHealthMux(t *testing.T) {
	old := temporalHealthClient
	defer func() { temporalHealthClient = old }()

	temporalHealthClient = &fakeTemporal{}
	mux := healthMux(func(context.Context) error { return nil })
	for path, want := range map[string]int{"/healthz": http.StatusOK, "/readyz": http.StatusOK, "/metrics": http.StatusOK} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Fatalf("%s: %d", path, w.Code)
		}
	}

	temporalHealthClient = &fakeTemporal{err: errors.New("down")}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with temporal down: %d", w.Code)
	}

	temporalHealthClient = &fakeTemporal{}
	mux = healthMux(func(context.Context) error { return errors.New("db down") })
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with store down: %d", w.Code)
	}
}

func TestSetTemporalHealthClient(t *testing.T) {
	old := temporalHealthClient
	defer func() { temporalHealthClient = old }()
	tc := &fakeTemporal{}
	setTemporalHealthClient(tc)
	if temporalHealthClient != tc {
		t.Fatalf("health client not set")
	}
}

func TestMainFatalOnError(t *testing.T) {
	oldFatal := fatalf
	called := false
	fatalf = func(format string, args ...any) { called = true }
	defer func() { fatalf = oldFatal }()
	oldArgs := os.Args
	os.Args = []string{"orchestrator"}
	defer func() { os.Args = oldArgs }()
	main()
	if !called {
		t.Fatalf("expected fatal")
	}
}
