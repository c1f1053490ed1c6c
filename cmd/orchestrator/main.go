package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"actiongate/internal/config"
	"actiongate/internal/coordinator"
	"actiongate/internal/logging"
	"actiongate/internal/metrics"
	"actiongate/internal/orchestrator"
	"actiongate/internal/storage"
	"actiongate/internal/target"
)

func main() {
	logging.Init("orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var openStore = storage.Open
var newTargets = func(cfg config.TargetsConfig) coordinator.Targets {
	c := &target.Client{BaseURL: cfg.CaptureURL, Token: cfg.Token}
	if cfg.TimeoutMS > 0 {
		c.Client = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return c
}
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	setTemporalHealthClient(c)
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	return w, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }
var serveHealth = func(srv *http.Server) error { return srv.ListenAndServe() }

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON or YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := coordinator.NewFromConfig(cfg, store, newTargets(cfg.Targets))
	if err != nil {
		return err
	}

	w, closer, err := newWorker(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	orchestrator.Register(w, &orchestrator.Activities{Committer: coord})

	if cfg.Orchestrator.HealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.Orchestrator.HealthAddr,
			Handler:           healthMux(store.Ping),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := serveHealth(healthSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(sctx)
		}()
	}

	slog.Info("orchestrator ready",
		"temporal_addr", cfg.Orchestrator.TemporalAddr,
		"task_queue", cfg.Orchestrator.TaskQueue,
		"workflow", orchestrator.CommitWorkflowName,
		"storage", cfg.Storage.DriverName())
	return runWorker(w)
}

func healthMux(ping func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ok := true

		pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if ping == nil {
			ok = false
		} else if err := ping(pctx); err != nil {
			ok = false
		}

		if temporalHealthClient != nil {
			tctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if _, err := temporalHealthClient.CheckHealth(tctx, nil); err != nil {
				ok = false
			}
		} else {
			ok = false
		}

		if ok {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	})
	return mux
}
