package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"actiongate/internal/config"
	"actiongate/internal/coordinator"
	"actiongate/internal/janitor"
	"actiongate/internal/logging"
	"actiongate/internal/orchestrator"
	"actiongate/internal/storage"
	"actiongate/internal/target"
	"actiongate/internal/web"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
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
// newServerHook observes the configured server before it starts serving.
var newServerHook = func(*web.Server) {}
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
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
	srv := web.NewServer(coord)
	srv.AuthToken = cfg.Gateway.AuthToken
	srv.RateLimiter = web.NewPerMinuteLimiter(cfg.Gateway.RateLimitPerMinute)
	srv.StoreHealth = store.Ping
	srv.Loops = web.NewLoopTracker()
	if cfg.Gateway.AuthToken == "" {
		slog.Warn("gateway.auth_token not set; API is unauthenticated")
	}

	if cfg.Orchestrator.TemporalAddr != "" {
		tc, err := newTemporalClient(cfg.Orchestrator)
		if err != nil {
			slog.Warn("temporal client connection failed, committing in process", "error", err)
		} else if tc != nil {
			defer tc.Close()
			srv.Committer = &orchestrator.TemporalCommitter{Client: tc, TaskQueue: cfg.Orchestrator.TaskQueue}
			srv.TemporalHealth = func(ctx context.Context) error {
				_, err := tc.CheckHealth(ctx, nil)
				return err
			}
		}
	}

	newServerHook(srv)

	var wg sync.WaitGroup
	if cfg.Janitor.Enabled {
		j := janitor.New(store, cfg.Janitor.Cron)
		if cfg.Janitor.PollIntervalSecs > 0 {
			j.PollInterval = time.Duration(cfg.Janitor.PollIntervalSecs) * time.Second
		}
		srv.Loops.Go(ctx, &wg, "janitor", j.Run)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()
	slog.Info("gateway listening", "addr", httpSrv.Addr, "storage", cfg.Storage.DriverName())
	err = serve(httpSrv)
	stop()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
