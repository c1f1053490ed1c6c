package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"actiongate/internal/config"
	"actiongate/internal/logging"
	"actiongate/migrations"
)

func main() {
	logging.Init("migrate", nil)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

var loadConfig = config.LoadConfig
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }

// migrator is the part of *goose.Provider the actions use.
type migrator interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
	GetDBVersion(ctx context.Context) (int64, error)
}

var newMigrator = func(db *sql.DB, fsys fs.FS) (migrator, error) {
	return goose.NewProvider(goose.DialectPostgres, db, fsys)
}

var actions = map[string]bool{"up": true, "down": true, "status": true, "version": true}

func run(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := flags.String("dsn", "", "postgres DSN (overrides -config)")
	configPath := flags.String("config", "", "gateway config; storage.postgres_dsn is used")
	dir := flags.String("dir", "", "migrations directory (default: embedded)")
	action := flags.String("action", "", "up, down, status or version")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if !actions[strings.TrimSpace(*action)] {
		if strings.TrimSpace(*action) == "" {
			return errors.New("action required")
		}
		return fmt.Errorf("unknown action %q", *action)
	}
	target, err := resolveDSN(*dsn, *configPath)
	if err != nil {
		return err
	}

	var fsys fs.FS = migrations.EmbeddedFS
	if strings.TrimSpace(*dir) != "" {
		fsys = os.DirFS(*dir)
	}
	db, err := openDB(target)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := newMigrator(db, fsys)
	if err != nil {
		return err
	}
	return apply(context.Background(), m, *action, out)
}

// resolveDSN prefers an explicit DSN; otherwise the config must select the
// Postgres backend. The SQLite store creates its own schema.
func resolveDSN(dsn, configPath string) (string, error) {
	if strings.TrimSpace(dsn) != "" {
		return dsn, nil
	}
	if strings.TrimSpace(configPath) == "" {
		return "", errors.New("dsn or config required")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Storage.DriverName() != config.StoragePostgres {
		return "", fmt.Errorf("storage driver %q does not use migrations", cfg.Storage.DriverName())
	}
	return cfg.Storage.PostgresDSN, nil
}

func apply(ctx context.Context, m migrator, action string, out io.Writer) error {
	switch action {
	case "up":
		results, err := m.Up(ctx)
		for _, r := range results {
			printResult(out, r)
		}
		if err != nil {
			return err
		}
		if len(results) == 0 {
			_, _ = fmt.Fprintln(out, "no migrations to apply")
		}
	case "down":
		r, err := m.Down(ctx)
		if r != nil {
			printResult(out, r)
		}
		if err != nil {
			return err
		}
	case "status":
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
			}
			_, _ = fmt.Fprintf(out, "%05d  %-8s %s\n", sourceVersion(s.Source), applied, sourcePath(s.Source))
		}
	case "version":
		v, err := m.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "version %d\n", v)
	}
	return nil
}

func printResult(out io.Writer, r *goose.MigrationResult) {
	status := "ok"
	if r.Error != nil {
		status = r.Error.Error()
	}
	_, _ = fmt.Fprintf(out, "%s %05d %s (%s) %s\n", r.Direction, sourceVersion(r.Source), sourcePath(r.Source), r.Duration.Round(time.Millisecond), status)
}

func sourceVersion(s *goose.Source) int64 {
	if s == nil {
		return 0
	}
	return s.Version
}

func sourcePath(s *goose.Source) string {
	if s == nil {
		return ""
	}
	return s.Path
}
