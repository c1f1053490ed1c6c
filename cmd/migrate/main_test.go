package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/pressly/goose/v3"

	"actiongate/internal/config"
)

type fakeMigrator struct {
	up      []*goose.MigrationResult
	down    *goose.MigrationResult
	status  []*goose.MigrationStatus
	version int64
	err     error
}

func (f *fakeMigrator) Up(ctx context.Context) ([]*goose.MigrationResult, error) {
	return f.up, f.err
}

func (f *fakeMigrator) Down(ctx context.Context) (*goose.MigrationResult, error) {
	return f.down, f.err
}

func (f *fakeMigrator) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	return f.status, f.err
}

func (f *fakeMigrator) GetDBVersion(ctx context.Context) (int64, error) {
	return f.version, f.err
}

func TestRunMissingAction(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"-dsn", "postgres://example"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunUnknownAction(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"-dsn", "postgres://example", "-action", "redo"}, &buf); err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Fatalf("err: %v", err)
	}
}

func TestRunMissingDSN(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"-action", "up"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestResolveDSNFromConfig(t *testing.T) {
	oldLoad := loadConfig
	defer func() { loadConfig = oldLoad }()

	loadConfig = func(string) (config.Config, error) {
		return config.Config{Storage: config.StorageConfig{PostgresDSN: "postgres://cfg"}}, nil
	}
	got, err := resolveDSN("", "cfg.yaml")
	if err != nil || got != "postgres://cfg" {
		t.Fatalf("dsn: %q %v", got, err)
	}
	if got, _ := resolveDSN("postgres://flag", "cfg.yaml"); got != "postgres://flag" {
		t.Fatalf("flag should win: %q", got)
	}

	loadConfig = func(string) (config.Config, error) {
		return config.Config{Storage: config.StorageConfig{Driver: config.StorageSQLite, SQLitePath: "x.db"}}, nil
	}
	if _, err := resolveDSN("", "cfg.yaml"); err == nil {
		t.Fatalf("expected sqlite rejection")
	}

	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	if _, err := resolveDSN("", "cfg.yaml"); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestRunUsesEmbeddedMigrations(t *testing.T) {
	oldOpen, oldNew := openDB, newMigrator
	defer func() { openDB, newMigrator = oldOpen, oldNew }()
	openDB = func(dsn string) (*sql.DB, error) {
		if dsn != "postgres://example" {
			t.Fatalf("dsn: %s", dsn)
		}
		return sql.Open("postgres", dsn)
	}
	var gotFS fs.FS
	newMigrator = func(db *sql.DB, fsys fs.FS) (migrator, error) {
		gotFS = fsys
		return &fakeMigrator{version: 1}, nil
	}
	var buf bytes.Buffer
	if err := run([]string{"-dsn", "postgres://example", "-action", "version"}, &buf); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := fs.Stat(gotFS, "00001_init.sql"); err != nil {
		t.Fatalf("embedded migrations not used: %v", err)
	}
	if buf.String() != "version 1\n" {
		t.Fatalf("output: %q", buf.String())
	}
}

func TestRunOpenError(t *testing.T) {
	oldOpen := openDB
	defer func() { openDB = oldOpen }()
	openDB = func(string) (*sql.DB, error) { return nil, errors.New("bad dsn") }
	var buf bytes.Buffer
	if err := run([]string{"-dsn", "postgres://example", "-action", "up"}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyPrintsResults(t *testing.T) {
	ctx := context.Background()
	src := &goose.Source{Path: "00001_init.sql", Version: 1}
	m := &fakeMigrator{
		up:     []*goose.MigrationResult{{Source: src, Direction: "up", Duration: 3 * time.Millisecond}},
		down:   &goose.MigrationResult{Source: src, Direction: "down"},
		status: []*goose.MigrationStatus{{Source: src}},
	}
	var buf bytes.Buffer
	if err := apply(ctx, m, "up", &buf); err != nil {
		t.Fatalf("up: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "up 00001 00001_init.sql (3ms) ok") {
		t.Fatalf("up output: %q", buf.String())
	}
	buf.Reset()
	if err := apply(ctx, m, "down", &buf); err != nil || !strings.HasPrefix(buf.String(), "down 00001") {
		t.Fatalf("down: %q %v", buf.String(), err)
	}
	buf.Reset()
	if err := apply(ctx, m, "status", &buf); err != nil || !strings.Contains(buf.String(), "pending") {
		t.Fatalf("status: %q %v", buf.String(), err)
	}
	buf.Reset()
	if err := apply(ctx, &fakeMigrator{}, "up", &buf); err != nil || buf.String() != "no migrations to apply\n" {
		t.Fatalf("empty up: %q %v", buf.String(), err)
	}
	if err := apply(ctx, &fakeMigrator{err: errors.New("locked")}, "status", &buf); err == nil {
		t.Fatalf("expected error")
	}
}
