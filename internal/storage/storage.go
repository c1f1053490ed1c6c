// Package storage opens the store selected by configuration: Postgres for
// shared deployments, SQLite for a single node, memory for local
// development.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"actiongate/internal/config"
	"actiongate/internal/coordinator"
	"actiongate/internal/db"
	"actiongate/internal/janitor"
	"actiongate/internal/localstore"
	"actiongate/internal/memstore"
)

// Store is a coordinator store that can be probed and closed.
type Store interface {
	coordinator.Store
	janitor.Store
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*db.DB)(nil)
	_ Store = (*localstore.Store)(nil)
	_ Store = (*memstore.Store)(nil)
)

var openPostgres = func(dsn string, pool db.Pool) (Store, error) {
	return db.Open(dsn, pool)
}

var openSQLite = func(path string) (Store, error) {
	return localstore.Open(path)
}

// Open returns the store for cfg. Postgres schemas are managed by the
// migrate command; SQLite creates its schema on open.
func Open(cfg config.StorageConfig) (Store, error) {
	switch driver := cfg.DriverName(); driver {
	case config.StoragePostgres:
		pool := db.DefaultPool()
		if cfg.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.MaxOpenConns
		}
		s, err := openPostgres(cfg.PostgresDSN, pool)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	case config.StorageSQLite:
		s, err := openSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	case config.StorageMemory:
		slog.Warn("using in-memory storage; plans and approvals are lost on restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
