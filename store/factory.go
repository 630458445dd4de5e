package store

import (
	"context"
	"fmt"
	"os"

	"training-orchestrator/apiconfig"
	"training-orchestrator/logging"
	"training-orchestrator/types"
)

// New creates a Store from configuration. With no explicit backend it uses
// PostgreSQL when PGHOST is set and falls back to SQLite otherwise, so a
// single binary runs without any database provisioning.
func New(ctx context.Context, cfg apiconfig.StoreConfig) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		if os.Getenv("PGHOST") != "" {
			backend = "postgres"
		} else {
			backend = "sqlite"
		}
	}

	switch backend {
	case "postgres":
		s, err := NewPostgresStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		path := cfg.SqlitePath
		if path == "" {
			path = "orchestrator.db"
		}
		s, err := NewSqliteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, nil
	case "memory":
		logging.Warn("Using in-memory store, records will not survive restart", types.Storage)
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
