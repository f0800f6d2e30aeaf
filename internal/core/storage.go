package core

import (
	"context"
	"fmt"

	"chatstore/internal/infra/persistence/postgres"
	"chatstore/internal/infra/persistence/sqlite"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // private in-memory sqlite (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenDatabase validates cfg and connects to its backend without touching
// the schema. The caller owns the returned handle.
func OpenDatabase(ctx context.Context, cfg Config) (*sqldb.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, &domain.StorageError{Op: "core.open", Err: err}
	}
	return db, nil
}

// openDatabase selects the backend once; everything above it talks to
// sqldb.DB and the dialect hooks.
func openDatabase(ctx context.Context, cfg Config) (*sqldb.DB, error) {
	switch cfg.Backend {
	case StorageMemory:
		return sqlite.OpenMemory()
	case StorageSQLite:
		return sqlite.Open(cfg.SQLitePath, cfg.PoolMaxConnections)
	case StoragePostgres:
		return postgres.Open(ctx, cfg.PostgresDSN, cfg.PoolMaxConnections)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Backend)
	}
}
