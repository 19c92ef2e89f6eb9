package core

import (
	"context"
	"fmt"
	"log/slog"

	"cocoaquota/internal/infra/persistence/memory"
	"cocoaquota/internal/infra/persistence/postgres"
	"cocoaquota/internal/infra/persistence/sqlite"
	"cocoaquota/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver     StorageDriver
	SQLitePath string
	Postgres   postgres.Config
}

// OpenStore opens the configured backend. An empty driver means sqlite.
func OpenStore(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (domain.Store, error) {
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case "", StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.Open(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
