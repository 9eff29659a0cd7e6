// Package persistence selects a concrete PersistentStore from configuration.
package persistence

import (
	"fmt"

	"certcore/internal/config"
	"certcore/internal/infra/persistence/memory"
	"certcore/internal/infra/persistence/postgres"
	"certcore/internal/infra/persistence/sqlite"
	"certcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Open returns the store cfg names. An empty driver selects sqlite.
func Open(cfg config.Store, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.Path, engine)
	case StoragePostgres:
		return postgres.NewStore(cfg.DSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
