// Package store holds the persistent backends for authoritative entity
// values.
package store

import (
	"context"
	"fmt"

	"collabtext/diffsync/internal/diffsync"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverBolt     = "bolt"
)

// Store is a diffsync.Store that holds resources until closed.
type Store interface {
	diffsync.Store
	Close() error
}

// Open connects to the store selected by driver. dsn is a connection string
// for postgres and a file path for sqlite3 and bolt.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return memory{diffsync.NewMemStore()}, nil
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverBolt:
		return OpenBolt(dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

type memory struct {
	*diffsync.MemStore
}

func (memory) Close() error { return nil }
