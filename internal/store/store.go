// Package store implements the gateway's local persisted state: the
// shadow documents table and the per-(thing,shadowName) sync info
// table, behind a single LocalStore interface with sqlite, postgres,
// mysql, and mongo backends.
package store

import (
	"context"
	"fmt"
)

// StoredDocument is one row of the documents table.
type StoredDocument struct {
	Thing      string
	ShadowName string
	Version    uint64
	Document   []byte // full shadow JSON, as persisted
	Deleted    bool
	UpdatedAt  int64
}

// SyncInfo is one row of the sync table: the bookkeeping the sync
// engine needs to run FullSync reconciliation and direction gating.
type SyncInfo struct {
	Thing              string
	ShadowName         string
	LastSyncedVersion  uint64
	LastSyncedDocument []byte // the common-ancestor document for three-way merge
	CloudVersion       uint64
	SyncDirection      string
}

// LocalStore is the persisted-state interface every backend satisfies.
type LocalStore interface {
	GetDocument(ctx context.Context, thing, shadowName string) (*StoredDocument, error)
	PutDocument(ctx context.Context, doc *StoredDocument) error
	DeleteDocument(ctx context.Context, thing, shadowName string, version uint64) error
	ListShadowNames(ctx context.Context, thing string, offset, limit int) ([]string, int, error)

	GetSyncInfo(ctx context.Context, thing, shadowName string) (*SyncInfo, error)
	PutSyncInfo(ctx context.Context, info *SyncInfo) error

	Close() error
}

// ErrNotFound is returned by GetDocument/GetSyncInfo when no row
// exists for the given key.
var ErrNotFound = fmt.Errorf("store: not found")

// Driver selects the backend New wires up.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverMongo    Driver = "mongo"
)

// Config configures whichever backend Driver selects.
type Config struct {
	Driver Driver
	DSN    string // file path for sqlite, connection string otherwise
}

// New constructs the LocalStore backend named by cfg.Driver.
func New(cfg Config) (LocalStore, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return newSQLStore("sqlite3", cfg.DSN, sqliteSchema)
	case DriverPostgres:
		return newSQLStore("postgres", cfg.DSN, postgresSchema)
	case DriverMySQL:
		return newSQLStore("mysql", cfg.DSN, mysqlSchema)
	case DriverMongo:
		return newMongoStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
