// Package store implements the persistent shadow store (the DAO):
// transactional per-(thing,shadow) storage with paginated listing, plus
// the companion sync-state table.
package store

import (
	"context"
	"fmt"
)

// ThingShadow names one (thing, shadow) pair. ShadowName == "" denotes the
// classic shadow.
type ThingShadow struct {
	Thing      string
	ShadowName string
}

// SyncInfo is the per-(thing, shadow) sync-state row.
type SyncInfo struct {
	Thing              string
	ShadowName         string
	CloudVersion       int64
	LocalVersion       int64
	CloudDeleted       bool
	LastSyncedDocument []byte
	LastSyncTime       int64
	CloudUpdateTime    int64
}

// DAO is the persistence contract for shadow documents and sync-state rows.
// All read operations are safe for concurrent use;
// writers are expected to be serialized by the caller's per-shadow write
// lock (internal/lock) before calling Create/Update/Delete.
type DAO interface {
	// Create inserts a new shadow document, failing with a
	// shadowerr.KindConflictError ("AlreadyExists") if one is already
	// present.
	Create(ctx context.Context, thing, shadowName string, document []byte, version int64) error

	// Get returns the stored document and version. ok is false if absent.
	Get(ctx context.Context, thing, shadowName string) (document []byte, version int64, ok bool, err error)

	// Update upserts a shadow document at the given version.
	Update(ctx context.Context, thing, shadowName string, document []byte, version int64) error

	// Delete removes a shadow document, returning the document that was
	// deleted (ok is false if none existed).
	Delete(ctx context.Context, thing, shadowName string) (document []byte, version int64, ok bool, err error)

	// ListNamedShadows returns named shadows for thing, lexicographically
	// ascending, excluding the classic shadow. limit must be in [1,100].
	ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error)

	// InsertSyncInfoIfNotExists creates a sync row if one does not already
	// exist for (row.Thing, row.ShadowName); it is a no-op otherwise.
	InsertSyncInfoIfNotExists(ctx context.Context, row SyncInfo) error

	// UpdateSyncInformation upserts a sync-state row.
	UpdateSyncInformation(ctx context.Context, row SyncInfo) error

	// GetShadowSyncInformation returns the sync row for (thing, shadowName).
	GetShadowSyncInformation(ctx context.Context, thing, shadowName string) (*SyncInfo, bool, error)

	// ListSyncedShadows returns every (thing, shadow) with a sync row.
	ListSyncedShadows(ctx context.Context) ([]ThingShadow, error)

	// DeleteSyncInformation removes the sync row for (thing, shadowName).
	DeleteSyncInformation(ctx context.Context, thing, shadowName string) error

	// Close releases the underlying connection.
	Close() error
}

// Backend names a supported DAO backend.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
)

// Config selects and configures a DAO backend.
type Config struct {
	Backend Backend

	// SQLite
	Path string

	// Postgres / MySQL
	DSN string
}

// New constructs a DAO for the configured backend.
func New(cfg Config) (DAO, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(cfg.Path)
	case BackendPostgres:
		return NewPostgresStore(cfg.DSN)
	case BackendMySQL:
		return NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
