package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
)

// PostgresStore implements DAO against Postgres, for deployments that share
// a shadow store across multiple gateway processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shadow_documents (
		thing TEXT NOT NULL,
		shadow TEXT NOT NULL,
		document BYTEA NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (thing, shadow)
	);

	CREATE TABLE IF NOT EXISTS sync_information (
		thing TEXT NOT NULL,
		shadow TEXT NOT NULL,
		cloud_version BIGINT NOT NULL DEFAULT 0,
		local_version BIGINT NOT NULL DEFAULT 0,
		cloud_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		last_synced_document BYTEA,
		last_sync_time BIGINT NOT NULL DEFAULT 0,
		cloud_update_time BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (thing, shadow)
	);

	CREATE INDEX IF NOT EXISTS idx_shadow_documents_thing ON shadow_documents(thing);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_documents (thing, shadow, document, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thing, shadow) DO NOTHING
	`, thing, shadowName, document, version)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to create shadow document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to read rows affected", err)
	}
	if n == 0 {
		return shadowerr.New(shadowerr.KindConflictError, fmt.Sprintf("shadow already exists for thing %q", thing))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	var document []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT document, version FROM shadow_documents WHERE thing = $1 AND shadow = $2`,
		thing, shadowName).Scan(&document, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, shadowerr.Wrap(shadowerr.KindServiceError, "failed to query shadow document", err)
	}
	return document, version, true, nil
}

func (s *PostgresStore) Update(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_documents (thing, shadow, document, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thing, shadow) DO UPDATE SET
			document = EXCLUDED.document,
			version = EXCLUDED.version
	`, thing, shadowName, document, version)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to update shadow document", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	document, version, ok, err := s.Get(ctx, thing, shadowName)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return nil, 0, false, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shadow_documents WHERE thing = $1 AND shadow = $2`, thing, shadowName); err != nil {
		return nil, 0, false, shadowerr.Wrap(shadowerr.KindServiceError, "failed to delete shadow document", err)
	}
	return document, version, true, nil
}

func (s *PostgresStore) ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error) {
	if limit < 1 || limit > 100 {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, "pageSize must be between 1 and 100")
	}
	if offset < 0 {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, "offset must be non-negative")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT shadow FROM shadow_documents
		WHERE thing = $1 AND shadow != ''
		ORDER BY shadow ASC
		LIMIT $2 OFFSET $3
	`, thing, limit, offset)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.KindServiceError, "failed to list named shadows", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, shadowerr.Wrap(shadowerr.KindServiceError, "failed to scan shadow name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) InsertSyncInfoIfNotExists(ctx context.Context, row SyncInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_information
			(thing, shadow, cloud_version, local_version, cloud_deleted, last_synced_document, last_sync_time, cloud_update_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thing, shadow) DO NOTHING
	`, row.Thing, row.ShadowName, row.CloudVersion, row.LocalVersion, row.CloudDeleted,
		row.LastSyncedDocument, row.LastSyncTime, row.CloudUpdateTime)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to insert sync row", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSyncInformation(ctx context.Context, row SyncInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_information
			(thing, shadow, cloud_version, local_version, cloud_deleted, last_synced_document, last_sync_time, cloud_update_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thing, shadow) DO UPDATE SET
			cloud_version = EXCLUDED.cloud_version,
			local_version = EXCLUDED.local_version,
			cloud_deleted = EXCLUDED.cloud_deleted,
			last_synced_document = EXCLUDED.last_synced_document,
			last_sync_time = EXCLUDED.last_sync_time,
			cloud_update_time = EXCLUDED.cloud_update_time
	`, row.Thing, row.ShadowName, row.CloudVersion, row.LocalVersion, row.CloudDeleted,
		row.LastSyncedDocument, row.LastSyncTime, row.CloudUpdateTime)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to update sync row", err)
	}
	return nil
}

func (s *PostgresStore) GetShadowSyncInformation(ctx context.Context, thing, shadowName string) (*SyncInfo, bool, error) {
	var row SyncInfo
	row.Thing, row.ShadowName = thing, shadowName
	err := s.db.QueryRowContext(ctx, `
		SELECT cloud_version, local_version, cloud_deleted, last_synced_document, last_sync_time, cloud_update_time
		FROM sync_information WHERE thing = $1 AND shadow = $2
	`, thing, shadowName).Scan(&row.CloudVersion, &row.LocalVersion, &row.CloudDeleted, &row.LastSyncedDocument, &row.LastSyncTime, &row.CloudUpdateTime)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shadowerr.Wrap(shadowerr.KindServiceError, "failed to query sync row", err)
	}
	return &row, true, nil
}

func (s *PostgresStore) ListSyncedShadows(ctx context.Context) ([]ThingShadow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thing, shadow FROM sync_information`)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.KindServiceError, "failed to list sync rows", err)
	}
	defer rows.Close()

	out := []ThingShadow{}
	for rows.Next() {
		var ts ThingShadow
		if err := rows.Scan(&ts.Thing, &ts.ShadowName); err != nil {
			return nil, shadowerr.Wrap(shadowerr.KindServiceError, "failed to scan sync row", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSyncInformation(ctx context.Context, thing, shadowName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_information WHERE thing = $1 AND shadow = $2`, thing, shadowName); err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to delete sync row", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
