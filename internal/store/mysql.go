package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
)

// MySQLStore implements DAO against MySQL/MariaDB.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shadow_documents (
		thing VARCHAR(128) NOT NULL,
		shadow VARCHAR(128) NOT NULL,
		document LONGBLOB NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (thing, shadow)
	) ENGINE=InnoDB;

	CREATE TABLE IF NOT EXISTS sync_information (
		thing VARCHAR(128) NOT NULL,
		shadow VARCHAR(128) NOT NULL,
		cloud_version BIGINT NOT NULL DEFAULT 0,
		local_version BIGINT NOT NULL DEFAULT 0,
		cloud_deleted TINYINT(1) NOT NULL DEFAULT 0,
		last_synced_document LONGBLOB,
		last_sync_time BIGINT NOT NULL DEFAULT 0,
		cloud_update_time BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (thing, shadow)
	) ENGINE=InnoDB;
	`
	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// splitStatements is needed because the mysql driver (unlike sqlite3/lib/pq)
// does not accept multiple statements in a single Exec by default.
func splitStatements(schema string) []string {
	var out []string
	start := 0
	for i := 0; i < len(schema); i++ {
		if schema[i] == ';' {
			stmt := schema[start:i]
			start = i + 1
			trimmed := trimSpace(stmt)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func (s *MySQLStore) Create(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO shadow_documents (thing, shadow, document, version)
		VALUES (?, ?, ?, ?)
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

func (s *MySQLStore) Get(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	var document []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT document, version FROM shadow_documents WHERE thing = ? AND shadow = ?`,
		thing, shadowName).Scan(&document, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, shadowerr.Wrap(shadowerr.KindServiceError, "failed to query shadow document", err)
	}
	return document, version, true, nil
}

func (s *MySQLStore) Update(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_documents (thing, shadow, document, version)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE document = VALUES(document), version = VALUES(version)
	`, thing, shadowName, document, version)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to update shadow document", err)
	}
	return nil
}

func (s *MySQLStore) Delete(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	document, version, ok, err := s.Get(ctx, thing, shadowName)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return nil, 0, false, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shadow_documents WHERE thing = ? AND shadow = ?`, thing, shadowName); err != nil {
		return nil, 0, false, shadowerr.Wrap(shadowerr.KindServiceError, "failed to delete shadow document", err)
	}
	return document, version, true, nil
}

func (s *MySQLStore) ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error) {
	if limit < 1 || limit > 100 {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, "pageSize must be between 1 and 100")
	}
	if offset < 0 {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, "offset must be non-negative")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT shadow FROM shadow_documents
		WHERE thing = ? AND shadow != ''
		ORDER BY shadow ASC
		LIMIT ? OFFSET ?
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

func (s *MySQLStore) InsertSyncInfoIfNotExists(ctx context.Context, row SyncInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO sync_information
			(thing, shadow, cloud_version, local_version, cloud_deleted, last_synced_document, last_sync_time, cloud_update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Thing, row.ShadowName, row.CloudVersion, row.LocalVersion, boolToInt(row.CloudDeleted),
		row.LastSyncedDocument, row.LastSyncTime, row.CloudUpdateTime)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to insert sync row", err)
	}
	return nil
}

func (s *MySQLStore) UpdateSyncInformation(ctx context.Context, row SyncInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_information
			(thing, shadow, cloud_version, local_version, cloud_deleted, last_synced_document, last_sync_time, cloud_update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			cloud_version = VALUES(cloud_version),
			local_version = VALUES(local_version),
			cloud_deleted = VALUES(cloud_deleted),
			last_synced_document = VALUES(last_synced_document),
			last_sync_time = VALUES(last_sync_time),
			cloud_update_time = VALUES(cloud_update_time)
	`, row.Thing, row.ShadowName, row.CloudVersion, row.LocalVersion, boolToInt(row.CloudDeleted),
		row.LastSyncedDocument, row.LastSyncTime, row.CloudUpdateTime)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to update sync row", err)
	}
	return nil
}

func (s *MySQLStore) GetShadowSyncInformation(ctx context.Context, thing, shadowName string) (*SyncInfo, bool, error) {
	var row SyncInfo
	var cloudDeleted int
	row.Thing, row.ShadowName = thing, shadowName
	err := s.db.QueryRowContext(ctx, `
		SELECT cloud_version, local_version, cloud_deleted, last_synced_document, last_sync_time, cloud_update_time
		FROM sync_information WHERE thing = ? AND shadow = ?
	`, thing, shadowName).Scan(&row.CloudVersion, &row.LocalVersion, &cloudDeleted, &row.LastSyncedDocument, &row.LastSyncTime, &row.CloudUpdateTime)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shadowerr.Wrap(shadowerr.KindServiceError, "failed to query sync row", err)
	}
	row.CloudDeleted = cloudDeleted != 0
	return &row, true, nil
}

func (s *MySQLStore) ListSyncedShadows(ctx context.Context) ([]ThingShadow, error) {
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

func (s *MySQLStore) DeleteSyncInformation(ctx context.Context, thing, shadowName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_information WHERE thing = ? AND shadow = ?`, thing, shadowName); err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to delete sync row", err)
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
