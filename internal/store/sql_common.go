package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	thing TEXT NOT NULL,
	shadow_name TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	document TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (thing, shadow_name)
);
CREATE TABLE IF NOT EXISTS sync_info (
	thing TEXT NOT NULL,
	shadow_name TEXT NOT NULL DEFAULT '',
	last_synced_version INTEGER NOT NULL DEFAULT 0,
	last_synced_document TEXT,
	cloud_version INTEGER NOT NULL DEFAULT 0,
	sync_direction TEXT NOT NULL DEFAULT 'betweenDeviceAndCloud',
	PRIMARY KEY (thing, shadow_name)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	thing TEXT NOT NULL,
	shadow_name TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL,
	document TEXT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (thing, shadow_name)
);
CREATE TABLE IF NOT EXISTS sync_info (
	thing TEXT NOT NULL,
	shadow_name TEXT NOT NULL DEFAULT '',
	last_synced_version BIGINT NOT NULL DEFAULT 0,
	last_synced_document TEXT,
	cloud_version BIGINT NOT NULL DEFAULT 0,
	sync_direction TEXT NOT NULL DEFAULT 'betweenDeviceAndCloud',
	PRIMARY KEY (thing, shadow_name)
);
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS documents (
	thing VARCHAR(255) NOT NULL,
	shadow_name VARCHAR(255) NOT NULL DEFAULT '',
	version BIGINT NOT NULL,
	document LONGTEXT NOT NULL,
	deleted TINYINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (thing, shadow_name)
);
CREATE TABLE IF NOT EXISTS sync_info (
	thing VARCHAR(255) NOT NULL,
	shadow_name VARCHAR(255) NOT NULL DEFAULT '',
	last_synced_version BIGINT NOT NULL DEFAULT 0,
	last_synced_document LONGTEXT,
	cloud_version BIGINT NOT NULL DEFAULT 0,
	sync_direction VARCHAR(32) NOT NULL DEFAULT 'betweenDeviceAndCloud',
	PRIMARY KEY (thing, shadow_name)
);
`

// sqlStore implements LocalStore against any database/sql driver that
// speaks ANSI-ish SQL closely enough to share these query templates.
// The three concrete SQL backends (sqlite, postgres, mysql) differ
// only in driver name, schema DDL, and upsert syntax.
type sqlStore struct {
	db     *sql.DB
	driver string
}

func newSQLStore(driver, dsn, schema string) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &sqlStore{db: db, driver: driver}, nil
}

func (s *sqlStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlStore) GetDocument(ctx context.Context, thing, shadowName string) (*StoredDocument, error) {
	query := fmt.Sprintf(`SELECT version, document, deleted, updated_at FROM documents WHERE thing = %s AND shadow_name = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, thing, shadowName)

	var doc StoredDocument
	doc.Thing, doc.ShadowName = thing, shadowName
	var document string
	if err := row.Scan(&doc.Version, &document, &doc.Deleted, &doc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get document: %w", err)
	}
	doc.Document = []byte(document)
	return &doc, nil
}

func (s *sqlStore) PutDocument(ctx context.Context, doc *StoredDocument) error {
	var query string
	switch s.driver {
	case "mysql":
		query = `INSERT INTO documents (thing, shadow_name, version, document, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE version = VALUES(version), document = VALUES(document), deleted = VALUES(deleted), updated_at = VALUES(updated_at)`
	case "postgres":
		query = `INSERT INTO documents (thing, shadow_name, version, document, deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (thing, shadow_name) DO UPDATE SET version = excluded.version, document = excluded.document, deleted = excluded.deleted, updated_at = excluded.updated_at`
	default: // sqlite3
		query = `INSERT INTO documents (thing, shadow_name, version, document, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(thing, shadow_name) DO UPDATE SET version = excluded.version, document = excluded.document, deleted = excluded.deleted, updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, query, doc.Thing, doc.ShadowName, doc.Version, string(doc.Document), doc.Deleted, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put document: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteDocument(ctx context.Context, thing, shadowName string, version uint64) error {
	query := fmt.Sprintf(`UPDATE documents SET deleted = true, version = %s WHERE thing = %s AND shadow_name = %s`, s.ph(1), s.ph(2), s.ph(3))
	if s.driver != "postgres" {
		query = `UPDATE documents SET deleted = 1, version = ? WHERE thing = ? AND shadow_name = ?`
	}
	res, err := s.db.ExecContext(ctx, query, version, thing, shadowName)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListShadowNames(ctx context.Context, thing string, offset, limit int) ([]string, int, error) {
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM documents WHERE thing = %s AND deleted = false`, s.ph(1))
	if s.driver != "postgres" {
		countQuery = `SELECT COUNT(*) FROM documents WHERE thing = ? AND deleted = 0`
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, thing).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count shadows: %w", err)
	}

	listQuery := fmt.Sprintf(`SELECT shadow_name FROM documents WHERE thing = %s AND deleted = false AND shadow_name != '' ORDER BY shadow_name LIMIT %s OFFSET %s`, s.ph(1), s.ph(2), s.ph(3))
	if s.driver != "postgres" {
		listQuery = `SELECT shadow_name FROM documents WHERE thing = ? AND deleted = 0 AND shadow_name != '' ORDER BY shadow_name LIMIT ? OFFSET ?`
	}
	rows, err := s.db.QueryContext(ctx, listQuery, thing, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list shadows: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, total, nil
}

func (s *sqlStore) GetSyncInfo(ctx context.Context, thing, shadowName string) (*SyncInfo, error) {
	query := fmt.Sprintf(`SELECT last_synced_version, last_synced_document, cloud_version, sync_direction FROM sync_info WHERE thing = %s AND shadow_name = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, thing, shadowName)

	var info SyncInfo
	info.Thing, info.ShadowName = thing, shadowName
	var lastDoc sql.NullString
	if err := row.Scan(&info.LastSyncedVersion, &lastDoc, &info.CloudVersion, &info.SyncDirection); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get sync info: %w", err)
	}
	if lastDoc.Valid {
		info.LastSyncedDocument = []byte(lastDoc.String)
	}
	return &info, nil
}

func (s *sqlStore) PutSyncInfo(ctx context.Context, info *SyncInfo) error {
	var query string
	switch s.driver {
	case "mysql":
		query = `INSERT INTO sync_info (thing, shadow_name, last_synced_version, last_synced_document, cloud_version, sync_direction)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE last_synced_version = VALUES(last_synced_version), last_synced_document = VALUES(last_synced_document), cloud_version = VALUES(cloud_version), sync_direction = VALUES(sync_direction)`
	case "postgres":
		query = `INSERT INTO sync_info (thing, shadow_name, last_synced_version, last_synced_document, cloud_version, sync_direction)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (thing, shadow_name) DO UPDATE SET last_synced_version = excluded.last_synced_version, last_synced_document = excluded.last_synced_document, cloud_version = excluded.cloud_version, sync_direction = excluded.sync_direction`
	default:
		query = `INSERT INTO sync_info (thing, shadow_name, last_synced_version, last_synced_document, cloud_version, sync_direction)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(thing, shadow_name) DO UPDATE SET last_synced_version = excluded.last_synced_version, last_synced_document = excluded.last_synced_document, cloud_version = excluded.cloud_version, sync_direction = excluded.sync_direction`
	}

	_, err := s.db.ExecContext(ctx, query, info.Thing, info.ShadowName, info.LastSyncedVersion, string(info.LastSyncedDocument), info.CloudVersion, info.SyncDirection)
	if err != nil {
		return fmt.Errorf("store: put sync info: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
