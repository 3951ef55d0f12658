package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/model"

	_ "modernc.org/sqlite"
)

const createDeviceGrantsTable = `
CREATE TABLE IF NOT EXISTS device_grants (
    id          TEXT PRIMARY KEY,
    sysfs_path  TEXT NOT NULL,
    dtbo_label  TEXT NOT NULL,
    bound_at    DATETIME NOT NULL,
    released_at DATETIME
)`

const createPayloadBuildsTable = `
CREATE TABLE IF NOT EXISTS payload_builds (
    id              TEXT PRIMARY KEY,
    apex_count      INTEGER NOT NULL,
    partition_count INTEGER NOT NULL,
    created_at      DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createDeviceGrantsTable, createPayloadBuildsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateDeviceGrant inserts a new grant record.
func (s *SQLiteStore) CreateDeviceGrant(ctx context.Context, g *model.DeviceGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_grants (id, sysfs_path, dtbo_label, bound_at, released_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.SysfsPath, g.DtboLabel, g.BoundAt, g.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("insert device grant: %w", err)
	}
	return nil
}

// GetDeviceGrant retrieves a grant by ID.
func (s *SQLiteStore) GetDeviceGrant(ctx context.Context, id string) (*model.DeviceGrant, error) {
	g := &model.DeviceGrant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sysfs_path, dtbo_label, bound_at, released_at
		FROM device_grants WHERE id = ?`, id,
	).Scan(&g.ID, &g.SysfsPath, &g.DtboLabel, &g.BoundAt, &g.ReleasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device grant: %w", err)
	}
	return g, nil
}

// ListDeviceGrants returns grants ordered by bound_at DESC, optionally
// restricted to live (unreleased) ones.
func (s *SQLiteStore) ListDeviceGrants(ctx context.Context, activeOnly bool) ([]*model.DeviceGrant, error) {
	query := `SELECT id, sysfs_path, dtbo_label, bound_at, released_at
		FROM device_grants`
	if activeOnly {
		query += ` WHERE released_at IS NULL`
	}
	query += ` ORDER BY bound_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list device grants: %w", err)
	}
	defer rows.Close()

	var grants []*model.DeviceGrant
	for rows.Next() {
		g := &model.DeviceGrant{}
		if err := rows.Scan(&g.ID, &g.SysfsPath, &g.DtboLabel, &g.BoundAt, &g.ReleasedAt); err != nil {
			return nil, fmt.Errorf("scan device grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device grants: %w", err)
	}
	return grants, nil
}

// MarkDeviceReleased stamps the release time on a grant.
func (s *SQLiteStore) MarkDeviceReleased(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_grants SET released_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("mark device released: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPayloadBuild inserts a payload build audit record.
func (s *SQLiteStore) RecordPayloadBuild(ctx context.Context, b *model.PayloadBuild) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payload_builds (id, apex_count, partition_count, created_at)
		VALUES (?, ?, ?, ?)`,
		b.ID, b.ApexCount, b.PartitionCount, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payload build: %w", err)
	}
	return nil
}
