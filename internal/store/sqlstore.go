package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS exposures (
	id               TEXT PRIMARY KEY,
	date_ms          INTEGER NOT NULL UNIQUE,
	duration_minutes INTEGER NOT NULL,
	received_ms      INTEGER NOT NULL
);
`

// nowUTC returns the current UTC time as an ISO 8601 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// SQLStore implements Store with SQLite.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory if it does not exist.
func OpenSQL(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY away from concurrent workers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v != schemaVersion:
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowUTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) ListExposures(ctx context.Context) ([]types.ExposureRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, date_ms, duration_minutes, received_ms FROM exposures ORDER BY date_ms")
	if err != nil {
		return nil, fmt.Errorf("list exposures: %w", err)
	}
	defer rows.Close()

	var out []types.ExposureRecord
	for rows.Next() {
		var r types.ExposureRecord
		if err := rows.Scan(&r.ID, &r.DateMillisSinceEpoch, &r.DurationMinutes, &r.ReceivedTimestampMs); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertExposuresIfAbsent(ctx context.Context, recs []types.ExposureRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, r := range recs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO exposures(id, date_ms, duration_minutes, received_ms) VALUES(?, ?, ?, ?)
			 ON CONFLICT(date_ms) DO NOTHING`,
			r.ID, r.DateMillisSinceEpoch, r.DurationMinutes, r.ReceivedTimestampMs)
		if err != nil {
			return 0, fmt.Errorf("insert exposure: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *SQLStore) ResetExposures(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM exposures"); err != nil {
		return fmt.Errorf("delete exposures: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", KeyLastProcessedFile); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) PruneExposures(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM exposures WHERE date_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune exposures: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
