package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"playback-edge/work/logger"
	"playback-edge/work/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the sql.DB handle for the service's one SQLite file, which
// holds two small tables: persisted settings overrides and the probe
// failure journal.
type DB struct {
	*sql.DB
}

// Open creates (or opens) the SQLite store in WAL mode and ensures the
// schema exists. The caller treats a failure here as a degradation, not
// a fatal: the service runs on env config alone with journaling off.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := &DB{DB: db}
	if err := wrapper.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema setup failed: %w", err)
	}

	logger.Debug("{database/database - Open} SQLite store opened at %s", path)
	return wrapper, nil
}

// ensureSchema creates the two tables when missing. The schema is small
// and additive, so inline DDL beats a migration framework here.
func (db *DB) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS probe_failures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			url         TEXT NOT NULL,
			reason      TEXT NOT NULL,
			observed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_probe_failures_observed
			ON probe_failures(observed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadSettings returns all persisted settings as a key/value map for
// the config loader to overlay onto the defaults.
func (db *DB) LoadSettings() (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// SaveSetting upserts one settings override. Takes effect on the next
// config load; the running config is immutable.
func (db *DB) SaveSetting(key, value string) error {
	_, err := db.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// RecordProbeFailure journals one failed health probe.
func (db *DB) RecordProbeFailure(url, reason string, observedAt time.Time) error {
	_, err := db.Exec(
		"INSERT INTO probe_failures (url, reason, observed_at) VALUES (?, ?, ?)",
		url, reason, observedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record probe failure: %w", err)
	}
	return nil
}

// RecentProbeFailures returns the newest journal entries, newest first.
func (db *DB) RecentProbeFailures(limit int) ([]types.ProbeFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		"SELECT url, reason, observed_at FROM probe_failures ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe failures: %w", err)
	}
	defer rows.Close()

	failures := make([]types.ProbeFailure, 0, limit)
	for rows.Next() {
		var f types.ProbeFailure
		if err := rows.Scan(&f.URL, &f.Reason, &f.ObservedAt); err != nil {
			continue
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// PruneProbeFailures deletes journal entries older than the cutoff and
// returns how many were removed.
func (db *DB) PruneProbeFailures(olderThan time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM probe_failures WHERE observed_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune probe failures: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Debug("{database/database - PruneProbeFailures} removed %d journal rows", n)
	}
	return n, nil
}
