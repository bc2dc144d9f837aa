// Package calibration persists per-device calibration offsets
// (calibrationOffsetMs, latencyCompMs) in SQLite, so a Client does not need
// to re-learn its playback-path latency on every room rejoin (spec §6).
package calibration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no calibration row exists for a device.
var ErrNotFound = errors.New("calibration: device not found")

// Profile is one device's persisted calibration values.
type Profile struct {
	DeviceID             string
	CalibrationOffsetMs  int64
	LatencyCompMs        int64
	UpdatedAt            time.Time
}

// Store persists calibration profiles in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("calibration database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create calibration database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open calibration database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("calibration store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS calibration_profiles (
	device_id TEXT PRIMARY KEY,
	calibration_offset_ms INTEGER NOT NULL DEFAULT 0,
	latency_comp_ms INTEGER NOT NULL DEFAULT 0,
	updated_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run calibration migrations: %w", err)
	}
	return nil
}

// Get loads the calibration profile for deviceID. Returns ErrNotFound if no
// row exists.
func (s *Store) Get(ctx context.Context, deviceID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, calibration_offset_ms, latency_comp_ms, updated_at_unix_ms
		 FROM calibration_profiles WHERE device_id = ?`, deviceID)

	var p Profile
	var updatedAtMs int64
	if err := row.Scan(&p.DeviceID, &p.CalibrationOffsetMs, &p.LatencyCompMs, &updatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("query calibration profile: %w", err)
	}
	p.UpdatedAt = time.UnixMilli(updatedAtMs)
	return p, nil
}

// Upsert persists p, overwriting any existing row for the same device.
func (s *Store) Upsert(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.DeviceID) == "" {
		return fmt.Errorf("calibration: device id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_profiles (device_id, calibration_offset_ms, latency_comp_ms, updated_at_unix_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			calibration_offset_ms = excluded.calibration_offset_ms,
			latency_comp_ms = excluded.latency_comp_ms,
			updated_at_unix_ms = excluded.updated_at_unix_ms
	`, p.DeviceID, p.CalibrationOffsetMs, p.LatencyCompMs, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert calibration profile: %w", err)
	}
	return nil
}

// Delete removes the calibration profile for deviceID, if any.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calibration_profiles WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete calibration profile: %w", err)
	}
	return nil
}
