// Package store persists fit results, calibration scans, and logbook
// references to a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// FitRecord is one spectral fit outcome for a device: the three component
// widths and the fit quality. The rows double as the FWHM trend source
// across restarts.
type FitRecord struct {
	ID             int64     `json:"id"`
	Device         string    `json:"device"`
	BackgroundFWHM float64   `json:"fwhm_bkg"`
	EnvelopeFWHM   float64   `json:"fwhm_env"`
	SpikeFWHM      float64   `json:"fwhm_spike"`
	RedChiSquare   float64   `json:"red_chi_square"`
	CreatedAt      time.Time `json:"created_at"`
}

// CalibrationRecord is one calibration scan, complete or aborted.
type CalibrationRecord struct {
	ID         int64     `json:"id"`
	Device     string    `json:"device"`
	Positions  []float64 `json:"positions"`
	Widths     []float64 `json:"widths"`
	Best       float64   `json:"best"`
	Aborted    bool      `json:"aborted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ElogRecord references an entry pushed to the logbook.
type ElogRecord struct {
	ID        int64     `json:"id"`
	Device    string    `json:"device"`
	Panel     string    `json:"panel"`
	MessageID string    `json:"message_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the SQLite handle.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open initializes the database at path, creating the directory and the
// schema as needed. Use ":memory:" for an ephemeral store.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("set journal_mode=WAL failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("set synchronous=NORMAL failed", zap.Error(err))
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("history store ready", zap.String("path", path))
	return s, nil
}

// migrate creates the required tables.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		fwhm_bkg REAL NOT NULL,
		fwhm_env REAL NOT NULL,
		fwhm_spike REAL NOT NULL,
		red_chi_square REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fits_device ON fits(device, created_at);

	CREATE TABLE IF NOT EXISTS calibrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		positions TEXT NOT NULL,
		widths TEXT NOT NULL,
		best REAL NOT NULL,
		aborted INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_calibrations_device ON calibrations(device, finished_at);

	CREATE TABLE IF NOT EXISTS elog_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		panel TEXT NOT NULL,
		message_id TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// SaveFit stores one fit outcome and returns its row id.
func (s *Store) SaveFit(ctx context.Context, rec FitRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fits (device, fwhm_bkg, fwhm_env, fwhm_spike, red_chi_square)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Device, rec.BackgroundFWHM, rec.EnvelopeFWHM, rec.SpikeFWHM, rec.RedChiSquare)
	if err != nil {
		return 0, fmt.Errorf("store: save fit: %w", err)
	}
	return res.LastInsertId()
}

// RecentFits returns the newest fits for a device, most recent first.
func (s *Store) RecentFits(ctx context.Context, device string, limit int) ([]FitRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, fwhm_bkg, fwhm_env, fwhm_spike, red_chi_square, created_at
		 FROM fits WHERE device = ? ORDER BY id DESC LIMIT ?`, device, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query fits: %w", err)
	}
	defer rows.Close()

	var out []FitRecord
	for rows.Next() {
		var rec FitRecord
		if err := rows.Scan(&rec.ID, &rec.Device, &rec.BackgroundFWHM, &rec.EnvelopeFWHM,
			&rec.SpikeFWHM, &rec.RedChiSquare, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan fit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCalibration stores one calibration scan and returns its row id.
func (s *Store) SaveCalibration(ctx context.Context, rec CalibrationRecord) (int64, error) {
	positions, err := json.Marshal(rec.Positions)
	if err != nil {
		return 0, fmt.Errorf("store: encode positions: %w", err)
	}
	widths, err := json.Marshal(rec.Widths)
	if err != nil {
		return 0, fmt.Errorf("store: encode widths: %w", err)
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calibrations (device, positions, widths, best, aborted, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Device, string(positions), string(widths), rec.Best, rec.Aborted, started, finished)
	if err != nil {
		return 0, fmt.Errorf("store: save calibration: %w", err)
	}
	return res.LastInsertId()
}

// LatestCalibration returns the newest calibration for a device, or
// sql.ErrNoRows if none exists.
func (s *Store) LatestCalibration(ctx context.Context, device string) (CalibrationRecord, error) {
	var rec CalibrationRecord
	var positions, widths string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device, positions, widths, best, aborted, started_at, finished_at
		 FROM calibrations WHERE device = ? ORDER BY id DESC LIMIT 1`, device).
		Scan(&rec.ID, &rec.Device, &positions, &widths, &rec.Best, &rec.Aborted,
			&rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return CalibrationRecord{}, err
	}
	if err := json.Unmarshal([]byte(positions), &rec.Positions); err != nil {
		return CalibrationRecord{}, fmt.Errorf("store: decode positions: %w", err)
	}
	if err := json.Unmarshal([]byte(widths), &rec.Widths); err != nil {
		return CalibrationRecord{}, fmt.Errorf("store: decode widths: %w", err)
	}
	return rec, nil
}

// SaveElogEntry records a logbook push.
func (s *Store) SaveElogEntry(ctx context.Context, rec ElogRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO elog_entries (device, panel, message_id, url) VALUES (?, ?, ?, ?)`,
		rec.Device, rec.Panel, rec.MessageID, rec.URL)
	if err != nil {
		return 0, fmt.Errorf("store: save elog entry: %w", err)
	}
	return res.LastInsertId()
}

// RecentElogEntries returns the newest logbook references, most recent first.
func (s *Store) RecentElogEntries(ctx context.Context, limit int) ([]ElogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, panel, message_id, url, created_at
		 FROM elog_entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query elog entries: %w", err)
	}
	defer rows.Close()

	var out []ElogRecord
	for rows.Next() {
		var rec ElogRecord
		if err := rows.Scan(&rec.ID, &rec.Device, &rec.Panel, &rec.MessageID, &rec.URL, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan elog entry: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
