// Package calstore persists versioned diagram calibrations using SQLite, so a
// map can be served from its last known metadata when the API is unreachable.
package calstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pathway-tiles/server/internal/projection"
	_ "modernc.org/sqlite"
)

// Record is one stored calibration of a map.
type Record struct {
	MapID          string                     `json:"map_id"`
	Version        uint64                     `json:"version"`
	ModelID        int                        `json:"model_id"`
	Metadata       projection.DiagramMetadata `json:"metadata"`
	OverlayBaseURL string                     `json:"overlay_base_url"`
	Source         string                     `json:"source"`
	LoadedAt       time.Time                  `json:"loaded_at"`
}

// Store provides persistent storage for calibration records.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and migrates) a SQLite calibration store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calibrations (
		map_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		model_id INTEGER NOT NULL DEFAULT 0,
		width REAL NOT NULL,
		height REAL NOT NULL,
		tile_size REAL NOT NULL,
		min_zoom INTEGER NOT NULL,
		max_zoom INTEGER NOT NULL,
		overlay_base_url TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		loaded_at TEXT NOT NULL,
		PRIMARY KEY (map_id, version)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.ensureColumn("calibrations", "model_id", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds a column to tables created before it existed.
func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl)
	return err
}

// Save stores a record. Saving an existing (map, version) pair replaces it.
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO calibrations
			(map_id, version, model_id, width, height, tile_size, min_zoom, max_zoom, overlay_base_url, source, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.MapID,
		int64(rec.Version),
		rec.ModelID,
		rec.Metadata.Width,
		rec.Metadata.Height,
		rec.Metadata.TileSize,
		rec.Metadata.MinZoom,
		rec.Metadata.MaxZoom,
		rec.OverlayBaseURL,
		rec.Source,
		rec.LoadedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Latest returns the highest version stored for a map, or nil if none.
func (s *Store) Latest(mapID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT map_id, version, model_id, width, height, tile_size, min_zoom, max_zoom, overlay_base_url, source, loaded_at
		FROM calibrations WHERE map_id = ?
		ORDER BY version DESC LIMIT 1
	`, mapID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// History returns up to limit records for a map, newest first.
func (s *Store) History(mapID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT map_id, version, model_id, width, height, tile_size, min_zoom, max_zoom, overlay_base_url, source, loaded_at
		FROM calibrations WHERE map_id = ?
		ORDER BY version DESC LIMIT ?
	`, mapID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep versions of a map and deletes the rest.
func (s *Store) Prune(mapID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 1 {
		keep = 1
	}
	result, err := s.db.Exec(`
		DELETE FROM calibrations
		WHERE map_id = ? AND version NOT IN (
			SELECT version FROM calibrations WHERE map_id = ? ORDER BY version DESC LIMIT ?
		)
	`, mapID, mapID, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		version  int64
		loadedAt string
	)
	err := row.Scan(
		&rec.MapID,
		&version,
		&rec.ModelID,
		&rec.Metadata.Width,
		&rec.Metadata.Height,
		&rec.Metadata.TileSize,
		&rec.Metadata.MinZoom,
		&rec.Metadata.MaxZoom,
		&rec.OverlayBaseURL,
		&rec.Source,
		&loadedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	if t, err := time.Parse(time.RFC3339Nano, loadedAt); err == nil {
		rec.LoadedAt = t
	}
	return &rec, nil
}
